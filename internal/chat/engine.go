// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Mayank29903/Roxxllm/internal/coalesce"
	"github.com/Mayank29903/Roxxllm/internal/kv"
	"github.com/Mayank29903/Roxxllm/internal/model"
	"github.com/Mayank29903/Roxxllm/internal/protocol"
	"github.com/Mayank29903/Roxxllm/internal/title"
)

// =============================================================================
// TRANSPORT INTERFACE
// =============================================================================

// Transport is what the engine needs from the backend client.
type Transport interface {
	Send(ctx context.Context, conversationID, content string) (*protocol.Completion, error)
	SendStream(ctx context.Context, conversationID, content string) (<-chan protocol.Event, error)
	ListConversations(ctx context.Context) ([]protocol.WireConversation, error)
	CreateConversation(ctx context.Context, title string) (*protocol.WireConversation, error)
	DeleteConversation(ctx context.Context, id string) error
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]protocol.WireMessage, error)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBusy is returned when an operation arrives while a send is in
	// flight. One send at a time keeps the optimistic-message invariant.
	ErrBusy = errors.New("a send is already in flight")

	// ErrUnknownConversation is returned when the requested conversation
	// is not in the directory.
	ErrUnknownConversation = errors.New("unknown conversation")
)

// lastActiveKey is the kv key holding the last-selected conversation ID.
const lastActiveKey = "state/last_active"

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable view of engine state pushed to subscribers
// after every visible mutation.
type Snapshot struct {
	Conversations []model.Conversation
	ActiveID      string
	Messages      []model.Message
	Visible       string
	State         State
}

// =============================================================================
// ENGINE
// =============================================================================

// Options configures an Engine.
type Options struct {
	// FlushInterval is the chunk coalescing interval (0 = default).
	FlushInterval time.Duration

	// PageSize is the history fetch limit (0 = server default).
	PageSize int
}

// Engine reconciles client-side conversation state against the backend.
// All mutation flows through it; observers receive snapshots.
type Engine struct {
	client  Transport
	dir     *Directory
	session *Session
	titles  *title.Cache
	store   *kv.Store

	pageSize int

	mu            sync.Mutex
	flushInterval time.Duration
	busy          bool
	cancelSend    context.CancelFunc
	subs          []func(Snapshot)
}

// NewEngine creates an engine over the given transport and local store.
// store may be nil; persistence then degrades to in-memory behavior.
func NewEngine(client Transport, store *kv.Store, opts Options) *Engine {
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = coalesce.DefaultInterval
	}
	return &Engine{
		client:        client,
		dir:           NewDirectory(),
		session:       NewSession(),
		titles:        title.NewCache(store),
		store:         store,
		pageSize:      opts.PageSize,
		flushInterval: interval,
	}
}

// Directory exposes the conversation directory for read access.
func (e *Engine) Directory() *Directory {
	return e.dir
}

// Session exposes the active session for read access.
func (e *Engine) Session() *Session {
	return e.session
}

// SetFlushInterval updates the coalescing interval for subsequent sends.
func (e *Engine) SetFlushInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.flushInterval = d
	e.mu.Unlock()
}

func (e *Engine) currentFlushInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushInterval
}

// =============================================================================
// OBSERVERS
// =============================================================================

// Subscribe registers a snapshot observer. Observers are invoked
// synchronously after each visible mutation, in registration order.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// Snapshot returns the current state view.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Conversations: e.dir.List(),
		Messages:      e.session.Messages(),
		Visible:       e.session.Visible(),
		State:         e.session.State(),
	}
	if conv, ok := e.session.Conversation(); ok {
		snap.ActiveID = conv.ID
	}
	return snap
}

// publish pushes the current snapshot to all subscribers.
func (e *Engine) publish() {
	e.mu.Lock()
	subs := make([]func(Snapshot), len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	snap := e.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

// =============================================================================
// SEND
// =============================================================================

// Send posts content to the active conversation, creating one first when
// none is selected. With stream enabled, response chunks flow through the
// coalescer into the visible buffer; either way the session ends with the
// confirmed assistant message appended and the directory reconciled.
//
// On any failure the optimistic message is removed, the partial buffer
// discarded, and the error returned; turn count and title are untouched.
// A second Send while one is in flight returns ErrBusy.
func (e *Engine) Send(ctx context.Context, content string, stream bool) error {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return ErrBusy
	}
	e.busy = true
	sendCtx, cancel := context.WithCancel(ctx)
	e.cancelSend = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.busy = false
		e.cancelSend = nil
		e.mu.Unlock()
	}()

	conv, ok := e.session.Conversation()
	if !ok {
		created, err := e.createConversation(sendCtx)
		if err != nil {
			return err
		}
		conv = created
	}

	optimistic := model.NewOptimisticUserMessage(content, conv.NextTurn())
	if err := e.session.BeginSend(*optimistic); err != nil {
		return ErrBusy
	}
	e.publish()

	var completion *protocol.Completion
	var err error
	if stream {
		completion, err = e.sendStreaming(sendCtx, conv.ID, content)
	} else {
		e.session.MarkAwaiting()
		e.publish()
		completion, err = e.client.Send(sendCtx, conv.ID, content)
	}
	if err != nil {
		e.session.Rollback()
		e.publish()
		return err
	}

	e.finalize(conv, content, completion)
	e.publish()
	return nil
}

// CancelSend aborts the in-flight send, if any. The send path observes
// the cancellation and rolls back its partial state.
func (e *Engine) CancelSend() {
	e.mu.Lock()
	cancel := e.cancelSend
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// createConversation asks the backend for a fresh conversation and binds
// the session to it.
func (e *Engine) createConversation(ctx context.Context) (model.Conversation, error) {
	wire, err := e.client.CreateConversation(ctx, "")
	if err != nil {
		return model.Conversation{}, err
	}

	conv := conversationFromWire(*wire)
	e.session.SetConversation(conv)
	e.dir.Upsert(conv)
	e.persistLastActive(conv.ID)
	return conv, nil
}

// sendStreaming drives the event channel through the coalescer and
// returns the terminal completion.
func (e *Engine) sendStreaming(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
	events, err := e.client.SendStream(ctx, conversationID, content)
	if err != nil {
		return nil, err
	}

	co := coalesce.New(e.currentFlushInterval(), func(visible string) {
		e.session.SetVisible(visible)
		e.publish()
	})

	var completion *protocol.Completion
	var streamErr error
	streaming := false

	for ev := range events {
		switch ev.Type {
		case protocol.EventChunk:
			if !streaming {
				streaming = true
				e.session.MarkStreaming()
				e.publish()
			}
			co.Write(ev.Content)

		case protocol.EventComplete:
			completion = ev.Completion

		case protocol.EventError:
			streamErr = fmt.Errorf("server error: %s", ev.Content)
		}
	}

	if streamErr != nil {
		co.Reset()
		return nil, streamErr
	}
	if ctx.Err() != nil {
		co.Reset()
		return nil, ctx.Err()
	}

	// Final synchronous flush so the visible buffer holds the full text
	// before finalization clears it.
	co.Finalize()

	if completion == nil {
		// The transport synthesizes a completion on clean EOF, so this
		// is a protocol violation worth surfacing.
		return nil, errors.New("stream ended without a completion")
	}
	return completion, nil
}

// finalize commits a completed send: confirmed assistant message, title
// resolution, turn accounting, directory and cache updates.
func (e *Engine) finalize(conv model.Conversation, content string, completion *protocol.Completion) {
	now := time.Now()

	assistant := model.Message{
		ID:             completion.Message.ID,
		Role:           model.RoleAssistant,
		Content:        completion.Message.Content,
		TurnNumber:     completion.Message.TurnNumber,
		CreatedAt:      completion.Message.CreatedTime(),
		ActiveMemories: completion.ActiveMemories(),
	}
	if assistant.TurnNumber == 0 {
		assistant.TurnNumber = conv.NextTurn()
	}
	if assistant.CreatedAt.IsZero() {
		assistant.CreatedAt = now
	}

	e.session.Finalize(assistant)

	// Title resolution: a server-provided title wins; on the first turn a
	// placeholder falls back to a title derived from the user's message;
	// otherwise the existing title stands.
	firstTurn := conv.TurnCount == 0
	if completion.Conversation != nil && !model.IsPlaceholderTitle(completion.Conversation.Title) {
		conv.Title = completion.Conversation.Title
	} else if firstTurn && conv.HasPlaceholderTitle() {
		conv.Title = title.Derive(content)
	}

	conv.TurnCount++
	conv.UpdatedAt = now

	e.session.UpdateConversation(conv)
	e.dir.Upsert(conv)
	e.titles.Put(conv.ID, conv.Title)
	e.persistLastActive(conv.ID)
}

// =============================================================================
// SELECTION / DELETION / HYDRATION
// =============================================================================

// SelectConversation makes id the active conversation, fetching and
// replacing its message history. Turn count and title are not touched.
func (e *Engine) SelectConversation(ctx context.Context, id string) error {
	if e.isBusy() {
		return ErrBusy
	}

	conv, ok := e.dir.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}

	wire, err := e.client.FetchMessages(ctx, id, e.pageSize)
	if err != nil {
		return err
	}

	e.session.SetConversation(conv)
	e.session.ReplaceMessages(messagesFromWire(wire))
	e.persistLastActive(id)
	e.publish()
	return nil
}

// DeleteConversation removes a conversation everywhere: backend,
// directory, title cache, last-active pointer, and the session when it
// was the active one.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	if e.isBusy() {
		return ErrBusy
	}

	if err := e.client.DeleteConversation(ctx, id); err != nil {
		return err
	}

	e.dir.Remove(id)
	e.titles.Remove(id)

	if cur, ok := e.session.Conversation(); ok && cur.ID == id {
		e.session.Clear()
	}
	if last, ok := e.store.Get(lastActiveKey); ok && last == id {
		if err := e.store.Delete(lastActiveKey); err != nil {
			log.Printf("chat: failed to clear last-active pointer: %v", err)
		}
	}

	e.publish()
	return nil
}

// Hydrate loads the conversation directory from the backend, upgrades
// placeholder titles from the local cache, and restores the last-active
// selection when that conversation still exists.
func (e *Engine) Hydrate(ctx context.Context) error {
	wire, err := e.client.ListConversations(ctx)
	if err != nil {
		return err
	}

	convs := make([]model.Conversation, 0, len(wire))
	for _, w := range wire {
		conv := conversationFromWire(w)
		// Upgrade-only: a cached title fills a placeholder, never
		// replaces a resolved server title.
		e.titles.Upgrade(&conv)
		convs = append(convs, conv)
	}
	e.dir.Replace(convs)

	if last, ok := e.store.Get(lastActiveKey); ok {
		if _, present := e.dir.Get(last); present {
			if err := e.SelectConversation(ctx, last); err != nil {
				// Restoring the selection is best-effort; hydration
				// itself succeeded.
				log.Printf("chat: failed to restore last-active conversation: %v", err)
			}
		} else {
			if err := e.store.Delete(lastActiveKey); err != nil {
				log.Printf("chat: failed to clear stale last-active pointer: %v", err)
			}
		}
	}

	e.publish()
	return nil
}

// NewConversation clears the active selection so the next send creates a
// fresh conversation.
func (e *Engine) NewConversation() error {
	if e.isBusy() {
		return ErrBusy
	}
	e.session.Clear()
	if err := e.store.Delete(lastActiveKey); err != nil && !errors.Is(err, kv.ErrClosed) {
		log.Printf("chat: failed to clear last-active pointer: %v", err)
	}
	e.publish()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) isBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// persistLastActive records the selected conversation, best-effort.
func (e *Engine) persistLastActive(id string) {
	if err := e.store.Put(lastActiveKey, id); err != nil && !errors.Is(err, kv.ErrClosed) {
		log.Printf("chat: failed to persist last-active pointer: %v", err)
	}
}

// conversationFromWire converts a wire summary to the local model.
func conversationFromWire(w protocol.WireConversation) model.Conversation {
	conv := model.Conversation{
		ID:        w.ID,
		Title:     w.Title,
		TurnCount: w.TurnCount,
		CreatedAt: w.CreatedTime(),
	}
	if model.IsPlaceholderTitle(conv.Title) {
		conv.Title = model.DefaultTitle
	}
	return conv
}

// messagesFromWire converts history messages to the local model.
func messagesFromWire(wire []protocol.WireMessage) []model.Message {
	msgs := make([]model.Message, 0, len(wire))
	for _, w := range wire {
		role := model.Role(w.Role)
		if role != model.RoleUser && role != model.RoleAssistant {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.Message{
			ID:         w.ID,
			Role:       role,
			Content:    w.Content,
			TurnNumber: w.TurnNumber,
			CreatedAt:  w.CreatedTime(),
		})
	}
	return msgs
}
