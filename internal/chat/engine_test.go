// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mayank29903/Roxxllm/internal/kv"
	"github.com/Mayank29903/Roxxllm/internal/model"
	"github.com/Mayank29903/Roxxllm/internal/protocol"
)

// =============================================================================
// FAKE TRANSPORT
// =============================================================================

// fakeTransport is an in-memory Transport with overridable behavior.
type fakeTransport struct {
	mu sync.Mutex

	nextID        int
	created       []string
	deleted       []string
	conversations []protocol.WireConversation
	history       map[string][]protocol.WireMessage

	sendFn   func(ctx context.Context, conversationID, content string) (*protocol.Completion, error)
	streamFn func(ctx context.Context, conversationID, content string) (<-chan protocol.Event, error)
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{history: make(map[string][]protocol.WireMessage)}
	f.sendFn = func(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
		return &protocol.Completion{
			Message: protocol.WireMessage{
				ID:        "srv-" + conversationID,
				Content:   "echo: " + content,
				CreatedAt: "2026-08-29T12:00:00",
			},
		}, nil
	}
	return f
}

func (f *fakeTransport) Send(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
	return f.sendFn(ctx, conversationID, content)
}

func (f *fakeTransport) SendStream(ctx context.Context, conversationID, content string) (<-chan protocol.Event, error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, conversationID, content)
	}
	ch := make(chan protocol.Event, 8)
	ch <- protocol.Event{Type: protocol.EventChunk, Content: "hello "}
	ch <- protocol.Event{Type: protocol.EventChunk, Content: "world"}
	ch <- protocol.Event{Type: protocol.EventComplete, Completion: &protocol.Completion{
		Message: protocol.WireMessage{ID: "srv-stream", Content: "hello world", TurnNumber: 1},
	}}
	close(ch)
	return ch, nil
}

func (f *fakeTransport) ListConversations(ctx context.Context) ([]protocol.WireConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.WireConversation, len(f.conversations))
	copy(out, f.conversations)
	return out, nil
}

func (f *fakeTransport) CreateConversation(ctx context.Context, title string) (*protocol.WireConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("conv-%d", f.nextID)
	f.created = append(f.created, id)
	return &protocol.WireConversation{ID: id, Title: title, TurnCount: 0}, nil
}

func (f *fakeTransport) DeleteConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTransport) FetchMessages(ctx context.Context, conversationID string, limit int) ([]protocol.WireMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[conversationID], nil
}

// testEngine builds an engine over a fake transport with a real store.
func testEngine(t *testing.T) (*Engine, *fakeTransport, *kv.Store) {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ft := newFakeTransport()
	eng := NewEngine(ft, store, Options{FlushInterval: 5 * time.Millisecond})
	return eng, ft, store
}

// =============================================================================
// SEND
// =============================================================================

func TestSendCreatesConversationWhenNoneSelected(t *testing.T) {
	eng, ft, _ := testEngine(t)

	err := eng.Send(context.Background(), "first message", false)
	require.NoError(t, err)

	require.Len(t, ft.created, 1, "a conversation must be created for the first send")
	conv, ok := eng.Session().Conversation()
	require.True(t, ok)
	assert.Equal(t, ft.created[0], conv.ID)
	assert.Equal(t, 1, conv.TurnCount)
}

func TestSendTurnCountIncrementsPerSend(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Send(ctx, "message", false))
	}

	conv, _ := eng.Session().Conversation()
	assert.Equal(t, 3, conv.TurnCount, "turn count must increase by exactly one per completed send")
	assert.Len(t, eng.Session().Messages(), 6, "each send adds a user and an assistant message")
}

func TestSendDerivesTitleOnFirstTurn(t *testing.T) {
	eng, _, _ := testEngine(t)

	err := eng.Send(context.Background(), "  how   does memory   work?  ", false)
	require.NoError(t, err)

	conv, _ := eng.Session().Conversation()
	assert.Equal(t, "how does memory work?", conv.Title)

	// A later send must not re-derive the title.
	require.NoError(t, eng.Send(context.Background(), "a completely different topic", false))
	conv, _ = eng.Session().Conversation()
	assert.Equal(t, "how does memory work?", conv.Title)
}

func TestSendServerTitleWins(t *testing.T) {
	eng, ft, _ := testEngine(t)
	ft.sendFn = func(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
		return &protocol.Completion{
			Message:      protocol.WireMessage{ID: "m1", Content: "reply"},
			Conversation: &protocol.WireConversation{Title: "Server Chosen Title"},
		}, nil
	}

	require.NoError(t, eng.Send(context.Background(), "hello", false))

	conv, _ := eng.Session().Conversation()
	assert.Equal(t, "Server Chosen Title", conv.Title)
}

func TestSendRollbackOnFailure(t *testing.T) {
	eng, ft, _ := testEngine(t)
	ctx := context.Background()

	// Establish a conversation with history first.
	require.NoError(t, eng.Send(ctx, "works", false))
	before := eng.Snapshot()

	ft.sendFn = func(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
		return nil, errors.New("backend down")
	}

	err := eng.Send(ctx, "will fail", false)
	require.Error(t, err)

	after := eng.Snapshot()
	require.Equal(t, len(before.Messages), len(after.Messages), "rollback must restore the exact message list")
	for i := range before.Messages {
		assert.Equal(t, before.Messages[i].ID, after.Messages[i].ID)
		assert.Equal(t, before.Messages[i].Content, after.Messages[i].Content)
	}

	conv, _ := eng.Session().Conversation()
	assert.Equal(t, 1, conv.TurnCount, "failed send must not advance turn count")
	assert.Equal(t, before.Visible, after.Visible)
	assert.Equal(t, StateIdle, after.State)
}

func TestSendStreamingCoalescesAndFinalizes(t *testing.T) {
	eng, _, _ := testEngine(t)

	var mu sync.Mutex
	var visibles []string
	eng.Subscribe(func(s Snapshot) {
		mu.Lock()
		if s.Visible != "" {
			visibles = append(visibles, s.Visible)
		}
		mu.Unlock()
	})

	err := eng.Send(context.Background(), "hi", true)
	require.NoError(t, err)

	msgs := eng.Session().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello world", msgs[1].Content)
	assert.Equal(t, "", eng.Session().Visible(), "visible buffer must clear after finalization")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, visibles, "streaming must publish visible updates")
	assert.Equal(t, "hello world", visibles[len(visibles)-1], "final flush must carry the whole text")
}

func TestSendStreamingErrorEventRollsBack(t *testing.T) {
	eng, ft, _ := testEngine(t)
	ft.streamFn = func(ctx context.Context, conversationID, content string) (<-chan protocol.Event, error) {
		ch := make(chan protocol.Event, 4)
		ch <- protocol.Event{Type: protocol.EventChunk, Content: "doomed "}
		ch <- protocol.Event{Type: protocol.EventError, Content: "model crashed"}
		close(ch)
		return ch, nil
	}

	err := eng.Send(context.Background(), "hi", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")

	assert.Empty(t, eng.Session().Messages(), "optimistic message must be rolled back")
	assert.Equal(t, "", eng.Session().Visible())
	assert.Equal(t, StateIdle, eng.Session().State())
}

func TestSendBusyRejected(t *testing.T) {
	eng, ft, _ := testEngine(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	ft.sendFn = func(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
		close(entered)
		<-release
		return &protocol.Completion{Message: protocol.WireMessage{ID: "m1", Content: "ok"}}, nil
	}

	done := make(chan error, 1)
	go func() { done <- eng.Send(context.Background(), "slow", false) }()

	<-entered
	err := eng.Send(context.Background(), "rejected", false)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestCancelSendRollsBack(t *testing.T) {
	eng, ft, _ := testEngine(t)

	entered := make(chan struct{})
	ft.sendFn = func(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- eng.Send(context.Background(), "cancelled", false) }()

	<-entered
	eng.CancelSend()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, eng.Session().Messages())
	assert.Equal(t, StateIdle, eng.Session().State())
}

// =============================================================================
// SELECT / DELETE / HYDRATE
// =============================================================================

func TestSelectConversationReplacesHistory(t *testing.T) {
	eng, ft, store := testEngine(t)
	ft.conversations = []protocol.WireConversation{{ID: "c1", Title: "Stored", TurnCount: 2}}
	ft.history["c1"] = []protocol.WireMessage{
		{ID: "m1", Role: "user", Content: "q", TurnNumber: 1, CreatedAt: "2026-08-29T09:00:00"},
		{ID: "m2", Role: "assistant", Content: "a", TurnNumber: 1, CreatedAt: "2026-08-29T09:00:05"},
	}
	require.NoError(t, eng.Hydrate(context.Background()))

	require.NoError(t, eng.SelectConversation(context.Background(), "c1"))

	msgs := eng.Session().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	last, ok := store.Get("state/last_active")
	require.True(t, ok)
	assert.Equal(t, "c1", last)

	// Selection must not touch turn accounting.
	conv, _ := eng.Session().Conversation()
	assert.Equal(t, 2, conv.TurnCount)
}

func TestSelectUnknownConversation(t *testing.T) {
	eng, _, _ := testEngine(t)
	err := eng.SelectConversation(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestDeleteConversationCascades(t *testing.T) {
	eng, ft, store := testEngine(t)
	require.NoError(t, eng.Send(context.Background(), "create me a conversation", false))
	conv, _ := eng.Session().Conversation()

	_, cached := store.Get("title/" + conv.ID)
	require.True(t, cached, "send must have cached the derived title")

	require.NoError(t, eng.DeleteConversation(context.Background(), conv.ID))

	assert.Equal(t, []string{conv.ID}, ft.deleted)
	assert.Equal(t, 0, eng.Directory().Len())
	if _, ok := eng.Session().Conversation(); ok {
		t.Error("deleting the active conversation must clear the session")
	}
	if _, ok := store.Get("title/" + conv.ID); ok {
		t.Error("delete must purge the cached title")
	}
	if _, ok := store.Get("state/last_active"); ok {
		t.Error("delete must clear the last-active pointer it referenced")
	}
}

func TestHydrateUpgradesPlaceholderTitles(t *testing.T) {
	eng, ft, store := testEngine(t)
	require.NoError(t, store.Put("title/c1", "Cached Title"))
	require.NoError(t, store.Put("title/c2", "Should Not Replace"))

	ft.conversations = []protocol.WireConversation{
		{ID: "c1", Title: "New Conversation", TurnCount: 1},
		{ID: "c2", Title: "Server Resolved", TurnCount: 3},
	}

	require.NoError(t, eng.Hydrate(context.Background()))

	c1, _ := eng.Directory().Get("c1")
	assert.Equal(t, "Cached Title", c1.Title, "placeholder must upgrade from cache")
	c2, _ := eng.Directory().Get("c2")
	assert.Equal(t, "Server Resolved", c2.Title, "resolved server title must never downgrade")
}

func TestHydrateRestoresLastActive(t *testing.T) {
	eng, ft, store := testEngine(t)
	require.NoError(t, store.Put("state/last_active", "c1"))
	ft.conversations = []protocol.WireConversation{{ID: "c1", Title: "Kept", TurnCount: 1}}
	ft.history["c1"] = []protocol.WireMessage{
		{ID: "m1", Role: "user", Content: "q", TurnNumber: 1},
	}

	require.NoError(t, eng.Hydrate(context.Background()))

	conv, ok := eng.Session().Conversation()
	require.True(t, ok, "hydrate must restore the last-active selection")
	assert.Equal(t, "c1", conv.ID)
	assert.Len(t, eng.Session().Messages(), 1)
}

func TestHydrateClearsStaleLastActive(t *testing.T) {
	eng, ft, store := testEngine(t)
	require.NoError(t, store.Put("state/last_active", "gone"))
	ft.conversations = []protocol.WireConversation{{ID: "c1", Title: "Other"}}

	require.NoError(t, eng.Hydrate(context.Background()))

	if _, ok := store.Get("state/last_active"); ok {
		t.Error("stale last-active pointer must be cleared")
	}
	if _, ok := eng.Session().Conversation(); ok {
		t.Error("no selection should be restored for a deleted conversation")
	}
}

func TestNewConversationClearsSelection(t *testing.T) {
	eng, ft, _ := testEngine(t)
	require.NoError(t, eng.Send(context.Background(), "start", false))

	require.NoError(t, eng.NewConversation())
	if _, ok := eng.Session().Conversation(); ok {
		t.Fatal("NewConversation must unbind the session")
	}

	require.NoError(t, eng.Send(context.Background(), "fresh", false))
	assert.Len(t, ft.created, 2, "next send must create a new conversation")
}

func TestSubscribePublishesSnapshots(t *testing.T) {
	eng, _, _ := testEngine(t)

	var mu sync.Mutex
	var states []State
	eng.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	require.NoError(t, eng.Send(context.Background(), "hello", false))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateIdle, states[len(states)-1], "last snapshot must be idle")
	assert.Contains(t, states, StateSending)
}
