// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"sync"

	"github.com/Mayank29903/Roxxllm/internal/model"
)

// =============================================================================
// SESSION STATE MACHINE
// =============================================================================

// State is the lifecycle phase of the active session.
type State int

const (
	// StateIdle means no send is in flight.
	StateIdle State = iota

	// StateSending means a send has started but no response bytes have
	// arrived yet.
	StateSending

	// StateStreaming means response chunks are arriving.
	StateStreaming

	// StateAwaitingCompletion means a non-streaming send is waiting for
	// its single response.
	StateAwaitingCompletion
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateAwaitingCompletion:
		return "awaiting"
	default:
		return "unknown"
	}
}

// ErrNotIdle indicates a transition that requires an idle session.
var ErrNotIdle = errors.New("session is not idle")

// Session holds the state of the currently open conversation: its message
// list, the in-flight optimistic message, and the visible streaming
// buffer. At most one optimistic message exists at any time; the state
// machine enforces that by rejecting BeginSend outside Idle.
type Session struct {
	mu sync.RWMutex

	state        State
	conversation *model.Conversation
	messages     []model.Message
	optimisticID string
	visible      string
}

// NewSession creates an idle session with no conversation selected.
func NewSession() *Session {
	return &Session{state: StateIdle}
}

// =============================================================================
// CONVERSATION BINDING
// =============================================================================

// SetConversation binds the session to a conversation, clearing any
// previous message state.
func (s *Session) SetConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conv
	s.conversation = &c
	s.messages = nil
	s.optimisticID = ""
	s.visible = ""
	s.state = StateIdle
}

// Conversation returns a copy of the bound conversation.
func (s *Session) Conversation() (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conversation == nil {
		return model.Conversation{}, false
	}
	return *s.conversation, true
}

// UpdateConversation replaces the bound conversation metadata without
// touching messages.
func (s *Session) UpdateConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conv
	s.conversation = &c
}

// Clear unbinds the session entirely, used when the active conversation
// is deleted.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = nil
	s.messages = nil
	s.optimisticID = ""
	s.visible = ""
	s.state = StateIdle
}

// ReplaceMessages swaps the full message list, used on history hydration.
func (s *Session) ReplaceMessages(msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]model.Message, len(msgs))
	copy(s.messages, msgs)
}

// =============================================================================
// SEND LIFECYCLE
// =============================================================================

// BeginSend appends the optimistic message and moves Idle -> Sending.
// Rejected outside Idle, which guarantees at most one optimistic message.
func (s *Session) BeginSend(optimistic model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrNotIdle
	}

	s.messages = append(s.messages, optimistic)
	s.optimisticID = optimistic.ID
	s.state = StateSending
	return nil
}

// MarkStreaming moves Sending -> Streaming once chunks start arriving.
func (s *Session) MarkStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSending {
		s.state = StateStreaming
	}
}

// MarkAwaiting moves Sending -> AwaitingCompletion for the non-streaming
// path.
func (s *Session) MarkAwaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSending {
		s.state = StateAwaitingCompletion
	}
}

// SetVisible replaces the visible streaming buffer text.
func (s *Session) SetVisible(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = text
}

// Finalize appends the confirmed assistant message, clears the streaming
// buffer and optimistic marker, and returns to Idle. The optimistic user
// message stays in place; it is confirmed, not replaced.
func (s *Session) Finalize(assistant model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, assistant)
	s.optimisticID = ""
	s.visible = ""
	s.state = StateIdle
}

// Rollback removes the optimistic message, discards the partial buffer,
// and returns to Idle. The message list afterwards is exactly what it was
// before BeginSend.
func (s *Session) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.optimisticID != "" {
		for i := range s.messages {
			if s.messages[i].ID == s.optimisticID {
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				break
			}
		}
	}
	s.optimisticID = ""
	s.visible = ""
	s.state = StateIdle
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Messages returns a copy of the message list.
func (s *Session) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Visible returns the current streaming buffer text.
func (s *Session) Visible() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

// HasOptimistic reports whether an unconfirmed message is in flight.
func (s *Session) HasOptimistic() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.optimisticID != ""
}
