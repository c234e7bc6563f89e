// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mayank29903/Roxxllm/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// localIDPrefix marks identifiers generated on this client for optimistic
// messages. Server identifiers never carry it.
const localIDPrefix = "local_"

// Message represents a single message in a conversation.
//
// Confirmed messages are immutable copies of what the server persisted.
// Optimistic messages carry a locally generated ID and may be removed
// again if the send that produced them fails.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content
	Content string `json:"content"`

	// TurnNumber is the message's position in the exchange sequence,
	// starting at 1. Messages in a session are strictly ordered by it.
	TurnNumber int `json:"turn_number"`

	// ActiveMemories holds opaque references to the memory records the
	// backend consulted when generating an assistant message.
	ActiveMemories []string `json:"active_memories,omitempty"`
}

// NewOptimisticUserMessage creates a user message with a locally generated
// identifier, shown immediately while the send is still in flight.
func NewOptimisticUserMessage(content string, turnNumber int) *Message {
	return &Message{
		ID:         localIDPrefix + uuid.NewString(),
		Role:       RoleUser,
		Content:    content,
		TurnNumber: turnNumber,
		CreatedAt:  time.Now(),
	}
}

// IsOptimistic reports whether the message is a local, unconfirmed instance.
func (m *Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	return util.TruncateRunes(m.Content, maxLen)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}
