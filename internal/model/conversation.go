// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"
)

// DefaultTitle is the reserved placeholder title used until a real title is
// resolved, matching the backend's default for new conversations.
const DefaultTitle = "New Conversation"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds the summary metadata for a chat thread as tracked by
// the Conversation Directory. Message history lives in the active session,
// not here.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// TurnCount is the number of completed exchanges. It increases by
	// exactly one per finished send and never decreases.
	TurnCount int `json:"turn_count"`
}

// HasPlaceholderTitle reports whether the conversation still carries the
// reserved placeholder instead of a resolved title.
func (c *Conversation) HasPlaceholderTitle() bool {
	return IsPlaceholderTitle(c.Title)
}

// DisplayTitle returns the title, substituting the placeholder when unset.
func (c *Conversation) DisplayTitle() string {
	if IsPlaceholderTitle(c.Title) {
		return DefaultTitle
	}
	return c.Title
}

// NextTurn returns the turn number the next send will occupy.
func (c *Conversation) NextTurn() int {
	return c.TurnCount + 1
}

// IsPlaceholderTitle reports whether a title counts as unresolved: empty,
// whitespace-only, or equal to the reserved default string.
func IsPlaceholderTitle(title string) bool {
	trimmed := strings.TrimSpace(title)
	return trimmed == "" || trimmed == DefaultTitle
}
