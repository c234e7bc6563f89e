// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"fmt"
	"time"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType discriminates the protocol event variants.
type EventType string

const (
	// EventChunk carries an incremental piece of the assistant response.
	EventChunk EventType = "chunk"

	// EventComplete carries the finalized message and optional metadata.
	EventComplete EventType = "complete"

	// EventError carries a server-side failure reason and ends the stream.
	EventError EventType = "error"
)

// Event is one decoded protocol event. Exactly one of the payload fields is
// meaningful for a given type: Content for chunks and errors, Completion for
// completions.
type Event struct {
	Type       EventType
	Content    string
	Completion *Completion
}

// =============================================================================
// WIRE PAYLOAD TYPES
// =============================================================================

// WireMessage is the message object attached to a complete frame, to
// non-streaming send responses, and to history listings. Role is only
// populated on the history path; complete frames are implicitly from the
// assistant.
type WireMessage struct {
	ID         string `json:"id"`
	Role       string `json:"role,omitempty"`
	Content    string `json:"content"`
	TurnNumber int    `json:"turn_number"`
	CreatedAt  string `json:"created_at"`
}

// CreatedTime parses the message timestamp. The backend emits naive ISO-8601
// timestamps without a zone suffix, so RFC 3339 alone is not enough.
func (m *WireMessage) CreatedTime() time.Time {
	return ParseTimestamp(m.CreatedAt)
}

// WireConversation is the optional conversation summary attached to a
// complete frame or send response.
type WireConversation struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	TurnCount int    `json:"turn_count,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreatedTime parses the conversation timestamp, zero when absent.
func (c *WireConversation) CreatedTime() time.Time {
	return ParseTimestamp(c.CreatedAt)
}

// MemoryMetadata lists the opaque memory references the backend consulted
// while generating the response.
type MemoryMetadata struct {
	ActiveMemories []string `json:"active_memories"`
}

// Completion is the terminal result of a send operation, streaming or not.
type Completion struct {
	Message        WireMessage       `json:"message"`
	Conversation   *WireConversation `json:"conversation,omitempty"`
	MemoryMetadata *MemoryMetadata   `json:"memory_metadata,omitempty"`

	// Synthesized is true when the completion was built locally from
	// accumulated chunk text because the stream ended without a
	// complete frame. Synthesized completions carry no server identity.
	Synthesized bool `json:"-"`
}

// ActiveMemories returns the attached memory references, or nil.
func (c *Completion) ActiveMemories() []string {
	if c.MemoryMetadata == nil {
		return nil
	}
	return c.MemoryMetadata.ActiveMemories
}

// =============================================================================
// STREAM ERROR
// =============================================================================

// StreamError represents a failure during streaming, preserving any partial
// content received before the error so callers can decide what to keep.
type StreamError struct {
	Partial string // Content received before the failure
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// TIMESTAMP PARSING
// =============================================================================

// timestampLayouts covers both RFC 3339 and the backend's naive ISO-8601
// form (datetime.isoformat() without a zone).
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a wire timestamp, returning the zero time when the
// value is empty or unparseable.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
