// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
)

// =============================================================================
// PROTOCOL CONSTANTS
// =============================================================================

const (
	// DataPrefix marks a significant line of the wire protocol.
	DataPrefix = "data: "

	// DoneSentinel is the literal token marking end-of-stream. It is
	// discarded during decoding, never surfaced as an event.
	DoneSentinel = "[DONE]"

	// MaxFrameSize is the maximum allowed size for a single buffered
	// frame (64KB). A pending line beyond this is dropped rather than
	// allowed to grow without bound.
	MaxFrameSize = 64 * 1024
)

// frame is the raw JSON envelope of one wire frame.
type frame struct {
	Type           string            `json:"type"`
	Content        string            `json:"content"`
	Message        *WireMessage      `json:"message"`
	Conversation   *WireConversation `json:"conversation"`
	MemoryMetadata *MemoryMetadata   `json:"memory_metadata"`
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns raw byte fragments into protocol Events.
//
// Fragments may be split at arbitrary boundaries, including mid-line and
// mid-rune; the decoder buffers the trailing partial line between Feed
// calls. Call Flush once the input is exhausted to process a final line
// that arrived without its terminator, then Result for the terminal
// completion.
type Decoder struct {
	pending    []byte
	accum      strings.Builder
	completion *Completion
	terminated bool

	// logf reports skipped malformed frames. Overridable in tests.
	logf func(format string, args ...any)
}

// NewDecoder creates a decoder for a single stream.
func NewDecoder() *Decoder {
	return &Decoder{logf: log.Printf}
}

// Feed appends a fragment to the pending buffer and returns the events for
// every complete line it closed. After an error frame the decoder is
// terminated and Feed returns nothing.
func (d *Decoder) Feed(fragment []byte) []Event {
	if d.terminated {
		return nil
	}

	d.pending = append(d.pending, fragment...)

	var events []Event
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]

		ev, fatal := d.processLine(line)
		if ev != nil {
			events = append(events, *ev)
		}
		if fatal {
			d.terminated = true
			d.pending = nil
			return events
		}
	}

	// Drop a runaway partial line rather than buffering it forever.
	if len(d.pending) > MaxFrameSize {
		d.logf("protocol: dropping oversized partial frame (%d bytes)", len(d.pending))
		d.pending = nil
	}

	return events
}

// Flush processes any remaining buffered text as a final line. The last
// frame of a stream may legitimately arrive without its terminator.
func (d *Decoder) Flush() []Event {
	if d.terminated || len(d.pending) == 0 {
		return nil
	}

	line := string(d.pending)
	d.pending = nil

	ev, fatal := d.processLine(line)
	if fatal {
		d.terminated = true
	}
	if ev == nil {
		return nil
	}
	return []Event{*ev}
}

// processLine decodes one logical line. The returned bool is true for a
// fatal error frame, which must end the stream.
func (d *Decoder) processLine(line string) (*Event, bool) {
	line = strings.TrimRight(line, "\r")

	// Only "data: " lines are significant; everything else (blank
	// separators, comments) is ignored.
	if !strings.HasPrefix(line, DataPrefix) {
		return nil, false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, DataPrefix))
	if data == "" || data == DoneSentinel {
		return nil, false
	}

	var f frame
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		// Soft-fail: a single malformed frame must not kill the stream.
		d.logf("protocol: skipping malformed frame: %v", err)
		return nil, false
	}

	switch EventType(f.Type) {
	case EventChunk:
		d.accum.WriteString(f.Content)
		return &Event{Type: EventChunk, Content: f.Content}, false

	case EventComplete:
		c := &Completion{
			Conversation:   f.Conversation,
			MemoryMetadata: f.MemoryMetadata,
		}
		if f.Message != nil {
			c.Message = *f.Message
		}
		d.completion = c
		return &Event{Type: EventComplete, Completion: c}, false

	case EventError:
		// Hard-fail: an explicit error frame aborts decoding.
		return &Event{Type: EventError, Content: f.Content}, true

	default:
		d.logf("protocol: skipping frame with unknown type %q", f.Type)
		return nil, false
	}
}

// Result returns the terminal completion for the stream. When no complete
// frame was observed it synthesizes one from the accumulated chunk text, so
// a well-behaved caller is never left without a result. Returns nil only
// after an error frame terminated the stream.
func (d *Decoder) Result() *Completion {
	if d.terminated {
		return nil
	}
	if d.completion != nil {
		return d.completion
	}
	return &Completion{
		Message:     WireMessage{Content: d.accum.String()},
		Synthesized: true,
	}
}

// Accumulated returns the concatenation of all chunk content seen so far.
func (d *Decoder) Accumulated() string {
	return d.accum.String()
}

// Terminated reports whether an error frame ended the stream.
func (d *Decoder) Terminated() bool {
	return d.terminated
}
