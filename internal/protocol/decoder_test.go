// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"fmt"
	"strings"
	"testing"
)

// discard silences decoder logging during tests.
func newTestDecoder() *Decoder {
	d := NewDecoder()
	d.logf = func(format string, args ...any) {}
	return d
}

func chunkFrame(content string) string {
	return fmt.Sprintf("data: {\"type\":\"chunk\",\"content\":%q}\n", content)
}

func collect(d *Decoder, input string, fragmentSize int) []Event {
	var events []Event
	data := []byte(input)
	for len(data) > 0 {
		n := fragmentSize
		if n > len(data) {
			n = len(data)
		}
		events = append(events, d.Feed(data[:n])...)
		data = data[n:]
	}
	events = append(events, d.Flush()...)
	return events
}

// =============================================================================
// FRAME DECODING
// =============================================================================

func TestDecoderSingleChunk(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(chunkFrame("Hi")))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventChunk || events[0].Content != "Hi" {
		t.Errorf("event = %+v, want Chunk{Hi}", events[0])
	}
}

func TestDecoderFragmentSplitMidLine(t *testing.T) {
	// The exact scenario from the wire: a frame split inside the JSON.
	d := newTestDecoder()

	events := d.Feed([]byte(`data: {"typ`))
	if len(events) != 0 {
		t.Fatalf("partial fragment produced %d events, want 0", len(events))
	}

	events = d.Feed([]byte("e\":\"chunk\",\"content\":\"Hi\"}\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1", len(events))
	}
	if events[0].Type != EventChunk || events[0].Content != "Hi" {
		t.Errorf("event = %+v, want Chunk{Hi}", events[0])
	}
}

func TestDecoderArbitraryBoundaries(t *testing.T) {
	// For any fragmentation of the same input, the accumulated text must
	// equal the concatenation of all chunk contents.
	parts := []string{"The ", "quick ", "brown ", "fox", " jumps"}
	var input strings.Builder
	for _, p := range parts {
		input.WriteString(chunkFrame(p))
	}
	input.WriteString("data: [DONE]\n")
	want := strings.Join(parts, "")

	for _, size := range []int{1, 2, 3, 7, 16, 64, 1024} {
		d := newTestDecoder()
		events := collect(d, input.String(), size)

		var got strings.Builder
		for _, ev := range events {
			if ev.Type != EventChunk {
				t.Fatalf("size %d: unexpected event %+v", size, ev)
			}
			got.WriteString(ev.Content)
		}
		if got.String() != want {
			t.Errorf("size %d: accumulated %q, want %q", size, got.String(), want)
		}
		if d.Accumulated() != want {
			t.Errorf("size %d: Accumulated() = %q, want %q", size, d.Accumulated(), want)
		}
	}
}

func TestDecoderCompleteFrame(t *testing.T) {
	d := newTestDecoder()
	line := `data: {"type":"complete","message":{"id":"m1","content":"Hello there","turn_number":3,"created_at":"2025-06-01T12:00:00.123456"},"memory_metadata":{"active_memories":["mem1","mem2"]}}` + "\n"

	events := d.Feed([]byte(line))
	if len(events) != 1 || events[0].Type != EventComplete {
		t.Fatalf("events = %+v, want one Complete", events)
	}

	c := events[0].Completion
	if c == nil {
		t.Fatal("Completion payload missing")
	}
	if c.Message.ID != "m1" || c.Message.TurnNumber != 3 {
		t.Errorf("message = %+v", c.Message)
	}
	if got := c.ActiveMemories(); len(got) != 2 || got[0] != "mem1" {
		t.Errorf("ActiveMemories() = %v", got)
	}
	if c.Message.CreatedTime().IsZero() {
		t.Error("naive ISO timestamp should parse")
	}
	if c.Synthesized {
		t.Error("server completion must not be marked synthesized")
	}
	if d.Result() != c {
		t.Error("Result() should return the observed completion")
	}
}

func TestDecoderErrorFrameTerminates(t *testing.T) {
	d := newTestDecoder()
	input := chunkFrame("a") + chunkFrame("b") +
		`data: {"type":"error","content":"LLM failure: boom"}` + "\n" +
		chunkFrame("never seen")

	events := d.Feed([]byte(input))

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (2 chunks + error)", len(events))
	}
	last := events[2]
	if last.Type != EventError || last.Content != "LLM failure: boom" {
		t.Errorf("last event = %+v, want the error reason", last)
	}
	if !d.Terminated() {
		t.Error("decoder should be terminated after an error frame")
	}
	if d.Result() != nil {
		t.Error("Result() must be nil after an error frame, not a synthesized completion")
	}

	// Further feeding is a no-op.
	if more := d.Feed([]byte(chunkFrame("x"))); len(more) != 0 {
		t.Errorf("Feed after termination produced %d events", len(more))
	}
	if more := d.Flush(); len(more) != 0 {
		t.Errorf("Flush after termination produced %d events", len(more))
	}
}

func TestDecoderMalformedFrameSkipped(t *testing.T) {
	d := newTestDecoder()
	input := chunkFrame("ok1") +
		"data: {not valid json}\n" +
		chunkFrame("ok2")

	events := d.Feed([]byte(input))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (malformed frame skipped)", len(events))
	}
	if d.Accumulated() != "ok1ok2" {
		t.Errorf("Accumulated() = %q", d.Accumulated())
	}
}

func TestDecoderUnknownTypeSkipped(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte("data: {\"type\":\"telemetry\",\"content\":\"x\"}\n" + chunkFrame("hi")))
	if len(events) != 1 || events[0].Content != "hi" {
		t.Errorf("events = %+v, want only the chunk", events)
	}
}

func TestDecoderIgnoresNonDataLines(t *testing.T) {
	d := newTestDecoder()
	input := ": comment\n\n" + chunkFrame("hi") + "\r\n"
	events := d.Feed([]byte(input))
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestDecoderSentinelDiscarded(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte("data: [DONE]\n"))
	if len(events) != 0 {
		t.Errorf("sentinel produced %d events, want 0", len(events))
	}
}

// =============================================================================
// FLUSH AND FALLBACK RESULT
// =============================================================================

func TestDecoderFlushUnterminatedLine(t *testing.T) {
	d := newTestDecoder()

	// A final valid data line with no trailing newline.
	if events := d.Feed([]byte(`data: {"type":"chunk","content":"tail"}`)); len(events) != 0 {
		t.Fatalf("unterminated line emitted early: %d events", len(events))
	}

	events := d.Flush()
	if len(events) != 1 || events[0].Content != "tail" {
		t.Fatalf("Flush events = %+v, want the tail chunk", events)
	}
}

func TestDecoderSynthesizedResult(t *testing.T) {
	// Connection closed with chunks but no complete frame: the result is
	// synthesized from accumulated text.
	d := newTestDecoder()
	d.Feed([]byte(chunkFrame("partial ") + chunkFrame("answer")))

	c := d.Result()
	if c == nil {
		t.Fatal("Result() must never be nil for a non-errored stream")
	}
	if !c.Synthesized {
		t.Error("fallback completion should be marked synthesized")
	}
	if c.Message.Content != "partial answer" {
		t.Errorf("synthesized content = %q", c.Message.Content)
	}
	if c.Message.ID != "" {
		t.Errorf("synthesized completion must not carry a server ID, got %q", c.Message.ID)
	}
}

func TestDecoderEmptyStreamResult(t *testing.T) {
	d := newTestDecoder()
	c := d.Result()
	if c == nil || !c.Synthesized || c.Message.Content != "" {
		t.Errorf("empty stream result = %+v", c)
	}
}

// =============================================================================
// TIMESTAMP PARSING
// =============================================================================

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input string
		zero  bool
	}{
		{"2025-06-01T12:00:00.123456", false},
		{"2025-06-01T12:00:00", false},
		{"2025-06-01T12:00:00Z", false},
		{"2025-06-01T12:00:00.123456789+02:00", false},
		{"", true},
		{"not-a-time", true},
	}

	for _, tt := range tests {
		got := ParseTimestamp(tt.input)
		if got.IsZero() != tt.zero {
			t.Errorf("ParseTimestamp(%q).IsZero() = %v, want %v", tt.input, got.IsZero(), tt.zero)
		}
	}
}
