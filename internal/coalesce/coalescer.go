// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coalesce smooths bursty token arrival into fixed-interval visible
// updates.
//
// LLM backends emit chunks far faster than a UI can usefully repaint.
// The Coalescer batches incoming chunk text and exposes a single "visible
// text" value that advances at a bounded rate: each Write appends to an
// internal buffer and arms a flush timer if none is pending; when the timer
// fires the entire buffer moves into the visible value atomically. Content
// is strictly append-only and never reordered - a flush moves the whole
// buffer or nothing.
//
// Thread-safety: all operations are mutex-guarded since writes arrive from
// the streaming goroutine while reads come from the caller's loop.
package coalesce

import (
	"strings"
	"sync"
	"time"
)

// DefaultInterval is the default flush interval. Short enough to feel
// immediate, long enough to batch a burst of chunks into one update.
const DefaultInterval = 26 * time.Millisecond

// Coalescer batches chunk text into bounded-rate visible updates.
type Coalescer struct {
	mu        sync.Mutex
	interval  time.Duration
	pending   strings.Builder
	visible   strings.Builder
	timer     *time.Timer
	finalized bool

	// inFlight tracks a timer flush that has moved the buffer and is
	// executing its callback outside the lock. Finalize and Reset wait
	// on it so no stale callback lands after they return.
	inFlight sync.WaitGroup

	// onFlush receives the full visible text after every flush.
	onFlush func(visible string)
}

// New creates a coalescer flushing at the given interval. onFlush may be
// nil; interval <= 0 falls back to DefaultInterval.
func New(interval time.Duration, onFlush func(visible string)) *Coalescer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coalescer{
		interval: interval,
		onFlush:  onFlush,
	}
}

// Write appends chunk content to the pending buffer and arms the flush
// timer if no flush is already scheduled. Writes after Finalize are
// dropped; a finalized coalescer belongs to a finished stream.
func (c *Coalescer) Write(chunk string) {
	if chunk == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finalized {
		return
	}

	c.pending.WriteString(chunk)
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.flushTimer)
	}
}

// flushTimer runs when the scheduled flush fires.
func (c *Coalescer) flushTimer() {
	c.mu.Lock()
	c.timer = nil
	if c.finalized || c.pending.Len() == 0 {
		c.mu.Unlock()
		return
	}
	snapshot, cb := c.moveLocked()
	if cb != nil {
		c.inFlight.Add(1)
	}
	c.mu.Unlock()

	// Callback outside the lock so subscribers can read back safely.
	if cb != nil {
		cb(snapshot)
		c.inFlight.Done()
	}
}

// moveLocked moves the entire pending buffer into the visible value.
// Caller must hold the mutex.
func (c *Coalescer) moveLocked() (string, func(string)) {
	c.visible.WriteString(c.pending.String())
	c.pending.Reset()
	return c.visible.String(), c.onFlush
}

// Finalize cancels any scheduled flush and performs one final synchronous
// flush, guaranteeing no trailing text is lost. It returns the complete
// visible text, which at this point equals everything ever written. When
// Finalize returns, no flush callback is running or will run again.
func (c *Coalescer) Finalize() string {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.finalized = true

	var cb func(string)
	snapshot := c.visible.String()
	if c.pending.Len() > 0 {
		snapshot, cb = c.moveLocked()
	}
	c.mu.Unlock()

	// A timer flush may already be mid-callback with an older snapshot.
	// Let it land first so the final callback is the last one observed.
	c.inFlight.Wait()

	if cb != nil {
		cb(snapshot)
	}
	return snapshot
}

// Reset discards all buffered and visible content and cancels any
// scheduled flush. Use when a stream is cancelled or rolled back. When
// Reset returns, no flush callback from before the reset is running.
func (c *Coalescer) Reset() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending.Reset()
	c.visible.Reset()
	c.finalized = false
	c.mu.Unlock()

	c.inFlight.Wait()
}

// Visible returns the current visible text.
func (c *Coalescer) Visible() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible.String()
}

// Pending returns the number of buffered bytes not yet visible.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// SetInterval updates the flush interval. Takes effect the next time a
// flush is scheduled.
func (c *Coalescer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}
