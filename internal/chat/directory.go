// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"sync"

	"github.com/Mayank29903/Roxxllm/internal/model"
)

// =============================================================================
// CONVERSATION DIRECTORY
// =============================================================================

// Directory is the ordered collection of conversation summaries. New
// conversations enter at the front; known conversations are updated in
// place so the visible ordering stays stable across sends.
type Directory struct {
	mu    sync.RWMutex
	items []model.Conversation
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Upsert inserts conv at the front when its ID is unknown, otherwise
// updates the existing entry in place.
func (d *Directory) Upsert(conv model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.items {
		if d.items[i].ID == conv.ID {
			d.items[i] = conv
			return
		}
	}
	d.items = append([]model.Conversation{conv}, d.items...)
}

// Remove deletes the conversation with the given ID. Returns true when an
// entry was removed.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.items {
		if d.items[i].ID == id {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the conversation with the given ID.
func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for i := range d.items {
		if d.items[i].ID == id {
			return d.items[i], true
		}
	}
	return model.Conversation{}, false
}

// List returns a copy of the directory in display order.
func (d *Directory) List() []model.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.Conversation, len(d.items))
	copy(out, d.items)
	return out
}

// Replace swaps the entire directory contents, preserving the given order.
func (d *Directory) Replace(convs []model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items = make([]model.Conversation, len(convs))
	copy(d.items, convs)
}

// Len returns the number of conversations.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items)
}
