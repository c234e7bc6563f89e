// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package title

import (
	"github.com/Mayank29903/Roxxllm/internal/kv"
	"github.com/Mayank29903/Roxxllm/internal/model"
)

// cacheKeyPrefix namespaces title entries inside the shared kv store.
const cacheKeyPrefix = "title/"

// Cache persists resolved conversation titles keyed by conversation ID.
//
// Write policy: only non-placeholder titles are stored, and only when they
// differ from the cached value. Reads are used to upgrade a placeholder
// title during hydration, never to override a real server title. All store
// failures degrade to cache-miss behavior.
type Cache struct {
	store *kv.Store
}

// NewCache wraps a kv store. A nil store yields a cache where every read
// misses and every write is a no-op.
func NewCache(store *kv.Store) *Cache {
	return &Cache{store: store}
}

// Get returns the cached title for a conversation, if any.
func (c *Cache) Get(conversationID string) (string, bool) {
	if conversationID == "" {
		return "", false
	}
	return c.store.Get(cacheKeyPrefix + conversationID)
}

// Put stores a resolved title. Placeholder values and unchanged values are
// ignored; store errors are swallowed (the cache is best-effort).
func (c *Cache) Put(conversationID, title string) {
	if conversationID == "" || model.IsPlaceholderTitle(title) {
		return
	}
	if cached, ok := c.Get(conversationID); ok && cached == title {
		return
	}
	// CacheIOFailure degrades to miss behavior, never surfaces.
	_ = c.store.Put(cacheKeyPrefix+conversationID, title)
}

// Remove purges the cache entry for a deleted conversation.
func (c *Cache) Remove(conversationID string) {
	if conversationID == "" {
		return
	}
	_ = c.store.Delete(cacheKeyPrefix + conversationID)
}

// Upgrade fills a conversation's placeholder title from the cache.
// A non-placeholder title from the server always wins and is left alone.
func (c *Cache) Upgrade(conv *model.Conversation) {
	if conv == nil || !conv.HasPlaceholderTitle() {
		return
	}
	if cached, ok := c.Get(conv.ID); ok {
		conv.Title = cached
	}
}
