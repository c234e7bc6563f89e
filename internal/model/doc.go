// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the engine
// for representing chat conversations, their messages, and turn ordering.
//
// # Key Types
//
//   - Conversation: Summary of a chat thread (title, turn counter, timestamps)
//   - Message: Single message with role, content, turn number, and any
//     memory references attached by the backend
//   - Role: Message role enumeration (user, assistant)
//
// # Usage
//
// Create an optimistic user message before the server confirms it:
//
//	msg := model.NewOptimisticUserMessage("Hello!", 1)
//	if msg.IsOptimistic() {
//	    // not yet confirmed by the server
//	}
package model
