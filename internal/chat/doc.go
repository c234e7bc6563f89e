// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat holds the client-side conversation state: the ordered
// conversation directory, the active session with its message list and
// streaming buffer, and the engine that reconciles both against the
// backend after every send, select, delete, and hydration.
//
// The engine owns all mutation. Callers observe state through immutable
// snapshots pushed to subscribers after each visible change.
package chat
