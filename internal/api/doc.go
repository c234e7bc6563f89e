// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP transport client for the chat backend.
//
// The backend exposes a small REST surface under /chat plus a streaming
// send endpoint that emits server-sent events. This package implements
// both, with retry logic for transient failures on the non-streaming
// paths and context-controlled reads on the streaming path.
package api
