// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol implements the chat backend's streaming wire protocol.
//
// The backend streams newline-delimited frames of the form "data: <json>",
// terminated by a "data: [DONE]" sentinel line. Each JSON payload carries a
// "type" discriminator: "chunk" for incremental response text, "complete"
// for the finalized message (with optional conversation summary and memory
// metadata), or "error" when generation failed server-side.
//
// The Decoder turns raw byte fragments - split at arbitrary boundaries, not
// aligned to lines - into an ordered sequence of typed Events. Malformed
// chunk/complete payloads are logged and skipped so a single bad frame never
// kills a stream; an "error" frame aborts decoding immediately. If a stream
// ends without a "complete" frame the Decoder synthesizes one from the
// accumulated chunk text so the caller always has a result.
//
// A Decoder is single-use: create a new one per request.
package protocol
