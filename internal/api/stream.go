// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Mayank29903/Roxxllm/internal/protocol"
)

// =============================================================================
// STREAMING SEND
// =============================================================================

// SendStream posts a message with streaming enabled and returns a channel
// of decoded protocol events.
//
// The body is read in fixed-size chunks and pushed through a Decoder, so
// events surface at whatever boundaries the network delivers. The channel
// is closed when the stream ends, an error frame terminates it, or the
// context is cancelled. When the stream ends without a complete frame a
// synthesized completion is emitted so the caller always observes a
// terminal event.
//
// An error return means the request never produced a stream; failures
// after that point arrive as error events on the channel, wrapped in a
// StreamError preserving the partial text.
func (c *Client) SendStream(ctx context.Context, conversationID, content string) (<-chan protocol.Event, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody := sendRequest{
		Content:        content,
		ConversationID: conversationID,
		Stream:         true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/send", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.logRequest(req)

	// PERFORMANCE: Shared streaming client, no timeout; lifetime is
	// controlled via the request context.
	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := readResponse(resp)
		resp.Body.Close()
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	events := make(chan protocol.Event, 64)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream pumps the response body through a decoder until EOF, error,
// or cancellation.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- protocol.Event) {
	defer close(events)
	defer body.Close()

	dec := protocol.NewDecoder()
	buf := make([]byte, c.readBuffer)

	emit := func(evs []protocol.Event) bool {
		for _, ev := range evs {
			select {
			case events <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if !emit(dec.Feed(buf[:n])) {
				return
			}
			if dec.Terminated() {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				// Connection dropped mid-stream. Surface the partial
				// text with the failure.
				streamErr := &protocol.StreamError{
					Partial: dec.Accumulated(),
					Err:     err,
				}
				emit([]protocol.Event{{Type: protocol.EventError, Content: streamErr.Error()}})
				return
			}

			// Clean EOF: process a final unterminated line, then make
			// sure a terminal completion is observed.
			if !emit(dec.Flush()) {
				return
			}
			if dec.Terminated() {
				return
			}
			if result := dec.Result(); result != nil && result.Synthesized {
				emit([]protocol.Event{{Type: protocol.EventComplete, Completion: result}})
			}
			return
		}
	}
}
