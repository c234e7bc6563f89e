// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mayank29903/Roxxllm/internal/protocol"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for
	// transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// DefaultReadBuffer is the per-read buffer size for streaming bodies.
	DefaultReadBuffer = 4096

	// userAgent identifies the client on outgoing requests.
	userAgent = "roxxllm/0.1.0"
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// Shared HTTP client for all non-streaming requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient is used for streaming requests.
	// No timeout: stream lifetime is controlled via context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTransport indicates a request that never completed (connection
	// refused, DNS failure, timeout before any response).
	ErrTransport = errors.New("transport error")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrConversationNotFound indicates the requested conversation does
	// not exist on the server.
	ErrConversationNotFound = errors.New("conversation not found")
)

// APIError represents a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d)", e.Status)
}

// Is allows APIError to be compared against sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrConversationNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// apiErrorBody is the backend's error response shape.
type apiErrorBody struct {
	Detail string `json:"detail"`
}

// =============================================================================
// WIRE SHAPES
// =============================================================================

// sendRequest is the body for POST /chat/send.
type sendRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
	Stream         bool   `json:"stream"`
}

// createConversationRequest is the body for POST /chat/conversations.
type createConversationRequest struct {
	Title string `json:"title,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client communicates with the chat backend.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	readBuffer int
	limiter    *rate.Limiter
	logf       func(format string, args ...any)
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: DefaultMaxRetries,
		readBuffer: DefaultReadBuffer,
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		logf:       log.Printf,
	}
}

// WithAPIKey sets the bearer token sent on each request.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = strings.TrimSpace(key)
	return c
}

// WithMaxRetries sets the retry budget for non-streaming requests.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// WithRateLimit sets the outgoing request rate in requests per second.
func (c *Client) WithRateLimit(rps float64) *Client {
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst*2)
	}
	return c
}

// WithReadBuffer sets the per-read buffer size for streaming bodies.
func (c *Client) WithReadBuffer(n int) *Client {
	if n > 0 {
		c.readBuffer = n
	}
	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// setHeaders sets the required headers on a request.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// logRequest logs an API request without exposing sensitive data.
// SECURITY: Never log headers (auth) or bodies (user content).
func (c *Client) logRequest(req *http.Request) {
	c.logf("API request: %s %s", req.Method, req.URL.Path)
}

// =============================================================================
// RETRY LOGIC
// =============================================================================

// calculateBackoff returns the delay to wait before the next retry.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: 500ms, 1000ms, 2000ms, ...
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// isRetryable determines if an error should trigger a retry.
func (c *Client) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status < 600
	}
	// Connection-level failures are retryable
	return errors.Is(err, ErrTransport)
}

// doJSON performs a non-streaming request with retries and decodes the
// JSON response into out (out may be nil to discard the body).
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, out any) error {
	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.calculateBackoff(attempt - 1)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.doOnce(ctx, method, path, bodyBytes, out)
		if err == nil {
			return nil
		}
		if !c.isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doOnce performs a single request attempt.
func (c *Client) doOnce(ctx context.Context, method, path string, bodyBytes []byte, out any) error {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	c.logRequest(req)

	// PERFORMANCE: Use shared HTTP client with connection pooling
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return handleErrorResponse(resp.StatusCode, body)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// readResponse reads the response body with size limits.
// SECURITY: Response size limit prevents memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to typed errors.
func handleErrorResponse(statusCode int, body []byte) error {
	msg := ""
	var errBody apiErrorBody
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Detail != "" {
		msg = errBody.Detail
	} else if len(body) > 0 {
		msg = string(body)
	}

	switch statusCode {
	case http.StatusNotFound:
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, msg)
		}
		return ErrConversationNotFound
	case http.StatusTooManyRequests:
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
		return ErrRateLimited
	default:
		return &APIError{Status: statusCode, Message: msg}
	}
}

// =============================================================================
// NON-STREAMING OPERATIONS
// =============================================================================

// Send posts a message without streaming and returns the final
// completion frame.
func (c *Client) Send(ctx context.Context, conversationID, content string) (*protocol.Completion, error) {
	req := sendRequest{
		Content:        content,
		ConversationID: conversationID,
		Stream:         false,
	}

	// The non-streaming path returns the last event as a single JSON
	// object in the streaming frame shape.
	var frame struct {
		Type           string                     `json:"type"`
		Content        string                     `json:"content"`
		Message        *protocol.WireMessage      `json:"message"`
		Conversation   *protocol.WireConversation `json:"conversation"`
		MemoryMetadata *protocol.MemoryMetadata   `json:"memory_metadata"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/send", req, &frame); err != nil {
		return nil, err
	}

	if frame.Type == "error" {
		return nil, &APIError{Status: http.StatusBadGateway, Message: frame.Content}
	}
	if frame.Message == nil {
		return nil, fmt.Errorf("send response missing message")
	}
	return &protocol.Completion{
		Message:        *frame.Message,
		Conversation:   frame.Conversation,
		MemoryMetadata: frame.MemoryMetadata,
	}, nil
}

// ListConversations fetches the conversation directory, most recently
// updated first.
func (c *Client) ListConversations(ctx context.Context) ([]protocol.WireConversation, error) {
	var out []protocol.WireConversation
	if err := c.doJSON(ctx, http.MethodGet, "/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates a conversation with an optional title.
func (c *Client) CreateConversation(ctx context.Context, title string) (*protocol.WireConversation, error) {
	var out protocol.WireConversation
	req := createConversationRequest{Title: title}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	path := "/chat/conversations/" + url.PathEscape(id)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// FetchMessages retrieves the message history for a conversation,
// oldest first. limit <= 0 uses the server default.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int) ([]protocol.WireMessage, error) {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []protocol.WireMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
