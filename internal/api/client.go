// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api is the HTTP client for the chat service and the identity
// service.
//
// Every request passes a token-bucket limiter. Error responses are mapped to
// sentinels so callers can branch with errors.Is: ErrUnauthorized for
// 401-class responses and ErrStreamingUnsupported when the server refuses
// streaming; everything else is an *HTTPError.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-assist/internal/logging"
)

// Configuration constants.
const (
	// DefaultBaseURL is the chat service root.
	DefaultBaseURL = "https://aiapi.hbc.com.vn"

	// DefaultIdentityURL is the identity service root.
	DefaultIdentityURL = "https://id-api-staging.hbc.com.vn"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 120 * time.Second

	// DefaultRequestsPerSecond is the limiter's steady rate.
	DefaultRequestsPerSecond = 5.0

	// MaxResponseSize is the maximum allowed non-streaming response body.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorBody caps how much of an error body is read.
	maxErrorBody = 64 * 1024
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnauthorized is returned for 401-class responses.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStreamingUnsupported is returned when the server refuses streaming
	// and the request should be repeated with the blocking endpoint.
	ErrStreamingUnsupported = errors.New("streaming not supported by server")
)

// HTTPError is a non-success response.
type HTTPError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// Is lets errors.Is match 401 responses against ErrUnauthorized.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// errorBody covers the error shapes both services use.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client. Zero values select defaults.
type Options struct {
	BaseURL           string
	IdentityURL       string
	HostURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client talks to the chat and identity services. It is safe for concurrent use.
type Client struct {
	baseURL     string
	identityURL string
	hostURL     string

	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.IdentityURL == "" {
		opts.IdentityURL = DefaultIdentityURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}

	c := &Client{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		identityURL: strings.TrimSuffix(opts.IdentityURL, "/"),
		hostURL:     opts.HostURL,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burstFor(opts.RequestsPerSecond)),
		logger:      logging.OrNop(opts.Logger).Named("api"),
	}
	if c.hostURL == "" {
		c.hostURL = c.baseURL
	}

	if opts.HTTPClient != nil {
		c.httpClient = opts.HTTPClient
		// Streaming must not inherit a whole-request timeout.
		streamCopy := *opts.HTTPClient
		streamCopy.Timeout = 0
		c.streamClient = &streamCopy
		return c
	}

	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// SECURITY: TLS 1.2+ with verification.
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	c.httpClient = &http.Client{Transport: transport, Timeout: opts.Timeout}
	// No timeout for streaming; controlled via context and idle timeout.
	c.streamClient = &http.Client{Transport: transport}
	return c
}

func burstFor(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

// BaseURL returns the chat service root.
func (c *Client) BaseURL() string { return c.baseURL }

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// do sends req through the limiter and maps error statuses. On success the
// caller owns resp.Body.
func (c *Client) do(client *http.Client, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	start := time.Now()
	// SECURITY: Never log headers or bodies; they carry tokens and prompts.
	c.logger.Debug("api request", zap.String("method", req.Method), zap.String("path", req.URL.Path))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	c.logger.Debug("api response",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, handleErrorResponse(resp.StatusCode, body)
}

// handleErrorResponse maps a failed response to an error.
func handleErrorResponse(status int, body []byte) error {
	msg := errorMessage(body)
	httpErr := &HTTPError{Status: status, Message: msg}

	if status == http.StatusUnauthorized {
		return httpErr
	}
	if isStreamingRefusal(status, msg) {
		return fmt.Errorf("%w: %w", ErrStreamingUnsupported, httpErr)
	}
	return httpErr
}

// isStreamingRefusal recognizes a server policy that rejects streaming.
func isStreamingRefusal(status int, msg string) bool {
	if status != http.StatusNotImplemented && (status < 400 || status >= 500) {
		return false
	}
	m := strings.ToLower(msg)
	if !strings.Contains(m, "stream") {
		return false
	}
	return strings.Contains(m, "unsupported") ||
		strings.Contains(m, "not supported") ||
		strings.Contains(m, "not available")
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if s := rawText(eb.Detail); s != "" {
			return s
		}
		if s := rawText(eb.Error); s != "" {
			return s
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}

// rawText returns a JSON string's value or the raw JSON of anything else.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// readResponse reads a bounded body.
func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response too large (exceeds %d bytes)", MaxResponseSize)
	}
	return body, nil
}

// setAuth adds the bearer token.
func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// newRequest builds a request bound to ctx.
func newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, nil
}
