// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Chat modes.
const (
	ModeNormal = "normal"
	ModeThink  = "think"
)

// EmptyResponseText replaces a blocking reply that carried no data.
const EmptyResponseText = "Received a response without data."

// FileUpload is an attachment sent with a prompt.
type FileUpload struct {
	Name    string
	Content []byte
}

// ChatRequest carries the fields both chat endpoints accept.
type ChatRequest struct {
	Topic        string
	UserEmail    string
	UserName     string
	Prompt       string
	SessionName  string
	Mode         string
	RefreshToken string
	Files        []FileUpload
}

type streamFile struct {
	Name          string `json:"name"`
	ContentBase64 string `json:"content_base64"`
}

type streamBody struct {
	Topic        string       `json:"topic"`
	UserEmail    string       `json:"user_email"`
	UserName     string       `json:"user_name,omitempty"`
	Prompt       string       `json:"prompt"`
	SessionName  string       `json:"session_name"`
	Mode         string       `json:"mode"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	Files        []streamFile `json:"files,omitempty"`
}

func (r ChatRequest) mode() string {
	if r.Mode == "" {
		return ModeNormal
	}
	return r.Mode
}

// =============================================================================
// STREAMING
// =============================================================================

// OpenStream starts a streaming reply and returns the event-stream body.
// The caller must close it. Cancelling ctx aborts the stream.
func (c *Client) OpenStream(ctx context.Context, token string, r ChatRequest) (io.ReadCloser, error) {
	body := streamBody{
		Topic:        r.Topic,
		UserEmail:    r.UserEmail,
		UserName:     r.UserName,
		Prompt:       r.Prompt,
		SessionName:  r.SessionName,
		Mode:         r.mode(),
		RefreshToken: r.RefreshToken,
	}
	for _, f := range r.Files {
		body.Files = append(body.Files, streamFile{
			Name:          f.Name,
			ContentBase64: base64.StdEncoding.EncodeToString(f.Content),
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := newRequest(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	setAuth(req, token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Accel-Buffering", "no")

	resp, err := c.do(c.streamClient, req)
	if err != nil {
		return nil, err
	}

	// A server that answers with a plain JSON body has not streamed. When
	// the body carries the reply it has already recorded the turn, so the
	// reply is handed back as a stream rather than requested again.
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "text/event-stream") && strings.Contains(ct, "application/json") {
		data, rerr := readResponse(resp)
		if rerr != nil {
			return nil, rerr
		}
		if reply, ok := parseWholeReply(data); ok {
			c.logger.Debug("server answered without streaming", zap.Int("bytes", len(data)))
			return reply.stream(), nil
		}
		return nil, fmt.Errorf("%w: %w", ErrStreamingUnsupported, &HTTPError{Status: resp.StatusCode, Message: errorMessage(data)})
	}
	return resp.Body, nil
}

// wholeReply is a complete reply returned as JSON by the stream endpoint.
type wholeReply struct {
	Output *string `json:"output"`
	Topic  string  `json:"topic"`
}

func parseWholeReply(data []byte) (wholeReply, bool) {
	var r wholeReply
	if err := json.Unmarshal(data, &r); err != nil || r.Output == nil {
		return wholeReply{}, false
	}
	return r, true
}

// stream frames the reply as a content record followed by a finished record.
func (r wholeReply) stream() io.ReadCloser {
	content, _ := json.Marshal(map[string]string{"content": *r.Output})
	fin, _ := json.Marshal(struct {
		Finished bool   `json:"finished"`
		Topic    string `json:"topic,omitempty"`
	}{true, r.Topic})

	var b bytes.Buffer
	fmt.Fprintf(&b, "data: %s\n\ndata: %s\n\n", content, fin)
	return io.NopCloser(&b)
}

// =============================================================================
// BLOCKING
// =============================================================================

// Chat sends the prompt to the blocking endpoint and returns the reply text:
// the "output" field when present, otherwise the whole payload as indented
// JSON.
func (c *Client) Chat(ctx context.Context, token string, r ChatRequest) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := []struct{ key, value string }{
		{"topic", r.Topic},
		{"user_email", r.UserEmail},
		{"user_name", r.UserName},
		{"prompt", r.Prompt},
		{"session_name", r.SessionName},
		{"mode", r.mode()},
		{"refresh_token", r.RefreshToken},
	}
	for _, f := range fields {
		if f.value == "" && (f.key == "user_name" || f.key == "refresh_token") {
			continue
		}
		if err := mw.WriteField(f.key, f.value); err != nil {
			return "", fmt.Errorf("failed to encode form: %w", err)
		}
	}
	for _, f := range r.Files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return "", fmt.Errorf("failed to encode file %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return "", fmt.Errorf("failed to encode file %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to encode form: %w", err)
	}

	req, err := newRequest(ctx, http.MethodPost, c.baseURL+"/api/chat", &buf)
	if err != nil {
		return "", err
	}
	setAuth(req, token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return "", err
	}
	body, err := readResponse(resp)
	if err != nil {
		return "", err
	}
	return extractOutput(body), nil
}

// extractOutput applies the blocking endpoint's reply rules.
func extractOutput(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return EmptyResponseText
	}

	var payload any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return string(trimmed)
	}
	if obj, ok := payload.(map[string]any); ok {
		if out, ok := obj["output"].(string); ok && out != "" {
			return out
		}
		if len(obj) == 0 {
			return EmptyResponseText
		}
	}
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return string(trimmed)
	}
	return string(pretty)
}
