// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Options{
		BaseURL:           server.URL,
		IdentityURL:       server.URL,
		HostURL:           "https://chat.example",
		RequestsPerSecond: 1000,
		HTTPClient:        server.Client(),
	})
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestOpenStream_RequestShape(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/stream", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		assert.Equal(t, "no-cache", r.Header.Get("Pragma"))
		assert.Equal(t, "no", r.Header.Get("X-Accel-Buffering"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "HCNS", body["topic"])
		assert.Equal(t, "a@b.c", body["user_email"])
		assert.Equal(t, "hello", body["prompt"])
		assert.Equal(t, "New Chat", body["session_name"])
		assert.Equal(t, "normal", body["mode"])
		files := body["files"].([]any)
		require.Len(t, files, 1)
		f := files[0].(map[string]any)
		assert.Equal(t, "a.txt", f["name"])
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("abc")), f["content_base64"])

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"content\": \"hi\"}\n\n")
	})

	body, err := client.OpenStream(context.Background(), "tok", ChatRequest{
		Topic: "HCNS", UserEmail: "a@b.c", Prompt: "hello", SessionName: "New Chat",
		Files: []FileUpload{{Name: "a.txt", Content: []byte("abc")}},
	})
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"content\": \"hi\"}\n\n", string(data))
}

func TestOpenStream_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		body        string
		unsupported bool
		unauth      bool
	}{
		{"401", http.StatusUnauthorized, `{"detail": "token expired"}`, false, true},
		{"policy 400", http.StatusBadRequest, `{"detail": "Streaming is not supported for this topic"}`, true, false},
		{"501", http.StatusNotImplemented, `{"message": "stream unsupported"}`, true, false},
		{"plain 400", http.StatusBadRequest, `{"detail": "bad topic"}`, false, false},
		{"500 mentioning stream", http.StatusInternalServerError, `stream not available`, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := client.OpenStream(context.Background(), "tok", ChatRequest{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.unsupported, errors.Is(err, ErrStreamingUnsupported))
			assert.Equal(t, tc.unauth, errors.Is(err, ErrUnauthorized))

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tc.status, httpErr.Status)
		})
	}
}

func TestOpenStream_JSONReplyIsNotRequestedAgain(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"output": "whole\nreply", "topic": "IT"}`)
	})
	body, err := client.OpenStream(context.Background(), "tok", ChatRequest{Prompt: "x"})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"content\":\"whole\\nreply\"}\n\ndata: {\"finished\":true,\"topic\":\"IT\"}\n\n", string(data))
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenStream_JSONWithoutReplyMeansUnsupported(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"detail": "streaming is not supported"}`)
	})
	_, err := client.OpenStream(context.Background(), "tok", ChatRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

// =============================================================================
// BLOCKING TESTS
// =============================================================================

func TestChat_Multipart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "IT", r.FormValue("topic"))
		assert.Equal(t, "think", r.FormValue("mode"))
		assert.Equal(t, "question", r.FormValue("prompt"))
		fh := r.MultipartForm.File["files"]
		require.Len(t, fh, 2)
		assert.Equal(t, "b.pdf", fh[1].Filename)
		_, _ = io.WriteString(w, `{"output": "answer"}`)
	})

	out, err := client.Chat(context.Background(), "tok", ChatRequest{
		Topic: "IT", Prompt: "question", Mode: ModeThink,
		Files: []FileUpload{{Name: "a.txt", Content: []byte("a")}, {Name: "b.pdf", Content: []byte("b")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
}

func TestExtractOutput(t *testing.T) {
	assert.Equal(t, "x", extractOutput([]byte(`{"output": "x"}`)))
	assert.Equal(t, EmptyResponseText, extractOutput(nil))
	assert.Equal(t, EmptyResponseText, extractOutput([]byte("null")))
	assert.Equal(t, EmptyResponseText, extractOutput([]byte("{}")))
	assert.Equal(t, "{\n  \"answer\": 42\n}", extractOutput([]byte(`{"answer":42}`)))
	assert.Equal(t, "plain text", extractOutput([]byte("plain text")))
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func TestListSessions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/sessions", r.URL.Path)
		assert.Equal(t, "a+b@c.d", r.URL.Query().Get("user_email"))
		_, _ = io.WriteString(w, `{"status": "success", "sessions": [
			{"session_id": "s1", "session_name": "Lương", "created_at": "2025-01-02T03:04:05Z",
			 "messages": [{"role": "user", "content": "hi", "created_at": "bad"}]}
		]}`)
	})

	list, err := client.ListSessions(context.Background(), "tok", "a+b@c.d")
	require.NoError(t, err)
	assert.True(t, list.OK())
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "Lương", list.Sessions[0].SessionName)
	assert.Equal(t, "hi", list.Sessions[0].Messages[0].Content)
}

func TestDeleteSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/chat/delete", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "KT", q.Get("topic"))
		assert.Equal(t, "u@x", q.Get("user_email"))
		assert.Equal(t, "Chat 1", q.Get("session_name"))
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, client.DeleteSession(context.Background(), "tok", "KT", "u@x", "Chat 1"))
}

func TestSubmitFeedback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/feedback", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "u@x", r.PostForm.Get("user_email"))
		assert.Equal(t, "HCNS", r.PostForm.Get("topic"))
		assert.Equal(t, "Chat 1", r.PostForm.Get("session_name"))
		assert.Equal(t, "bao nhiêu ngày phép?", r.PostForm.Get("question"))
		assert.Equal(t, "5 ngày", r.PostForm.Get("initial_response"))
		assert.Equal(t, "12 ngày", r.PostForm.Get("suggest_response"))
		assert.Equal(t, "2", r.PostForm.Get("rating"))
		_, _ = io.WriteString(w, `{"status": "success"}`)
	})

	err := client.SubmitFeedback(context.Background(), "tok", Feedback{
		UserEmail:       "u@x",
		Topic:           "HCNS",
		SessionName:     "Chat 1",
		Question:        "bao nhiêu ngày phép?",
		InitialResponse: "5 ngày",
		SuggestResponse: "12 ngày",
		Rating:          2,
	})
	require.NoError(t, err)
}

func TestSubmitFeedback_Unauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.NotContains(t, r.PostForm, "rating")
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := client.SubmitFeedback(context.Background(), "tok", Feedback{SuggestResponse: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

// =============================================================================
// IDENTITY TESTS
// =============================================================================

func TestRefreshAccessToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, accessTokenPath, r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body["refreshToken"])
		assert.Equal(t, "https://chat.example", body["hostUrl"])
		_, _ = io.WriteString(w, `{"access_token": "new", "expires_in": 3600}`)
	})

	tr, err := client.RefreshAccessToken(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "new", tr.AccessToken)
	assert.Empty(t, tr.RefreshToken)
	assert.EqualValues(t, 3600, tr.ExpiresIn)
}

func TestValidateAccessToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("accessToken") == "good" {
			_, _ = io.WriteString(w, `{"ok": true}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message": "invalid token"}`)
	})

	require.NoError(t, client.ValidateAccessToken(context.Background(), "good"))
	err := client.ValidateAccessToken(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestLimiterHonoursContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ListSessions(ctx, "tok", "u")
	assert.Error(t, err)
}
