// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-assist/internal/api"
	"github.com/jeranaias/rigrun-assist/internal/auth"
	"github.com/jeranaias/rigrun-assist/internal/chat"
	"github.com/jeranaias/rigrun-assist/internal/config"
	"github.com/jeranaias/rigrun-assist/internal/conversation"
	"github.com/jeranaias/rigrun-assist/internal/model"
	"github.com/jeranaias/rigrun-assist/internal/session"
)

// =============================================================================
// TEST ENVIRONMENT
// =============================================================================

type streamCall struct {
	Topic       string `json:"topic"`
	Prompt      string `json:"prompt"`
	Mode        string `json:"mode"`
	SessionName string `json:"session_name"`
	UserEmail   string `json:"user_email"`
}

type backend struct {
	mu       sync.Mutex
	calls    []streamCall
	feedback []url.Values
}

func (b *backend) feedbackForms() []url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]url.Values(nil), b.feedback...)
}

func (b *backend) streamCalls() []streamCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]streamCall(nil), b.calls...)
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		var call streamCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		b.mu.Lock()
		b.calls = append(b.calls, call)
		b.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"start\": true}\n\n")
		_, _ = io.WriteString(w, "data: {\"content\": \"Xin \"}\n\n")
		_, _ = io.WriteString(w, "data: {\"content\": \"chào\"}\n\n")
		_, _ = io.WriteString(w, "data: {\"finished\": true}\n\n")
	})
	mux.HandleFunc("/api/chat/sessions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status": "success", "sessions": [
			{"session_id": "s1", "session_name": "Remote one", "expertor": "KT",
			 "created_at": "2025-01-02T03:04:05Z",
			 "messages": [{"role": "user", "content": "hello"}, {"role": "assistant", "content": "hi"}]}
		]}`)
	})
	mux.HandleFunc("/api/chat/delete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/chat/feedback", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		b.mu.Lock()
		b.feedback = append(b.feedback, r.PostForm)
		b.mu.Unlock()
		_, _ = io.WriteString(w, `{"status": "success"}`)
	})
	return mux
}

type testEnv struct {
	backend    *backend
	configPath string
	dataDir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range []string{"ASSIST_API_URL", "ASSIST_IDENTITY_URL", "ASSIST_TOPIC", "ASSIST_DATA_DIR", "ASSIST_LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	b := &backend{}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.API.IdentityURL = srv.URL
	cfg.API.RequestsPerSecond = 1000
	cfg.Storage.Dir = filepath.Join(dir, "data")
	cfg.Logging.Level = "error"

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveTOML(cfg, path))
	return &testEnv{backend: b, configPath: path, dataDir: cfg.Storage.Dir}
}

// login leaves a usable credential and profile behind, as a previous run would.
func (e *testEnv) login(t *testing.T) {
	t.Helper()
	cfg, err := config.LoadFromPath(e.configPath)
	require.NoError(t, err)
	sc, err := session.Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, sc.Custodian.Install(auth.Credential{
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour),
	}))
	require.NoError(t, sc.Profile.Save(auth.User{DisplayName: "Tester", EmailAddress: "u@example.com"}))
	require.NoError(t, sc.Close())
}

// run executes one invocation and returns everything it printed.
func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	root := newRootCmd(a, "test")

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", e.configPath}, args...))

	err := root.ExecuteContext(context.Background())
	require.NoError(t, a.close())
	return out.String(), err
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestAsk_PrintsReplyAndPersists(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	out, err := env.run(t, "", "ask", "--raw", "xin", "chào")
	require.NoError(t, err)
	assert.Contains(t, out, "Xin chào")

	calls := env.backend.streamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "xin chào", calls[0].Prompt)
	assert.Equal(t, "HCNS", calls[0].Topic)
	assert.Equal(t, api.ModeNormal, calls[0].Mode)
	assert.Equal(t, "u@example.com", calls[0].UserEmail)

	out, err = env.run(t, "", "conversations", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "xin chào")
	assert.Contains(t, out, "Xin chào")
}

func TestAsk_PromptFromStdinWithTopicAndThink(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	_, err := env.run(t, "tóm tắt giúp tôi\n", "ask", "--topic", "it", "--think", "--new")
	require.NoError(t, err)

	calls := env.backend.streamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tóm tắt giúp tôi", calls[0].Prompt)
	assert.Equal(t, "IT", calls[0].Topic)
	assert.Equal(t, api.ModeThink, calls[0].Mode)
}

func TestAsk_ThinkDroppedForLeaveTopic(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	_, err := env.run(t, "", "ask", "--topic", "NGHI_PHEP", "--think", "còn mấy ngày phép?")
	require.NoError(t, err)

	calls := env.backend.streamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, api.ModeNormal, calls[0].Mode)
}

func TestAsk_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	_, err := env.run(t, "", "ask")
	assert.ErrorIs(t, err, chat.ErrEmptyPrompt)

	_, err = env.run(t, "", "ask", "--topic", "NOPE", "hi")
	assert.ErrorContains(t, err, "unknown topic")

	_, err = env.run(t, "", "ask", "--file", filepath.Join(t.TempDir(), "missing.txt"), "hi")
	assert.ErrorContains(t, err, "failed to read attachment")

	assert.Empty(t, env.backend.streamCalls())
}

func TestAsk_NotLoggedInReportsExpiry(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "", "ask", "--raw", "hi")
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
	assert.Contains(t, out, chat.SessionExpiredNote)
	assert.Empty(t, env.backend.streamCalls())
}

func TestChat_Loop(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	input := strings.Join([]string{
		"/topic it",
		"hello",
		"/new Second",
		"/list",
		"/bogus",
		"/quit",
		"never sent",
	}, "\n") + "\n"

	out, err := env.run(t, input, "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as Tester")
	assert.Contains(t, out, "Topic set to IT")
	assert.Contains(t, out, "Xin chào")
	assert.Contains(t, out, "Started Second")
	assert.Contains(t, out, "unknown command /bogus")

	calls := env.backend.streamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].Prompt)
	assert.Equal(t, "IT", calls[0].Topic)
}

func TestChat_ExpiredSessionPausesSends(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "first\nsecond\n")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in")
	assert.Contains(t, out, chat.SessionExpiredNote)
	assert.Contains(t, out, "Your session has expired")
	assert.Contains(t, out, "Sending is paused")
	assert.Empty(t, env.backend.streamCalls())
}

func TestChat_AttachFile(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("doanh thu"), 0600))

	out, err := env.run(t, "/file "+path+"\nsummarize\n")
	require.NoError(t, err)
	assert.Contains(t, out, "Attached report.txt (9 bytes)")
	require.Len(t, env.backend.streamCalls(), 1)
}

func TestChat_RateAndSuggest(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	input := strings.Join([]string{
		"/rate 4",
		"hello",
		"/rate 9",
		"/rate 4",
		"/suggest",
		"/suggest Chào bạn, tôi có thể giúp gì?",
		"/quit",
	}, "\n") + "\n"

	out, err := env.run(t, input, "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "no finished reply to rate")
	assert.Contains(t, out, "usage: /rate <1-5>")
	assert.Contains(t, out, "Rated 4/5")
	assert.Contains(t, out, "usage: /suggest")
	assert.Contains(t, out, "suggestion sent")

	forms := env.backend.feedbackForms()
	require.Len(t, forms, 1)
	assert.Equal(t, "hello", forms[0].Get("question"))
	assert.Equal(t, "Xin chào", forms[0].Get("initial_response"))
	assert.Equal(t, "Chào bạn, tôi có thể giúp gì?", forms[0].Get("suggest_response"))
}

func TestFeedback_Command(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	_, err := env.run(t, "", "ask", "--raw", "hi")
	require.NoError(t, err)

	_, err = env.run(t, "", "feedback")
	assert.ErrorIs(t, err, session.ErrEmptyFeedback)

	out, err := env.run(t, "", "feedback", "--rating", "5", "--suggest", "Chào!")
	require.NoError(t, err)
	assert.Contains(t, out, "Rated 5/5, suggestion sent")
	forms := env.backend.feedbackForms()
	require.Len(t, forms, 1)
	assert.Equal(t, "5", forms[0].Get("rating"))

	_, err = env.run(t, "", "rate", "1", "-r", "2")
	require.NoError(t, err)
	assert.Len(t, env.backend.feedbackForms(), 1, "a rating alone stays local")
}

func TestConversations_Manage(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "", "conversations", "new", "Alpha")
	require.NoError(t, err)
	_, err = env.run(t, "", "conversations", "new", "Beta")
	require.NoError(t, err)

	out, err := env.run(t, "", "conversations")
	require.NoError(t, err)
	assert.Contains(t, out, "Alpha")
	assert.Contains(t, out, "* ")

	_, err = env.run(t, "", "conversations", "select", "1")
	require.NoError(t, err)

	_, err = env.run(t, "", "conversations", "select", "99")
	assert.ErrorContains(t, err, "no conversation #99")

	_, err = env.run(t, "", "conversations", "delete", "Beta-does-not-exist")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestSync_ReplacesConversations(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "", "sync")
	assert.ErrorIs(t, err, session.ErrNotLoggedIn)

	env.login(t)
	out, err := env.run(t, "", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Synced 1 conversations")
	assert.Contains(t, out, "Remote one")
}

func TestExport_WritesFile(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	_, err := env.run(t, "", "ask", "--raw", "hello")
	require.NoError(t, err)

	dir := t.TempDir()
	out, err := env.run(t, "", "export", "--format", "json", "-o", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported to")

	matches, err := filepath.Glob(filepath.Join(dir, "conversation_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "Xin chào")

	_, err = env.run(t, "", "export", "--format", "pdf", "-o", dir)
	assert.ErrorContains(t, err, "unsupported export format")
}

func TestAccount_WhoamiAndLogout(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in")

	env.login(t)
	out, err = env.run(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Tester")
	assert.Contains(t, out, "u@example.com")

	_, err = env.run(t, "", "logout")
	require.NoError(t, err)
	out, err = env.run(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in")
}

func TestLogin_RejectsGarbage(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "not a callback\n", "login")
	assert.ErrorIs(t, err, auth.ErrInvalidCallback)

	_, err = env.run(t, "", "login")
	assert.EqualError(t, err, "no login callback given")
}

func TestConfig_GetSet(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "", "config", "get", "chat.default_topic")
	require.NoError(t, err)
	assert.Equal(t, "HCNS\n", out)

	_, err = env.run(t, "", "config", "set", "chat.default_topic", "it")
	require.NoError(t, err)
	out, err = env.run(t, "", "config", "get", "chat.default_topic")
	require.NoError(t, err)
	assert.Equal(t, "IT\n", out)

	_, err = env.run(t, "", "config", "set", "chat.default_topic", "NOPE")
	assert.ErrorContains(t, err, "invalid config")

	_, err = env.run(t, "", "config", "set", "chat.nope", "1")
	assert.Error(t, err)

	out, err = env.run(t, "", "config", "path")
	require.NoError(t, err)
	assert.Equal(t, env.configPath+"\n", out)
}

func TestConfig_ShowRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "config", "set", "login.key", "super-secret")
	require.NoError(t, err)

	out, err := env.run(t, "", "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "[REDACTED]")
}

func TestConfigCommands_DoNotOpenStore(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "config", "keys")
	require.NoError(t, err)

	_, err = os.Stat(env.dataDir)
	assert.True(t, os.IsNotExist(err))
}

// =============================================================================
// HELPER TESTS
// =============================================================================

func TestPrintDelta(t *testing.T) {
	var buf bytes.Buffer
	printed := printDelta(&buf, "", "Xin ")
	printed = printDelta(&buf, printed, "Xin chào")
	printed = printDelta(&buf, printed, "Replaced")
	assert.Equal(t, "Replaced", printed)
	assert.Equal(t, "Xin chào\nReplaced", buf.String())
}

func TestParseToggle(t *testing.T) {
	tests := []struct {
		arg     string
		current bool
		want    bool
		wantErr bool
	}{
		{"", false, true, false},
		{"", true, false, false},
		{"on", false, true, false},
		{"OFF", true, false, false},
		{"maybe", true, true, true},
	}
	for _, tt := range tests {
		got, err := parseToggle(tt.arg, tt.current)
		if tt.wantErr {
			assert.Error(t, err, tt.arg)
			continue
		}
		require.NoError(t, err, tt.arg)
		assert.Equal(t, tt.want, got, tt.arg)
	}
}

func TestWithThink(t *testing.T) {
	cfg := config.Default()

	req := withThink(cfg, chat.Request{Topic: "IT", Mode: api.ModeNormal}, true)
	assert.Equal(t, api.ModeThink, req.Mode)

	req = withThink(cfg, chat.Request{Topic: "NGHI_PHEP"}, true)
	assert.Equal(t, api.ModeNormal, req.Mode)

	req = withThink(cfg, chat.Request{Topic: "IT", Mode: api.ModeThink}, false)
	assert.Equal(t, api.ModeNormal, req.Mode)
}

func TestParseRateArgs(t *testing.T) {
	fb, err := parseRateArgs("3")
	require.NoError(t, err)
	assert.Equal(t, model.Feedback{Rating: 3}, fb)

	fb, err = parseRateArgs(" 5  much  better ")
	require.NoError(t, err)
	assert.Equal(t, model.Feedback{Rating: 5, Suggestion: "much  better"}, fb)

	for _, bad := range []string{"", "0", "6", "great"} {
		_, err := parseRateArgs(bad)
		assert.Error(t, err, bad)
	}
}
