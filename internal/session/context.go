// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/api"
	"github.com/jeranaias/rigrun-assist/internal/auth"
	"github.com/jeranaias/rigrun-assist/internal/chat"
	"github.com/jeranaias/rigrun-assist/internal/config"
	"github.com/jeranaias/rigrun-assist/internal/conversation"
	"github.com/jeranaias/rigrun-assist/internal/logging"
	"github.com/jeranaias/rigrun-assist/internal/model"
	"github.com/jeranaias/rigrun-assist/internal/storage"
)

var (
	// ErrNotLoggedIn is returned by operations that need a profile.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrEmptyFeedback rejects feedback with neither a rating nor a suggestion.
	ErrEmptyFeedback = errors.New("feedback needs a rating or a suggested reply")
)

// =============================================================================
// SESSION CONTEXT
// =============================================================================

// Context is everything one run of the client works with. It is built by
// Open and torn down by Close; nothing here is global.
type Context struct {
	Logger        *zap.Logger
	KV            storage.KV
	Cookies       *storage.CookieStore
	API           *api.Client
	Custodian     *auth.Custodian
	Profile       *auth.Profile
	Mirror        *storage.Mirror
	Conversations *conversation.Store
	Monitor       *Monitor
	Chat          *chat.Orchestrator

	mu      sync.RWMutex
	cfg     *config.Config
	user    *auth.User
	watcher *config.Watcher

	closeOnce sync.Once
	closeErr  error
}

// Open builds a session context from cfg: it opens the store, restores the
// credential and profile, and loads mirrored conversations.
func Open(cfg *config.Config, logger *zap.Logger) (*Context, error) {
	logger = logging.OrNop(logger)

	dir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	kv, err := storage.Open(storage.Options{
		Backend:    cfg.Storage.Backend,
		Dir:        dir,
		Passphrase: cfg.Storage.Passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	client := api.NewClient(api.Options{
		BaseURL:           cfg.API.BaseURL,
		IdentityURL:       cfg.API.IdentityURL,
		HostURL:           cfg.API.HostURL,
		Timeout:           cfg.Timeout(),
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Logger:            logger,
	})

	sc := &Context{
		Logger:  logger,
		KV:      kv,
		Cookies: storage.NewCookieStore(kv),
		API:     client,
		Profile: auth.NewProfile(kv),
		Mirror:  storage.NewMirror(kv),
		Monitor: NewMonitor(logger),
		cfg:     cfg,
	}

	sc.Custodian = auth.NewCustodian(client, sc.Cookies, logger)
	sc.Custodian.Load()
	sc.Custodian.SetNotifier(sc.Monitor)

	user, err := sc.Profile.Load()
	if err != nil {
		logger.Warn("cached profile unreadable", zap.Error(err))
	}
	sc.user = user

	sc.Conversations = conversation.New(sc.Mirror, logger)
	activeID, convs, err := sc.Mirror.Load()
	if err != nil {
		logger.Warn("mirrored conversations unreadable, starting fresh", zap.Error(err))
	}
	sc.Conversations.Init(activeID, convs)

	sc.Chat = chat.New(sc.Conversations, sc.Custodian,
		chat.NewStreamStrategy(client, cfg.Chat.ReadSize, logger),
		chat.NewBlockingStrategy(client),
		sc.Monitor,
		chat.Options{
			SyncThreshold: cfg.Chat.SyncThreshold,
			IdleTimeout:   cfg.StreamIdleTimeout(),
			Logger:        logger,
		})

	logger.Debug("session opened",
		zap.String("data_dir", dir),
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("sealed", cfg.Storage.Passphrase != ""),
		zap.Bool("logged_in", sc.Custodian.LoggedIn()),
		zap.Int("conversations", sc.Conversations.Len()))
	return sc, nil
}

// Config returns the current configuration.
func (c *Context) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// WatchConfig reloads the configuration when path changes. Reloads affect
// the topic, think and streaming choices of later sends.
func (c *Context) WatchConfig(path string) error {
	w, err := config.Watch(path, func(cfg *config.Config, err error) {
		if err != nil {
			return
		}
		c.mu.Lock()
		c.cfg = cfg
		c.mu.Unlock()
	}, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
	return nil
}

// Close stops the config watcher, flushes conversations and closes the
// store. It is safe to call more than once.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		w := c.watcher
		c.watcher = nil
		c.mu.Unlock()

		var errs []error
		if w != nil {
			errs = append(errs, w.Close())
		}
		errs = append(errs, c.Conversations.Sync(), c.KV.Close())
		c.closeErr = errors.Join(errs...)
		c.Logger.Debug("session closed", zap.Error(c.closeErr))
	})
	return c.closeErr
}

// =============================================================================
// ACCOUNT
// =============================================================================

// User returns the logged-in profile, or nil.
func (c *Context) User() *auth.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Login installs the credential carried by a login callback and caches the
// profile. A suspended session resumes.
func (c *Context) Login(data string) (*auth.User, error) {
	res, err := auth.DecodeLoginCallback(data, c.Config().Login.Key)
	if err != nil {
		return nil, err
	}
	if err := c.Custodian.Install(res.Credential); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if err := c.Profile.Save(res.User); err != nil {
		return nil, fmt.Errorf("failed to store profile: %w", err)
	}

	u := res.User
	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()

	c.Monitor.Resume()
	c.Logger.Info("logged in",
		zap.String("user", u.Name()),
		logging.Token("refresh", res.Credential.RefreshToken))
	return &u, nil
}

// Logout forgets the credential, cookies and cached profile.
func (c *Context) Logout() error {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()

	err := errors.Join(c.Custodian.Clear(), c.Cookies.Clear(), c.Profile.Clear())
	c.Logger.Info("logged out")
	return err
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// NewRequest builds a send for conversation convID (empty: active) using the
// current configuration. The conversation's topic wins over the default;
// think mode is dropped for topics that do not allow it.
func (c *Context) NewRequest(convID, prompt string, files []api.FileUpload) chat.Request {
	cfg := c.Config()

	topic := cfg.Chat.DefaultTopic
	lookup := convID
	if lookup == "" {
		lookup = c.Conversations.ActiveID()
	}
	if conv, err := c.Conversations.Get(lookup); err == nil && conv.Topic != "" {
		topic = conv.Topic
	}
	tc := cfg.Topic(topic)

	mode := api.ModeNormal
	if cfg.Chat.Think && tc.ThinkEnabled() {
		mode = api.ModeThink
	}

	req := chat.Request{
		ConversationID: convID,
		Prompt:         prompt,
		Files:          files,
		Topic:          topic,
		Mode:           mode,
		Blocking:       !tc.StreamingEnabled(),
	}
	if u := c.User(); u != nil {
		req.UserEmail = u.Email()
		req.UserName = u.Name()
	}
	return req
}

// SyncSessions replaces the local conversation list with the server's
// session listing.
func (c *Context) SyncSessions(ctx context.Context) (int, error) {
	u := c.User()
	if u == nil {
		return 0, ErrNotLoggedIn
	}

	var list *api.SessionList
	err := c.Custodian.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		list, err = c.API.ListSessions(ctx, token, u.Email())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	convs := conversation.FromSessions(list, time.Now())
	c.Conversations.Replace(convs)
	_ = c.Conversations.Sync()
	return len(convs), nil
}

// DeleteConversation removes conversation id. The server-side session is
// deleted first on a best-effort basis.
func (c *Context) DeleteConversation(ctx context.Context, id string) error {
	conv, err := c.Conversations.Get(id)
	if err != nil {
		return err
	}

	if u := c.User(); u != nil && (conv.RemoteSessionID != "" || !conv.IsEmpty()) {
		topic := conv.Topic
		if topic == "" {
			topic = c.Config().Chat.DefaultTopic
		}
		err := c.Custodian.Do(ctx, func(ctx context.Context, token string) error {
			return c.API.DeleteSession(ctx, token, topic, u.Email(), conv.Name)
		})
		if err != nil {
			c.Logger.Warn("remote session delete failed",
				zap.String("conversation", id), zap.Error(err))
		}
	}

	if _, err := c.Conversations.Delete(id); err != nil {
		return err
	}
	_ = c.Conversations.Sync()
	return nil
}

// =============================================================================
// FEEDBACK
// =============================================================================

// SubmitFeedback rates reply msgID of conversation convID. Empty IDs select
// the active conversation and its latest finished reply. A suggested reply
// goes to the server first and the feedback is recorded only once it is
// accepted; a rating alone is kept locally.
func (c *Context) SubmitFeedback(ctx context.Context, convID, msgID string, fb model.Feedback) error {
	fb.Suggestion = strings.TrimSpace(fb.Suggestion)
	if fb.Rating == 0 && fb.Suggestion == "" {
		return ErrEmptyFeedback
	}
	if fb.Rating < 0 || fb.Rating > model.MaxRating {
		return fmt.Errorf("rating must be between 1 and %d", model.MaxRating)
	}

	if convID == "" {
		convID = c.Conversations.ActiveID()
	}
	conv, err := c.Conversations.Get(convID)
	if err != nil {
		return err
	}
	question, reply := findReply(conv, msgID)
	if reply == nil {
		return fmt.Errorf("%w: no finished reply to rate", conversation.ErrMessageNotFound)
	}
	if reply.IsUser || reply.Pending {
		return conversation.ErrNotRateable
	}

	if fb.Suggestion != "" {
		u := c.User()
		if u == nil {
			return ErrNotLoggedIn
		}
		topic := conv.Topic
		if topic == "" {
			topic = c.Config().Chat.DefaultTopic
		}
		req := api.Feedback{
			UserEmail:       u.Email(),
			Topic:           topic,
			SessionName:     conv.Name,
			Question:        question,
			InitialResponse: reply.Content,
			SuggestResponse: fb.Suggestion,
			Rating:          fb.Rating,
		}
		err := c.Custodian.Do(ctx, func(ctx context.Context, token string) error {
			return c.API.SubmitFeedback(ctx, token, req)
		})
		if err != nil {
			return fmt.Errorf("failed to submit feedback: %w", err)
		}
	}

	if err := c.Conversations.SetFeedback(convID, reply.ID, fb); err != nil {
		return err
	}
	_ = c.Conversations.Sync()
	c.Logger.Info("feedback recorded",
		zap.String("conversation", convID),
		zap.Int("rating", fb.Rating),
		zap.Bool("suggestion", fb.Suggestion != ""))
	return nil
}

// findReply returns message msgID, or the latest finished reply when msgID
// is empty, together with the closest user message before it.
func findReply(conv *model.Conversation, msgID string) (string, *model.Message) {
	idx := -1
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.ID == msgID || (msgID == "" && !m.IsUser && !m.Pending) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", nil
	}
	for i := idx - 1; i >= 0; i-- {
		if conv.Messages[i].IsUser {
			return conv.Messages[i].Content, conv.Messages[idx]
		}
	}
	return "", conv.Messages[idx]
}
