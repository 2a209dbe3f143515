// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat sends prompts and turns the server's reply into conversation
// state.
//
// A send appends the user's message at once, appends an empty assistant
// placeholder, then applies reply events to that placeholder in arrival
// order until the reply finishes, fails, times out or is cancelled. Failures
// are written into the placeholder; the user's message is never rolled back.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/api"
	"github.com/jeranaias/rigrun-assist/internal/auth"
	"github.com/jeranaias/rigrun-assist/internal/conversation"
	"github.com/jeranaias/rigrun-assist/internal/logging"
	"github.com/jeranaias/rigrun-assist/internal/model"
)

// Defaults for Options.
const (
	DefaultSyncThreshold = 256
	DefaultIdleTimeout   = 90 * time.Second
)

// Authorizer runs requests with a valid credential.
type Authorizer interface {
	Do(ctx context.Context, fn func(ctx context.Context, token string) error) error
	Credential() auth.Credential
}

// Gate reports whether sending is currently suspended.
type Gate interface {
	Suspended() bool
}

// Options tunes an Orchestrator.
type Options struct {
	// SyncThreshold is how many unsynced reply bytes trigger a mirror sync.
	SyncThreshold int

	// IdleTimeout is the longest wait for the next stream event.
	IdleTimeout time.Duration

	Logger *zap.Logger
}

// Request is one prompt to send.
type Request struct {
	// ConversationID selects the target; empty means the active
	// conversation, created if there is none.
	ConversationID string

	Prompt    string
	Files     []api.FileUpload
	Topic     string
	Mode      string
	UserEmail string
	UserName  string

	// Blocking skips streaming and uses the non-streaming endpoint.
	Blocking bool
}

// Outcome reports how a send ended.
type Outcome struct {
	ConversationID string
	UserMessageID  string
	ReplyMessageID string
	State          State
	Content        string
	Strategy       string
	ToolUsages     []model.ToolUsage

	// Err classifies a Failed outcome.
	Err error
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs sends. It is safe for concurrent use; sends on
// different conversations are independent.
type Orchestrator struct {
	store    *conversation.Store
	auth     Authorizer
	stream   SendStrategy
	blocking SendStrategy
	gate     Gate

	syncThreshold int
	idleTimeout   time.Duration
	logger        *zap.Logger

	mu     sync.Mutex
	busy   map[string]bool
	states map[string]State
}

// New creates an orchestrator. gate may be nil.
func New(store *conversation.Store, authorizer Authorizer, stream, blocking SendStrategy, gate Gate, opts Options) *Orchestrator {
	if opts.SyncThreshold <= 0 {
		opts.SyncThreshold = DefaultSyncThreshold
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Orchestrator{
		store:         store,
		auth:          authorizer,
		stream:        stream,
		blocking:      blocking,
		gate:          gate,
		syncThreshold: opts.SyncThreshold,
		idleTimeout:   opts.IdleTimeout,
		logger:        logging.OrNop(opts.Logger).Named("chat"),
		busy:          make(map[string]bool),
		states:        make(map[string]State),
	}
}

// State returns the state of the latest send on conversation id.
func (o *Orchestrator) State(id string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[id]
}

// Send sends req and waits for the reply to end. The error is non-nil only
// when the send was rejected; exchange failures are in Outcome.
func (o *Orchestrator) Send(ctx context.Context, req Request) (Outcome, error) {
	h, err := o.SendAsync(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return h.Wait(), nil
}

// Handle controls a send started with SendAsync.
type Handle struct {
	ConversationID string
	UserMessageID  string
	ReplyMessageID string

	reply     *conversation.Reply
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	outcome   Outcome
}

// Cancel abandons the send. Content received so far stays; nothing received
// afterwards is applied.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.reply.Abandon()
	h.cancel()
}

// Content returns the reply text received so far.
func (h *Handle) Content() string { return h.reply.Content() }

// Done is closed when the send has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the send ends and returns its outcome.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}

// SendAsync validates req, appends the user message and the placeholder,
// and runs the exchange in the background.
func (o *Orchestrator) SendAsync(ctx context.Context, req Request) (*Handle, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Files) == 0 {
		return nil, ErrEmptyPrompt
	}
	if o.gate != nil && o.gate.Suspended() {
		return nil, ErrSuspended
	}

	convID := req.ConversationID
	if convID == "" {
		convID = o.store.EnsureActive()
	}
	conv, err := o.store.Get(convID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.busy[convID] {
		o.mu.Unlock()
		return nil, ErrConversationBusy
	}
	o.busy[convID] = true
	o.mu.Unlock()

	o.transition(convID, StateSending)

	userMsg := model.NewUserMessage(req.Prompt)
	userMsg.HasFiles = len(req.Files) > 0
	if err := o.store.AppendMessage(convID, userMsg); err != nil {
		o.release(convID, StateFailed)
		return nil, err
	}

	reply, err := o.store.BeginReply(convID)
	if err != nil {
		o.release(convID, StateFailed)
		return nil, err
	}
	o.transition(convID, StateStreaming)

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ConversationID: convID,
		UserMessageID:  userMsg.ID,
		ReplyMessageID: reply.MessageID(),
		reply:          reply,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	st := &StreamState{ConversationID: convID, PendingMessageID: reply.MessageID()}
	apiReq := o.buildRequest(req, conv)

	go func() {
		defer close(h.done)
		defer cancel()
		h.outcome = o.run(runCtx, h, st, reply, req, apiReq)
	}()
	return h, nil
}

func (o *Orchestrator) buildRequest(req Request, conv *model.Conversation) api.ChatRequest {
	topic := req.Topic
	if topic == "" {
		topic = conv.Topic
	}
	return api.ChatRequest{
		Topic:        topic,
		UserEmail:    req.UserEmail,
		UserName:     req.UserName,
		Prompt:       req.Prompt,
		SessionName:  conv.Name,
		Mode:         req.Mode,
		RefreshToken: o.auth.Credential().RefreshToken,
		Files:        req.Files,
	}
}

// =============================================================================
// EXCHANGE
// =============================================================================

func (o *Orchestrator) run(ctx context.Context, h *Handle, st *StreamState, reply *conversation.Reply, req Request, apiReq api.ChatRequest) Outcome {
	strategy := o.stream
	if req.Blocking || strategy == nil {
		strategy = o.blocking
	}

	start := time.Now()
	err := o.exchange(ctx, st, reply, strategy, apiReq)

	if errors.Is(err, api.ErrStreamingUnsupported) && strategy == o.stream && o.blocking != nil && !st.ReceivedAnyToken {
		o.logger.Info("streaming refused, falling back to blocking request",
			zap.String("conversation", st.ConversationID))
		strategy = o.blocking
		err = o.exchange(ctx, st, reply, strategy, apiReq)
	}

	if h.cancelled.Load() || (err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		err = ErrCancelled
	}

	out := o.finalize(st, reply, err)
	out.UserMessageID = h.UserMessageID
	out.Strategy = strategy.Name()

	o.logger.Debug("send ended",
		zap.String("conversation", st.ConversationID),
		zap.String("state", out.State.String()),
		zap.String("strategy", out.Strategy),
		zap.Duration("took", time.Since(start)),
		zap.Error(out.Err))
	return out
}

// exchange performs one request with strategy and applies its events. The
// idle bound covers opening the request as well: a server that accepts the
// connection but never answers times out like one that stops mid-reply.
func (o *Orchestrator) exchange(ctx context.Context, st *StreamState, reply *conversation.Reply, strategy SendStrategy, req api.ChatRequest) error {
	exCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var openTimedOut atomic.Bool
	openTimer := time.AfterFunc(o.idleTimeout, func() {
		openTimedOut.Store(true)
		cancel()
	})

	var events <-chan Event
	err := o.auth.Do(exCtx, func(ctx context.Context, token string) error {
		ch, err := strategy.Open(ctx, token, req)
		if err != nil {
			return err
		}
		events = ch
		return nil
	})
	if !openTimer.Stop() && openTimedOut.Load() {
		o.logger.Warn("no response before idle timeout",
			zap.String("conversation", st.ConversationID),
			zap.String("strategy", strategy.Name()),
			zap.Duration("timeout", o.idleTimeout))
		return ErrStreamTimeout
	}
	if err != nil {
		return err
	}
	return o.consume(exCtx, st, reply, events)
}

// consume applies events in order until the final one.
func (o *Orchestrator) consume(ctx context.Context, st *StreamState, reply *conversation.Reply, events <-chan Event) error {
	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			o.logger.Warn("stream idle timeout",
				zap.String("conversation", st.ConversationID),
				zap.Duration("timeout", o.idleTimeout))
			return ErrStreamTimeout

		case ev, ok := <-events:
			if !ok {
				o.logger.Warn("stream closed without a final event",
					zap.String("conversation", st.ConversationID))
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.idleTimeout)

			switch e := ev.(type) {
			case Token:
				o.applyToken(st, reply, e)
			case Finished:
				if e.Implicit {
					o.logger.Warn("stream ended without a finished record",
						zap.String("conversation", st.ConversationID))
				}
				st.ToolUsages = e.ToolUsages
				if e.Topic != "" {
					_ = o.store.SetRemote(st.ConversationID, "", e.Topic)
				}
				return nil
			case Failed:
				return e.Err
			}
		}
	}
}

// applyToken writes one token and syncs the mirror at line breaks or once
// enough bytes are unsynced.
func (o *Orchestrator) applyToken(st *StreamState, reply *conversation.Reply, t Token) {
	var applied bool
	if t.Replace {
		applied = reply.Set(t.Text)
	} else {
		applied = reply.Append(t.Text)
	}
	if !applied {
		return
	}
	st.ReceivedAnyToken = true

	st.bytesSinceSync += len(t.Text)
	if strings.Contains(t.Text, "\n") || st.bytesSinceSync >= o.syncThreshold {
		st.bytesSinceSync = 0
		_ = o.store.Sync()
	}
}

// finalize freezes the placeholder according to how the exchange ended.
func (o *Orchestrator) finalize(st *StreamState, reply *conversation.Reply, err error) Outcome {
	o.transition(st.ConversationID, StateFinalizing)

	out := Outcome{
		ConversationID: st.ConversationID,
		ReplyMessageID: st.PendingMessageID,
		ToolUsages:     st.ToolUsages,
		State:          StateCompleted,
	}

	var transform func(string) string
	switch {
	case err == nil:
		transform = func(content string) string {
			if strings.TrimSpace(content) == "" {
				out.State = StateFailed
				out.Err = ErrEmptyResponse
				return EmptyReplyText
			}
			return content
		}

	case errors.Is(err, ErrCancelled):
		out.State = StateFailed
		out.Err = ErrCancelled
		transform = func(content string) string {
			if content == "" {
				return CancelledNote
			}
			return content
		}

	default:
		out.State = StateFailed
		out.Err = err
		if !errors.Is(err, auth.ErrSessionExpired) && !isClassified(err) {
			out.Err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		note := UserMessage(out.Err)
		transform = func(content string) string {
			if strings.TrimSpace(content) == "" {
				return note
			}
			return content + "\n\n" + note
		}
	}

	out.Content = reply.Finalize(transform, st.ToolUsages)
	_ = o.store.Sync()

	o.release(st.ConversationID, out.State)
	return out
}

func isClassified(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrServer) ||
		errors.Is(err, ErrStreamTimeout) || errors.Is(err, ErrEmptyResponse)
}

func (o *Orchestrator) transition(id string, to State) {
	o.mu.Lock()
	from := o.states[id]
	o.states[id] = to
	o.mu.Unlock()
	o.logger.Debug("send state",
		zap.String("conversation", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func (o *Orchestrator) release(id string, final State) {
	o.transition(id, final)
	o.mu.Lock()
	delete(o.busy, id)
	o.mu.Unlock()
}
