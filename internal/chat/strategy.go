// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/api"
	"github.com/jeranaias/rigrun-assist/internal/logging"
	"github.com/jeranaias/rigrun-assist/internal/sse"
)

// SendStrategy delivers one reply as a sequence of events. Open returns
// once the request has been accepted, so authorization failures surface
// from Open itself. The channel is closed after the final event.
type SendStrategy interface {
	Name() string
	Open(ctx context.Context, token string, req api.ChatRequest) (<-chan Event, error)
}

// StreamOpener starts an event-stream reply.
type StreamOpener interface {
	OpenStream(ctx context.Context, token string, req api.ChatRequest) (io.ReadCloser, error)
}

// BlockingChatter fetches a whole reply in one request.
type BlockingChatter interface {
	Chat(ctx context.Context, token string, req api.ChatRequest) (string, error)
}

// =============================================================================
// STREAMING
// =============================================================================

// StreamStrategy reads the reply from the streaming endpoint.
type StreamStrategy struct {
	client   StreamOpener
	readSize int
	logger   *zap.Logger
}

// NewStreamStrategy creates a streaming strategy. readSize <= 0 selects the
// decoder default.
func NewStreamStrategy(client StreamOpener, readSize int, logger *zap.Logger) *StreamStrategy {
	return &StreamStrategy{client: client, readSize: readSize, logger: logging.OrNop(logger)}
}

// Name implements SendStrategy.
func (s *StreamStrategy) Name() string { return "stream" }

// Open implements SendStrategy.
func (s *StreamStrategy) Open(ctx context.Context, token string, req api.ChatRequest) (<-chan Event, error) {
	body, err := s.client.OpenStream(ctx, token, req)
	if err != nil {
		return nil, classify(err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer body.Close()

		// Stopping the reader on every exit path releases the decoder goroutine.
		readCtx, stop := context.WithCancel(ctx)
		defer stop()

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for res := range sse.Read(readCtx, body, s.readSize, s.logger) {
			if res.Err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(Failed{Err: fmt.Errorf("%w: %w", ErrTransport, res.Err)})
				return
			}

			switch rec := res.Record.(type) {
			case sse.Start:
				// Nothing to apply; the placeholder already exists.
			case sse.ContentToken:
				if !emit(Token{Text: rec.Text}) {
					return
				}
			case sse.Finished:
				emit(Finished{ToolUsages: rec.ToolUsages, Topic: rec.Topic})
				return
			case sse.StreamError:
				emit(Failed{Err: fmt.Errorf("%w: %s", ErrServer, rec.Message)})
				return
			}
		}

		if ctx.Err() == nil {
			emit(Finished{Implicit: true})
		}
	}()
	return out, nil
}

// =============================================================================
// BLOCKING
// =============================================================================

// BlockingStrategy fetches the whole reply from the non-streaming endpoint
// and delivers it as one replacing token.
type BlockingStrategy struct {
	client BlockingChatter
}

// NewBlockingStrategy creates a blocking strategy.
func NewBlockingStrategy(client BlockingChatter) *BlockingStrategy {
	return &BlockingStrategy{client: client}
}

// Name implements SendStrategy.
func (b *BlockingStrategy) Name() string { return "blocking" }

// Open implements SendStrategy. The request completes before Open returns.
func (b *BlockingStrategy) Open(ctx context.Context, token string, req api.ChatRequest) (<-chan Event, error) {
	text, err := b.client.Chat(ctx, token, req)
	if err != nil {
		return nil, classify(err)
	}
	out := make(chan Event, 2)
	out <- Token{Text: text, Replace: true}
	out <- Finished{}
	close(out)
	return out, nil
}

// classify keeps sentinels the orchestrator branches on and wraps the rest
// as transport failures.
func classify(err error) error {
	switch {
	case errors.Is(err, api.ErrUnauthorized),
		errors.Is(err, api.ErrStreamingUnsupported),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}
