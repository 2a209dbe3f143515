// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"
)

// DefaultReadSize is the chunk size used when Read is given zero.
const DefaultReadSize = 4 * 1024

// Result is one item delivered by Read: either a record or a terminal error.
type Result struct {
	Record Record
	Err    error
}

// Read decodes r on a background goroutine and yields records in wire order.
// The channel is closed at end of input; a read error other than io.EOF is
// delivered as the last Result. When ctx is cancelled and r is an io.Closer,
// r is closed so a blocked read returns.
func Read(ctx context.Context, r io.Reader, bufSize int, logger *zap.Logger) <-chan Result {
	if bufSize <= 0 {
		bufSize = DefaultReadSize
	}
	out := make(chan Result)

	go func() {
		defer close(out)

		if c, ok := r.(io.Closer); ok {
			stop := context.AfterFunc(ctx, func() { _ = c.Close() })
			defer stop()
		}

		dec := NewDecoder(logger)
		emit := func(records []Record) bool {
			for _, rec := range records {
				select {
				case out <- Result{Record: rec}:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		buf := make([]byte, bufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 && !emit(dec.Feed(buf[:n])) {
				return
			}
			if err == nil {
				continue
			}
			if !emit(dec.Flush()) {
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			select {
			case out <- Result{Err: err}:
			case <-ctx.Done():
			}
			return
		}
	}()

	return out
}
