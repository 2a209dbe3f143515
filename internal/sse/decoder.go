// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
	"errors"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/logging"
)

// STREAMING: Chunk boundaries are arbitrary; events are only decoded once
// their blank-line delimiter has arrived.

// MaxBufferSize bounds the undelimited residual kept between chunks (1MB).
const MaxBufferSize = 1024 * 1024

// ErrEventTooLarge describes an event dropped for exceeding MaxBufferSize.
var ErrEventTooLarge = errors.New("stream event exceeds 1 MiB and was dropped")

var (
	eventDelimiter = []byte("\n\n")
	dataPrefix     = []byte("data:")
)

// Decoder turns arbitrary byte chunks into records. It is owned by a single
// send and is not safe for concurrent use.
type Decoder struct {
	buf       []byte
	malformed int
	logger    *zap.Logger
}

// NewDecoder creates a decoder. A nil logger discards warnings.
func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{logger: logging.OrNop(logger)}
}

// Feed appends chunk to the buffer and returns the records of every complete
// event now available, in wire order. Partial events stay buffered.
func (d *Decoder) Feed(chunk []byte) []Record {
	for _, b := range chunk {
		if b != '\r' {
			d.buf = append(d.buf, b)
		}
	}

	var records []Record
	for {
		idx := bytes.Index(d.buf, eventDelimiter)
		if idx < 0 {
			break
		}
		records = d.decodeEvent(d.buf[:idx], records)
		d.buf = d.buf[idx+len(eventDelimiter):]
	}

	// An event that outgrows the buffer cannot be decoded. Reporting it as
	// an error record keeps the loss visible in the reply.
	if len(d.buf) > MaxBufferSize {
		d.malformed++
		d.logger.Warn("sse buffer overflow, dropping partial event",
			zap.Int("buffered", len(d.buf)))
		d.buf = nil
		records = append(records, StreamError{Message: ErrEventTooLarge.Error()})
	}

	// Compact so the backing array does not grow without bound.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return records
}

// Flush decodes any non-blank residual as a final event. Call it once the
// input is exhausted.
func (d *Decoder) Flush() []Record {
	rest := d.buf
	d.buf = nil
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	return d.decodeEvent(rest, nil)
}

// Buffered returns the number of undelimited bytes held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Malformed returns how many data lines were skipped.
func (d *Decoder) Malformed() int {
	return d.malformed
}

// decodeEvent parses each data line of one event independently.
func (d *Decoder) decodeEvent(event []byte, out []Record) []Record {
	for _, line := range bytes.Split(event, []byte("\n")) {
		if !bytes.HasPrefix(line, dataPrefix) {
			// event:, id:, retry: and ":" comments carry nothing we use.
			continue
		}
		payload := line[len(dataPrefix):]
		if len(payload) > 0 && payload[0] == ' ' {
			payload = payload[1:]
		}
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}

		rec, err := ParseLine(payload)
		if err != nil {
			d.malformed++
			d.logger.Warn("skipping malformed stream record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}
