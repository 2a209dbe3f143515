// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes the chat server's event stream into typed records.
//
// The wire format is a sequence of events separated by a blank line. Each
// "data:" line inside an event carries one JSON object; every line is decoded
// independently into a Record.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-assist/internal/model"
)

// ErrMalformedFrame is returned for a data line that is not valid JSON or
// whose shape matches no known record.
var ErrMalformedFrame = errors.New("malformed stream frame")

// doneMarker ends the stream in the compatibility format.
const doneMarker = "[DONE]"

// =============================================================================
// RECORD TYPES
// =============================================================================

// Record is one decoded stream record. The set of implementations is closed:
// Start, ContentToken, Finished and StreamError.
type Record interface {
	isRecord()
}

// Start marks the beginning of a reply.
type Start struct{}

// ContentToken carries one fragment of reply text. Text may be empty.
type ContentToken struct {
	Text string
}

// Finished ends a reply.
type Finished struct {
	ToolUsages   []model.ToolUsage
	Topic        string
	TimeResponse float64
}

// StreamError is a server-reported failure in the middle of a reply.
type StreamError struct {
	Message string
}

func (Start) isRecord()        {}
func (ContentToken) isRecord() {}
func (Finished) isRecord()     {}
func (StreamError) isRecord()  {}

// wireRecord is the union of every JSON shape the server emits.
type wireRecord struct {
	Start        *bool           `json:"start"`
	Content      *string         `json:"content"`
	Output       *string         `json:"output"`
	Finished     *bool           `json:"finished"`
	ToolUsages   json.RawMessage `json:"tool_usages"`
	Topic        string          `json:"topic"`
	TimeResponse json.RawMessage `json:"time_response"`
	Error        json.RawMessage `json:"error"`
}

// ParseLine decodes the payload of a single data line.
func ParseLine(payload []byte) (Record, error) {
	payload = bytes.TrimSpace(payload)
	if string(payload) == doneMarker {
		return Finished{}, nil
	}

	var w wireRecord
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case len(w.Error) > 0 && string(w.Error) != "null":
		return StreamError{Message: errorText(w.Error)}, nil
	case w.Finished != nil && *w.Finished:
		return Finished{
			ToolUsages:   parseToolUsages(w.ToolUsages),
			Topic:        w.Topic,
			TimeResponse: parseNumber(w.TimeResponse),
		}, nil
	case w.Start != nil && *w.Start:
		return Start{}, nil
	case w.Content != nil:
		return ContentToken{Text: *w.Content}, nil
	case w.Output != nil:
		if *w.Output == doneMarker {
			return Finished{Topic: w.Topic}, nil
		}
		return ContentToken{Text: *w.Output}, nil
	}
	return nil, fmt.Errorf("%w: unrecognized record %s", ErrMalformedFrame, truncate(payload))
}

// errorText accepts either a JSON string or an object with a message field.
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(raw)
}

// parseToolUsages is lenient: anything that is not a list of objects yields nil.
func parseToolUsages(raw json.RawMessage) []model.ToolUsage {
	if len(raw) == 0 {
		return nil
	}
	var usages []model.ToolUsage
	if err := json.Unmarshal(raw, &usages); err != nil {
		return nil
	}
	return usages
}

// parseNumber accepts a JSON number or a numeric string.
func parseNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s json.Number
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := s.Float64(); err == nil {
			return v
		}
	}
	return 0
}

func truncate(b []byte) string {
	const max = 80
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
