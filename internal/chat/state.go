// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "github.com/jeranaias/rigrun-assist/internal/model"

// State is the position of one send in its lifecycle:
//
//	Idle -> Sending -> Streaming -> Finalizing -> Completed | Failed
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateFinalizing
	StateCompleted
	StateFailed
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StreamState is the per-send bookkeeping. It is discarded when the send
// ends.
type StreamState struct {
	ConversationID   string
	PendingMessageID string
	ReceivedAnyToken bool
	ToolUsages       []model.ToolUsage

	bytesSinceSync int
}
