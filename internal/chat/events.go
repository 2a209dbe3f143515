// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "github.com/jeranaias/rigrun-assist/internal/model"

// Event is produced by a SendStrategy. The set is closed: Token, Finished
// and Failed. A strategy's channel ends with exactly one Finished or Failed.
type Event interface {
	isEvent()
}

// Token carries reply text. Replace means Text is the whole reply rather
// than a fragment to append.
type Token struct {
	Text    string
	Replace bool
}

// Finished ends the reply.
type Finished struct {
	ToolUsages []model.ToolUsage
	Topic      string

	// Implicit is set when the stream ended without a finished record.
	Implicit bool
}

// Failed ends the reply with an error.
type Failed struct {
	Err error
}

func (Token) isEvent()    {}
func (Finished) isEvent() {}
func (Failed) isEvent()   {}
