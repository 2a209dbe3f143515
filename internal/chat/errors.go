// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-assist/internal/auth"
)

// Rejections. Send returns these directly; nothing is appended.
var (
	// ErrEmptyPrompt rejects a send with neither text nor files.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrConversationBusy rejects a second send while a reply is in progress.
	ErrConversationBusy = errors.New("a reply is still in progress for this conversation")

	// ErrSuspended rejects sends while the session awaits re-authentication.
	ErrSuspended = errors.New("sending is suspended until you log in again")
)

// Exchange failures. These are reported in Outcome.Err.
var (
	// ErrEmptyResponse means the reply finished without any content.
	ErrEmptyResponse = errors.New("empty response from server")

	// ErrStreamTimeout means no record arrived within the idle timeout.
	ErrStreamTimeout = errors.New("stream timed out waiting for data")

	// ErrCancelled means the caller abandoned the send.
	ErrCancelled = errors.New("send cancelled")

	// ErrServer wraps an error record sent by the server mid-stream.
	ErrServer = errors.New("server reported an error")

	// ErrTransport wraps network and HTTP failures.
	ErrTransport = errors.New("transport error")
)

// Texts written into the reply when there is nothing better to show.
const (
	EmptyReplyText     = "No response was received. Please try again."
	CancelledNote      = "(cancelled)"
	SessionExpiredNote = "[session expired: log in again to continue]"
)

// UserMessage renders err for display inside a reply.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrSessionExpired):
		return SessionExpiredNote
	case errors.Is(err, ErrStreamTimeout):
		return "The server stopped responding. Please try again."
	case errors.Is(err, ErrServer):
		return "Server error: " + detail(err, ErrServer)
	case errors.Is(err, ErrTransport):
		return "Could not reach the server: " + detail(err, ErrTransport)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// detail strips the kind prefix added when wrapping as "<kind>: <cause>".
func detail(err, kind error) string {
	return strings.TrimPrefix(err.Error(), kind.Error()+": ")
}
