// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-assist/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// ParseRole maps a remote role string onto a Role. Anything that is not
// "user" is an assistant reply.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleUser)) {
		return RoleUser
	}
	return RoleAssistant
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// An assistant reply starts as a pending placeholder with empty content.
// While pending, content is append-only; Finalize freezes it.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content  string `json:"content"`
	HasFiles bool   `json:"has_files,omitempty"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	Pending       bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Reply metadata (assistant messages)
	ToolUsages []ToolUsage `json:"tool_usages,omitempty"`
	Feedback   *Feedback   `json:"feedback,omitempty"`
}

// MaxRating is the top of the rating scale.
const MaxRating = 5

// Feedback is the user's judgement of a finalized reply: a star rating and
// optionally the reply they would have preferred.
type Feedback struct {
	Rating     int    `json:"rating,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ToolUsage describes one tool call reported by the server when a reply finishes.
type ToolUsage struct {
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		IsUser:    role == RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates an empty assistant placeholder that accepts tokens.
func NewAssistantMessage() *Message {
	msg := NewMessage(RoleAssistant, "")
	msg.Pending = true
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends a token to a pending message. It reports whether the
// token was applied; finalized messages ignore late tokens.
func (m *Message) AppendToken(token string) bool {
	if !m.Pending {
		return false
	}
	m.streamContent.WriteString(token)
	return true
}

// SetContent replaces the content of a pending message in one mutation.
func (m *Message) SetContent(content string) bool {
	if !m.Pending {
		return false
	}
	m.streamContent.Reset()
	m.streamContent.WriteString(content)
	return true
}

// Finalize freezes the accumulated content.
func (m *Message) Finalize() {
	if !m.Pending {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.Pending = false
}

// GetDisplayContent returns the content to display (streaming or final).
func (m *Message) GetDisplayContent() string {
	if m.Pending {
		return m.streamContent.String()
	}
	return m.Content
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// Preview returns a truncated preview of the message content.
func (m *Message) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.GetDisplayContent(), "\n", " ")
	return util.TruncateRunes(content, maxLen)
}

// Clone returns an independent copy. Pending content is materialized into
// the copy so readers never share the builder.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:        m.ID,
		Role:      m.Role,
		IsUser:    m.IsUser,
		Timestamp: m.Timestamp,
		Content:   m.Content,
		HasFiles:  m.HasFiles,
		Pending:   m.Pending,
	}
	if m.Pending {
		clone.streamContent.WriteString(m.streamContent.String())
	}
	if len(m.ToolUsages) > 0 {
		clone.ToolUsages = append([]ToolUsage(nil), m.ToolUsages...)
	}
	if m.Feedback != nil {
		fb := *m.Feedback
		clone.Feedback = &fb
	}
	return clone
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	return "msg_" + uuid.NewString()
}
