// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxMessages is the maximum number of messages to keep in conversation history.
// When exceeded, old messages are pruned to prevent unbounded memory growth.
const MaxMessages = 1000

// DefaultConversationName is the base name for freshly created conversations.
const DefaultConversationName = "New Chat"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds an ordered chat history and the remote session it maps to.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages
	Messages []*Message `json:"messages"`

	// Remote session
	RemoteSessionID string `json:"remote_session_id,omitempty"`
	Topic           string `json:"topic,omitempty"`
}

// NewConversation creates a new conversation with a generated ID.
func NewConversation(name string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        generateConversationID(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage adds a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.pruneOldMessages()
}

// GetLastMessage returns the most recent message, or nil if empty.
func (c *Conversation) GetLastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// GetMessageByID returns a message by its ID.
func (c *Conversation) GetMessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// ClearHistory removes all messages from the conversation.
func (c *Conversation) ClearHistory() {
	c.Messages = make([]*Message, 0)
	c.UpdatedAt = time.Now()
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// HasPendingReply reports whether an assistant placeholder is still open.
func (c *Conversation) HasPendingReply() bool {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Pending {
			return true
		}
	}
	return false
}

// Preview returns a short preview of the conversation.
func (c *Conversation) Preview() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].IsUser {
			return c.Messages[i].Preview(100)
		}
	}
	if len(c.Messages) == 0 {
		return "Empty conversation"
	}
	return c.Messages[0].Preview(100)
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{
		ID:              c.ID,
		Name:            c.Name,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		RemoteSessionID: c.RemoteSessionID,
		Topic:           c.Topic,
		Messages:        make([]*Message, len(c.Messages)),
	}
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return clone
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateConversationID creates a unique conversation ID.
func generateConversationID() string {
	return "conv_" + uuid.NewString()
}

// pruneOldMessages drops the oldest finalized messages once history exceeds
// MaxMessages. Pending placeholders are never pruned.
func (c *Conversation) pruneOldMessages() {
	excess := len(c.Messages) - MaxMessages
	if excess <= 0 {
		return
	}
	kept := make([]*Message, 0, MaxMessages)
	for _, msg := range c.Messages {
		if excess > 0 && !msg.Pending {
			excess--
			continue
		}
		kept = append(kept, msg)
	}
	c.Messages = kept
}
