// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"time"

	"github.com/jeranaias/rigrun-assist/internal/model"
)

// ConversationsKey holds the conversation mirror.
const ConversationsKey = "conversations"

// =============================================================================
// STORED TYPES
// =============================================================================

// StoredConversation is the persisted form of a conversation.
type StoredConversation struct {
	// Identity
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Remote session
	RemoteSessionID string `json:"remote_session_id,omitempty"`
	Topic           string `json:"topic,omitempty"`

	// Messages
	Messages []StoredMessage `json:"messages"`
}

// StoredMessage is the persisted form of a message. Pending replies are
// stored with whatever content had streamed in at sync time.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	HasFiles  bool      `json:"has_files,omitempty"`
	Pending   bool      `json:"pending,omitempty"`

	ToolUsages []model.ToolUsage `json:"tool_usages,omitempty"`
	Feedback   *model.Feedback   `json:"feedback,omitempty"`
}

// Snapshot is the whole mirrored state.
type Snapshot struct {
	ActiveID      string               `json:"active_id,omitempty"`
	Conversations []StoredConversation `json:"conversations"`
	SavedAt       time.Time            `json:"saved_at"`
}

// =============================================================================
// CONVERSION
// =============================================================================

// FromConversation converts a live conversation.
func FromConversation(conv *model.Conversation) StoredConversation {
	stored := StoredConversation{
		ID:              conv.ID,
		Name:            conv.Name,
		CreatedAt:       conv.CreatedAt,
		UpdatedAt:       conv.UpdatedAt,
		RemoteSessionID: conv.RemoteSessionID,
		Topic:           conv.Topic,
		Messages:        make([]StoredMessage, 0, len(conv.Messages)),
	}
	for _, msg := range conv.Messages {
		stored.Messages = append(stored.Messages, StoredMessage{
			ID:         msg.ID,
			Role:       msg.Role.String(),
			Content:    msg.GetDisplayContent(),
			Timestamp:  msg.Timestamp,
			HasFiles:   msg.HasFiles,
			Pending:    msg.Pending,
			ToolUsages: msg.ToolUsages,
			Feedback:   msg.Feedback,
		})
	}
	return stored
}

// ToConversation rebuilds a live conversation. Replies that were still
// pending when mirrored come back finalized with their partial content.
func (s StoredConversation) ToConversation() *model.Conversation {
	conv := &model.Conversation{
		ID:              s.ID,
		Name:            s.Name,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		RemoteSessionID: s.RemoteSessionID,
		Topic:           s.Topic,
		Messages:        make([]*model.Message, 0, len(s.Messages)),
	}
	if conv.Name == "" {
		conv.Name = model.DefaultConversationName
	}
	for _, sm := range s.Messages {
		msg := model.NewMessage(model.ParseRole(sm.Role), sm.Content)
		if sm.ID != "" {
			msg.ID = sm.ID
		}
		if !sm.Timestamp.IsZero() {
			msg.Timestamp = sm.Timestamp
		}
		msg.HasFiles = sm.HasFiles
		msg.ToolUsages = sm.ToolUsages
		msg.Feedback = sm.Feedback
		conv.Messages = append(conv.Messages, msg)
	}
	return conv
}

// =============================================================================
// MIRROR
// =============================================================================

// Mirror persists conversation snapshots under ConversationsKey.
type Mirror struct {
	kv  KV
	now func() time.Time
}

// NewMirror creates a mirror over kv.
func NewMirror(kv KV) *Mirror {
	return &Mirror{kv: kv, now: time.Now}
}

// Save replaces the mirrored state.
func (m *Mirror) Save(activeID string, convs []*model.Conversation) error {
	snap := Snapshot{
		ActiveID:      activeID,
		Conversations: make([]StoredConversation, 0, len(convs)),
		SavedAt:       m.now(),
	}
	for _, c := range convs {
		snap.Conversations = append(snap.Conversations, FromConversation(c))
	}
	return PutJSON(m.kv, ConversationsKey, snap)
}

// Load returns the mirrored conversations and the active ID. A missing
// mirror yields an empty result and no error.
func (m *Mirror) Load() (string, []*model.Conversation, error) {
	var snap Snapshot
	if err := GetJSON(m.kv, ConversationsKey, &snap); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, nil
		}
		return "", nil, err
	}
	convs := make([]*model.Conversation, 0, len(snap.Conversations))
	for _, sc := range snap.Conversations {
		if sc.ID == "" {
			continue
		}
		convs = append(convs, sc.ToConversation())
	}
	return snap.ActiveID, convs, nil
}

// Clear removes the mirror.
func (m *Mirror) Clear() error {
	return m.kv.Delete(ConversationsKey)
}
