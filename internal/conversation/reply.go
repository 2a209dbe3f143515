// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-assist/internal/model"
)

// ErrReplyOutstanding is returned by BeginReply when the conversation
// already has a reply in progress.
var ErrReplyOutstanding = errors.New("a reply is already in progress")

// Reply is the write handle for one assistant placeholder. All methods take
// the store lock; once abandoned, no further tokens are applied.
type Reply struct {
	store  *Store
	convID string
	msgID  string

	// Guarded by store.mu.
	abandoned bool
	finalized bool
}

// BeginReply appends an empty assistant placeholder to conversation id and
// returns its handle.
func (s *Store) BeginReply(id string) (*Reply, error) {
	s.mu.Lock()
	c := s.getLocked(id)
	if c == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.replies[id] != nil {
		s.mu.Unlock()
		return nil, ErrReplyOutstanding
	}
	msg := model.NewAssistantMessage()
	c.AddMessage(msg)
	r := &Reply{store: s, convID: id, msgID: msg.ID}
	s.replies[id] = r
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: id, MessageID: msg.ID})
	return r, nil
}

// ConversationID returns the owning conversation.
func (r *Reply) ConversationID() string { return r.convID }

// MessageID returns the placeholder message ID.
func (r *Reply) MessageID() string { return r.msgID }

// messageLocked returns the live placeholder if it may still be written.
// Caller holds store.mu.
func (r *Reply) messageLocked() *model.Message {
	if r.abandoned || r.finalized {
		return nil
	}
	c := r.store.getLocked(r.convID)
	if c == nil {
		return nil
	}
	msg := c.GetMessageByID(r.msgID)
	if msg == nil || !msg.Pending {
		return nil
	}
	return msg
}

// Append adds token to the placeholder. It reports whether it was applied.
func (r *Reply) Append(token string) bool {
	s := r.store
	s.mu.Lock()
	msg := r.messageLocked()
	applied := msg != nil && msg.AppendToken(token)
	s.mu.Unlock()

	if applied {
		s.notify(Change{Kind: ChangeToken, ConversationID: r.convID, MessageID: r.msgID})
	}
	return applied
}

// Set replaces the placeholder's content in one mutation.
func (r *Reply) Set(content string) bool {
	s := r.store
	s.mu.Lock()
	msg := r.messageLocked()
	applied := msg != nil && msg.SetContent(content)
	s.mu.Unlock()

	if applied {
		s.notify(Change{Kind: ChangeToken, ConversationID: r.convID, MessageID: r.msgID})
	}
	return applied
}

// Content returns what has accumulated so far.
func (r *Reply) Content() string {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(r.convID)
	if c == nil {
		return ""
	}
	if msg := c.GetMessageByID(r.msgID); msg != nil {
		return msg.GetDisplayContent()
	}
	return ""
}

// Abandon stops any further token from being applied. Finalize still works.
func (r *Reply) Abandon() {
	r.store.mu.Lock()
	r.abandoned = true
	r.store.mu.Unlock()
}

// Abandoned reports whether Abandon was called (or the reply was dropped by
// a list mutation).
func (r *Reply) Abandoned() bool {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.abandoned
}

// Finalize freezes the placeholder. transform, when non-nil, maps the
// accumulated content to the final content (fallback text, error label).
// It returns the final content. Calling Finalize twice is a no-op.
func (r *Reply) Finalize(transform func(content string) string, usages []model.ToolUsage) string {
	s := r.store
	s.mu.Lock()
	if r.finalized {
		s.mu.Unlock()
		return r.finalContentLocked()
	}
	r.finalized = true
	if s.replies[r.convID] == r {
		delete(s.replies, r.convID)
	}

	c := s.getLocked(r.convID)
	var msg *model.Message
	if c != nil {
		msg = c.GetMessageByID(r.msgID)
	}
	if msg == nil || !msg.Pending {
		s.mu.Unlock()
		return ""
	}
	if transform != nil {
		msg.SetContent(transform(msg.GetDisplayContent()))
	}
	if len(usages) > 0 {
		msg.ToolUsages = append([]model.ToolUsage(nil), usages...)
	}
	msg.Finalize()
	c.UpdatedAt = s.now()
	content := msg.Content
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFinalized, ConversationID: r.convID, MessageID: r.msgID})
	return content
}

func (r *Reply) finalContentLocked() string {
	c := r.store.getLocked(r.convID)
	if c == nil {
		return ""
	}
	if msg := c.GetMessageByID(r.msgID); msg != nil {
		return msg.GetDisplayContent()
	}
	return ""
}
