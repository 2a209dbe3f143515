// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"time"

	"github.com/jeranaias/rigrun-assist/internal/api"
	"github.com/jeranaias/rigrun-assist/internal/model"
)

// timeLayouts are tried in order when parsing server timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// FromSessions maps the server's session listing 1:1 onto conversations.
// Timestamps that do not parse become now. A failed or empty listing yields
// nil.
func FromSessions(list *api.SessionList, now time.Time) []*model.Conversation {
	if !list.OK() {
		return nil
	}
	convs := make([]*model.Conversation, 0, len(list.Sessions))
	for _, sess := range list.Sessions {
		name := sess.SessionName
		if name == "" {
			name = model.DefaultConversationName
		}
		conv := model.NewConversation(name)
		if sess.SessionID != "" {
			conv.ID = sess.SessionID
		}
		conv.RemoteSessionID = sess.SessionID
		conv.Topic = sess.Expertor
		conv.CreatedAt = parseTime(sess.CreatedAt, now)
		conv.UpdatedAt = parseTime(sess.UpdatedAt, conv.CreatedAt)

		for _, m := range sess.Messages {
			msg := model.NewMessage(model.ParseRole(m.Role), m.Content)
			msg.Timestamp = parseTime(m.CreatedAt, now)
			conv.Messages = append(conv.Messages, msg)
		}
		convs = append(convs, conv)
	}
	return convs
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}
