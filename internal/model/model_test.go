// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestAssistantMessage_AppendAndFinalize(t *testing.T) {
	msg := NewAssistantMessage()
	require.True(t, msg.Pending)
	require.True(t, msg.IsEmpty())
	assert.False(t, msg.IsUser)

	assert.True(t, msg.AppendToken("Xin "))
	assert.True(t, msg.AppendToken(""))
	assert.True(t, msg.AppendToken("chào"))
	assert.Equal(t, "Xin chào", msg.GetDisplayContent())
	assert.Empty(t, msg.Content, "content is only committed on finalize")

	msg.Finalize()
	assert.False(t, msg.Pending)
	assert.Equal(t, "Xin chào", msg.Content)

	assert.False(t, msg.AppendToken("late"), "finalized messages reject tokens")
	assert.Equal(t, "Xin chào", msg.GetDisplayContent())
}

func TestMessage_SetContent(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendToken("partial")
	require.True(t, msg.SetContent("whole reply"))
	msg.Finalize()
	assert.Equal(t, "whole reply", msg.Content)
	assert.False(t, msg.SetContent("again"))
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendToken("abc")

	clone := msg.Clone()
	assert.Equal(t, "abc", clone.GetDisplayContent())

	msg.AppendToken("def")
	assert.Equal(t, "abc", clone.GetDisplayContent())
	assert.Equal(t, "abcdef", msg.GetDisplayContent())
}

func TestMessage_IDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewUserMessage("x").ID
		require.False(t, seen[id], "duplicate id %s", id)
		require.True(t, strings.HasPrefix(id, "msg_"))
		seen[id] = true
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleUser, ParseRole("user"))
	assert.Equal(t, RoleUser, ParseRole(" USER "))
	assert.Equal(t, RoleAssistant, ParseRole("assistant"))
	assert.Equal(t, RoleAssistant, ParseRole("ai"))
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestConversation_PendingReply(t *testing.T) {
	conv := NewConversation(DefaultConversationName)
	conv.AddMessage(NewUserMessage("hello"))
	assert.False(t, conv.HasPendingReply())

	reply := NewAssistantMessage()
	conv.AddMessage(reply)
	assert.True(t, conv.HasPendingReply())
	assert.Same(t, reply, conv.GetMessageByID(reply.ID))

	reply.Finalize()
	assert.False(t, conv.HasPendingReply())
}

func TestConversation_PruneKeepsPending(t *testing.T) {
	conv := NewConversation("prune")
	placeholder := NewAssistantMessage()
	conv.AddMessage(placeholder)
	for i := 0; i < MaxMessages+5; i++ {
		conv.AddMessage(NewUserMessage("m"))
	}
	assert.Len(t, conv.Messages, MaxMessages)
	assert.NotNil(t, conv.GetMessageByID(placeholder.ID))
}

func TestConversation_Preview(t *testing.T) {
	conv := NewConversation("p")
	assert.Equal(t, "Empty conversation", conv.Preview())
	conv.AddMessage(NewUserMessage("first line\nsecond line"))
	assert.Equal(t, "first line second line", conv.Preview())
}
