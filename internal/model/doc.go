// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by the conversation
// store, the send orchestrator and the terminal consumer.
//
// # Key Types
//
//   - Conversation: ordered messages plus the remote session they map to
//   - Message: one user prompt or assistant reply
//   - ToolUsage: tool metadata reported when a streamed reply finishes
//   - Role: message role enumeration (user, assistant)
//
// # Usage
//
// Create a conversation and a streaming reply placeholder:
//
//	conv := model.NewConversation("New Chat")
//	conv.AddMessage(model.NewUserMessage("Xin chào"))
//	reply := model.NewAssistantMessage()
//	conv.AddMessage(reply)
//	reply.AppendToken("Chào bạn")
//	reply.Finalize()
package model
