// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"

	"github.com/jeranaias/rigrun-assist/internal/model"
	"github.com/jeranaias/rigrun-assist/internal/storage"
)

// Convert turns a live conversation into its stored form for export.
func Convert(conv *model.Conversation) *storage.StoredConversation {
	if conv == nil {
		return nil
	}
	stored := storage.FromConversation(conv)
	return &stored
}

// ExportConversation exports a live conversation in format.
func ExportConversation(conv *model.Conversation, format string, opts *Options) (string, error) {
	stored := Convert(conv)
	if stored == nil {
		return "", errors.New("conversation is nil")
	}
	exporter, err := New(format, opts)
	if err != nil {
		return "", err
	}
	return ExportToFile(stored, exporter, opts)
}
