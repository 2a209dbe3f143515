// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversation history to files.
//
// # Supported Formats
//
//   - Markdown: human-readable, with a YAML front matter header
//   - JSON: the stored conversation as-is
//
// # Usage
//
//	exporter, err := export.New("markdown", opts)
//	path, err := export.ExportToFile(export.Convert(conv), exporter, opts)
package export
