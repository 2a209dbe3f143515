// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigrun-assist/internal/model"
	"github.com/jeranaias/rigrun-assist/internal/storage"
)

var fixedNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func sampleConversation() *storage.StoredConversation {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return &storage.StoredConversation{
		ID:              "c1",
		Name:            "Nghỉ phép",
		CreatedAt:       created,
		UpdatedAt:       created.Add(time.Minute),
		RemoteSessionID: "s-42",
		Topic:           "NGHI_PHEP",
		Messages: []storage.StoredMessage{
			{ID: "m1", Role: "user", Content: "Tôi còn bao nhiêu ngày phép?", Timestamp: created, HasFiles: true},
			{ID: "m2", Role: "assistant", Content: "Bạn còn 5 ngày.", Timestamp: created.Add(time.Second),
				ToolUsages: []model.ToolUsage{{Name: "leave_balance"}}, Feedback: &model.Feedback{Rating: 4}},
		},
	}
}

func testOptions(dir string) *Options {
	opts := DefaultOptions()
	opts.OutputDir = dir
	opts.now = func() time.Time { return fixedNow }
	return opts
}

// splitFrontMatter returns the YAML header and the body of a Markdown export.
func splitFrontMatter(t *testing.T, out string) (string, string) {
	t.Helper()
	require.True(t, strings.HasPrefix(out, "---\n"))
	rest := strings.TrimPrefix(out, "---\n")
	header, body, ok := strings.Cut(rest, "\n---\n")
	require.True(t, ok)
	return header, body
}

func TestMarkdownExporter_FrontMatter(t *testing.T) {
	out, err := NewMarkdownExporter(testOptions("")).Export(sampleConversation())
	require.NoError(t, err)

	header, body := splitFrontMatter(t, string(out))
	var fm frontMatter
	require.NoError(t, yaml.Unmarshal([]byte(header), &fm))
	assert.Equal(t, "Nghỉ phép", fm.Title)
	assert.Equal(t, "NGHI_PHEP", fm.Topic)
	assert.Equal(t, "s-42", fm.Session)
	assert.Equal(t, 2, fm.Messages)
	assert.Equal(t, "2025-03-04T05:06:07Z", fm.Exported)
	assert.Equal(t, "assist", fm.Generator)

	assert.Contains(t, body, "# Nghỉ phép")
	assert.Contains(t, body, "### [User] <sub>09:00:00</sub>")
	assert.Contains(t, body, "Bạn còn 5 ngày.")
	assert.Contains(t, body, "<sub>With attachments</sub>")
	assert.Contains(t, body, "<sub>Tools: `leave_balance`</sub>")
	assert.Contains(t, body, "<sub>Rated 4/5</sub>")
	assert.Contains(t, body, "*Exported from assist on March 4, 2025 at 5:06 AM*")
}

func TestMarkdownExporter_TitleCannotInjectYAML(t *testing.T) {
	conv := sampleConversation()
	conv.Name = "Test\nInjection: malicious\n---\nowned: true"

	out, err := NewMarkdownExporter(testOptions("")).Export(conv)
	require.NoError(t, err)

	header, _ := splitFrontMatter(t, string(out))
	var fields map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(header), &fields))
	assert.Equal(t, conv.Name, fields["title"])
	assert.NotContains(t, fields, "Injection")
	assert.NotContains(t, fields, "owned")
}

func TestMarkdownExporter_WithoutMetadata(t *testing.T) {
	opts := testOptions("")
	opts.IncludeMetadata = false
	opts.IncludeTimestamps = false

	out, err := NewMarkdownExporter(opts).Export(sampleConversation())
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, "# Nghỉ phép"))
	assert.NotContains(t, s, "Session Information")
	assert.Contains(t, s, "### [Assistant]\n")
}

func TestMarkdownExporter_Validation(t *testing.T) {
	e := NewMarkdownExporter(nil)

	_, err := e.Export(nil)
	assert.Error(t, err)

	conv := sampleConversation()
	conv.Messages = nil
	_, err = e.Export(conv)
	assert.ErrorIs(t, err, ErrEmptyConversation)

	conv = sampleConversation()
	conv.CreatedAt = time.Time{}
	_, err = e.Export(conv)
	assert.Error(t, err)
}

func TestFormatRoleLabel(t *testing.T) {
	assert.Equal(t, "Unknown", formatRoleLabel(""))
	assert.Equal(t, "[User]", formatRoleLabel("user"))
	assert.Equal(t, "[Assistant]", formatRoleLabel("assistant"))
	assert.Equal(t, "Reviewer", formatRoleLabel("reviewer"))
}

func TestJSONExporter_RoundTrip(t *testing.T) {
	conv := sampleConversation()
	out, err := NewJSONExporter(nil).Export(conv)
	require.NoError(t, err)

	var back storage.StoredConversation
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, conv.Name, back.Name)
	require.Len(t, back.Messages, 2)
	assert.Equal(t, "leave_balance", back.Messages[1].ToolUsages[0].Name)

	_, err = NewJSONExporter(nil).Export(nil)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	for format, ext := range map[string]string{"markdown": ".md", "MD": ".md", "json": ".json"} {
		e, err := New(format, nil)
		require.NoError(t, err, format)
		assert.Equal(t, ext, e.FileExtension())
	}
	_, err := New("html", nil)
	assert.Error(t, err)
}

func TestExportConversation_WritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	conv := model.NewConversation("Báo cáo: Q1/2025")
	conv.AddMessage(model.NewUserMessage("hello"))

	path, err := ExportConversation(conv, "markdown", testOptions(dir))
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.Equal(t, "conversation_Báo_cáo-_Q1-2025_20250304_050607.md", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	_, err = ExportConversation(nil, "json", testOptions(dir))
	assert.Error(t, err)
}

func TestExportToFile_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	conv := model.NewConversation("Daily")
	conv.AddMessage(model.NewUserMessage("hello"))

	first, err := ExportConversation(conv, "json", testOptions(dir))
	require.NoError(t, err)
	second, err := ExportConversation(conv, "json", testOptions(dir))
	require.NoError(t, err)

	assert.Equal(t, "conversation_Daily_20250304_050607.json", filepath.Base(first))
	assert.Equal(t, "conversation_Daily_20250304_050607_2.json", filepath.Base(second))
}

func TestFilenameSanitization(t *testing.T) {
	tests := []struct {
		input   string
		mustNot []string
	}{
		{"Test/Path\\Name:With*Special?Chars", []string{"/", "\\", ":", "*", "?"}},
		{"Test<HTML>Tags|Pipe", []string{"<", ">", "|"}},
		{"Test With Spaces\tAnd\nNewlines\r", []string{" ", "\t", "\n", "\r"}},
		{"Test\x00\x01\x1fControl\x7fChars", []string{"\x00", "\x01", "\x1f", "\x7f"}},
	}
	for _, tt := range tests {
		result := sanitizeFilename(tt.input)
		for _, ch := range tt.mustNot {
			assert.NotContains(t, result, ch, "sanitizeFilename(%q)", tt.input)
		}
	}

	assert.Equal(t, "conversation", sanitizeFilename(""))
	assert.Len(t, []rune(sanitizeFilename(strings.Repeat("ạ", 80))), 50)
}
