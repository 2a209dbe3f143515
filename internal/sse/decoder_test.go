// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-assist/internal/model"
)

const sampleStream = "data: {\"start\": true}\n\n" +
	"data: {\"content\": \"Xin \"}\n\n" +
	"data: {\"content\": \"chào\"}\n\n" +
	"data: {\"content\": \"\"}\n\n" +
	"data: {\"content\": \"\\nbạn\"}\n\n" +
	"data: {\"finished\": true, \"tool_usages\": [{\"name\": \"search\"}], \"topic\": \"HCNS\", \"time_response\": 1.25}\n\n"

func decodeAll(chunks ...string) []Record {
	dec := NewDecoder(nil)
	var out []Record
	for _, c := range chunks {
		out = append(out, dec.Feed([]byte(c))...)
	}
	return append(out, dec.Flush()...)
}

func expectedSample() []Record {
	return []Record{
		Start{},
		ContentToken{Text: "Xin "},
		ContentToken{Text: "chào"},
		ContentToken{Text: ""},
		ContentToken{Text: "\nbạn"},
		Finished{ToolUsages: []model.ToolUsage{{Name: "search"}}, Topic: "HCNS", TimeResponse: 1.25},
	}
}

// =============================================================================
// FRAMING TESTS
// =============================================================================

func TestDecoder_WholeStream(t *testing.T) {
	records := decodeAll(sampleStream)
	require.Len(t, records, 6)
	assert.Equal(t, expectedSample(), records)

	fin := records[5].(Finished)
	require.Len(t, fin.ToolUsages, 1)
	assert.Equal(t, "search", fin.ToolUsages[0].Name)
}

func TestDecoder_SplitAtEveryOffset(t *testing.T) {
	want := decodeAll(sampleStream)
	for i := 0; i <= len(sampleStream); i++ {
		got := decodeAll(sampleStream[:i], sampleStream[i:])
		require.Equal(t, want, got, "split at offset %d", i)
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	chunks := make([]string, 0, len(sampleStream))
	for i := 0; i < len(sampleStream); i++ {
		chunks = append(chunks, sampleStream[i:i+1])
	}
	assert.Equal(t, decodeAll(sampleStream), decodeAll(chunks...))
}

func TestDecoder_PartialEventIsBuffered(t *testing.T) {
	dec := NewDecoder(nil)
	assert.Empty(t, dec.Feed([]byte("data: {\"content\": \"he")))
	assert.Positive(t, dec.Buffered())

	records := dec.Feed([]byte("llo\"}\n\n"))
	assert.Equal(t, []Record{ContentToken{Text: "hello"}}, records)
	assert.Zero(t, dec.Buffered())
}

func TestDecoder_CRLFDelimiters(t *testing.T) {
	stream := "data: {\"content\": \"a\"}\r\n\r\ndata: {\"content\": \"b\"}\r\n\r\n"
	want := []Record{ContentToken{Text: "a"}, ContentToken{Text: "b"}}
	for i := 0; i <= len(stream); i++ {
		assert.Equal(t, want, decodeAll(stream[:i], stream[i:]), "split at %d", i)
	}
}

func TestDecoder_MultipleDataLinesInOneEvent(t *testing.T) {
	records := decodeAll("data: {\"content\": \"a\"}\ndata:{\"content\": \"b\"}\n\n")
	assert.Equal(t, []Record{ContentToken{Text: "a"}, ContentToken{Text: "b"}}, records)
}

func TestDecoder_IgnoresOtherFields(t *testing.T) {
	records := decodeAll(": keep-alive\n\nevent: message\nid: 7\nretry: 100\ndata: {\"content\": \"x\"}\n\n")
	assert.Equal(t, []Record{ContentToken{Text: "x"}}, records)
}

func TestDecoder_MalformedLinesAreSkipped(t *testing.T) {
	dec := NewDecoder(nil)
	records := dec.Feed([]byte("data: {not json\n\ndata: {\"mystery\": 1}\n\ndata: {\"content\": \"ok\"}\n\n"))
	assert.Equal(t, []Record{ContentToken{Text: "ok"}}, records)
	assert.Equal(t, 2, dec.Malformed())
}

func TestDecoder_FlushResidual(t *testing.T) {
	dec := NewDecoder(nil)
	assert.Empty(t, dec.Feed([]byte("data: {\"content\": \"tail\"}")))
	assert.Equal(t, []Record{ContentToken{Text: "tail"}}, dec.Flush())
	assert.Empty(t, dec.Flush())

	dec.Feed([]byte("\n  \n"))
	assert.Empty(t, dec.Flush())
}

func TestDecoder_OversizedEventIsReported(t *testing.T) {
	dec := NewDecoder(nil)
	records := dec.Feed([]byte("data: {\"content\": \"kept\"}\n\ndata: {\"content\": \""))
	assert.Equal(t, []Record{ContentToken{Text: "kept"}}, records)

	records = dec.Feed([]byte(strings.Repeat("x", MaxBufferSize)))
	assert.Equal(t, []Record{StreamError{Message: ErrEventTooLarge.Error()}}, records)
	assert.Zero(t, dec.Buffered())
	assert.Equal(t, 1, dec.Malformed())
}

// =============================================================================
// RECORD SHAPE TESTS
// =============================================================================

func TestParseLine_Shapes(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    Record
	}{
		{"start", `{"start": true}`, Start{}},
		{"content", `{"content": "hi"}`, ContentToken{Text: "hi"}},
		{"empty content", `{"content": ""}`, ContentToken{Text: ""}},
		{"error string", `{"error": "boom"}`, StreamError{Message: "boom"}},
		{"error object", `{"error": {"message": "rate limited"}}`, StreamError{Message: "rate limited"}},
		{"output token", `{"output": "tok", "topic": "IT"}`, ContentToken{Text: "tok"}},
		{"output done", `{"output": "[DONE]", "topic": "IT"}`, Finished{Topic: "IT"}},
		{"raw done", `[DONE]`, Finished{}},
		{"string time", `{"finished": true, "time_response": "2.5"}`, Finished{TimeResponse: 2.5}},
		{"bad tool usages", `{"finished": true, "tool_usages": "oops"}`, Finished{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLine([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseLine_Malformed(t *testing.T) {
	for _, payload := range []string{`{`, `{"start": false}`, `{}`, `{"content": null}`, `42`} {
		_, err := ParseLine([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformedFrame, payload)
	}
}

// =============================================================================
// READER TESTS
// =============================================================================

func collect(ch <-chan Result) ([]Record, error) {
	var records []Record
	var err error
	for res := range ch {
		if res.Err != nil {
			err = res.Err
			continue
		}
		records = append(records, res.Record)
	}
	return records, err
}

func TestRead_SmallBuffer(t *testing.T) {
	records, err := collect(Read(context.Background(), strings.NewReader(sampleStream), 3, nil))
	require.NoError(t, err)
	assert.Equal(t, decodeAll(sampleStream), records)
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestRead_ErrorIsLast(t *testing.T) {
	boom := errors.New("connection reset")
	r := &failingReader{data: []byte("data: {\"content\": \"a\"}\n\ndata: {\"content\": \"b\"}"), err: boom}

	records, err := collect(Read(context.Background(), r, 0, nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Record{ContentToken{Text: "a"}, ContentToken{Text: "b"}}, records)
}

func TestRead_CancelClosesReader(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := Read(ctx, pr, 0, nil)

	go func() { _, _ = pw.Write([]byte("data: {\"content\": \"first\"}\n\n")) }()
	first := <-ch
	require.NoError(t, first.Err)
	assert.Equal(t, ContentToken{Text: "first"}, first.Record)

	cancel()
	for range ch {
	}
	_, err := pw.Write([]byte("late"))
	assert.Error(t, err, "reader side should be closed after cancel")
}
