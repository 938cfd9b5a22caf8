// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_HeaderCountsBytes(t *testing.T) {
	frame, err := Encode(map[string]string{"name": "Café"})
	require.NoError(t, err)

	body := `{"name":"Café"}`
	want := "Content-Length: 16\r\n\r\n" + body
	assert.Equal(t, 16, len(body), "é is two bytes")
	assert.Equal(t, want, string(frame))
}

func TestReader_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"request", &Message{ID: Int64(1), Method: MethodModel, Params: json.RawMessage(`{"name":"User"}`)}},
		{"notification", &Message{Method: MethodReload, Params: json.RawMessage(`{}`)}},
		{"multibyte", &Message{ID: Int64(7), Result: json.RawMessage(`{"path":"/ünïcödé/日本"}`)}},
		{"error", NewError(Int64(3), "boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewWriter(&buf).Write(tt.msg))

			got, err := NewReader(&buf).Read()
			require.NoError(t, err)

			want, _ := json.Marshal(tt.msg)
			gotJSON, _ := json.Marshal(got)
			assert.JSONEq(t, string(want), string(gotJSON))
		})
	}
}

func TestReader_SkipsNoise(t *testing.T) {
	tests := []struct {
		name  string
		noise string
	}{
		{"blank header block", "1\r\n\r\nhello"},
		{"diagnostic lines", "warning: something\nanother line\n"},
		{"banner block", "=> Booting\r\n\r\n"},
		{"unterminated text", "partial output without newline "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(map[string]any{"id": 1, "result": map[string]string{"ok": "yes"}})
			require.NoError(t, err)

			r := NewReader(strings.NewReader(tt.noise + string(frame)))
			msg, err := r.Read()
			require.NoError(t, err)
			require.NotNil(t, msg.ID)
			assert.Equal(t, int64(1), *msg.ID)
			assert.JSONEq(t, `{"ok":"yes"}`, string(msg.Result))
		})
	}
}

func TestReader_LargeNoiseBeforeFrame(t *testing.T) {
	frame, err := Encode(map[string]any{"result": map[string]string{"message": "ok"}})
	require.NoError(t, err)
	line := "DEPRECATION WARNING: noisy\n"

	for _, pad := range []int{-64, -30, -10, -5, 0, 5, 30, 64, headerTail} {
		t.Run(strconv.Itoa(pad), func(t *testing.T) {
			size := maxHeaderScan + pad
			noise := strings.Repeat(line, size/len(line)+1)[:size]
			noise = noise[:strings.LastIndexByte(noise, '\n')+1]

			msg, err := NewReader(strings.NewReader(noise + string(frame))).Read()
			require.NoError(t, err)
			assert.JSONEq(t, `{"message":"ok"}`, string(msg.Result))
		})
	}
}

func TestReader_LargeNoiseBeforeMultiLineHeader(t *testing.T) {
	body := `{"id":4,"result":null}`
	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\nContent-Type: application/json\r\n\r\n"
	for _, pad := range []int{-40, -20, 0, 20} {
		t.Run(strconv.Itoa(pad), func(t *testing.T) {
			noise := strings.Repeat("x", maxHeaderScan+pad) + "\n"
			raw, err := NewReader(strings.NewReader(noise + header + body)).ReadRaw()
			require.NoError(t, err)
			assert.Equal(t, body, string(raw))
		})
	}
}

func TestReader_OversizedLineKeepsTrailingHeader(t *testing.T) {
	frame, err := Encode(map[string]int{"id": 9})
	require.NoError(t, err)
	noise := strings.Repeat("y", 2*maxHeaderScan)

	body, err := NewReader(strings.NewReader(noise + string(frame))).ReadRaw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9}`, string(body))
}

func TestReader_ExtraHeaders(t *testing.T) {
	input := "Content-Type: application/json\r\ncontent-length: 2\r\n\r\n{}"
	body, err := NewReader(strings.NewReader(input)).ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))
}

func TestReader_Sequential(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.Write(&Message{ID: Int64(i), Result: json.RawMessage(`null`)}))
		buf.WriteString("noise between frames\n")
	}

	r := NewReader(&buf)
	for i := int64(1); i <= 3; i++ {
		msg, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, i, *msg.ID)
		assert.False(t, msg.HasResult())
	}
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrIncompleteMessage)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_Incomplete(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty stream", ""},
		{"header only", "Content-Length: 10\r\n"},
		{"short body", "Content-Length: 10\r\n\r\n{\"id\":"},
		{"noise only", "hello world\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input)).Read()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIncompleteMessage), "got %v", err)
		})
	}
}

func TestReader_EndInsideBodyIsUnexpected(t *testing.T) {
	_, err := NewReader(strings.NewReader("Content-Length: 10\r\n\r\n{\"id\":")).Read()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestReader_InvalidBody(t *testing.T) {
	_, err := NewReader(strings.NewReader("Content-Length: 3\r\n\r\nnot")).Read()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestReader_TooLarge(t *testing.T) {
	r := NewReader(strings.NewReader("Content-Length: 100\r\n\r\n"))
	r.SetMaxBody(10)
	_, err := r.ReadRaw()
	assert.ErrorIs(t, err, ErrIncompleteMessage, "announced body is missing")
}

func TestReader_TooLargeSkipsBody(t *testing.T) {
	big := `{"id":1,"result":"` + strings.Repeat("z", 64) + `"}`
	next, err := Encode(map[string]int{"id": 2})
	require.NoError(t, err)

	r := NewReader(strings.NewReader(string(Frame([]byte(big))) + string(next)))
	r.SetMaxBody(32)
	_, err = r.ReadRaw()
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(2), *msg.ID)
}

func TestWriter_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = w.Write(&Message{ID: Int64(int64(n)), Method: MethodModel, Params: json.RawMessage(`{"name":"` + strings.Repeat("x", n*10) + `"}`)})
		}(i)
	}
	wg.Wait()

	r := NewReader(&buf)
	seen := make(map[int64]bool)
	for i := 0; i < 20; i++ {
		msg, err := r.Read()
		require.NoError(t, err)
		seen[*msg.ID] = true
	}
	assert.Len(t, seen, 20)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriter_PropagatesWriteError(t *testing.T) {
	err := NewWriter(failingWriter{}).Write(&Message{Method: MethodReload})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
