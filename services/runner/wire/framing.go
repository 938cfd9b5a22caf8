// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire implements the framed message channel between the runner
// client and the runner subprocess.
//
// Every message is a header block followed by a JSON body:
//
//	Content-Length: <N>\r\n\r\n<N bytes of UTF-8 JSON>
//
// N counts bytes, not characters. The reader tolerates noise before a
// header: anything the subprocess prints to stdout that is not a header
// block (boot banners, warnings, partial lines) is skipped.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
)

const (
	// DefaultMaxBodyBytes bounds a single message body.
	DefaultMaxBodyBytes = 64 << 20

	// maxHeaderScan bounds how much unterminated noise is buffered while
	// searching for a header block.
	maxHeaderScan = 1 << 20

	// headerTail is how much of the scan buffer survives a trim. Complete
	// lines inside it are kept so a header block is never split.
	headerTail = 4 << 10

	headerTerminator = "\r\n\r\n"
)

var (
	// ErrIncompleteMessage means the stream ended before a full message
	// (header and body) could be read.
	ErrIncompleteMessage = errors.New("incomplete message")

	// ErrInvalidMessage means a body was read but is not a valid message.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrMessageTooLarge means a header announced a body above the limit.
	ErrMessageTooLarge = errors.New("message too large")
)

var contentLengthPattern = regexp.MustCompile(`(?i)Content-Length:[ \t]*(\d+)`)

// =============================================================================
// ENCODING
// =============================================================================

// Encode marshals v and prepends the Content-Length header.
//
// Outputs:
//
//	[]byte - Header and body in one buffer, ready for a single write
//	error - Non-nil if v cannot be marshaled
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return Frame(body), nil
}

// Frame wraps an already-encoded JSON body.
func Frame(body []byte) []byte {
	header := "Content-Length: " + strconv.Itoa(len(body)) + headerTerminator
	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	return append(buf, body...)
}

// Writer writes framed messages.
//
// Thread Safety:
//
//	Safe for concurrent use. Each message is written with one Write call
//	while holding a mutex, so concurrent writers never interleave bytes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes v as one frame.
func (fw *Writer) Write(v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// =============================================================================
// DECODING
// =============================================================================

// Reader reads framed messages, skipping noise between frames.
//
// Thread Safety:
//
//	Not safe for concurrent use. One goroutine owns a Reader.
type Reader struct {
	r       *bufio.Reader
	maxBody int
}

// NewReader wraps r with the default body limit.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxBody: DefaultMaxBodyBytes}
}

// SetMaxBody changes the body size limit. n <= 0 restores the default.
func (fr *Reader) SetMaxBody(n int) {
	if n <= 0 {
		n = DefaultMaxBodyBytes
	}
	fr.maxBody = n
}

// Read returns the next message.
//
// Outputs:
//
//	*Message - The decoded message
//	error - ErrIncompleteMessage if the stream ends early,
//	        ErrInvalidMessage if the body is not a JSON object
func (fr *Reader) Read() (*Message, error) {
	body, err := fr.ReadRaw()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// ReadRaw returns the next message body without decoding it.
func (fr *Reader) ReadRaw() ([]byte, error) {
	n, err := fr.readContentLength()
	if err != nil {
		return nil, err
	}
	if n > fr.maxBody {
		// Skip the body so the next Read starts at a frame boundary.
		if _, err := fr.r.Discard(n); err != nil {
			return nil, fmt.Errorf("%w: skip body: %w", ErrIncompleteMessage, bodyErr(err))
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrIncompleteMessage, bodyErr(err))
	}
	return body, nil
}

// readContentLength consumes header blocks until one carries a
// Content-Length. Blocks without one are noise and are dropped.
func (fr *Reader) readContentLength() (int, error) {
	var block []byte
	lineStart := 0
	for {
		line, err := fr.r.ReadSlice('\n')
		block = append(block, line...)
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return 0, fmt.Errorf("%w: read header: %w", ErrIncompleteMessage, err)
		}

		if len(block) > maxHeaderScan {
			cut := trimPoint(block, lineStart)
			block = append(block[:0], block[cut:]...)
			lineStart = max(lineStart-cut, 0)
		}
		if err == nil {
			lineStart = len(block)
		}
		if !bytes.HasSuffix(block, []byte(headerTerminator)) {
			continue
		}

		matches := contentLengthPattern.FindAllSubmatch(block, -1)
		if len(matches) == 0 {
			block = block[:0]
			lineStart = 0
			continue
		}
		last := matches[len(matches)-1][1]
		n, err := strconv.Atoi(string(last))
		if err != nil {
			return 0, fmt.Errorf("%w: content length %q", ErrInvalidMessage, last)
		}
		return n, nil
	}
}

// trimPoint returns where an oversized scan buffer may be cut. The cut
// falls on a line start within the last headerTail bytes and never after
// the line being read. A current line longer than headerTail keeps only
// its tail.
func trimPoint(block []byte, lineStart int) int {
	window := len(block) - headerTail
	if window >= lineStart {
		return window
	}
	if i := bytes.IndexByte(block[window:lineStart], '\n'); i >= 0 {
		return window + i + 1
	}
	return lineStart
}

// bodyErr reports a stream that ends inside a body as io.ErrUnexpectedEOF.
// io.EOF is kept for streams that end between messages.
func bodyErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
