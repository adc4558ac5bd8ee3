package protocol

import (
	"bytes"
	"errors"
	"strings"
)

// Delimiter terminates every command and response line.
const Delimiter = "\r\n"

// DefaultMaxLineBytes bounds a single undelimited line when no limit is configured.
const DefaultMaxLineBytes = 4096

// ErrLineTooLong is returned by Feed when the buffered bytes exceed the line
// bound without a delimiter. The partial line is discarded and the framer
// skips input until the next delimiter.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

var delimiter = []byte(Delimiter)

// Framer accumulates the byte stream of one connection and yields complete,
// sanitized command lines. It is not safe for concurrent use; each session
// owns its own framer.
type Framer struct {
	buf        []byte
	maxLine    int
	discarding bool
}

// NewFramer builds a framer. A non-positive maxLine selects DefaultMaxLineBytes.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Framer{maxLine: maxLine}
}

// Feed appends chunk to the buffer and drains every complete line in arrival
// order. The remainder is kept for the next call. When the remainder exceeds
// the line bound the lines extracted so far are still returned alongside
// ErrLineTooLong.
func (f *Framer) Feed(chunk []byte) ([]string, error) {
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		i := bytes.Index(f.buf, delimiter)
		if i < 0 {
			break
		}
		segment := f.buf[:i]
		f.buf = f.buf[i+len(delimiter):]
		if f.discarding {
			f.discarding = false
			continue
		}
		lines = append(lines, Sanitize(string(segment)))
	}

	if len(f.buf) > f.maxLine {
		// Keep a trailing CR so a delimiter split across reads still resyncs.
		var keep []byte
		if f.buf[len(f.buf)-1] == '\r' {
			keep = []byte{'\r'}
		}
		f.buf = append(f.buf[:0], keep...)
		if f.discarding {
			return lines, nil
		}
		f.discarding = true
		return lines, ErrLineTooLong
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return lines, nil
}

// Buffered reports how many bytes are waiting for a delimiter.
func (f *Framer) Buffered() int { return len(f.buf) }

// Sanitize drops every character outside [A-Za-z0-9:,\-|<>]. The protocol has
// no escaping, so the removed characters cannot be recovered.
func Sanitize(line string) string {
	return strings.Map(func(r rune) rune {
		if allowed(r) {
			return r
		}
		return -1
	}, line)
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case ':', ',', '-', '|', '<', '>':
		return true
	}
	return false
}
