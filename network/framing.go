package network

import (
	"bufio"
	"bytes"
)

// DefaultTerminator marks the end of every framed message on the wire.
const DefaultTerminator = "{[END?]}"

// DefaultMaxFrameSize bounds the bytes a Framer buffers while waiting for a
// terminator.
const DefaultMaxFrameSize = 1 << 20

// Framer splits a byte stream into terminator-delimited messages.
//
// The terminator must never appear inside a payload. Encode does not check
// this; keeping payloads free of it is the caller's responsibility.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	term    []byte
	max     int
	buf     []byte
	scanned int
}

// NewFramer creates a framer. An empty terminator selects DefaultTerminator
// and a non-positive maxBuffered selects DefaultMaxFrameSize.
func NewFramer(terminator string, maxBuffered int) *Framer {
	if terminator == "" {
		terminator = DefaultTerminator
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxFrameSize
	}
	return &Framer{
		term: []byte(terminator),
		max:  maxBuffered,
	}
}

// Terminator returns the terminator in use.
func (f *Framer) Terminator() string {
	return string(f.term)
}

// Encode appends the terminator to msg.
func (f *Framer) Encode(msg string) []byte {
	out := make([]byte, 0, len(msg)+len(f.term))
	out = append(out, msg...)
	return append(out, f.term...)
}

// Feed appends chunk to the pending input and returns every message it
// completes, in order. A terminator split across chunks is found because the
// search runs over the retained remainder plus the new bytes.
//
// When the pending input grows past the size limit without a terminator, the
// buffer is discarded and ErrFrameTooLarge is returned along with any
// messages completed before it.
func (f *Framer) Feed(chunk []byte) ([]string, error) {
	f.buf = append(f.buf, chunk...)

	var msgs []string
	start := 0
	for {
		from := start + f.scanned
		idx := bytes.Index(f.buf[from:], f.term)
		if idx < 0 {
			break
		}
		end := from + idx
		msgs = append(msgs, string(f.buf[start:end]))
		start = end + len(f.term)
		f.scanned = 0
	}

	if start > 0 {
		f.buf = append(f.buf[:0], f.buf[start:]...)
	}

	// Bytes that cannot begin a terminator need not be searched again.
	if keep := len(f.term) - 1; len(f.buf) > keep {
		f.scanned = len(f.buf) - keep
	} else {
		f.scanned = 0
	}

	if len(f.buf) > f.max {
		f.Reset()
		return msgs, ErrFrameTooLarge
	}
	return msgs, nil
}

// Buffered returns the number of bytes waiting for a terminator.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards pending input.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.scanned = 0
}

// ScanFrames returns a bufio.SplitFunc yielding terminator-delimited frames.
// An incomplete trailing frame at EOF is dropped.
func ScanFrames(terminator string) bufio.SplitFunc {
	if terminator == "" {
		terminator = DefaultTerminator
	}
	term := []byte(terminator)

	return func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.Index(data, term); i >= 0 {
			return i + len(term), data[:i], nil
		}
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
}
