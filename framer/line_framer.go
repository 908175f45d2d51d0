// Package framer splits a byte stream into delimiter-terminated lines.
package framer

import (
	"bytes"
	"errors"
)

// ErrLineTooLong is returned by Feed when a line, complete or still pending,
// exceeds the configured maximum length.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// LineFramer accumulates stream bytes and extracts complete lines.
//
// buf[start:] holds unconsumed bytes; buf[start:scanned] is known to contain
// no delimiter, so each byte is scanned once no matter how a line is
// fragmented across reads. A LineFramer is not safe for concurrent use.
type LineFramer struct {
	delim   byte
	maxLine int
	buf     []byte
	start   int
	scanned int
}

// New returns a framer splitting on delim. maxLine <= 0 disables the length
// limit.
func New(delim byte, maxLine int) *LineFramer {
	if maxLine < 0 {
		maxLine = 0
	}

	return &LineFramer{delim: delim, maxLine: maxLine}
}

// Delimiter returns the configured delimiter byte.
func (f *LineFramer) Delimiter() byte {
	return f.delim
}

// Feed appends p and calls emit once per complete line, in arrival order,
// without the delimiter. The slice handed to emit aliases internal storage
// and is only valid for the duration of the call.
//
// When a line exceeds the limit Feed stops and returns ErrLineTooLong; lines
// completed before it have already been emitted and the framer should be
// discarded.
func (f *LineFramer) Feed(p []byte, emit func(line []byte)) error {
	f.compact(len(p))
	f.buf = append(f.buf, p...)

	for {
		i := bytes.IndexByte(f.buf[f.scanned:], f.delim)
		if i < 0 {
			f.scanned = len(f.buf)
			break
		}

		end := f.scanned + i
		line := f.buf[f.start:end]
		if f.maxLine > 0 && len(line) > f.maxLine {
			return ErrLineTooLong
		}

		f.start = end + 1
		f.scanned = f.start
		emit(line)
	}

	if f.maxLine > 0 && f.Pending() > f.maxLine {
		return ErrLineTooLong
	}

	return nil
}

// Pending returns the number of buffered bytes not yet terminated by a
// delimiter.
func (f *LineFramer) Pending() int {
	return len(f.buf) - f.start
}

// Reset discards any unterminated suffix.
func (f *LineFramer) Reset() {
	f.buf = f.buf[:0]
	f.start = 0
	f.scanned = 0
}

// compact moves the pending suffix to the front of the buffer when the
// consumed prefix is at least as large as what remains, or when the incoming
// data would otherwise force a reallocation.
func (f *LineFramer) compact(incoming int) {
	if f.start == 0 {
		return
	}

	pending := len(f.buf) - f.start
	if pending == 0 {
		f.Reset()
		return
	}

	if f.start < pending && len(f.buf)+incoming <= cap(f.buf) {
		return
	}

	n := copy(f.buf, f.buf[f.start:])
	f.buf = f.buf[:n]
	f.scanned -= f.start
	f.start = 0
}
