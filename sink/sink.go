// Package sink defines where emitted lines go and provides the standard
// destinations: a writer (stdout by default), a daily-rotated file, and a
// Redis channel.
package sink

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Line is one emitted message. Data excludes the delimiter and is only valid
// for the duration of WriteLine; sinks that retain it must copy.
type Line struct {
	SessionID uint32
	Remote    string
	Data      []byte
}

// Sink receives emitted lines. WriteLine must write each line as a unit:
// concurrent calls may interleave lines but never the bytes of one line.
type Sink interface {
	// WriteLine delivers one line.
	//
	// Returns:
	//   - An error if the destination did not accept the line
	WriteLine(line Line) error

	// Close releases the destination.
	Close() error
}

// WriterSink writes each line to an io.Writer, terminated by the delimiter.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	delim  byte
	prefix bool
	color  *color.Color
	buf    []byte
}

// WriterOption customizes a WriterSink.
type WriterOption func(*WriterSink)

// WithPrefix prepends "[session remote] " to each line.
func WithPrefix(on bool) WriterOption {
	return func(s *WriterSink) { s.prefix = on }
}

// WithColor colors the prefix. Has no effect without WithPrefix.
func WithColor(on bool) WriterOption {
	return func(s *WriterSink) {
		if !on {
			s.color = nil
			return
		}
		c := color.New(color.FgCyan)
		c.EnableColor()
		s.color = c
	}
}

// WithDelimiter sets the byte written after each line (default '\n').
func WithDelimiter(delim byte) WriterOption {
	return func(s *WriterSink) { s.delim = delim }
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer, opts ...WriterOption) *WriterSink {
	s := &WriterSink{w: w, delim: '\n'}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStdoutSink writes to os.Stdout, coloring the prefix when stdout is a
// terminal.
func NewStdoutSink(opts ...WriterOption) *WriterSink {
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return NewWriterSink(os.Stdout, append([]WriterOption{WithColor(tty)}, opts...)...)
}

// WriteLine implements Sink with a single Write call per line.
func (s *WriterSink) WriteLine(line Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = s.buf[:0]
	if s.prefix {
		p := "[" + strconv.FormatUint(uint64(line.SessionID), 10) + " " + line.Remote + "]"
		if s.color != nil {
			p = s.color.Sprint(p)
		}
		s.buf = append(s.buf, p...)
		s.buf = append(s.buf, ' ')
	}
	s.buf = append(s.buf, line.Data...)
	s.buf = append(s.buf, s.delim)

	if _, err := s.w.Write(s.buf); err != nil {
		return fmt.Errorf("write line: %w", err)
	}

	return nil
}

// Close closes the underlying writer if it is an io.Closer other than the
// process's standard streams.
func (s *WriterSink) Close() error {
	if s.w == os.Stdout || s.w == os.Stderr {
		return nil
	}
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
