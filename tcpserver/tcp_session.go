package tcpserver

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/cyberinferno/go-lineserver/dispatcher"
	"github.com/cyberinferno/go-lineserver/framer"
	"github.com/cyberinferno/go-lineserver/logger"
	"github.com/cyberinferno/go-lineserver/metrics"
	"github.com/cyberinferno/go-lineserver/sink"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	Reading SessionState = iota // Waiting for or processing input
	Closing                     // Connection closed, pending operations draining
	Closed                      // All references released; terminal
)

// String returns a human-readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case Reading:
		return "Reading"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionConfig carries the framing settings shared by all sessions.
type SessionConfig struct {
	Delimiter      byte
	MaxLineLength  int
	ReadBufferSize int
}

// Session owns one accepted connection. It reads continuously, frames lines
// and forwards them to the sink until the peer disconnects, a read fails or
// the client violates the line length limit.
//
// Except for ID, Remote and State, all methods must be called on the
// dispatcher goroutine; the session is only ever touched from its own
// continuations.
type Session struct {
	id         uint32
	remote     string
	conn       net.Conn
	dispatcher *dispatcher.Dispatcher
	framer     *framer.LineFramer
	maxLine    int
	readBuf    []byte
	sink       sink.Sink
	logger     logger.Logger
	metrics    *metrics.Collector
	onRelease  func(*Session)

	state   atomic.Int32
	started bool
	// refs counts the owner reference held while the connection is open
	// plus one per read whose completion has not run yet. The session is
	// released when it drops to zero.
	refs   int
	reason error
}

// newSession wraps conn; the session takes ownership of it.
func newSession(
	id uint32,
	conn net.Conn,
	cfg SessionConfig,
	d *dispatcher.Dispatcher,
	out sink.Sink,
	log logger.Logger,
	m *metrics.Collector,
	onRelease func(*Session),
) *Session {
	size := cfg.ReadBufferSize
	if size <= 0 {
		size = 4096
	}

	remote := conn.RemoteAddr().String()
	s := &Session{
		id:         id,
		remote:     remote,
		conn:       conn,
		dispatcher: d,
		framer:     framer.New(cfg.Delimiter, cfg.MaxLineLength),
		maxLine:    cfg.MaxLineLength,
		readBuf:    make([]byte, size),
		sink:       out,
		logger: log.With(
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "remote", Value: remote},
		),
		metrics:   m,
		onRelease: onRelease,
	}
	s.state.Store(int32(Reading))
	return s
}

// ID returns the session's identifier assigned by the server.
func (s *Session) ID() uint32 {
	return s.id
}

// Remote returns the peer address.
func (s *Session) Remote() string {
	return s.remote
}

// State returns the current lifecycle state. Safe from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Err returns the reason the session closed, or nil while reading.
func (s *Session) Err() error {
	return s.reason
}

// Start takes the owner reference and issues the first read. Calling it
// more than once has no effect.
func (s *Session) Start() {
	if s.started {
		return
	}
	s.started = true
	s.refs = 1
	s.metrics.ConnectionOpened()
	s.logger.Debug("session opened")
	s.read()
}

// Close moves the session to Closing and closes the connection, which
// cancels an outstanding read. The session is released once that read's
// completion has run. Closing an already closing session is a no-op.
func (s *Session) Close(reason error) {
	if s.State() != Reading {
		return
	}

	s.state.Store(int32(Closing))
	s.reason = reason
	s.framer.Reset()
	_ = s.conn.Close()
	s.logClose(reason)

	if s.started {
		s.release()
	} else {
		s.finish()
	}
}

// read issues the next read. At most one is ever outstanding: it is only
// called from Start and from the previous read's completion.
func (s *Session) read() {
	s.refs++
	s.dispatcher.AsyncRead(s.conn, s.readBuf, s.onRead)
}

func (s *Session) onRead(n int, err error) {
	defer s.release()

	// A completion arriving after Close is the cancelled read; it is only
	// a reference release, never input.
	if s.State() != Reading {
		return
	}

	if n > 0 {
		s.metrics.BytesReceived(n)
		if ferr := s.framer.Feed(s.readBuf[:n], s.emit); ferr != nil {
			s.metrics.LineTooLong()
			s.Close(ferr)
			return
		}
	}

	if err != nil {
		s.Close(err)
		return
	}

	s.read()
}

// emit forwards one line. A sink failure drops the line and keeps the
// session alive.
func (s *Session) emit(data []byte) {
	err := s.sink.WriteLine(sink.Line{SessionID: s.id, Remote: s.remote, Data: data})
	if err != nil {
		s.metrics.LineDropped(err.Error())
		s.logger.Warn("line dropped",
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "bytes", Value: len(data)},
		)
		return
	}

	s.metrics.LineEmitted()
}

func (s *Session) release() {
	s.refs--
	if s.refs == 0 {
		s.finish()
	}
}

// finish marks the session Closed and hands it back to its owner.
func (s *Session) finish() {
	s.state.Store(int32(Closed))
	if s.started {
		s.metrics.ConnectionClosed()
	}
	if s.onRelease != nil {
		s.onRelease(s)
	}
}

func (s *Session) logClose(reason error) {
	switch {
	case reason == nil, errors.Is(reason, io.EOF):
		s.logger.Info("session closed by peer")
	case errors.Is(reason, ErrServerStopped):
		s.logger.Debug("session closed by shutdown")
	case errors.Is(reason, ErrLineTooLong):
		s.logger.Warn("session closed: line too long",
			logger.Field{Key: "max_line_length", Value: s.maxLine},
		)
	default:
		s.logger.Warn("session closed: read error", logger.Field{Key: "error", Value: reason.Error()})
	}
}
