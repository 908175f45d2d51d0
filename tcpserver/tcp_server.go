// Package tcpserver implements a line-oriented TCP server on top of a
// single-goroutine dispatcher: an Acceptor keeps one accept outstanding on
// the listening socket and hands each connection to a Session, which frames
// the incoming byte stream into lines and forwards them to a sink.
package tcpserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-lineserver/dispatcher"
	"github.com/cyberinferno/go-lineserver/logger"
	"github.com/cyberinferno/go-lineserver/metrics"
	"github.com/cyberinferno/go-lineserver/retry"
	"github.com/cyberinferno/go-lineserver/safemap"
	"github.com/cyberinferno/go-lineserver/sink"
)

const (
	drainInterval = 5 * time.Millisecond
	drainTimeout  = 2 * time.Second
)

// Options configures a TCPServer.
type Options struct {
	// Name identifies the server in log entries.
	Name string
	// Addr is the IPv4 "host:port" to bind; port 0 picks a free port.
	Addr string
	// Session holds the framing settings for every connection.
	Session SessionConfig
	// Backoff is the accept retry schedule under resource exhaustion; nil
	// uses retry.DefaultBackoff.
	Backoff *retry.Backoff
}

// TCPServer is the composition root: it owns the dispatcher, the listening
// socket and its Acceptor, and tracks live sessions by ID.
type TCPServer struct {
	opts       Options
	sink       sink.Sink
	logger     logger.Logger
	metrics    *metrics.Collector
	dispatcher *dispatcher.Dispatcher

	mu       sync.Mutex // guards listener
	listener net.Listener
	acceptor *Acceptor
	sessions *safemap.SafeMap[uint32, *Session]
	nextID   atomic.Uint32

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	fatalCh  chan error
}

// New creates a server that is neither bound nor running.
//
// Parameters:
//   - opts: Listener address and framing settings
//   - out: Destination of emitted lines
//   - log: Logger; nil discards
//   - m: Metrics collector; nil disables metrics
//
// Returns:
//   - A new *TCPServer
func New(opts Options, out sink.Sink, log logger.Logger, m *metrics.Collector) *TCPServer {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Name == "" {
		opts.Name = "line"
	}

	return &TCPServer{
		opts:       opts,
		sink:       out,
		logger:     log.With(logger.Field{Key: "component", Value: "server"}, logger.Field{Key: "server", Value: opts.Name}),
		metrics:    m,
		dispatcher: dispatcher.New(log),
		sessions:   safemap.NewSafeMap[uint32, *Session](),
		stopCh:     make(chan struct{}),
		fatalCh:    make(chan error, 1),
	}
}

// Listen binds the IPv4 listening socket. Run calls it when needed; calling
// it first lets the caller learn the bound address or fail early.
//
// Returns:
//   - A *BindError if the address cannot be bound
func (s *TCPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp4", s.opts.Addr)
	if err != nil {
		s.logger.Error("bind failed", logger.Field{Key: "addr", Value: s.opts.Addr}, logger.Field{Key: "error", Value: err.Error()})
		return &BindError{Addr: s.opts.Addr, Err: err}
	}

	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run binds if necessary and serves until ctx is done, Stop is called, or
// the acceptor gives up. Per-connection failures never end Run.
//
// Returns:
//   - nil after a requested shutdown
//   - A *BindError if binding fails
//   - A *ResourceExhaustedError if accepting kept failing for lack of resources
func (s *TCPServer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	if err := s.Listen(); err != nil {
		s.running.Store(false)
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.acceptor = NewAcceptor(ln, s.dispatcher, s.opts.Backoff, s.handleConn, s.fatal, s.logger, s.metrics)
	s.dispatcher.Post(func() {
		if err := s.acceptor.Start(); err != nil {
			s.logger.Error("acceptor start failed", logger.Field{Key: "error", Value: err.Error()})
		}
	})

	s.logger.Info(fmt.Sprintf("%s server started", s.opts.Name), logger.Field{Key: "addr", Value: s.Addr().String()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.dispatcher.Run)
	g.Go(func() error {
		var err error
		select {
		case <-gctx.Done():
		case <-s.stopCh:
		case err = <-s.fatalCh:
		}

		if !s.dispatcher.Post(s.shutdown) {
			s.dispatcher.Stop()
		}
		return err
	})

	err := g.Wait()
	s.logger.Info(fmt.Sprintf("%s server stopped", s.opts.Name), logger.Field{Key: "metrics", Value: s.metrics.JSON()})
	return err
}

// Stop asks a running server to shut down. Run returns once every session
// has been closed. Safe to call multiple times and before Run, in which case
// the bound listener (if any) is closed.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.running.Load() {
			return
		}
		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Unlock()
	})
}

// GetSession returns the live session with the given id.
func (s *TCPServer) GetSession(id uint32) (*Session, bool) {
	return s.sessions.Load(id)
}

// SessionCount returns the number of sessions not yet released.
func (s *TCPServer) SessionCount() int {
	return s.sessions.Len()
}

// handleConn runs on the dispatcher for each accepted connection.
func (s *TCPServer) handleConn(conn net.Conn) {
	id := s.nextID.Add(1)
	sess := newSession(id, conn, s.opts.Session, s.dispatcher, s.sink, s.logger, s.metrics, s.removeSession)
	s.sessions.Store(id, sess)
	sess.Start()
}

func (s *TCPServer) removeSession(sess *Session) {
	s.sessions.LoadAndDelete(sess.ID())
}

// fatal runs on the dispatcher when the acceptor gives up.
func (s *TCPServer) fatal(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
}

// shutdown runs on the dispatcher: it stops accepting, closes every session
// and stops the dispatcher once their cancelled reads have drained.
func (s *TCPServer) shutdown() {
	if s.acceptor != nil {
		_ = s.acceptor.Close()
	}

	for _, sess := range s.sessions.Values() {
		sess.Close(ErrServerStopped)
	}

	deadline := time.Now().Add(drainTimeout)
	var drain func()
	drain = func() {
		if s.SessionCount() == 0 || time.Now().After(deadline) {
			s.dispatcher.Stop()
			return
		}
		s.dispatcher.AfterFunc(drainInterval, drain)
	}
	drain()
}
