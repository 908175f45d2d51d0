package tcpserver

import (
	"net"

	"github.com/cyberinferno/go-lineserver/dispatcher"
	"github.com/cyberinferno/go-lineserver/logger"
	"github.com/cyberinferno/go-lineserver/metrics"
	"github.com/cyberinferno/go-lineserver/retry"
)

// ConnHandler takes ownership of an accepted connection.
type ConnHandler func(conn net.Conn)

// FatalHandler is told when the acceptor gives up.
type FatalHandler func(err error)

// Acceptor owns the listening socket and keeps exactly one accept
// outstanding on it. Like Session, it is only driven from dispatcher
// continuations.
type Acceptor struct {
	ln         net.Listener
	addr       string
	dispatcher *dispatcher.Dispatcher
	backoff    *retry.Backoff
	onConn     ConnHandler
	onFatal    FatalHandler
	logger     logger.Logger
	metrics    *metrics.Collector

	started  bool
	closed   bool
	failures int
	retry    *dispatcher.Timer
}

// NewAcceptor creates an acceptor for an already bound listener.
//
// Parameters:
//   - ln: The bound listener; the acceptor owns it from now on
//   - d: Dispatcher the accept loop runs on
//   - backoff: Retry schedule for resource exhaustion; nil uses retry.DefaultBackoff
//   - onConn: Receives each accepted connection
//   - onFatal: Receives a *ResourceExhaustedError when retries run out
//   - log: Logger; nil discards
//   - m: Metrics collector; nil disables
//
// Returns:
//   - A new *Acceptor; call Start on the dispatcher goroutine to begin accepting
func NewAcceptor(
	ln net.Listener,
	d *dispatcher.Dispatcher,
	backoff *retry.Backoff,
	onConn ConnHandler,
	onFatal FatalHandler,
	log logger.Logger,
	m *metrics.Collector,
) *Acceptor {
	if backoff == nil {
		backoff = retry.DefaultBackoff()
	}
	if log == nil {
		log = logger.Nop()
	}

	addr := ln.Addr().String()
	return &Acceptor{
		ln:         ln,
		addr:       addr,
		dispatcher: d,
		backoff:    backoff,
		onConn:     onConn,
		onFatal:    onFatal,
		logger:     log.With(logger.Field{Key: "component", Value: "acceptor"}, logger.Field{Key: "addr", Value: addr}),
		metrics:    m,
	}
}

// Start issues the first accept.
//
// Returns:
//   - ErrAcceptorStarted if the acceptor was already started
func (a *Acceptor) Start() error {
	if a.started {
		return ErrAcceptorStarted
	}

	a.started = true
	a.accept()
	return nil
}

// Close closes the listener, which cancels the outstanding accept, and
// cancels any scheduled retry. Safe to call multiple times.
func (a *Acceptor) Close() error {
	if a.closed {
		return nil
	}

	a.closed = true
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	return a.ln.Close()
}

func (a *Acceptor) accept() {
	if a.closed {
		return
	}
	a.dispatcher.AsyncAccept(a.ln, a.onAccept)
}

func (a *Acceptor) onAccept(conn net.Conn, err error) {
	if err == nil {
		a.failures = 0
		if a.closed {
			_ = conn.Close()
			return
		}
		// Re-arm before handing the connection over so session setup never
		// delays the next accept.
		a.accept()
		a.onConn(conn)
		return
	}

	if a.closed {
		return
	}

	kind := classifyAcceptError(err)
	switch kind {
	case acceptClosed:
		a.logger.Info("listener closed")
		a.closed = true

	case acceptExhausted:
		a.failures++
		a.metrics.AcceptError(err.Error())
		delay, ok := a.backoff.Delay(a.failures)
		if !ok {
			a.logger.Error("accept retries exhausted",
				logger.Field{Key: "error", Value: err.Error()},
				logger.Field{Key: "attempts", Value: a.failures},
			)
			a.onFatal(&ResourceExhaustedError{Addr: a.addr, Attempts: a.failures, Err: err})
			return
		}

		a.metrics.AcceptBackoff()
		a.logger.Warn("accept failed, backing off",
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "kind", Value: kind.String()},
			logger.Field{Key: "attempt", Value: a.failures},
			logger.Field{Key: "delay", Value: delay.String()},
		)
		a.retry = a.dispatcher.AfterFunc(delay, func() {
			a.retry = nil
			a.accept()
		})

	default:
		a.metrics.AcceptError(err.Error())
		a.logger.Warn("accept failed, retrying",
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "kind", Value: kind.String()},
		)
		a.accept()
	}
}
