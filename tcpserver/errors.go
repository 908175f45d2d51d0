package tcpserver

import (
	"errors"
	"fmt"
	"net"

	"github.com/cyberinferno/go-lineserver/framer"
)

var (
	// ErrAcceptorStarted is returned by a second Acceptor.Start.
	ErrAcceptorStarted = errors.New("acceptor already started")
	// ErrServerRunning is returned by Run on a server that is already running.
	ErrServerRunning = errors.New("server already running")
	// ErrServerStopped is the close reason of sessions ended by shutdown.
	ErrServerStopped = errors.New("server stopped")
	// ErrResourceExhausted matches every *ResourceExhaustedError.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrLineTooLong is the close reason of a session whose client exceeded
	// the maximum line length.
	ErrLineTooLong = framer.ErrLineTooLong
)

// BindError reports that the listening socket could not be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ResourceExhaustedError reports that accept kept failing for lack of
// resources after every backoff attempt was used.
type ResourceExhaustedError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("accept on %s: resource exhausted after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrResourceExhausted) match.
func (e *ResourceExhaustedError) Is(target error) bool {
	return target == ErrResourceExhausted
}

// acceptErrorKind classifies a failed accept.
type acceptErrorKind int

const (
	acceptTransient acceptErrorKind = iota
	acceptExhausted
	acceptClosed
)

func (k acceptErrorKind) String() string {
	switch k {
	case acceptTransient:
		return "transient"
	case acceptExhausted:
		return "resource_exhausted"
	case acceptClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// classifyAcceptError decides how the acceptor reacts to err. Anything not
// recognized as exhaustion or a closed listener is retried immediately.
func classifyAcceptError(err error) acceptErrorKind {
	if errors.Is(err, net.ErrClosed) {
		return acceptClosed
	}
	if isResourceExhausted(err) {
		return acceptExhausted
	}
	return acceptTransient
}
