// Package dispatcher implements a single-goroutine, cooperative event loop.
//
// Blocking operations (accept, read, timers) are issued through the
// dispatcher, performed on helper goroutines, and their completions are
// queued as continuations that Run executes one at a time on its own
// goroutine. Code that only runs inside continuations therefore never needs
// locks: no two continuations ever run concurrently.
//
// An issued operation is delivered exactly once. To keep receiving, the
// continuation must issue the next operation itself.
package dispatcher

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/cyberinferno/go-lineserver/logger"
)

// AcceptHandler receives the completion of AsyncAccept.
type AcceptHandler func(conn net.Conn, err error)

// ReadHandler receives the completion of AsyncRead.
type ReadHandler func(n int, err error)

// Dispatcher is the event loop. Create it with New, drive it with Run, and
// end it with Stop. Post and the Async* methods are safe to call from any
// goroutine.
type Dispatcher struct {
	logger logger.Logger

	mu      sync.Mutex
	queue   *queue.Queue // of func()
	stopped bool

	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running atomic.Bool
	pending atomic.Int64
}

// New creates a dispatcher that is not yet running.
//
// Parameters:
//   - log: Logger used for recovered continuation panics; nil discards
//
// Returns:
//   - A new *Dispatcher
func New(log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}

	return &Dispatcher{
		logger: log.With(logger.Field{Key: "component", Value: "dispatcher"}),
		queue:  queue.New(),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run executes queued continuations on the calling goroutine until Stop is
// called. Continuations posted before Run are executed once it starts. A
// second concurrent call returns an error immediately.
func (d *Dispatcher) Run() error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer close(d.done)

	for {
		select {
		case <-d.quit:
			return nil
		default:
		}

		if fn, ok := d.next(); ok {
			d.invoke(fn)
			continue
		}

		select {
		case <-d.quit:
			return nil
		case <-d.wake:
		}
	}
}

// Stop ends Run after the continuation currently executing (if any) returns
// and discards everything still queued. It does not wait; use Wait for that.
// Stop may be called from a continuation. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for d.queue.Length() > 0 {
		d.queue.Remove()
	}
	d.mu.Unlock()

	close(d.quit)
}

// Wait blocks until Run has returned. It returns immediately if Run was
// never started.
func (d *Dispatcher) Wait() {
	if d.running.Load() {
		<-d.done
	}
}

// Done returns a channel closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stopped reports whether Stop has been called.
func (d *Dispatcher) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Post enqueues fn to run on the loop goroutine. It never blocks.
//
// Returns:
//   - false if the dispatcher has been stopped and fn will never run
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue.Add(fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	return true
}

// Pending returns the number of issued operations whose completion has not
// yet been delivered.
func (d *Dispatcher) Pending() int64 {
	return d.pending.Load()
}

// AsyncAccept waits for the next connection on ln and delivers the result to
// cb on the loop goroutine. Closing ln cancels the operation; cb then
// receives the listener's close error.
func (d *Dispatcher) AsyncAccept(ln net.Listener, cb AcceptHandler) {
	d.issue(func() (func(), func()) {
		conn, err := ln.Accept()
		drop := func() {
			if conn != nil {
				_ = conn.Close()
			}
		}
		return func() { cb(conn, err) }, drop
	})
}

// AsyncRead performs one Read on r into buf and delivers the result to cb on
// the loop goroutine. buf must not be touched until cb runs. Closing the
// underlying connection cancels the operation; cb then receives the error.
func (d *Dispatcher) AsyncRead(r io.Reader, buf []byte, cb ReadHandler) {
	d.issue(func() (func(), func()) {
		n, err := r.Read(buf)
		return func() { cb(n, err) }, nil
	})
}

// AfterFunc delivers fn to the loop goroutine once delay has elapsed. The
// returned timer can be stopped to cancel delivery; a cancelled timer still
// counts as delivered for Pending.
func (d *Dispatcher) AfterFunc(delay time.Duration, fn func()) *Timer {
	t := &Timer{d: d}
	d.pending.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		if !t.fired.CompareAndSwap(false, true) {
			return
		}
		d.complete(fn)
	})
	return t
}

// Timer is a pending AfterFunc delivery.
type Timer struct {
	d     *Dispatcher
	timer *time.Timer
	fired atomic.Bool
}

// Stop cancels the delivery if it has not happened yet.
//
// Returns:
//   - true if the call prevented the continuation from being queued
func (t *Timer) Stop() bool {
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}
	t.timer.Stop()
	t.d.pending.Add(-1)
	return true
}

// issue runs op on a helper goroutine and queues the continuation it
// returns. The second function op returns, when non-nil, releases whatever
// the operation produced if the dispatcher was stopped before the
// continuation could be queued.
func (d *Dispatcher) issue(op func() (cont func(), drop func())) {
	d.pending.Add(1)
	go func() {
		cont, drop := op()
		if !d.complete(cont) && drop != nil {
			drop()
		}
	}()
}

// complete queues cont and marks one operation as delivered. The pending
// count is decremented when cont runs, or immediately if it is dropped.
func (d *Dispatcher) complete(cont func()) bool {
	ok := d.Post(func() {
		d.pending.Add(-1)
		cont()
	})
	if !ok {
		d.pending.Add(-1)
	}
	return ok
}

func (d *Dispatcher) next() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || d.queue.Length() == 0 {
		return nil, false
	}

	return d.queue.Remove().(func()), true
}

// invoke runs one continuation, keeping the loop alive if it panics.
func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("continuation panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	fn()
}
