package dispatcher

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop runs d on a background goroutine and stops it at test end.
func startLoop(t *testing.T, d *Dispatcher) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func TestPostRunsInOrder(t *testing.T) {
	d := New(nil)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, d.Post(func() {
			got = append(got, i)
			if i == 99 {
				close(done)
			}
		}))
	}
	startLoop(t, d)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("continuations did not run")
	}

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestContinuationsNeverOverlap(t *testing.T) {
	d := New(nil)
	startLoop(t, d)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	const n = 500
	wg.Add(n)
	for i := 0; i < n; i++ {
		go d.Post(func() {
			defer wg.Done()
			cur := active.Add(1)
			if cur > maxActive.Load() {
				maxActive.Store(cur)
			}
			time.Sleep(time.Microsecond)
			active.Add(-1)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestStop(t *testing.T) {
	t.Run("post after stop is rejected", func(t *testing.T) {
		d := New(nil)
		d.Stop()
		d.Stop()

		assert.False(t, d.Post(func() {}))
		assert.True(t, d.Stopped())
		assert.NoError(t, d.Run(), "run after stop returns immediately")
	})

	t.Run("stop from inside a continuation", func(t *testing.T) {
		d := New(nil)
		errCh := make(chan error, 1)
		d.Post(d.Stop)
		go func() { errCh <- d.Run() }()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not return")
		}
		d.Wait()
	})

	t.Run("second run is rejected", func(t *testing.T) {
		d := New(nil)
		startLoop(t, d)
		require.Eventually(t, d.running.Load, time.Second, time.Millisecond)

		assert.Error(t, d.Run())
	})
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	d := New(nil)
	startLoop(t, d)

	ran := make(chan struct{})
	d.Post(func() { panic("boom") })
	d.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after panic")
	}
}

func TestAsyncRead(t *testing.T) {
	d := New(nil)
	startLoop(t, d)

	client, server := net.Pipe()
	defer client.Close()

	buf := make([]byte, 16)
	type result struct {
		n   int
		err error
	}
	results := make(chan result, 2)

	d.AsyncRead(server, buf, func(n int, err error) {
		results <- result{n, err}
	})
	assert.Equal(t, int64(1), d.Pending())

	go func() { _, _ = client.Write([]byte("hi")) }()

	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, "hi", string(buf[:r.n]))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)

	d.AsyncRead(server, buf, func(n int, err error) {
		results <- result{n, err}
	})
	require.NoError(t, server.Close())

	r = <-results
	assert.Error(t, r.err, "closing the connection cancels the read")
	assert.True(t, errors.Is(r.err, io.ErrClosedPipe))
}

func TestAsyncAccept(t *testing.T) {
	d := New(nil)
	startLoop(t, d)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	d.AsyncAccept(ln, func(conn net.Conn, err error) {
		assert.NoError(t, err)
		accepted <- conn
	})

	c, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	select {
	case conn := <-accepted:
		require.NotNil(t, conn)
		_ = conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("accept not delivered")
	}

	errs := make(chan error, 1)
	d.AsyncAccept(ln, func(conn net.Conn, err error) { errs <- err })
	require.NoError(t, ln.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled accept not delivered")
	}
}

func TestAfterFunc(t *testing.T) {
	d := New(nil)
	startLoop(t, d)

	fired := make(chan time.Time, 1)
	start := time.Now()
	d.AfterFunc(20*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer not delivered")
	}

	tm := d.AfterFunc(time.Hour, func() { t.Error("cancelled timer fired") })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestCompletionAfterStopIsDropped(t *testing.T) {
	d := New(nil)
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()

	client, server := net.Pipe()
	defer client.Close()

	d.AsyncRead(server, make([]byte, 4), func(int, error) {
		t.Error("completion delivered after stop")
	})
	d.Stop()
	require.NoError(t, <-errCh)

	_ = server.Close()
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
}
