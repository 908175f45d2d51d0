package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-lineserver/logger"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk gone") }

// countingWriter records every Write call separately.
type countingWriter struct {
	mu     sync.Mutex
	writes []string
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, string(p))
	return len(p), nil
}

func TestWriterSink(t *testing.T) {
	t.Run("writes line with delimiter", func(t *testing.T) {
		var buf bytes.Buffer
		s := NewWriterSink(&buf)

		require.NoError(t, s.WriteLine(Line{SessionID: 1, Remote: "1.2.3.4:5", Data: []byte("hello")}))
		require.NoError(t, s.WriteLine(Line{SessionID: 1, Data: []byte("")}))

		assert.Equal(t, "hello\n\n", buf.String())
		assert.NoError(t, s.Close())
	})

	t.Run("prefix and custom delimiter", func(t *testing.T) {
		var buf bytes.Buffer
		s := NewWriterSink(&buf, WithPrefix(true), WithDelimiter(';'))

		require.NoError(t, s.WriteLine(Line{SessionID: 42, Remote: "10.0.0.1:999", Data: []byte("x")}))

		assert.Equal(t, "[42 10.0.0.1:999] x;", buf.String())
	})

	t.Run("colored prefix keeps the text", func(t *testing.T) {
		var buf bytes.Buffer
		s := NewWriterSink(&buf, WithPrefix(true), WithColor(true))

		require.NoError(t, s.WriteLine(Line{SessionID: 3, Remote: "r", Data: []byte("y")}))

		out := buf.String()
		assert.Contains(t, out, "[3 r]")
		assert.Contains(t, out, "\x1b[")
		assert.True(t, strings.HasSuffix(out, " y\n"))
	})

	t.Run("writer failure is returned", func(t *testing.T) {
		s := NewWriterSink(failingWriter{})
		err := s.WriteLine(Line{Data: []byte("lost")})
		assert.ErrorContains(t, err, "disk gone")
	})

	t.Run("one write per line under concurrency", func(t *testing.T) {
		w := &countingWriter{}
		s := NewWriterSink(w, WithPrefix(true))

		const goroutines, lines = 8, 50
		var wg sync.WaitGroup
		wg.Add(goroutines)
		for g := 0; g < goroutines; g++ {
			go func(g int) {
				defer wg.Done()
				for i := 0; i < lines; i++ {
					data := []byte(fmt.Sprintf("g%d-line%d", g, i))
					assert.NoError(t, s.WriteLine(Line{SessionID: uint32(g), Remote: "r", Data: data}))
				}
			}(g)
		}
		wg.Wait()

		require.Len(t, w.writes, goroutines*lines)
		for _, wr := range w.writes {
			assert.Regexp(t, `^\[(\d+) r\] g\d+-line\d+\n$`, wr)
			id := strings.TrimPrefix(strings.SplitN(wr, " ", 2)[0], "[")
			assert.True(t, strings.Contains(wr, "] g"+id+"-"), "line attributed to wrong session: %q", wr)
		}
	})
}

func TestStdoutSinkCloseKeepsStdout(t *testing.T) {
	s := NewStdoutSink()
	assert.NoError(t, s.Close())
	_, err := os.Stdout.Stat()
	assert.NoError(t, err)
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink("lines", dir, WithPrefix(true), WithColor(true))
	require.NoError(t, err)

	require.NoError(t, s.WriteLine(Line{SessionID: 9, Remote: "peer", Data: []byte("persisted")}))
	path := s.Path()
	require.NoError(t, s.Close())
	assert.Equal(t, "", s.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[9 peer] persisted\n", string(data))
}

// fakeRedis is a minimal RESP2 server that answers PING, HELLO, CLIENT and
// PUBLISH, recording published payloads.
type fakeRedis struct {
	ln        net.Listener
	mu        sync.Mutex
	published []string
}

func startFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeRedis{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}

		var reply string
		switch strings.ToUpper(args[0]) {
		case "PING":
			reply = "+PONG\r\n"
		case "HELLO":
			reply = "-ERR unknown command 'HELLO'\r\n"
		case "CLIENT":
			reply = "+OK\r\n"
		case "PUBLISH":
			f.mu.Lock()
			f.published = append(f.published, args[1]+"|"+args[2])
			f.mu.Unlock()
			reply = ":1\r\n"
		default:
			reply = "-ERR unsupported\r\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (f *fakeRedis) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(header, "*") {
		return nil, fmt.Errorf("unexpected header %q", header)
	}
	n, err := strconv.Atoi(strings.TrimSpace(header[1:]))
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(sizeLine[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

// startSilentRedis accepts connections and never answers.
func startSilentRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func() { _, _ = io.Copy(io.Discard, conn) }()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestRedisSink(t *testing.T) {
	t.Run("publishes each line in order", func(t *testing.T) {
		f := startFakeRedis(t)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := DialRedisSink(ctx, f.ln.Addr().String(), "lines", time.Second)
		require.NoError(t, err)

		buf := []byte("first")
		require.NoError(t, s.WriteLine(Line{SessionID: 1, Data: buf}))
		copy(buf, "XXXXX")
		require.NoError(t, s.WriteLine(Line{SessionID: 2, Data: []byte("second")}))

		require.Eventually(t, func() bool { return s.Published() == 2 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"lines|first", "lines|second"}, f.messages())
		assert.Equal(t, "lines", s.Channel())
		require.NoError(t, s.Close())
	})

	t.Run("close drains queued lines", func(t *testing.T) {
		f := startFakeRedis(t)
		s, err := DialRedisSink(context.Background(), f.ln.Addr().String(), "lines", time.Second)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			require.NoError(t, s.WriteLine(Line{Data: []byte(strconv.Itoa(i))}))
		}
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		assert.Len(t, f.messages(), 10)
		assert.ErrorIs(t, s.WriteLine(Line{Data: []byte("late")}), ErrSinkClosed)
	})

	t.Run("unreachable server fails to dial", func(t *testing.T) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, err = DialRedisSink(context.Background(), addr, "lines", 200*time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("publish failure is logged and counted", func(t *testing.T) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		var logs bytes.Buffer
		client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
		defer client.Close()
		s := NewRedisSink(client, "lines", 200*time.Millisecond,
			WithRedisLogger(logger.NewConsoleLogger(&syncBuffer{b: &logs}, "test", zerolog.DebugLevel)))

		require.NoError(t, s.WriteLine(Line{SessionID: 5, Data: []byte("dropped")}))
		require.Eventually(t, func() bool { return s.Failed() == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.NoError(t, s.Close(), "borrowed client is left to its owner")
		assert.Contains(t, logs.String(), "publish failed")
	})

	t.Run("slow server fills the queue without blocking", func(t *testing.T) {
		addr := startSilentRedis(t)
		client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
		defer client.Close()
		s := NewRedisSink(client, "lines", 300*time.Millisecond, WithRedisQueueSize(1))

		start := time.Now()
		var full error
		for i := 0; i < 5 && full == nil; i++ {
			full = s.WriteLine(Line{SessionID: 9, Data: []byte("x")})
		}
		assert.Less(t, time.Since(start), 100*time.Millisecond)
		assert.ErrorIs(t, full, ErrRedisQueueFull)
		assert.ErrorContains(t, full, "session 9")

		require.NoError(t, s.Close())
	})
}

// syncBuffer serializes writes from the publisher goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  *bytes.Buffer
}

func (w *syncBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}
