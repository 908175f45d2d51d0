package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-lineserver/logger"
)

// DefaultRedisQueueSize is the number of lines a RedisSink buffers while
// Redis is slow before it starts rejecting lines.
const DefaultRedisQueueSize = 1024

var (
	// ErrRedisQueueFull is returned by WriteLine when the publish queue is
	// full.
	ErrRedisQueueFull = errors.New("redis publish queue full")
	// ErrSinkClosed is returned by WriteLine after Close.
	ErrSinkClosed = errors.New("sink closed")
)

// RedisSink publishes each line to a Redis pub/sub channel. The payload is
// the raw line; the session id and remote address are not included.
//
// WriteLine never waits for Redis: lines are queued and published in order
// by a single background goroutine. Publish failures are logged and counted.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	owned   bool
	logger  logger.Logger

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan Line

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	published atomic.Int64
	failed    atomic.Int64
}

// RedisOption customizes a RedisSink.
type RedisOption func(*RedisSink)

// WithRedisLogger sets the logger publish failures are reported to.
func WithRedisLogger(log logger.Logger) RedisOption {
	return func(s *RedisSink) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithRedisQueueSize sets how many lines may wait for publishing.
func WithRedisQueueSize(n int) RedisOption {
	return func(s *RedisSink) {
		if n > 0 {
			s.queue = make(chan Line, n)
		}
	}
}

// NewRedisSink creates a sink publishing to channel through client and starts
// its publisher. The caller keeps ownership of client.
//
// Parameters:
//   - client: The go-redis client to publish through
//   - channel: Pub/sub channel name
//   - timeout: Per-line publish timeout; 0 means 1 second
//   - opts: Logger and queue size
//
// Returns:
//   - A new *RedisSink; Close stops the publisher
func NewRedisSink(client *redis.Client, channel string, timeout time.Duration, opts ...RedisOption) *RedisSink {
	if timeout <= 0 {
		timeout = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisSink{
		client:  client,
		channel: channel,
		timeout: timeout,
		logger:  logger.Nop(),
		queue:   make(chan Line, DefaultRedisQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(
		logger.Field{Key: "component", Value: "redis_sink"},
		logger.Field{Key: "channel", Value: channel},
	)

	go s.publishLoop()
	return s
}

// DialRedisSink creates a client for addr and verifies it with PING. The sink
// owns the client and closes it on Close.
func DialRedisSink(ctx context.Context, addr, channel string, timeout time.Duration, opts ...RedisOption) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: timeout,
		MaxRetries:  -1,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis sink %s: %w", addr, err)
	}

	s := NewRedisSink(client, channel, timeout, opts...)
	s.owned = true
	return s, nil
}

// Channel returns the channel lines are published to.
func (s *RedisSink) Channel() string {
	return s.channel
}

// Published returns the number of lines Redis accepted.
func (s *RedisSink) Published() int64 {
	return s.published.Load()
}

// Failed returns the number of queued lines whose publish failed.
func (s *RedisSink) Failed() int64 {
	return s.failed.Load()
}

// WriteLine implements Sink. It copies the line and queues it without
// blocking.
//
// Returns:
//   - ErrRedisQueueFull (wrapped) when Redis is not keeping up
//   - ErrSinkClosed (wrapped) after Close
func (s *RedisSink) WriteLine(line Line) error {
	line.Data = append([]byte(nil), line.Data...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("publish line from session %s: %w", sessionID(line), ErrSinkClosed)
	}

	select {
	case s.queue <- line:
		return nil
	default:
		return fmt.Errorf("publish line from session %s: %w", sessionID(line), ErrRedisQueueFull)
	}
}

// Close stops accepting lines and gives the publisher one timeout to drain
// the queue; lines still queued after that are abandoned. The client is
// closed when the sink created it. Safe to call multiple times.
func (s *RedisSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		select {
		case <-s.done:
		case <-time.After(s.timeout):
			s.cancel()
			<-s.done
		}
		s.cancel()

		if s.owned {
			err = s.client.Close()
		}
	})
	return err
}

func (s *RedisSink) publishLoop() {
	defer close(s.done)

	for line := range s.queue {
		if s.ctx.Err() != nil {
			s.failed.Add(1)
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		err := s.client.Publish(ctx, s.channel, string(line.Data)).Err()
		cancel()

		if err != nil {
			s.failed.Add(1)
			s.logger.Warn("publish failed, line dropped",
				logger.Field{Key: "session_id", Value: line.SessionID},
				logger.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		s.published.Add(1)
	}
}

func sessionID(line Line) string {
	return strconv.FormatUint(uint64(line.SessionID), 10)
}
