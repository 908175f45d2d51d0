// Package metrics provides lock-free counters for a running line server.
//
// All methods are safe for concurrent use. A nil *Collector is a valid no-op
// receiver, so components never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime statistics of a line server.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           atomic.Int64
	linesEmitted      atomic.Int64
	linesDropped      atomic.Int64
	linesTooLong      atomic.Int64
	acceptErrors      atomic.Int64
	acceptBackoffs    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open sessions.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime session count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// BytesReceived records n bytes read from a client.
func (c *Collector) BytesReceived(n int) {
	if c == nil {
		return
	}
	c.bytesIn.Add(int64(n))
}

// TotalBytesIn returns total bytes read from all clients.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// LineEmitted records a line delivered to the sink.
func (c *Collector) LineEmitted() {
	if c == nil {
		return
	}
	c.linesEmitted.Add(1)
}

// LinesEmitted returns the number of lines delivered to the sink.
func (c *Collector) LinesEmitted() int64 {
	if c == nil {
		return 0
	}
	return c.linesEmitted.Load()
}

// LineDropped records a line the sink failed to accept.
func (c *Collector) LineDropped(msg string) {
	if c == nil {
		return
	}
	c.linesDropped.Add(1)
	c.recordError(msg)
}

// LinesDropped returns the number of lines lost to sink failures.
func (c *Collector) LinesDropped() int64 {
	if c == nil {
		return 0
	}
	return c.linesDropped.Load()
}

// LineTooLong records a session closed for exceeding the line limit.
func (c *Collector) LineTooLong() {
	if c == nil {
		return
	}
	c.linesTooLong.Add(1)
}

// LinesTooLong returns the number of sessions closed for oversize lines.
func (c *Collector) LinesTooLong() int64 {
	if c == nil {
		return 0
	}
	return c.linesTooLong.Load()
}

// AcceptError records a failed accept and stores its message.
func (c *Collector) AcceptError(msg string) {
	if c == nil {
		return
	}
	c.acceptErrors.Add(1)
	c.recordError(msg)
}

// AcceptErrors returns the number of failed accepts.
func (c *Collector) AcceptErrors() int64 {
	if c == nil {
		return 0
	}
	return c.acceptErrors.Load()
}

// AcceptBackoff records a delayed accept retry.
func (c *Collector) AcceptBackoff() {
	if c == nil {
		return
	}
	c.acceptBackoffs.Add(1)
}

// AcceptBackoffs returns the number of delayed accept retries.
func (c *Collector) AcceptBackoffs() int64 {
	if c == nil {
		return 0
	}
	return c.acceptBackoffs.Load()
}

func (c *Collector) recordError(msg string) {
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	BytesIn           int64  `json:"bytes_in"`
	LinesEmitted      int64  `json:"lines_emitted"`
	LinesDropped      int64  `json:"lines_dropped"`
	LinesTooLong      int64  `json:"lines_too_long"`
	AcceptErrors      int64  `json:"accept_errors"`
	AcceptBackoffs    int64  `json:"accept_backoffs"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		LinesEmitted:      c.linesEmitted.Load(),
		LinesDropped:      c.linesDropped.Load(),
		LinesTooLong:      c.linesTooLong.Load(),
		AcceptErrors:      c.acceptErrors.Load(),
		AcceptBackoffs:    c.acceptBackoffs.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as a compact JSON string.
func (c *Collector) JSON() string {
	data, _ := json.Marshal(c.Snapshot())
	return string(data)
}
