// Package config defines the runtime configuration of the line server and
// how it is assembled from defaults, a YAML file, environment variables and
// command-line flags.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/go-lineserver/logger"
)

// Sink kinds.
const (
	SinkStdout = "stdout"
	SinkFile   = "file"
	SinkRedis  = "redis"
)

// Config holds every tuneable of one server process.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ── Framing ──────────────────────────────────────────────────────
	Delimiter      Delimiter `yaml:"delimiter"`
	MaxLineLength  int       `yaml:"max_line_length"` // 0 = unlimited
	ReadBufferSize int       `yaml:"read_buffer_size"`

	// ── Accept backoff ───────────────────────────────────────────────
	Backoff BackoffConfig `yaml:"accept_backoff"`

	// ── Output ───────────────────────────────────────────────────────
	Sink SinkConfig `yaml:"sink"`

	// ── Logging ──────────────────────────────────────────────────────
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"` // empty = stderr only
}

// BackoffConfig controls retrying accept under resource exhaustion.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// SinkConfig selects and configures the output sink.
type SinkConfig struct {
	Kind         string        `yaml:"kind"`
	Prefix       bool          `yaml:"prefix"`
	FileDir      string        `yaml:"file_dir"`
	FileName     string        `yaml:"file_name"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisChannel string        `yaml:"redis_channel"`
	RedisTimeout time.Duration `yaml:"redis_timeout"`
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 0-65535", c.Port)
	}
	if c.Host != "" {
		ip := net.ParseIP(c.Host)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("host %q is not an IPv4 address", c.Host)
		}
	}
	if c.MaxLineLength < 0 {
		return fmt.Errorf("max line length must not be negative")
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive")
	}
	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("accept backoff delays must satisfy 0 < initial <= max")
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("accept backoff multiplier must be at least 1")
	}
	if c.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("accept backoff attempts must not be negative")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Sink.Kind {
	case SinkStdout:
	case SinkFile:
		if c.Sink.FileDir == "" {
			return fmt.Errorf("file sink requires a directory")
		}
	case SinkRedis:
		if c.Sink.RedisAddr == "" || c.Sink.RedisChannel == "" {
			return fmt.Errorf("redis sink requires an address and a channel")
		}
	default:
		return fmt.Errorf("unknown sink %q (want %s, %s or %s)", c.Sink.Kind, SinkStdout, SinkFile, SinkRedis)
	}

	return nil
}

// ── Delimiter ────────────────────────────────────────────────────────

// Delimiter is the single byte that terminates a line.
type Delimiter byte

// ParseDelimiter accepts a single character ("|"), an escape ("\n", "\r",
// "\t", "\0") or a hex byte ("0x0a").
func ParseDelimiter(s string) (Delimiter, error) {
	switch s {
	case `\n`:
		return '\n', nil
	case `\r`:
		return '\r', nil
	case `\t`:
		return '\t', nil
	case `\0`:
		return 0, nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid delimiter %q: %w", s, err)
		}
		return Delimiter(v), nil
	}

	if len(s) != 1 {
		return 0, fmt.Errorf("invalid delimiter %q: must be one byte", s)
	}

	return Delimiter(s[0]), nil
}

// String renders the delimiter in the form ParseDelimiter accepts.
func (d Delimiter) String() string {
	switch d {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case 0:
		return `\0`
	}
	if d < 0x21 || d > 0x7e {
		return fmt.Sprintf("0x%02x", byte(d))
	}
	return string(rune(d))
}

// Set implements pflag.Value.
func (d *Delimiter) Set(s string) error {
	v, err := ParseDelimiter(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Type implements pflag.Value.
func (d *Delimiter) Type() string {
	return "delimiter"
}

// UnmarshalText lets YAML files carry the delimiter as a string.
func (d *Delimiter) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

// MarshalText renders the delimiter as a string.
func (d Delimiter) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
