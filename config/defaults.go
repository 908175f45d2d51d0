package config

import "time"

// Default values applied before any file, environment or flag overrides.
const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 15001
	DefaultDelimiter      = Delimiter('\n')
	DefaultReadBufferSize = 4096
	DefaultLogLevel       = "info"
	DefaultFileName       = "lineserver"
	DefaultRedisChannel   = "lines"
	DefaultRedisTimeout   = time.Second
)

// Defaults returns a Config populated with production defaults.
func Defaults() *Config {
	return &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		Delimiter:      DefaultDelimiter,
		ReadBufferSize: DefaultReadBufferSize,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			MaxAttempts:  10,
		},
		Sink: SinkConfig{
			Kind:         SinkStdout,
			FileName:     DefaultFileName,
			RedisChannel: DefaultRedisChannel,
			RedisTimeout: DefaultRedisTimeout,
		},
		LogLevel: DefaultLogLevel,
	}
}
