package config

// loader.go - configuration loading from a YAML file and the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/lineserver)
//   2. Environment variables
//   3. YAML file
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// LoadFile overlays the YAML document at path onto cfg. Keys absent from the
// file keep their current value; unknown keys are rejected.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the LINESERVER_ prefix. Boolean values
// accept "1", "true", "yes" (case-insensitive).

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LINESERVER_"

// LoadFromEnv overlays environment variables onto cfg. Only non-empty
// variables override the existing value. Call it BEFORE flag parsing so
// that flags take precedence.
func LoadFromEnv(cfg *Config) error {
	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
	}

	if v := env("HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok, err := envInt("PORT"); err != nil {
		fail("PORT", err)
	} else if ok {
		cfg.Port = v
	}
	// Not trimmed, so a literal space or tab works; the escape forms
	// (\t, 0x20) are easier to quote.
	if v := os.Getenv(EnvPrefix + "DELIMITER"); v != "" {
		if err := cfg.Delimiter.Set(v); err != nil {
			fail("DELIMITER", err)
		}
	}
	if v, ok, err := envInt("MAX_LINE_LENGTH"); err != nil {
		fail("MAX_LINE_LENGTH", err)
	} else if ok {
		cfg.MaxLineLength = v
	}
	if v, ok, err := envInt("READ_BUFFER_SIZE"); err != nil {
		fail("READ_BUFFER_SIZE", err)
	} else if ok {
		cfg.ReadBufferSize = v
	}

	// Accept backoff
	if v, ok, err := envDuration("ACCEPT_BACKOFF_INITIAL"); err != nil {
		fail("ACCEPT_BACKOFF_INITIAL", err)
	} else if ok {
		cfg.Backoff.InitialDelay = v
	}
	if v, ok, err := envDuration("ACCEPT_BACKOFF_MAX"); err != nil {
		fail("ACCEPT_BACKOFF_MAX", err)
	} else if ok {
		cfg.Backoff.MaxDelay = v
	}
	if v, ok, err := envFloat("ACCEPT_BACKOFF_MULTIPLIER"); err != nil {
		fail("ACCEPT_BACKOFF_MULTIPLIER", err)
	} else if ok {
		cfg.Backoff.Multiplier = v
	}
	if v, ok, err := envInt("ACCEPT_BACKOFF_ATTEMPTS"); err != nil {
		fail("ACCEPT_BACKOFF_ATTEMPTS", err)
	} else if ok {
		cfg.Backoff.MaxAttempts = v
	}

	// Sink
	if v := env("SINK"); v != "" {
		cfg.Sink.Kind = strings.ToLower(v)
	}
	if v := env("SINK_PREFIX"); v != "" {
		cfg.Sink.Prefix = parseBool(v)
	}
	if v := env("FILE_DIR"); v != "" {
		cfg.Sink.FileDir = v
	}
	if v := env("FILE_NAME"); v != "" {
		cfg.Sink.FileName = v
	}
	if v := env("REDIS_ADDR"); v != "" {
		cfg.Sink.RedisAddr = v
	}
	if v := env("REDIS_CHANNEL"); v != "" {
		cfg.Sink.RedisChannel = v
	}
	if v, ok, err := envDuration("REDIS_TIMEOUT"); err != nil {
		fail("REDIS_TIMEOUT", err)
	} else if ok {
		cfg.Sink.RedisTimeout = v
	}

	// Logging
	if v := env("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func envInt(key string) (int, bool, error) {
	v := env(key)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("not an integer: %q", v)
	}
	return n, true, nil
}

func envDuration(key string) (time.Duration, bool, error) {
	v := env(key)
	if v == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("not a duration: %q", v)
	}
	return d, true, nil
}

func envFloat(key string) (float64, bool, error) {
	v := env(key)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("not a number: %q", v)
	}
	return f, true, nil
}

func parseBool(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}
