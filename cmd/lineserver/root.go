package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
	flag "github.com/spf13/pflag"

	"github.com/cyberinferno/go-lineserver/config"
	"github.com/cyberinferno/go-lineserver/logger"
	"github.com/cyberinferno/go-lineserver/metrics"
	"github.com/cyberinferno/go-lineserver/retry"
	"github.com/cyberinferno/go-lineserver/sink"
	"github.com/cyberinferno/go-lineserver/tcpserver"
)

const serviceName = "lineserver"

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// cliFlags holds the flags that are not configuration fields.
type cliFlags struct {
	configPath  string
	dryRun      bool
	showVersion bool
	showHelp    bool
}

// Execute parses args, assembles the configuration and serves until ctx is
// done.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout)
}

func execute(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, cli, fs, err := loadConfig(args)
	if err != nil {
		return err
	}

	if cli.showHelp {
		printUsage(fs, stdout)
		return nil
	}
	if cli.showVersion {
		fmt.Fprintf(stdout, "%s %s\n", serviceName, version)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cli.dryRun {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		_, err = stdout.Write(out)
		return err
	}

	return serve(ctx, cfg)
}

// loadConfig builds the configuration with precedence
// defaults < file < environment < flags.
func loadConfig(args []string) (*config.Config, *cliFlags, *flag.FlagSet, error) {
	cfg := config.Defaults()
	cli := &cliFlags{}
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// ── listener ─────────────────────────────────────────────────
	fs.StringVar(&cfg.Host, "host", cfg.Host, "IPv4 address to bind")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "TCP port to bind (0 picks a free port)")

	// ── framing ──────────────────────────────────────────────────
	fs.VarP(&cfg.Delimiter, "delimiter", "d", `Line delimiter: one character, \n, \r, \t, \0 or 0xNN`)
	fs.IntVar(&cfg.MaxLineLength, "max-line-length", cfg.MaxLineLength, "Maximum line length in bytes (0 = unlimited)")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "Per-connection read buffer size in bytes")

	// ── accept backoff ───────────────────────────────────────────
	fs.DurationVar(&cfg.Backoff.InitialDelay, "accept-backoff-initial", cfg.Backoff.InitialDelay, "First delay after accept runs out of resources")
	fs.DurationVar(&cfg.Backoff.MaxDelay, "accept-backoff-max", cfg.Backoff.MaxDelay, "Largest delay between accept retries")
	fs.IntVar(&cfg.Backoff.MaxAttempts, "accept-backoff-attempts", cfg.Backoff.MaxAttempts, "Consecutive exhausted accepts before giving up (0 = never)")

	// ── output ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.Sink.Kind, "sink", "s", cfg.Sink.Kind, "Line sink: stdout, file or redis")
	fs.BoolVar(&cfg.Sink.Prefix, "prefix", cfg.Sink.Prefix, "Prefix each line with its session id and peer address")
	fs.StringVar(&cfg.Sink.FileDir, "file-dir", cfg.Sink.FileDir, "Directory for the file sink")
	fs.StringVar(&cfg.Sink.FileName, "file-name", cfg.Sink.FileName, "File name prefix for the file sink")
	fs.StringVar(&cfg.Sink.RedisAddr, "redis-addr", cfg.Sink.RedisAddr, "Redis address for the redis sink")
	fs.StringVar(&cfg.Sink.RedisChannel, "redis-channel", cfg.Sink.RedisChannel, "Redis channel lines are published to")
	fs.DurationVar(&cfg.Sink.RedisTimeout, "redis-timeout", cfg.Sink.RedisTimeout, "Timeout for one publish")

	// ── logging ──────────────────────────────────────────────────
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Also write logs to daily files in this directory")

	// ── misc ─────────────────────────────────────────────────────
	fs.StringVarP(&cli.configPath, "config", "c", "", "YAML configuration file")
	fs.BoolVar(&cli.dryRun, "dry-run", false, "Validate and print the configuration, then exit")
	fs.BoolVar(&cli.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&cli.showHelp, "help", "h", false, "Show this help")

	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	// Remember what was given on the command line, layer file and
	// environment underneath, then put the flags back on top.
	changed := map[string]string{}
	fs.Visit(func(f *flag.Flag) { changed[f.Name] = f.Value.String() })

	if cli.configPath != "" {
		if err := config.LoadFile(cfg, cli.configPath); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, nil, nil, err
	}
	for name, value := range changed {
		if err := fs.Set(name, value); err != nil {
			return nil, nil, nil, fmt.Errorf("flag --%s: %w", name, err)
		}
	}

	return cfg, cli, fs, nil
}

// serve wires logger, sink, metrics and server and runs until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	out, err := newSink(ctx, cfg, log)
	if err != nil {
		log.Error("sink setup failed", logger.Field{Key: "error", Value: err.Error()})
		return err
	}
	defer out.Close()

	srv := tcpserver.New(tcpserver.Options{
		Name: serviceName,
		Addr: cfg.Addr(),
		Session: tcpserver.SessionConfig{
			Delimiter:      byte(cfg.Delimiter),
			MaxLineLength:  cfg.MaxLineLength,
			ReadBufferSize: cfg.ReadBufferSize,
		},
		Backoff: &retry.Backoff{
			InitialDelay: cfg.Backoff.InitialDelay,
			MaxDelay:     cfg.Backoff.MaxDelay,
			Multiplier:   cfg.Backoff.Multiplier,
			MaxAttempts:  cfg.Backoff.MaxAttempts,
			Jitter:       true,
		},
	}, out, log, metrics.New())

	return srv.Run(ctx)
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.LogDir != "" {
		return logger.NewZerologFileLogger(serviceName, cfg.LogDir, level)
	}
	return logger.NewConsoleLogger(nil, serviceName, level), nil
}

func newSink(ctx context.Context, cfg *config.Config, log logger.Logger) (sink.Sink, error) {
	delim := sink.WithDelimiter(byte(cfg.Delimiter))
	prefix := sink.WithPrefix(cfg.Sink.Prefix)

	switch cfg.Sink.Kind {
	case config.SinkFile:
		return sink.NewFileSink(cfg.Sink.FileName, cfg.Sink.FileDir, delim, prefix)
	case config.SinkRedis:
		return sink.DialRedisSink(ctx, cfg.Sink.RedisAddr, cfg.Sink.RedisChannel, cfg.Sink.RedisTimeout,
			sink.WithRedisLogger(log))
	default:
		return sink.NewStdoutSink(delim, prefix), nil
	}
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `lineserver v%s

Accepts TCP connections and relays every delimited line to a sink.

Usage:
  lineserver [options]

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Every option can also be set in the YAML file given with --config or in a
%s* environment variable; flags win over the environment, which wins
over the file. Pass whitespace delimiters in escape form (\t, 0x20).

Examples:
  lineserver -p 9000                              Print lines to stdout
  lineserver --sink file --file-dir /var/lines    Append lines to daily files
  lineserver --sink redis --redis-addr localhost:6379 --redis-channel lines
`, config.EnvPrefix)
}
