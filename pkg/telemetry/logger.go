package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger carries the daemon's root zerolog.Logger. Components receive a
// zerolog.Logger derived from it through Component.
type Logger struct {
	zlog zerolog.Logger
	out  io.Closer
}

type loggerKey struct{}

// NewLogger builds the root logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, closer, err := logWriter(cfg.Output)
	if err != nil {
		return nil, err
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Str("service", "instanced")
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	// Sampling only thins debug and info chatter from the poll loops.
	if cfg.EnableSampling {
		sampler := &zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		}
		zlog = zlog.Sample(zerolog.LevelSampler{DebugSampler: sampler, InfoSampler: sampler})
	}

	return &Logger{zlog: zlog, out: closer}, nil
}

func logWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the root zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// WithTenant tags log lines with the tenant.
func (l *Logger) WithTenant(tenant string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("tenant", tenant).Logger()}
}

// WithInstance tags log lines with the instance id.
func (l *Logger) WithInstance(instanceID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("instance_id", instanceID).Logger()}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or one wrapping the global
// zerolog logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: log.Logger}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
