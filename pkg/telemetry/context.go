package telemetry

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Telemetry is the logger, tracer and metrics registry the daemon shares
// across components.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry validates cfg and builds the bundle. On error nothing is left open.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// WithContext stores the root logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown flushes pending spans and closes the log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result error
	if err := t.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("tracer: %w", err))
	}
	if err := t.Logger.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("log output: %w", err))
	}
	return result
}
