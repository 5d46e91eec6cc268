package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry section of the daemon configuration.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	// Environment is attached to every span (development, staging, production).
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`

	// ResourceAttributes are extra attributes on the trace resource, e.g. the
	// cluster the daemon runs in.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// LoggingConfig configures the root zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`

	// EnableSampling thins debug and info lines with a burst sampler:
	// SamplingInitial lines per second, then every SamplingThereafter-th.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string `yaml:"time_format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint           string            `yaml:"endpoint"`
	Headers            map[string]string `yaml:"headers"`
	Insecure           bool              `yaml:"insecure"`
	SamplingRate       float64           `yaml:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is where the API server mounts the scrape endpoint.
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	// DefaultHistogramBuckets are latency buckets in seconds. Provisioning
	// runs up to several minutes, so the tail reaches 600s.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets"`
}

// DefaultConfig returns console logging at info, tracing off and metrics on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "instanced",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "instanced",
			DefaultHistogramBuckets: []float64{
				0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600,
			},
		},
		ResourceAttributes: map[string]string{},
	}
}

// ProductionConfig returns DefaultConfig with JSON logs, sampling and OTLP
// tracing at 10%.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when metrics are enabled")
	}
	return nil
}
