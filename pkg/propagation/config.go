package propagation

import (
	"fmt"
	"strings"
	"time"
)

// Config holds control-protocol client configuration.
type Config struct {
	// Timeout bounds a single configuration push.
	Timeout time.Duration `yaml:"timeout"`

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ControlPath is the path configurations are POSTed to.
	ControlPath string `yaml:"control_path"`

	// HealthPath is the path probed for liveness.
	HealthPath string `yaml:"health_path"`

	// HealthMarker is the value of the "service" field a genuine instance
	// reports on its health path.
	HealthMarker string `yaml:"health_marker"`

	// InsecureSkipVerify disables TLS verification for remote instances.
	// Local and cloud targets are never affected.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// MaxResponseBytes caps how much of a response body is read.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		ControlPath:      "/control/config",
		HealthPath:       "/health",
		HealthMarker:     "instanced-runtime",
		MaxResponseBytes: 64 << 10,
		UserAgent:        "instanced",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if !strings.HasPrefix(c.ControlPath, "/") {
		return fmt.Errorf("control path must start with /: %q", c.ControlPath)
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		return fmt.Errorf("health path must start with /: %q", c.HealthPath)
	}
	if c.HealthMarker == "" {
		return fmt.Errorf("health marker is required")
	}
	if c.MaxResponseBytes <= 0 {
		return fmt.Errorf("max response bytes must be positive")
	}
	return nil
}
