package cloudrun

import (
	"fmt"
	"time"
)

// Config holds Cloud Run provider configuration.
type Config struct {
	// RunEndpoint, LoggingEndpoint and MonitoringEndpoint override the API
	// base URLs. Empty means the public Google endpoints.
	RunEndpoint        string `yaml:"run_endpoint"`
	LoggingEndpoint    string `yaml:"logging_endpoint"`
	MonitoringEndpoint string `yaml:"monitoring_endpoint"`

	// WithoutAuthentication skips credentials entirely. Only useful against
	// emulators and test servers.
	WithoutAuthentication bool `yaml:"without_authentication"`

	// CallTimeout bounds a single API call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// ContainerPort is used when a profile does not name a port.
	ContainerPort int `yaml:"container_port"`

	// Ingress is the ingress setting of created services.
	Ingress string `yaml:"ingress"`

	// TokenEnv is the container environment variable carrying the control token.
	TokenEnv string `yaml:"token_env"`

	// MetricsAlignment is the alignment period of metric queries.
	MetricsAlignment time.Duration `yaml:"metrics_alignment"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      30 * time.Second,
		ContainerPort:    8080,
		Ingress:          "INGRESS_TRAFFIC_ALL",
		TokenEnv:         "CONTROL_TOKEN",
		MetricsAlignment: 5 * time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	if c.ContainerPort <= 0 || c.ContainerPort > 65535 {
		return fmt.Errorf("invalid container port: %d", c.ContainerPort)
	}
	switch c.Ingress {
	case "INGRESS_TRAFFIC_ALL", "INGRESS_TRAFFIC_INTERNAL_ONLY", "INGRESS_TRAFFIC_INTERNAL_LOAD_BALANCER":
	default:
		return fmt.Errorf("unsupported ingress: %s", c.Ingress)
	}
	if c.TokenEnv == "" {
		return fmt.Errorf("token env is required")
	}
	if c.MetricsAlignment < time.Minute {
		return fmt.Errorf("metrics alignment must be at least one minute")
	}
	return nil
}
