package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/instanced/pkg/engine"
	"github.com/openfroyo/instanced/pkg/propagation"
	"github.com/openfroyo/instanced/pkg/providers/cloudrun"
	"github.com/openfroyo/instanced/pkg/stores"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// Environment variables that override values of the YAML file.
const (
	EnvListen       = "INSTANCED_LISTEN"
	EnvDatabase     = "INSTANCED_DATABASE"
	EnvIdentityFile = "INSTANCED_IDENTITY_FILE"
	EnvNATSURL      = "INSTANCED_NATS_URL"
	EnvLogLevel     = "INSTANCED_LOG_LEVEL"
	EnvMaxCloud     = "INSTANCED_MAX_CLOUD_INSTANCES"
)

// Config is the configuration of the instanced daemon.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Database     stores.Config             `yaml:"database"`
	Secrets      SecretsConfig             `yaml:"secrets"`
	Orchestrator engine.OrchestratorConfig `yaml:"orchestrator"`
	Propagation  propagation.Config        `yaml:"propagation"`
	CloudRun     cloudrun.Config           `yaml:"cloudrun"`
	Policy       PolicyConfig              `yaml:"policy"`
	Profiles     ProfilesConfig            `yaml:"profiles"`
	Events       EventsConfig              `yaml:"events"`
	Auth         AuthConfig                `yaml:"auth"`
	Telemetry    *telemetry.Config         `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SecretsConfig configures sealing of credentials at rest.
type SecretsConfig struct {
	// IdentityFile is the age identity used to seal and open secrets.
	IdentityFile string `yaml:"identity_file"`

	// EscrowRecipients are extra age recipients every secret is sealed to.
	EscrowRecipients []string `yaml:"escrow_recipients"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Paths    []string `yaml:"paths"`
	Watch    bool     `yaml:"watch"`
	DataFile string   `yaml:"data_file"`
}

// ProfilesConfig locates the CUE service profile catalog.
type ProfilesConfig struct {
	// Catalog is a .cue file or a directory holding a CUE package.
	Catalog string `yaml:"catalog"`

	// SyncOnStart loads the catalog into the registry when the daemon starts.
	SyncOnStart bool `yaml:"sync_on_start"`
}

// EventsConfig configures the event broadcaster.
type EventsConfig struct {
	// Backend is "memory" or "nats".
	Backend   string        `yaml:"backend"`
	NATSURL   string        `yaml:"nats_url"`
	Subject   string        `yaml:"subject"`
	Buffer    int           `yaml:"buffer"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// AuthConfig configures bearer authentication of API callers.
type AuthConfig struct {
	// Disabled accepts the tenant from the X-Tenant-ID header. Development only.
	Disabled bool `yaml:"disabled"`

	// SecretEnv names the environment variable holding the HMAC secret.
	SecretEnv string `yaml:"secret_env"`

	// Issuer is the required "iss" claim. Empty accepts any issuer.
	Issuer string `yaml:"issuer"`

	// Audience is the required "aud" claim. Empty accepts any audience.
	Audience string `yaml:"audience"`

	// TenantClaim names the claim carrying the tenant id. Defaults to "sub".
	TenantClaim string `yaml:"tenant_claim"`
}

// Secret returns the HMAC secret from the environment.
func (a AuthConfig) Secret() []byte {
	return []byte(os.Getenv(a.SecretEnv))
}

// Default returns the default daemon configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: stores.Config{
			Path:         "instanced.db",
			MaxOpenConns: 8,
			MaxIdleConns: 4,
			BusyTimeout:  5 * time.Second,
		},
		Secrets: SecretsConfig{
			IdentityFile: "instanced.key",
		},
		Orchestrator: engine.DefaultOrchestratorConfig(),
		Propagation:  propagation.DefaultConfig(),
		CloudRun:     cloudrun.DefaultConfig(),
		Policy: PolicyConfig{
			Enabled: true,
		},
		Events: EventsConfig{
			Backend:   "memory",
			Subject:   "instanced.events",
			Buffer:    64,
			Heartbeat: 15 * time.Second,
		},
		Auth: AuthConfig{
			SecretEnv:   "INSTANCED_AUTH_SECRET",
			TenantClaim: "sub",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvIdentityFile); v != "" {
		c.Secrets.IdentityFile = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Events.NATSURL = v
		c.Events.Backend = "nats"
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v := os.Getenv(EnvMaxCloud); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxCloud, err)
		}
		c.Orchestrator.Limits.Cloud = n
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Secrets.IdentityFile == "" {
		return fmt.Errorf("secrets identity file is required")
	}

	o := c.Orchestrator
	if o.Limits.Cloud < 0 || o.Limits.Local < 0 || o.Limits.Remote < 0 {
		return fmt.Errorf("instance limits must not be negative")
	}
	if o.Queue.Workers <= 0 || o.Queue.Size <= 0 {
		return fmt.Errorf("queue workers and size must be positive")
	}
	if o.Provisioning.PollInterval <= 0 || o.Provisioning.MaxAttempts <= 0 {
		return fmt.Errorf("provisioning poll interval and max attempts must be positive")
	}
	if o.Reconcile.Parallelism <= 0 {
		return fmt.Errorf("reconcile parallelism must be positive")
	}
	if o.Reconcile.Interval < 0 {
		return fmt.Errorf("reconcile interval must not be negative")
	}

	if err := c.Propagation.Validate(); err != nil {
		return fmt.Errorf("propagation: %w", err)
	}
	if err := c.CloudRun.Validate(); err != nil {
		return fmt.Errorf("cloudrun: %w", err)
	}

	switch c.Events.Backend {
	case "memory":
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events nats_url is required for the nats backend")
		}
		if c.Events.Subject == "" {
			return fmt.Errorf("events subject is required for the nats backend")
		}
	default:
		return fmt.Errorf("unsupported events backend: %s", c.Events.Backend)
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events buffer must be positive")
	}

	if !c.Auth.Disabled && c.Auth.SecretEnv == "" {
		return fmt.Errorf("auth secret_env is required unless auth is disabled")
	}
	if c.Policy.Watch && len(c.Policy.Paths) == 0 {
		return fmt.Errorf("policy watch requires policy paths")
	}

	if c.Telemetry == nil {
		return fmt.Errorf("telemetry config is required")
	}
	return c.Telemetry.Validate()
}
