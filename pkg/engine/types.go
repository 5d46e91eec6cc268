package engine

import (
	"time"
)

// Instance is a managed application instance of any kind.
type Instance struct {
	// ID is the unique identifier of the instance.
	ID string `json:"id"`

	// OwnerID is the tenant that owns the instance.
	OwnerID string `json:"owner_id"`

	// Name is the human-readable name of the instance.
	Name string `json:"name"`

	// Kind is the hosting model (cloud, local, remote).
	Kind Kind `json:"kind"`

	// Address is the base URL of the instance. Empty until the instance is reachable.
	Address string `json:"address,omitempty"`

	// Port is the loopback port of a local instance.
	Port int `json:"port,omitempty"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// StatusMessage explains the last failure, if any.
	StatusMessage string `json:"status_message,omitempty"`

	// Healthy is true when the last probe or push succeeded.
	Healthy bool `json:"healthy"`

	// ConfigurationID is the attached configuration, empty when none is attached.
	ConfigurationID string `json:"configuration_id,omitempty"`

	// ResourceHandle identifies the backing provider resource of a cloud instance.
	ResourceHandle string `json:"resource_handle,omitempty"`

	// Project is the provider project of a cloud instance.
	Project string `json:"project,omitempty"`

	// Region is the provider region of a cloud instance.
	Region string `json:"region,omitempty"`

	// Profile is the service profile snapshot taken when a cloud instance was created.
	Profile *ServiceProfile `json:"profile,omitempty"`

	// SealedToken is the sealed bearer token used to talk to the instance's control endpoint.
	SealedToken string `json:"-"`

	// Version is the record version for optimistic locking.
	Version int64 `json:"version"`

	// CreatedAt is when the instance was recorded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the instance record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the instance.
func (inst *Instance) Clone() *Instance {
	if inst == nil {
		return nil
	}
	c := *inst
	if inst.Profile != nil {
		p := *inst.Profile
		c.Profile = &p
	}
	return &c
}

// ServiceProfile is the compute shape of a cloud instance.
type ServiceProfile struct {
	// ID is the unique identifier of the profile.
	ID string `json:"id"`

	// OwnerID is the owning tenant. Empty for catalog profiles shared by every tenant.
	OwnerID string `json:"owner_id,omitempty"`

	// Name is the catalog name of the profile.
	Name string `json:"name" validate:"required"`

	// Image is the container image to run.
	Image string `json:"image" validate:"required"`

	// MemoryMiB is the memory limit in MiB.
	MemoryMiB int `json:"memory_mib" validate:"min=128,max=32768"`

	// CPU is the CPU limit in provider notation (e.g. "1", "2", "1000m").
	CPU string `json:"cpu" validate:"required"`

	// Concurrency is the maximum number of concurrent requests per container.
	Concurrency int `json:"concurrency" validate:"min=1,max=1000"`

	// MaxScale is the maximum number of containers.
	MaxScale int `json:"max_scale,omitempty" validate:"min=0,max=1000"`

	// Port is the container port the runtime listens on.
	Port int `json:"port,omitempty" validate:"min=0,max=65535"`

	// Region is the default provider region.
	Region string `json:"region,omitempty"`

	// SealedAuthToken is the sealed bearer token injected into instances created from
	// this profile. A fresh token is generated per instance when empty.
	SealedAuthToken string `json:"-"`

	// Env holds additional plain environment variables for the container.
	Env map[string]string `json:"env,omitempty"`

	// CreatedAt is when the profile was recorded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the profile last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns an independent copy of the profile so later edits of the
// catalog entry never reach instances created from it.
func (p *ServiceProfile) Snapshot() *ServiceProfile {
	c := *p
	if p.Env != nil {
		c.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			c.Env[k] = v
		}
	}
	return &c
}

// Configuration is a named deployment bundle that can be pushed to instances.
type Configuration struct {
	// ID is the unique identifier of the configuration.
	ID string `json:"id"`

	// OwnerID is the owning tenant.
	OwnerID string `json:"owner_id"`

	// Name is the human-readable name.
	Name string `json:"name" validate:"required,max=128"`

	// SourceURL is the location of the application source.
	SourceURL string `json:"source_url" validate:"required,url"`

	// SealedCredentials holds the sealed source credentials, if any.
	SealedCredentials string `json:"-"`

	// Reference is the branch, tag or commit to deploy.
	Reference string `json:"reference,omitempty"`

	// Ports lists the ports the application exposes.
	Ports []int `json:"ports,omitempty" validate:"dive,min=1,max=65535"`

	// PreviewURL is an optional preview endpoint.
	PreviewURL string `json:"preview_url,omitempty" validate:"omitempty,url"`

	// Variables are the custom environment variables.
	Variables []Variable `json:"variables,omitempty" validate:"dive"`

	// CreatedAt is when the configuration was recorded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the configuration last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Variable is a custom configuration variable. Secret values are sealed at rest.
type Variable struct {
	Key       string `json:"key" validate:"required,max=256"`
	Value     string `json:"value,omitempty"`
	Encrypted bool   `json:"encrypted"`
}

// ProviderCredentials are a tenant's sealed compute provider credentials for one project.
type ProviderCredentials struct {
	OwnerID       string    `json:"owner_id"`
	Project       string    `json:"project"`
	DefaultRegion string    `json:"default_region,omitempty"`
	SealedKey     string    `json:"-"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	OwnerID    string
	Kind       Kind
	Status     Status
	WithHandle bool
}

// Matches reports whether inst satisfies the filter.
func (f InstanceFilter) Matches(inst *Instance) bool {
	if f.OwnerID != "" && inst.OwnerID != f.OwnerID {
		return false
	}
	if f.Kind != "" && inst.Kind != f.Kind {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.WithHandle && inst.ResourceHandle == "" {
		return false
	}
	return true
}

// ReconcileSummary reports the outcome of one reconciliation pass.
type ReconcileSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Errors  int `json:"errors"`
}

// Add accumulates another summary.
func (s *ReconcileSummary) Add(other ReconcileSummary) {
	s.Checked += other.Checked
	s.Updated += other.Updated
	s.Removed += other.Removed
	s.Errors += other.Errors
}

// MetricPoint is a single sample of a time series.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricSeries is one named time series.
type MetricSeries struct {
	Name   string        `json:"name"`
	Unit   string        `json:"unit,omitempty"`
	Points []MetricPoint `json:"points"`
}

// MetricsReport is the metrics passthrough response.
type MetricsReport struct {
	InstanceID string         `json:"instance_id"`
	Window     time.Duration  `json:"window"`
	Series     []MetricSeries `json:"series"`
	Synthetic  bool           `json:"synthetic"`
	Reason     string         `json:"reason,omitempty"`
}

// LogEntry is a single log line from an instance.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
}

// LogsReport is the logs passthrough response.
type LogsReport struct {
	InstanceID string     `json:"instance_id"`
	Entries    []LogEntry `json:"entries"`
	Synthetic  bool       `json:"synthetic"`
	Reason     string     `json:"reason,omitempty"`
}
