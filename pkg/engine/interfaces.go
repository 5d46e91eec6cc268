package engine

import (
	"context"
	"time"

	"github.com/openfroyo/instanced/pkg/broadcast"
)

// InstanceStore persists Instance records. Every mutation is keyed by owner and id.
type InstanceStore interface {
	// ReserveInstance inserts inst only if the owner holds fewer than limit instances
	// of the same kind. The count and the insert are one atomic statement.
	// Returns ErrLimitExceeded when the limit is reached.
	ReserveInstance(ctx context.Context, inst *Instance, limit int) error

	// CreateInstance inserts inst without a limit check.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance returns the instance or ErrNotFound.
	GetInstance(ctx context.Context, ownerID, id string) (*Instance, error)

	// ListInstances returns instances matching the filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// UpdateInstance writes inst if its Version still matches the stored record and
	// increments Version. Returns ErrVersionConflict or ErrNotFound otherwise.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// DeleteInstance removes the instance or returns ErrNotFound.
	DeleteInstance(ctx context.Context, ownerID, id string) error

	// ListOwnersWithCloudInstances returns tenants holding at least one cloud instance
	// with a provider handle.
	ListOwnersWithCloudInstances(ctx context.Context) ([]string, error)
}

// ConfigurationStore persists Configurations and their variables.
type ConfigurationStore interface {
	SaveConfiguration(ctx context.Context, cfg *Configuration) error
	GetConfiguration(ctx context.Context, ownerID, id string) (*Configuration, error)
	DeleteConfiguration(ctx context.Context, ownerID, id string) error
}

// ProfileStore persists ServiceProfiles.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile *ServiceProfile) error

	// GetProfile resolves by id or name, preferring the owner's own profile over a
	// catalog profile of the same name.
	GetProfile(ctx context.Context, ownerID, idOrName string) (*ServiceProfile, error)

	ListProfiles(ctx context.Context, ownerID string) ([]*ServiceProfile, error)
}

// CredentialStore persists sealed provider credentials.
type CredentialStore interface {
	PutProviderCredentials(ctx context.Context, creds *ProviderCredentials) error

	// GetProviderCredentials returns the credentials for a project, or the most
	// recently updated credentials of the owner when project is empty.
	GetProviderCredentials(ctx context.Context, ownerID, project string) (*ProviderCredentials, error)
}

// Registry is the durable record of every managed instance.
type Registry interface {
	InstanceStore
	ConfigurationStore
	ProfileStore
	CredentialStore
}

// Credentials are unsealed provider credentials, held only for the duration of a call.
type Credentials struct {
	Project string
	Key     []byte
}

// ServiceRef locates a provider resource.
type ServiceRef struct {
	Project string
	Region  string
	Handle  string
}

// ServiceSpec describes a provider resource to create.
type ServiceSpec struct {
	Ref     ServiceRef
	Profile *ServiceProfile
	Token   string
	Labels  map[string]string
}

// ServiceState is what the provider reports about a resource.
type ServiceState struct {
	Handle  string
	Address string
	Ready   bool
}

// Provider manages serverless compute resources for cloud instances.
type Provider interface {
	// CreateService starts creating a resource. The returned state may carry an
	// address already, but readiness must be confirmed by GetService.
	CreateService(ctx context.Context, creds Credentials, spec ServiceSpec) (*ServiceState, error)

	// AllowPublicAccess grants unauthenticated invocation of the resource.
	AllowPublicAccess(ctx context.Context, creds Credentials, ref ServiceRef) error

	// GetService returns ErrResourceNotFound while the resource is not yet visible.
	GetService(ctx context.Context, creds Credentials, ref ServiceRef) (*ServiceState, error)

	// ListServices lists every resource in a project and region.
	ListServices(ctx context.Context, creds Credentials, project, region string) ([]ServiceState, error)

	// DeleteService deletes the resource. Deleting a missing resource returns ErrResourceNotFound.
	DeleteService(ctx context.Context, creds Credentials, ref ServiceRef) error
}

// Insights exposes provider-side metrics and logs of a resource.
type Insights interface {
	ServiceMetrics(ctx context.Context, creds Credentials, ref ServiceRef, window time.Duration) ([]MetricSeries, error)
	ServiceLogs(ctx context.Context, creds Credentials, ref ServiceRef, limit int) ([]LogEntry, error)
}

// ConfigPayload is the wire form of a Configuration pushed to an instance.
type ConfigPayload struct {
	ConfigurationID string            `json:"configuration_id"`
	Name            string            `json:"name"`
	SourceURL       string            `json:"source_url"`
	Credentials     string            `json:"credentials,omitempty"`
	Reference       string            `json:"reference,omitempty"`
	Ports           []int             `json:"ports,omitempty"`
	PreviewURL      string            `json:"preview_url,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
}

// Target is the control surface of a running instance.
type Target interface {
	// Kind returns the hosting model of the target.
	Kind() Kind

	// Address returns the base URL of the target.
	Address() string

	// Probe checks that the target is alive and speaks the control protocol.
	Probe(ctx context.Context) error

	// PushConfig delivers a configuration in a single call. It never retries.
	PushConfig(ctx context.Context, payload *ConfigPayload) error
}

// TargetResolver builds the Target for an instance.
type TargetResolver interface {
	Resolve(inst *Instance) (Target, error)
}

// Sealer encrypts secrets at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}

// AdmissionRequest is the input of an admission decision for a new instance.
type AdmissionRequest struct {
	OwnerID string          `json:"owner_id"`
	Kind    Kind            `json:"kind"`
	Name    string          `json:"name"`
	Project string          `json:"project,omitempty"`
	Region  string          `json:"region,omitempty"`
	Address string          `json:"address,omitempty"`
	Profile *ServiceProfile `json:"profile,omitempty"`
}

// AdmissionDecision is the outcome of an admission check.
type AdmissionDecision struct {
	Allowed      bool     `json:"allowed"`
	Reasons      []string `json:"reasons,omitempty"`
	MaxInstances int      `json:"max_instances"`
}

// Admission decides whether a tenant may create a new instance and how many it may hold.
type Admission interface {
	Admit(ctx context.Context, req AdmissionRequest) (*AdmissionDecision, error)
}

// Notifier delivers lifecycle events to a tenant's subscribers.
type Notifier interface {
	Broadcast(ctx context.Context, tenant string, event broadcast.Event)
}
