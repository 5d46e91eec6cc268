package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/broadcast"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// Limits caps how many instances of each kind a tenant may hold when the
// admission policy does not say otherwise. Zero means unlimited.
type Limits struct {
	Cloud  int `yaml:"cloud"`
	Local  int `yaml:"local"`
	Remote int `yaml:"remote"`
}

// For returns the limit of a kind.
func (l Limits) For(kind Kind) int {
	switch kind {
	case KindCloud:
		return l.Cloud
	case KindLocal:
		return l.Local
	case KindRemote:
		return l.Remote
	default:
		return 0
	}
}

// OrchestratorConfig configures the orchestrator and the workflows it owns.
type OrchestratorConfig struct {
	Limits        Limits            `yaml:"limits"`
	DefaultRegion string            `yaml:"default_region"`
	Queue         QueueConfig       `yaml:"queue"`
	Provisioning  ProvisionerConfig `yaml:"provisioning"`
	Reconcile     ReconcilerConfig  `yaml:"reconcile"`
	Insights      InsightsConfig    `yaml:"insights"`
}

// DefaultOrchestratorConfig returns the default orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Limits:        Limits{Cloud: 3, Local: 10, Remote: 10},
		DefaultRegion: "us-central1",
		Queue:         DefaultQueueConfig(),
		Provisioning:  DefaultProvisionerConfig(),
		Reconcile:     DefaultReconcilerConfig(),
		Insights:      DefaultInsightsConfig(),
	}
}

// Dependencies are the collaborators of the orchestrator. Provider, Insights and
// Admission are optional.
type Dependencies struct {
	Registry  Registry
	Provider  Provider
	Insights  Insights
	Admission Admission
	Sealer    Sealer
	Resolver  TargetResolver
	Hub       broadcast.Hub
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
}

// Orchestrator is the composition root: it validates requests, enforces limits,
// records instances and drives provisioning, propagation and reconciliation.
type Orchestrator struct {
	cfg         OrchestratorConfig
	registry    Registry
	provider    Provider
	insights    Insights
	admission   Admission
	sealer      Sealer
	hub         broadcast.Hub
	queue       *JobQueue
	provisioner *Provisioner
	propagator  *Propagator
	reconciler  *Reconciler
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
}

// NewOrchestrator wires the workflows. Call Start before serving requests.
func NewOrchestrator(cfg OrchestratorConfig, deps Dependencies) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("target resolver is required")
	}
	if deps.Hub == nil {
		deps.Hub = broadcast.NewMemoryHub(deps.Logger, deps.Metrics)
	}

	logger := deps.Logger.With().Str("component", "orchestrator").Logger()
	propagator := NewPropagator(deps.Registry, deps.Resolver, deps.Sealer, deps.Hub, deps.Logger, deps.Metrics)

	o := &Orchestrator{
		cfg:        cfg,
		registry:   deps.Registry,
		provider:   deps.Provider,
		insights:   deps.Insights,
		admission:  deps.Admission,
		sealer:     deps.Sealer,
		hub:        deps.Hub,
		propagator: propagator,
		queue:      NewJobQueue(cfg.Queue, deps.Logger, deps.Metrics),
		logger:     logger,
		metrics:    deps.Metrics,
	}
	if deps.Provider != nil {
		o.provisioner = NewProvisioner(cfg.Provisioning, deps.Registry, deps.Provider, deps.Sealer,
			deps.Hub, propagator, deps.Logger, deps.Metrics)
		o.reconciler = NewReconciler(cfg.Reconcile, deps.Registry, deps.Provider, deps.Sealer,
			deps.Hub, propagator, deps.Logger, deps.Metrics)
	}
	return o, nil
}

// Start launches the provisioning workers.
func (o *Orchestrator) Start() {
	o.queue.Start()
}

// Shutdown drains in-flight provisioning jobs.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.queue.Shutdown(ctx)
}

// Hub returns the notification hub used for lifecycle events.
func (o *Orchestrator) Hub() broadcast.Hub {
	return o.hub
}

// Reconciler returns the reconciliation job, nil when no provider is configured.
func (o *Orchestrator) Reconciler() *Reconciler {
	return o.reconciler
}

// CreateCloudRequest asks for a new provider-hosted instance.
type CreateCloudRequest struct {
	Name            string `json:"name" validate:"required,max=63"`
	Profile         string `json:"profile" validate:"required"`
	Project         string `json:"project,omitempty"`
	Region          string `json:"region,omitempty"`
	ConfigurationID string `json:"configuration_id,omitempty"`
}

// LinkLocalRequest links an instance listening on a loopback port.
type LinkLocalRequest struct {
	Name            string `json:"name" validate:"required,max=63"`
	Port            int    `json:"port" validate:"required,min=1,max=65535"`
	Token           string `json:"token,omitempty"`
	ConfigurationID string `json:"configuration_id,omitempty"`
}

// LinkRemoteRequest links an instance reachable at an arbitrary URL.
type LinkRemoteRequest struct {
	Name            string `json:"name" validate:"required,max=63"`
	Address         string `json:"address" validate:"required,url"`
	Token           string `json:"token,omitempty"`
	ConfigurationID string `json:"configuration_id,omitempty"`
}

// RelinkRequest re-establishes the link of an instance, optionally with a new
// address (remote), port (local) or token.
type RelinkRequest struct {
	Address string `json:"address,omitempty" validate:"omitempty,url"`
	Port    int    `json:"port,omitempty" validate:"min=0,max=65535"`
	Token   string `json:"token,omitempty"`
}

// SaveConfigurationRequest creates or replaces a configuration. Credentials and
// the values of Encrypted variables are plaintext here and sealed before storage.
type SaveConfigurationRequest struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name" validate:"required,max=128"`
	SourceURL   string     `json:"source_url" validate:"required,url"`
	Credentials string     `json:"credentials,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	Ports       []int      `json:"ports,omitempty" validate:"dive,min=1,max=65535"`
	PreviewURL  string     `json:"preview_url,omitempty" validate:"omitempty,url"`
	Variables   []Variable `json:"variables,omitempty" validate:"dive"`
}

// CreateCloudInstance validates the request, reserves a slot under the tenant's
// limit, records the instance in creating and enqueues its provisioning.
func (o *Orchestrator) CreateCloudInstance(ctx context.Context, tenant string, req CreateCloudRequest) (*Instance, error) {
	if o.provisioner == nil {
		return nil, NewPermanentError("no compute provider configured", nil).WithCode(ErrCodeProviderFailed)
	}
	if err := Validate(req); err != nil {
		return nil, err
	}

	profile, err := o.registry.GetProfile(ctx, tenant, req.Profile)
	if err != nil {
		if IsNotFound(err) {
			return nil, NewValidationError("profile", "unknown service profile "+req.Profile)
		}
		return nil, err
	}

	project, region := req.Project, req.Region
	creds, err := o.registry.GetProviderCredentials(ctx, tenant, project)
	if err != nil {
		if IsNotFound(err) {
			return nil, NewPermanentError("no provider credentials on file", nil).
				WithCode(ErrCodePermissionDenied).
				WithResource(project)
		}
		return nil, err
	}
	project = creds.Project
	region = firstNonEmpty(region, profile.Region, creds.DefaultRegion, o.cfg.DefaultRegion)

	if err := o.checkConfiguration(ctx, tenant, req.ConfigurationID); err != nil {
		return nil, err
	}

	snapshot := profile.Snapshot()
	limit, err := o.admit(ctx, AdmissionRequest{
		OwnerID: tenant, Kind: KindCloud, Name: req.Name, Project: project, Region: region, Profile: snapshot,
	})
	if err != nil {
		return nil, err
	}

	sealedToken := snapshot.SealedAuthToken
	if sealedToken == "" {
		if sealedToken, err = o.newSealedToken(); err != nil {
			return nil, err
		}
	}

	inst := &Instance{
		OwnerID:         tenant,
		Name:            req.Name,
		Kind:            KindCloud,
		Status:          StatusCreating,
		ConfigurationID: req.ConfigurationID,
		Project:         project,
		Region:          region,
		Profile:         snapshot,
		SealedToken:     sealedToken,
	}
	if err := o.registry.ReserveInstance(ctx, inst, limit); err != nil {
		return nil, err
	}
	o.metrics.RecordStatusTransition(string(KindCloud), "", string(StatusCreating))
	o.hub.Broadcast(ctx, tenant, instanceEvent(broadcast.EventTypeInstanceCreated, inst, "provisioning started"))

	job := ProvisionJob{OwnerID: tenant, InstanceID: inst.ID}
	if _, err := o.queue.Enqueue(Job{
		Tenant:     tenant,
		InstanceID: inst.ID,
		Run: func(ctx context.Context) error {
			return o.provisioner.Run(ctx, job)
		},
	}); err != nil {
		if delErr := o.registry.DeleteInstance(ctx, tenant, inst.ID); delErr != nil {
			o.logger.Error().Err(delErr).Str("instance_id", inst.ID).Msg("Failed to release reserved instance")
		}
		return nil, err
	}

	o.logger.Info().Str("tenant", tenant).Str("instance_id", inst.ID).
		Str("project", project).Str("region", region).Str("profile", snapshot.Name).
		Msg("Cloud instance requested")
	return inst, nil
}

// LinkLocalInstance records an instance on a loopback port and probes it.
func (o *Orchestrator) LinkLocalInstance(ctx context.Context, tenant string, req LinkLocalRequest) (*Instance, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	return o.link(ctx, tenant, &Instance{
		Name:            req.Name,
		Kind:            KindLocal,
		Port:            req.Port,
		Address:         LocalAddress(req.Port),
		ConfigurationID: req.ConfigurationID,
	}, req.Token)
}

// LinkRemoteInstance records an instance at an arbitrary URL and probes it.
func (o *Orchestrator) LinkRemoteInstance(ctx context.Context, tenant string, req LinkRemoteRequest) (*Instance, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	return o.link(ctx, tenant, &Instance{
		Name:            req.Name,
		Kind:            KindRemote,
		Address:         strings.TrimRight(req.Address, "/"),
		ConfigurationID: req.ConfigurationID,
	}, req.Token)
}

// LocalAddress is the control URL of a local instance.
func LocalAddress(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (o *Orchestrator) link(ctx context.Context, tenant string, inst *Instance, token string) (*Instance, error) {
	if err := o.checkConfiguration(ctx, tenant, inst.ConfigurationID); err != nil {
		return nil, err
	}
	limit, err := o.admit(ctx, AdmissionRequest{OwnerID: tenant, Kind: inst.Kind, Name: inst.Name, Address: inst.Address})
	if err != nil {
		return nil, err
	}
	if token != "" {
		if inst.SealedToken, err = o.sealer.Seal([]byte(token)); err != nil {
			return nil, NewPermanentError("failed to seal token", err).WithCode(ErrCodeInternal)
		}
	}

	inst.OwnerID = tenant
	inst.Status = StatusConnecting
	if err := o.registry.ReserveInstance(ctx, inst, limit); err != nil {
		return nil, err
	}
	o.metrics.RecordStatusTransition(string(inst.Kind), "", string(StatusConnecting))
	o.hub.Broadcast(ctx, tenant, instanceEvent(broadcast.EventTypeInstanceCreated, inst, "instance linked"))
	o.logger.Info().Str("tenant", tenant).Str("instance_id", inst.ID).Str("kind", string(inst.Kind)).
		Str("address", inst.Address).Msg("Instance linked")

	return o.connect(ctx, tenant, inst.ID)
}

// connect probes the instance and, when it is healthy and has a configuration
// that is not yet loaded, pushes it. Probe and push failures are recorded on the
// instance, not returned.
func (o *Orchestrator) connect(ctx context.Context, tenant, id string) (*Instance, error) {
	inst, err := o.propagator.Probe(ctx, tenant, id)
	if err == nil && inst.ConfigurationID != "" && inst.Status != StatusActive {
		inst, err = o.propagator.Propagate(ctx, tenant, id)
	}
	if err != nil && !isTargetFailure(err) {
		return nil, err
	}
	return o.registry.GetInstance(ctx, tenant, id)
}

// isTargetFailure reports whether err is a classified probe or push failure,
// which is recorded on the instance rather than failing the request.
func isTargetFailure(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnauthorized, ErrCodeUnreachable, ErrCodeForeignEndpoint, ErrCodeRejected:
		return true
	default:
		return false
	}
}

// RelinkInstance moves an instance back to connecting and probes it again. It
// is the only way out of unlinked.
func (o *Orchestrator) RelinkInstance(ctx context.Context, tenant, id string, req RelinkRequest) (*Instance, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	var sealed string
	if req.Token != "" {
		var err error
		if sealed, err = o.sealer.Seal([]byte(req.Token)); err != nil {
			return nil, NewPermanentError("failed to seal token", err).WithCode(ErrCodeInternal)
		}
	}

	var from Status
	inst, err := mutateInstance(ctx, o.registry, tenant, id, func(inst *Instance) error {
		if inst.Status == StatusCreating {
			return NewConflictError("instance is still being provisioned", nil).WithCode(ErrCodeConflict).WithResource(id)
		}
		switch {
		case req.Address != "" && inst.Kind != KindRemote:
			return NewValidationError("address", "only remote instances can change address")
		case req.Port != 0 && inst.Kind != KindLocal:
			return NewValidationError("port", "only local instances can change port")
		}
		from = inst.Status
		inst.Relink()
		if req.Address != "" {
			inst.Address = strings.TrimRight(req.Address, "/")
		}
		if req.Port != 0 {
			inst.Port = req.Port
			inst.Address = LocalAddress(req.Port)
		}
		if sealed != "" {
			inst.SealedToken = sealed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordStatusTransition(string(inst.Kind), string(from), string(inst.Status))
	o.hub.Broadcast(ctx, tenant, instanceEvent(broadcast.EventTypeInstanceStatusChanged, inst, "relink requested"))

	return o.connect(ctx, tenant, id)
}

// SyncInstance probes the instance and records the outcome.
func (o *Orchestrator) SyncInstance(ctx context.Context, tenant, id string) (*Instance, error) {
	inst, err := o.registry.GetInstance(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	switch inst.Status {
	case StatusCreating:
		return nil, NewConflictError("instance is still being provisioned", nil).WithCode(ErrCodeConflict).WithResource(id)
	case StatusUnlinked:
		return nil, NewConflictError("instance is unlinked, relink it first", nil).WithCode(ErrCodeConflict).WithResource(id)
	}
	return o.connect(ctx, tenant, id)
}

// LoadConfig attaches a configuration and pushes it. For an instance still in
// creating the push happens when provisioning completes.
func (o *Orchestrator) LoadConfig(ctx context.Context, tenant, id, configurationID string) (*Instance, error) {
	if configurationID == "" {
		return nil, NewValidationError("configuration_id", "is required")
	}
	if err := o.checkConfiguration(ctx, tenant, configurationID); err != nil {
		return nil, err
	}

	inst, err := mutateInstance(ctx, o.registry, tenant, id, func(inst *Instance) error {
		if inst.Status == StatusUnlinked {
			return NewConflictError("instance is unlinked, relink it first", nil).WithCode(ErrCodeConflict).WithResource(id)
		}
		if inst.ConfigurationID == configurationID {
			return errNoChange
		}
		inst.ConfigurationID = configurationID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if inst.Status == StatusCreating {
		return inst, nil
	}
	return o.propagator.Propagate(ctx, tenant, id)
}

// DetachConfig removes the attached configuration. An active instance becomes idle.
func (o *Orchestrator) DetachConfig(ctx context.Context, tenant, id string) (*Instance, error) {
	var from Status
	inst, err := mutateInstance(ctx, o.registry, tenant, id, func(inst *Instance) error {
		if inst.ConfigurationID == "" {
			return errNoChange
		}
		from = inst.Status
		inst.ConfigurationID = ""
		if inst.Status == StatusActive {
			return inst.Transition(StatusIdle)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != "" && from != inst.Status {
		o.metrics.RecordStatusTransition(string(inst.Kind), string(from), string(inst.Status))
		o.hub.Broadcast(ctx, tenant, instanceEvent(broadcast.EventTypeInstanceStatusChanged, inst, "configuration detached"))
	}
	return inst, nil
}

// DeleteInstance deletes the provider resource of a cloud instance, then the
// record. A resource that is already gone is not an error.
func (o *Orchestrator) DeleteInstance(ctx context.Context, tenant, id string) error {
	inst, err := o.registry.GetInstance(ctx, tenant, id)
	if err != nil {
		return err
	}

	if inst.Kind == KindCloud && inst.ResourceHandle != "" {
		if o.provider == nil {
			return NewPermanentError("no compute provider configured", nil).WithCode(ErrCodeProviderFailed)
		}
		creds, err := o.credentials(ctx, tenant, inst.Project)
		if err != nil {
			return err
		}
		ref := ServiceRef{Project: inst.Project, Region: inst.Region, Handle: inst.ResourceHandle}
		if err := o.provider.DeleteService(ctx, creds, ref); err != nil && !errors.Is(err, ErrResourceNotFound) {
			return err
		}
	}

	if err := o.registry.DeleteInstance(ctx, tenant, id); err != nil {
		return err
	}
	o.propagator.forget(id)
	o.logger.Info().Str("tenant", tenant).Str("instance_id", id).Msg("Instance deleted")
	o.hub.Broadcast(ctx, tenant, instanceEvent(broadcast.EventTypeInstanceRemoved, inst, "instance deleted"))
	return nil
}

// PurgeTenant deletes every instance of a tenant, as when its subscription ends.
// Failures are aggregated; instances that could not be deleted stay recorded.
func (o *Orchestrator) PurgeTenant(ctx context.Context, tenant string) (int, error) {
	instances, err := o.registry.ListInstances(ctx, InstanceFilter{OwnerID: tenant})
	if err != nil {
		return 0, err
	}
	var (
		deleted int
		errs    *multierror.Error
	)
	for _, inst := range instances {
		if err := o.DeleteInstance(ctx, tenant, inst.ID); err != nil && !IsNotFound(err) {
			errs = multierror.Append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		deleted++
	}
	o.logger.Info().Str("tenant", tenant).Int("deleted", deleted).Int("failed", len(instances)-deleted).
		Msg("Tenant purged")
	return deleted, errs.ErrorOrNil()
}

// Reconcile runs the reconciliation job for a tenant.
func (o *Orchestrator) Reconcile(ctx context.Context, tenant string) (ReconcileSummary, error) {
	if o.reconciler == nil {
		return ReconcileSummary{}, NewPermanentError("no compute provider configured", nil).WithCode(ErrCodeProviderFailed)
	}
	return o.reconciler.Reconcile(ctx, tenant)
}

// GetInstance returns one instance of the tenant.
func (o *Orchestrator) GetInstance(ctx context.Context, tenant, id string) (*Instance, error) {
	return o.registry.GetInstance(ctx, tenant, id)
}

// ListInstances returns the tenant's instances matching filter.
func (o *Orchestrator) ListInstances(ctx context.Context, tenant string, filter InstanceFilter) ([]*Instance, error) {
	filter.OwnerID = tenant
	if filter.Kind != "" {
		if err := filter.Kind.Validate(); err != nil {
			return nil, NewValidationError("kind", err.Error())
		}
	}
	if filter.Status != "" {
		if err := filter.Status.Validate(); err != nil {
			return nil, NewValidationError("status", err.Error())
		}
	}
	return o.registry.ListInstances(ctx, filter)
}

// SaveConfiguration seals the secrets of req and stores the configuration.
// The returned configuration never carries secret values.
func (o *Orchestrator) SaveConfiguration(ctx context.Context, tenant string, req SaveConfigurationRequest) (*Configuration, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(req.Variables))
	for _, v := range req.Variables {
		if seen[v.Key] {
			return nil, NewValidationError("variables", "duplicate variable "+v.Key)
		}
		seen[v.Key] = true
	}

	cfg := &Configuration{
		ID:         req.ID,
		OwnerID:    tenant,
		Name:       req.Name,
		SourceURL:  req.SourceURL,
		Reference:  req.Reference,
		Ports:      req.Ports,
		PreviewURL: req.PreviewURL,
		Variables:  append([]Variable(nil), req.Variables...),
	}
	if err := SealConfiguration(cfg, req.Credentials, o.sealer); err != nil {
		return nil, err
	}
	if err := o.registry.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	return redact(cfg), nil
}

// DeleteConfiguration deletes a configuration. Instances using it are detached
// and active ones fall back to idle.
func (o *Orchestrator) DeleteConfiguration(ctx context.Context, tenant, id string) error {
	return o.registry.DeleteConfiguration(ctx, tenant, id)
}

func redact(cfg *Configuration) *Configuration {
	out := *cfg
	out.SealedCredentials = ""
	out.Variables = make([]Variable, len(cfg.Variables))
	for i, v := range cfg.Variables {
		if v.Encrypted {
			v.Value = ""
		}
		out.Variables[i] = v
	}
	return &out
}

func (o *Orchestrator) checkConfiguration(ctx context.Context, tenant, id string) error {
	if id == "" {
		return nil
	}
	if _, err := o.registry.GetConfiguration(ctx, tenant, id); err != nil {
		if IsNotFound(err) {
			return NewValidationError("configuration_id", "unknown configuration "+id)
		}
		return err
	}
	return nil
}

// admit asks the admission policy and returns the instance limit to enforce.
func (o *Orchestrator) admit(ctx context.Context, req AdmissionRequest) (int, error) {
	limit := o.cfg.Limits.For(req.Kind)
	if o.admission != nil {
		decision, err := o.admission.Admit(ctx, req)
		if err != nil {
			return 0, err
		}
		if !decision.Allowed {
			return 0, NewPermanentError("admission denied: "+strings.Join(decision.Reasons, "; "), nil).
				WithCode(ErrCodePolicyDenied).
				WithResource(req.OwnerID).
				WithDetail("reasons", decision.Reasons)
		}
		if decision.MaxInstances > 0 {
			limit = decision.MaxInstances
		}
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	return limit, nil
}

func (o *Orchestrator) credentials(ctx context.Context, tenant, project string) (Credentials, error) {
	stored, err := o.registry.GetProviderCredentials(ctx, tenant, project)
	if err != nil {
		return Credentials{}, err
	}
	key, err := o.sealer.Open(stored.SealedKey)
	if err != nil {
		return Credentials{}, NewDecryptError("provider credentials", err).WithResource(project)
	}
	return Credentials{Project: stored.Project, Key: key}, nil
}

func (o *Orchestrator) newSealedToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", NewPermanentError("failed to generate instance token", err).WithCode(ErrCodeInternal)
	}
	sealed, err := o.sealer.Seal([]byte(hex.EncodeToString(buf)))
	if err != nil {
		return "", NewPermanentError("failed to seal instance token", err).WithCode(ErrCodeInternal)
	}
	return sealed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
