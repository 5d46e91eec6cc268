// Package cloudrun implements the compute provider on Google Cloud Run, with
// metrics and logs read from Cloud Monitoring and Cloud Logging.
package cloudrun

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	run "google.golang.org/api/run/v2"

	"github.com/openfroyo/instanced/pkg/engine"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

const (
	providerName = "cloudrun"

	conditionSucceeded = "CONDITION_SUCCEEDED"
	invokerRole        = "roles/run.invoker"
	allUsers           = "allUsers"
)

// Provider manages Cloud Run services on behalf of tenants. Every call is made
// with the tenant's own service account key.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

var (
	_ engine.Provider = (*Provider)(nil)
	_ engine.Insights = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient makes every API call through client, bypassing credentials.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// New creates a Cloud Run provider.
func New(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudrun config: %w", err)
	}
	p := &Provider{
		cfg:     cfg,
		logger:  logger.With().Str("component", "provider").Str("provider", providerName).Logger(),
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// clientOptions builds the API client options for one tenant call.
func (p *Provider) clientOptions(creds engine.Credentials, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{option.WithUserAgent("instanced")}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	switch {
	case p.httpClient != nil:
		opts = append(opts, option.WithHTTPClient(p.httpClient))
	case p.cfg.WithoutAuthentication:
		opts = append(opts, option.WithoutAuthentication())
	default:
		opts = append(opts, option.WithCredentialsJSON(creds.Key))
	}
	return opts
}

// call runs fn against the Run API with a bounded context, a span and metrics.
func (p *Provider) call(ctx context.Context, op string, creds engine.Credentials, ref engine.ServiceRef,
	fn func(ctx context.Context, api *run.Service) error) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "cloudrun."+op,
		telemetry.AttrProject.String(ref.Project),
		telemetry.AttrRegion.String(ref.Region),
		telemetry.AttrHandle.String(ref.Handle))
	defer func() { telemetry.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	api, err := run.NewService(ctx, p.clientOptions(creds, p.cfg.RunEndpoint)...)
	if err != nil {
		return engine.NewPermanentError("failed to create run client", err).
			WithCode(engine.ErrCodePermissionDenied).
			WithOperation(op)
	}
	err = classify(op, ref.Handle, fn(ctx, api))
	p.metrics.RecordProviderCall(providerName, op, time.Since(start), err)
	return err
}

func parent(project, region string) string {
	return fmt.Sprintf("projects/%s/locations/%s", project, region)
}

func serviceName(ref engine.ServiceRef) string {
	return parent(ref.Project, ref.Region) + "/services/" + ref.Handle
}

// CreateService implements engine.Provider.
func (p *Provider) CreateService(ctx context.Context, creds engine.Credentials, spec engine.ServiceSpec) (*engine.ServiceState, error) {
	if spec.Profile == nil {
		return nil, engine.NewValidationError("profile", "a service profile is required")
	}
	svc := p.buildService(spec)

	err := p.call(ctx, "create_service", creds, spec.Ref, func(ctx context.Context, api *run.Service) error {
		_, err := api.Projects.Locations.Services.Create(parent(spec.Ref.Project, spec.Ref.Region), svc).
			ServiceId(spec.Ref.Handle).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("project", spec.Ref.Project).
		Str("region", spec.Ref.Region).
		Str("handle", spec.Ref.Handle).
		Str("image", spec.Profile.Image).
		Msg("Service creation started")
	return &engine.ServiceState{Handle: spec.Ref.Handle}, nil
}

// buildService translates a spec into a Run service definition.
func (p *Provider) buildService(spec engine.ServiceSpec) *run.GoogleCloudRunV2Service {
	profile := spec.Profile

	port := profile.Port
	if port == 0 {
		port = p.cfg.ContainerPort
	}

	keys := make([]string, 0, len(profile.Env))
	for k := range profile.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]*run.GoogleCloudRunV2EnvVar, 0, len(keys)+1)
	for _, k := range keys {
		if k == p.cfg.TokenEnv {
			continue
		}
		env = append(env, &run.GoogleCloudRunV2EnvVar{Name: k, Value: profile.Env[k]})
	}
	if spec.Token != "" {
		env = append(env, &run.GoogleCloudRunV2EnvVar{Name: p.cfg.TokenEnv, Value: spec.Token})
	}

	limits := map[string]string{}
	if profile.CPU != "" {
		limits["cpu"] = profile.CPU
	}
	if profile.MemoryMiB > 0 {
		limits["memory"] = fmt.Sprintf("%dMi", profile.MemoryMiB)
	}

	template := &run.GoogleCloudRunV2RevisionTemplate{
		Containers: []*run.GoogleCloudRunV2Container{{
			Image:     profile.Image,
			Env:       env,
			Ports:     []*run.GoogleCloudRunV2ContainerPort{{ContainerPort: int64(port)}},
			Resources: &run.GoogleCloudRunV2ResourceRequirements{Limits: limits},
		}},
		MaxInstanceRequestConcurrency: int64(profile.Concurrency),
	}
	if profile.MaxScale > 0 {
		template.Scaling = &run.GoogleCloudRunV2RevisionScaling{MaxInstanceCount: int64(profile.MaxScale)}
	}

	return &run.GoogleCloudRunV2Service{
		Labels:   spec.Labels,
		Ingress:  p.cfg.Ingress,
		Template: template,
	}
}

// AllowPublicAccess implements engine.Provider.
func (p *Provider) AllowPublicAccess(ctx context.Context, creds engine.Credentials, ref engine.ServiceRef) error {
	return p.call(ctx, "set_iam_policy", creds, ref, func(ctx context.Context, api *run.Service) error {
		req := &run.GoogleIamV1SetIamPolicyRequest{
			Policy: &run.GoogleIamV1Policy{
				Bindings: []*run.GoogleIamV1Binding{{Role: invokerRole, Members: []string{allUsers}}},
			},
		}
		_, err := api.Projects.Locations.Services.SetIamPolicy(serviceName(ref), req).Context(ctx).Do()
		return err
	})
}

// GetService implements engine.Provider.
func (p *Provider) GetService(ctx context.Context, creds engine.Credentials, ref engine.ServiceRef) (*engine.ServiceState, error) {
	var state *engine.ServiceState
	err := p.call(ctx, "get_service", creds, ref, func(ctx context.Context, api *run.Service) error {
		svc, err := api.Projects.Locations.Services.Get(serviceName(ref)).Context(ctx).Do()
		if err != nil {
			return err
		}
		state = toState(svc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ListServices implements engine.Provider.
func (p *Provider) ListServices(ctx context.Context, creds engine.Credentials, project, region string) ([]engine.ServiceState, error) {
	var states []engine.ServiceState
	ref := engine.ServiceRef{Project: project, Region: region}
	err := p.call(ctx, "list_services", creds, ref, func(ctx context.Context, api *run.Service) error {
		return api.Projects.Locations.Services.List(parent(project, region)).
			Pages(ctx, func(page *run.GoogleCloudRunV2ListServicesResponse) error {
				for _, svc := range page.Services {
					states = append(states, *toState(svc))
				}
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// DeleteService implements engine.Provider.
func (p *Provider) DeleteService(ctx context.Context, creds engine.Credentials, ref engine.ServiceRef) error {
	err := p.call(ctx, "delete_service", creds, ref, func(ctx context.Context, api *run.Service) error {
		_, err := api.Projects.Locations.Services.Delete(serviceName(ref)).Context(ctx).Do()
		return err
	})
	if err == nil {
		p.logger.Info().Str("project", ref.Project).Str("handle", ref.Handle).Msg("Service deleted")
	}
	return err
}

func toState(svc *run.GoogleCloudRunV2Service) *engine.ServiceState {
	address := svc.Uri
	if address == "" && len(svc.Urls) > 0 {
		address = svc.Urls[0]
	}
	ready := !svc.Reconciling &&
		svc.TerminalCondition != nil &&
		svc.TerminalCondition.State == conditionSucceeded
	return &engine.ServiceState{
		Handle:  path.Base(svc.Name),
		Address: address,
		Ready:   ready,
	}
}
