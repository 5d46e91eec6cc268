package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/broadcast"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// ProvisionerConfig configures the cloud provisioning workflow.
type ProvisionerConfig struct {
	// PollInterval is the wait between readiness checks. The whole poll phase,
	// checks included, is bounded by MaxAttempts × PollInterval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxAttempts is the maximum number of readiness checks.
	MaxAttempts int `yaml:"max_attempts"`

	// CleanupTimeout bounds rollback and final bookkeeping after the workflow
	// context is cancelled.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
}

// DefaultProvisionerConfig returns the default provisioning configuration.
func DefaultProvisionerConfig() ProvisionerConfig {
	return ProvisionerConfig{
		PollInterval:   10 * time.Second,
		MaxAttempts:    30,
		CleanupTimeout: 30 * time.Second,
	}
}

// errNotReady is returned by a poll attempt that found the resource but no address yet.
var errNotReady = errors.New("service not ready")

// ProvisionJob identifies a reserved cloud instance to provision.
type ProvisionJob struct {
	OwnerID    string
	InstanceID string
}

// Provisioner drives a reserved cloud instance from creating to reachable.
type Provisioner struct {
	cfg        ProvisionerConfig
	registry   Registry
	provider   Provider
	sealer     Sealer
	notifier   Notifier
	propagator *Propagator
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

// NewProvisioner creates a provisioner. propagator may be nil, in which case
// attached configurations are not pushed after provisioning.
func NewProvisioner(cfg ProvisionerConfig, registry Registry, provider Provider, sealer Sealer,
	notifier Notifier, propagator *Propagator, logger zerolog.Logger, metrics *telemetry.Metrics) *Provisioner {
	defaults := DefaultProvisionerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaults.CleanupTimeout
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Provisioner{
		cfg:        cfg,
		registry:   registry,
		provider:   provider,
		sealer:     sealer,
		notifier:   notifier,
		propagator: propagator,
		logger:     logger.With().Str("component", "provisioner").Logger(),
		metrics:    metrics,
	}
}

// ServiceHandle derives the provider resource name of an instance. Provider
// names must start with a letter and stay short.
func ServiceHandle(instanceID string) string {
	id := strings.ToLower(strings.ReplaceAll(instanceID, "-", ""))
	if len(id) > 24 {
		id = id[:24]
	}
	return "inst-" + id
}

// Run executes the workflow: create the resource, grant public invocation, poll
// for the address, persist it and push the attached configuration.
func (p *Provisioner) Run(ctx context.Context, job ProvisionJob) (err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "provision",
		telemetry.AttrTenant.String(job.OwnerID), telemetry.AttrInstanceID.String(job.InstanceID))
	defer func() { telemetry.EndSpan(span, err) }()

	logger := p.logger.With().Str("tenant", job.OwnerID).Str("instance_id", job.InstanceID).Logger()

	inst, err := p.registry.GetInstance(ctx, job.OwnerID, job.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}
	if inst.Kind != KindCloud || inst.Profile == nil {
		return NewValidationError("kind", "only cloud instances with a profile can be provisioned").WithResource(inst.ID)
	}

	creds, err := p.unsealCredentials(ctx, inst)
	if err != nil {
		p.rollback(ctx, inst, nil, creds, err, logger)
		p.metrics.RecordProvisioning("rejected", 0, time.Since(start))
		return err
	}

	token, err := p.instanceToken(inst)
	if err != nil {
		p.rollback(ctx, inst, nil, creds, err, logger)
		p.metrics.RecordProvisioning("rejected", 0, time.Since(start))
		return err
	}

	ref := ServiceRef{Project: inst.Project, Region: inst.Region, Handle: ServiceHandle(inst.ID)}
	spec := ServiceSpec{
		Ref:     ref,
		Profile: inst.Profile,
		Token:   token,
		Labels: map[string]string{
			"managed-by":  "instanced",
			"instance-id": inst.ID,
		},
	}

	// 1. create
	created, err := p.provider.CreateService(ctx, creds, spec)
	if err != nil {
		logger.Error().Err(err).Msg("Provider rejected service creation")
		p.rollback(ctx, inst, &ref, creds, err, logger)
		p.metrics.RecordProvisioning("rejected", 0, time.Since(start))
		return err
	}
	if created.Handle != "" {
		ref.Handle = created.Handle
	}

	if _, err := mutateInstance(ctx, p.registry, inst.OwnerID, inst.ID, func(i *Instance) error {
		i.ResourceHandle = ref.Handle
		return nil
	}); err != nil {
		if IsNotFound(err) {
			p.dropOrphan(ctx, creds, ref, logger)
			return err
		}
		return fmt.Errorf("failed to record resource handle: %w", err)
	}

	// 2. grant public invocation
	if err := p.provider.AllowPublicAccess(ctx, creds, ref); err != nil {
		logger.Error().Err(err).Msg("Provider rejected permission grant")
		p.rollback(ctx, inst, &ref, creds, err, logger)
		p.metrics.RecordProvisioning("rejected", 0, time.Since(start))
		return err
	}

	// 3. poll for readiness
	state, attempts, pollErr := p.poll(ctx, creds, ref, logger)

	// 4. finalize
	address := ""
	if pollErr == nil {
		address = state.Address
	} else if created.Address != "" {
		logger.Warn().Err(pollErr).Int("attempts", attempts).
			Msg("Readiness polling exhausted, using address from create call")
		address = created.Address
	}

	final, err := p.finalize(ctx, inst, address, pollErr, attempts)
	if err != nil {
		if IsNotFound(err) {
			logger.Warn().Msg("Instance deleted during provisioning, removing provider resource")
			p.dropOrphan(ctx, creds, ref, logger)
			p.metrics.RecordProvisioning("orphaned", attempts, time.Since(start))
		}
		return err
	}

	if address == "" {
		p.metrics.RecordProvisioning("exhausted", attempts, time.Since(start))
		return NewTransientError("provisioning exhausted without an address", pollErr).
			WithCode(ErrCodeTimeout).
			WithResource(inst.ID)
	}
	p.metrics.RecordProvisioning("ready", attempts, time.Since(start))
	logger.Info().Str("address", address).Int("attempts", attempts).Msg("Instance provisioned")

	// 5. propagate
	if final.ConfigurationID != "" && p.propagator != nil {
		if _, err := p.propagator.Propagate(ctx, final.OwnerID, final.ID); err != nil {
			logger.Warn().Err(err).Msg("Initial configuration push failed")
		}
	}
	return nil
}

// poll checks readiness until the resource reports an address or the attempt
// ceiling is reached. "Not yet visible" is expected; other errors are logged.
func (p *Provisioner) poll(ctx context.Context, creds Credentials, ref ServiceRef, logger zerolog.Logger) (*ServiceState, int, error) {
	budget := time.Duration(p.cfg.MaxAttempts) * p.cfg.PollInterval
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	attempts := 0
	var lastErr error
	operation := func() (*ServiceState, error) {
		attempts++
		// ctx carries only the remaining budget.
		state, err := p.provider.GetService(ctx, creds, ref)
		if err == nil && (!state.Ready || state.Address == "") {
			err = errNotReady
		}
		if err != nil {
			lastErr = err
			return nil, err
		}
		return state, nil
	}

	state, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.PollInterval)),
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(budget),
		backoff.WithNotify(func(err error, next time.Duration) {
			switch {
			case errors.Is(err, errNotReady), errors.Is(err, ErrResourceNotFound):
				logger.Debug().Int("attempt", attempts).Dur("next", next).Msg("Service not ready yet")
			default:
				logger.Warn().Err(err).Int("attempt", attempts).Dur("next", next).Msg("Readiness check failed")
			}
		}),
	)
	// A check cut off by the budget reports the last real answer instead.
	if errors.Is(err, context.DeadlineExceeded) && lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) {
		err = lastErr
	}
	return state, attempts, err
}

// finalize records the outcome of polling: idle with the discovered address, or
// error when no address is known.
func (p *Provisioner) finalize(ctx context.Context, seen *Instance, address string, pollErr error, attempts int) (*Instance, error) {
	ctx, cancel := p.cleanupContext(ctx)
	defer cancel()

	var next Status
	var message string
	if address != "" {
		next = StatusIdle
	} else {
		next = StatusError
		message = fmt.Sprintf("service not reachable after %d attempts", attempts)
		if pollErr != nil {
			message += ": " + pollErr.Error()
		}
	}

	updated, err := mutateInstance(ctx, p.registry, seen.OwnerID, seen.ID, func(inst *Instance) error {
		if err := inst.Transition(next); err != nil {
			return err
		}
		inst.Address = address
		inst.StatusMessage = message
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.metrics.RecordStatusTransition(string(updated.Kind), string(seen.Status), string(updated.Status))
	if next == StatusIdle {
		p.notifier.Broadcast(ctx, updated.OwnerID, instanceEvent(broadcast.EventTypeInstanceReady, updated, "instance is reachable"))
	} else {
		p.notifier.Broadcast(ctx, updated.OwnerID, instanceEvent(broadcast.EventTypeInstanceFailed, updated, message))
	}
	return updated, nil
}

// rollback undoes an outright rejection: best-effort provider delete when a
// resource may exist, registry row deleted, failure broadcast.
func (p *Provisioner) rollback(ctx context.Context, inst *Instance, ref *ServiceRef, creds Credentials, cause error, logger zerolog.Logger) {
	ctx, cancel := p.cleanupContext(ctx)
	defer cancel()

	if ref != nil && len(creds.Key) > 0 {
		if err := p.provider.DeleteService(ctx, creds, *ref); err != nil && !errors.Is(err, ErrResourceNotFound) {
			logger.Warn().Err(err).Str("handle", ref.Handle).Msg("Best-effort resource cleanup failed")
		}
	}
	if err := p.registry.DeleteInstance(ctx, inst.OwnerID, inst.ID); err != nil && !IsNotFound(err) {
		logger.Error().Err(err).Msg("Failed to delete rejected instance")
	}
	if p.propagator != nil {
		p.propagator.forget(inst.ID)
	}

	failed := inst.Clone()
	failed.Status = StatusError
	p.notifier.Broadcast(ctx, inst.OwnerID, instanceEvent(broadcast.EventTypeInstanceFailed, failed, cause.Error()))
}

// dropOrphan deletes a provider resource whose registry row no longer exists.
func (p *Provisioner) dropOrphan(ctx context.Context, creds Credentials, ref ServiceRef, logger zerolog.Logger) {
	ctx, cancel := p.cleanupContext(ctx)
	defer cancel()
	if err := p.provider.DeleteService(ctx, creds, ref); err != nil && !errors.Is(err, ErrResourceNotFound) {
		logger.Warn().Err(err).Str("handle", ref.Handle).Msg("Failed to delete orphaned resource")
	}
}

func (p *Provisioner) unsealCredentials(ctx context.Context, inst *Instance) (Credentials, error) {
	stored, err := p.registry.GetProviderCredentials(ctx, inst.OwnerID, inst.Project)
	if err != nil {
		if IsNotFound(err) {
			return Credentials{}, NewPermanentError("no provider credentials for project", err).
				WithCode(ErrCodePermissionDenied).
				WithResource(inst.Project)
		}
		return Credentials{}, err
	}
	key, err := p.sealer.Open(stored.SealedKey)
	if err != nil {
		return Credentials{}, NewDecryptError("provider credentials", err).WithResource(inst.Project)
	}
	return Credentials{Project: stored.Project, Key: key}, nil
}

func (p *Provisioner) instanceToken(inst *Instance) (string, error) {
	if inst.SealedToken == "" {
		return "", nil
	}
	token, err := p.sealer.Open(inst.SealedToken)
	if err != nil {
		return "", NewDecryptError("instance token", err).WithResource(inst.ID)
	}
	return string(token), nil
}

// cleanupContext keeps values of ctx but survives its cancellation, so
// bookkeeping still happens when the workflow is interrupted.
func (p *Provisioner) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
}
