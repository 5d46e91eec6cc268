package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/broadcast"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// Propagator pushes attached configurations to instances and probes their
// liveness, applying the resulting lifecycle transition to the registry.
// Operations on one instance are serialized within the process.
type Propagator struct {
	registry Registry
	resolver TargetResolver
	sealer   Sealer
	notifier Notifier
	locks    *instanceLocks
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewPropagator creates a propagator.
func NewPropagator(registry Registry, resolver TargetResolver, sealer Sealer, notifier Notifier,
	logger zerolog.Logger, metrics *telemetry.Metrics) *Propagator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Propagator{
		registry: registry,
		resolver: resolver,
		sealer:   sealer,
		notifier: notifier,
		locks:    &instanceLocks{},
		logger:   logger.With().Str("component", "propagator").Logger(),
		metrics:  metrics,
	}
}

// Propagate pushes the instance's attached configuration in a single call and
// records the outcome: active on success, error or unlinked on failure.
// Decryption failures abort before any call and leave the status untouched.
func (p *Propagator) Propagate(ctx context.Context, ownerID, instanceID string) (_ *Instance, err error) {
	unlock := p.locks.lock(instanceID)
	defer unlock()

	ctx, span := telemetry.StartSpan(ctx, "propagate",
		telemetry.AttrTenant.String(ownerID), telemetry.AttrInstanceID.String(instanceID))
	defer func() { telemetry.EndSpan(span, err) }()

	inst, err := p.registry.GetInstance(ctx, ownerID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.ConfigurationID == "" {
		return nil, NewValidationError("configuration_id", "no configuration attached").WithResource(inst.ID)
	}

	cfg, err := p.registry.GetConfiguration(ctx, ownerID, inst.ConfigurationID)
	if err != nil {
		return nil, err
	}
	payload, err := BuildPayload(cfg, p.sealer)
	if err != nil {
		return nil, err
	}
	target, err := p.resolver.Resolve(inst)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With().Str("tenant", ownerID).Str("instance_id", inst.ID).
		Str("kind", string(inst.Kind)).Str("configuration_id", cfg.ID).Logger()
	logger.Trace().Interface("payload", payload).Msg("Pushing configuration")

	start := time.Now()
	pushErr := target.PushConfig(ctx, payload)
	if pushErr == nil {
		p.metrics.RecordPropagation(string(inst.Kind), "ok", time.Since(start))
		updated, applyErr := p.apply(ctx, inst, StatusActive, "")
		if applyErr != nil {
			return nil, applyErr
		}
		logger.Info().Msg("Configuration loaded")
		p.notifier.Broadcast(ctx, ownerID, instanceEvent(broadcast.EventTypeConfigLoaded, updated,
			fmt.Sprintf("configuration %s loaded", cfg.Name)))
		return updated, nil
	}

	p.metrics.RecordPropagation(string(inst.Kind), CodeOf(pushErr), time.Since(start))
	next := StatusAfterPushFailure(inst.Kind, pushErr)
	logger.Warn().Err(pushErr).Str("next_status", string(next)).Msg("Configuration push failed")

	if _, applyErr := p.apply(ctx, inst, next, pushErr.Error()); applyErr != nil {
		logger.Error().Err(applyErr).Msg("Failed to record push failure")
	}
	return nil, pushErr
}

// Probe checks the instance's control endpoint and records the outcome. A
// healthy connecting or error instance becomes idle.
func (p *Propagator) Probe(ctx context.Context, ownerID, instanceID string) (*Instance, error) {
	unlock := p.locks.lock(instanceID)
	defer unlock()

	inst, err := p.registry.GetInstance(ctx, ownerID, instanceID)
	if err != nil {
		return nil, err
	}
	target, err := p.resolver.Resolve(inst)
	if err != nil {
		return nil, err
	}

	probeErr := target.Probe(ctx)
	if probeErr == nil {
		p.metrics.RecordProbe(string(inst.Kind), "ok")
		next := inst.Status
		if next == StatusConnecting || next == StatusError {
			next = StatusIdle
		}
		return p.apply(ctx, inst, next, "")
	}

	p.metrics.RecordProbe(string(inst.Kind), CodeOf(probeErr))
	next := StatusAfterProbeFailure(probeErr)
	p.logger.Warn().Err(probeErr).
		Str("tenant", ownerID).
		Str("instance_id", inst.ID).
		Str("next_status", string(next)).
		Msg("Probe failed")
	if _, err := p.apply(ctx, inst, next, probeErr.Error()); err != nil {
		p.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to record probe failure")
	}
	return nil, probeErr
}

// apply transitions the stored instance to status, broadcasting when the status
// or health flag changed.
func (p *Propagator) apply(ctx context.Context, seen *Instance, status Status, message string) (*Instance, error) {
	from := seen.Status
	updated, err := mutateInstance(ctx, p.registry, seen.OwnerID, seen.ID, func(inst *Instance) error {
		if inst.Status == status && inst.StatusMessage == message && inst.Healthy == status.IsReachable() {
			return errNoChange
		}
		if err := inst.Transition(status); err != nil {
			return err
		}
		inst.StatusMessage = message
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != updated.Status {
		p.metrics.RecordStatusTransition(string(updated.Kind), string(from), string(updated.Status))
		p.notifier.Broadcast(ctx, updated.OwnerID, instanceEvent(broadcast.EventTypeInstanceStatusChanged, updated, message))
	}
	return updated, nil
}

// forget drops the lock of a deleted instance.
func (p *Propagator) forget(instanceID string) {
	p.locks.forget(instanceID)
}
