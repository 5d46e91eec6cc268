package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/instanced/pkg/broadcast"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// ReconcilerConfig configures the reconciliation job.
type ReconcilerConfig struct {
	// Parallelism bounds how many (project, region) groups are listed concurrently.
	Parallelism int `yaml:"parallelism"`

	// Interval is the period of the background loop. Zero disables it.
	Interval time.Duration `yaml:"interval"`
}

// DefaultReconcilerConfig returns the default reconciler configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Parallelism: 4,
		Interval:    0,
	}
}

// Reconciler compares recorded cloud instances with the provider's live listing,
// correcting drifted addresses and removing records whose resource is gone.
type Reconciler struct {
	cfg        ReconcilerConfig
	registry   Registry
	provider   Provider
	sealer     Sealer
	notifier   Notifier
	propagator *Propagator
	logger     zerolog.Logger
	metrics    *telemetry.Metrics

	flight singleflight.Group
}

// NewReconciler creates a reconciler. propagator may be nil.
func NewReconciler(cfg ReconcilerConfig, registry Registry, provider Provider, sealer Sealer,
	notifier Notifier, propagator *Propagator, logger zerolog.Logger, metrics *telemetry.Metrics) *Reconciler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultReconcilerConfig().Parallelism
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Reconciler{
		cfg:        cfg,
		registry:   registry,
		provider:   provider,
		sealer:     sealer,
		notifier:   notifier,
		propagator: propagator,
		logger:     logger.With().Str("component", "reconciler").Logger(),
		metrics:    metrics,
	}
}

type groupKey struct {
	project string
	region  string
}

// Reconcile runs one pass for a tenant. Concurrent calls for the same tenant
// share a single pass. Group failures are counted in the summary and returned
// aggregated; they never abort other groups.
func (r *Reconciler) Reconcile(ctx context.Context, tenant string) (ReconcileSummary, error) {
	v, err, _ := r.flight.Do(tenant, func() (interface{}, error) {
		return r.reconcile(ctx, tenant)
	})
	summary, _ := v.(ReconcileSummary)
	return summary, err
}

func (r *Reconciler) reconcile(ctx context.Context, tenant string) (ReconcileSummary, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "reconcile", telemetry.AttrTenant.String(tenant))
	logger := r.logger.With().Str("tenant", tenant).Logger()

	instances, err := r.registry.ListInstances(ctx, InstanceFilter{OwnerID: tenant, Kind: KindCloud, WithHandle: true})
	if err != nil {
		telemetry.EndSpan(span, err)
		return ReconcileSummary{}, fmt.Errorf("failed to list instances: %w", err)
	}

	groups := make(map[groupKey][]*Instance)
	for _, inst := range instances {
		key := groupKey{project: inst.Project, region: inst.Region}
		groups[key] = append(groups[key], inst)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].project != keys[j].project {
			return keys[i].project < keys[j].project
		}
		return keys[i].region < keys[j].region
	})

	var (
		mu      sync.Mutex
		summary ReconcileSummary
		errs    *multierror.Error
	)

	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for _, key := range keys {
		key := key
		members := groups[key]
		g.Go(func() error {
			part, groupErr := r.reconcileGroup(ctx, tenant, key, members, logger)
			mu.Lock()
			defer mu.Unlock()
			summary.Add(part)
			if groupErr != nil {
				errs = multierror.Append(errs, groupErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	err = errs.ErrorOrNil()
	telemetry.EndSpan(span, err)
	r.metrics.RecordReconcile(summary.Checked, summary.Updated, summary.Removed, summary.Errors, time.Since(start))

	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.Int("checked", summary.Checked).
		Int("updated", summary.Updated).
		Int("removed", summary.Removed).
		Int("errors", summary.Errors).
		Dur("duration", time.Since(start)).
		Msg("Reconciliation completed")

	level := broadcast.EventLevelInfo
	if summary.Errors > 0 {
		level = broadcast.EventLevelWarning
	}
	r.notifier.Broadcast(ctx, tenant, broadcast.Event{
		Type:    broadcast.EventTypeReconcileCompleted,
		Level:   level,
		Message: fmt.Sprintf("checked %d, updated %d, removed %d, errors %d", summary.Checked, summary.Updated, summary.Removed, summary.Errors),
		Data: map[string]interface{}{
			"checked": summary.Checked,
			"updated": summary.Updated,
			"removed": summary.Removed,
			"errors":  summary.Errors,
		},
	})

	return summary, err
}

func (r *Reconciler) reconcileGroup(ctx context.Context, tenant string, key groupKey, members []*Instance, logger zerolog.Logger) (ReconcileSummary, error) {
	var summary ReconcileSummary
	logger = logger.With().Str("project", key.project).Str("region", key.region).Logger()

	creds, err := r.credentials(ctx, tenant, key.project)
	if err != nil {
		summary.Errors++
		return summary, fmt.Errorf("group %s/%s: %w", key.project, key.region, err)
	}

	live, err := r.provider.ListServices(ctx, creds, key.project, key.region)
	if err != nil {
		summary.Errors++
		return summary, fmt.Errorf("group %s/%s: listing services: %w", key.project, key.region, err)
	}
	byHandle := make(map[string]ServiceState, len(live))
	for _, st := range live {
		byHandle[st.Handle] = st
	}

	var errs *multierror.Error
	for _, inst := range members {
		summary.Checked++
		state, present := byHandle[inst.ResourceHandle]

		switch {
		case !present && inst.Status == StatusCreating:
			// Provisioning is still in flight and owns this record.
			continue

		case !present:
			if err := r.registry.DeleteInstance(ctx, tenant, inst.ID); err != nil && !IsNotFound(err) {
				summary.Errors++
				errs = multierror.Append(errs, fmt.Errorf("removing %s: %w", inst.ID, err))
				continue
			}
			if r.propagator != nil {
				r.propagator.forget(inst.ID)
			}
			summary.Removed++
			logger.Info().Str("instance_id", inst.ID).Str("handle", inst.ResourceHandle).
				Msg("Removed instance whose resource no longer exists")
			r.notifier.Broadcast(ctx, tenant, instanceEvent(broadcast.EventTypeInstanceRemoved, inst,
				"provider resource no longer exists"))

		case state.Address != "" && state.Address != inst.Address:
			updated, err := mutateInstance(ctx, r.registry, tenant, inst.ID, func(i *Instance) error {
				if i.Address == state.Address {
					return errNoChange
				}
				i.Address = state.Address
				return nil
			})
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				summary.Errors++
				errs = multierror.Append(errs, fmt.Errorf("updating %s: %w", inst.ID, err))
				continue
			}
			summary.Updated++
			logger.Info().Str("instance_id", inst.ID).Str("old_address", inst.Address).
				Str("new_address", state.Address).Msg("Corrected drifted address")
			r.notifier.Broadcast(ctx, tenant, instanceEvent(broadcast.EventTypeInstanceStatusChanged, updated,
				"address updated from provider"))
		}
	}

	return summary, errs.ErrorOrNil()
}

func (r *Reconciler) credentials(ctx context.Context, tenant, project string) (Credentials, error) {
	stored, err := r.registry.GetProviderCredentials(ctx, tenant, project)
	if err != nil {
		return Credentials{}, err
	}
	key, err := r.sealer.Open(stored.SealedKey)
	if err != nil {
		return Credentials{}, NewDecryptError("provider credentials", err).WithResource(project)
	}
	return Credentials{Project: stored.Project, Key: key}, nil
}

// ReconcileAll reconciles every tenant holding cloud instances.
func (r *Reconciler) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	owners, err := r.registry.ListOwnersWithCloudInstances(ctx)
	if err != nil {
		return ReconcileSummary{}, fmt.Errorf("failed to list tenants: %w", err)
	}
	var (
		total ReconcileSummary
		errs  *multierror.Error
	)
	for _, owner := range owners {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		summary, err := r.Reconcile(ctx, owner)
		total.Add(summary)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tenant %s: %w", owner, err))
		}
	}
	return total, errs.ErrorOrNil()
}

// Run reconciles every tenant each Interval until ctx is cancelled. It returns
// immediately when Interval is zero.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("Periodic reconciliation started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic reconciliation finished with errors")
			}
		}
	}
}
