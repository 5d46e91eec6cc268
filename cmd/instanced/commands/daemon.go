package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/broadcast"
	"github.com/openfroyo/instanced/pkg/config"
	"github.com/openfroyo/instanced/pkg/engine"
	"github.com/openfroyo/instanced/pkg/policy"
	"github.com/openfroyo/instanced/pkg/propagation"
	"github.com/openfroyo/instanced/pkg/providers/cloudrun"
	"github.com/openfroyo/instanced/pkg/secrets"
	"github.com/openfroyo/instanced/pkg/stores"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// daemon holds the wired components of one process.
type daemon struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	sealer    *secrets.AgeSealer
	policy    *policy.Engine
	hub       broadcast.Hub
	nats      *broadcast.NATSHub
	orch      *engine.Orchestrator
}

// loadConfig reads the --config file with environment overrides.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openStore opens and migrates the registry database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return store, nil
}

// openSealer loads the age identity.
func openSealer(cfg *config.Config) (*secrets.AgeSealer, error) {
	sealer, err := secrets.LoadAgeSealer(cfg.Secrets.IdentityFile, cfg.Secrets.EscrowRecipients...)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets identity (run 'instanced keygen'): %w", err)
	}
	return sealer, nil
}

// newDaemon wires every component from cfg.
func newDaemon(ctx context.Context, cfg *config.Config) (d *daemon, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	d = &daemon{cfg: cfg, telemetry: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			_ = d.Close(context.Background())
			d = nil
		}
	}()

	if d.sealer, err = openSealer(cfg); err != nil {
		return d, err
	}
	if d.store, err = openStore(ctx, cfg); err != nil {
		return d, err
	}

	local := broadcast.NewMemoryHub(d.logger, tel.Metrics)
	d.hub = local
	if cfg.Events.Backend == "nats" {
		if d.nats, err = broadcast.NewNATSHub(cfg.Events.NATSURL, cfg.Events.Subject, local, d.logger); err != nil {
			return d, err
		}
		d.hub = d.nats
	}

	resolver, err := propagation.NewResolver(cfg.Propagation, d.sealer, d.logger)
	if err != nil {
		return d, fmt.Errorf("failed to create propagation resolver: %w", err)
	}
	provider, err := cloudrun.New(cfg.CloudRun, d.logger, tel.Metrics)
	if err != nil {
		return d, fmt.Errorf("failed to create cloud provider: %w", err)
	}

	deps := engine.Dependencies{
		Registry: d.store,
		Provider: provider,
		Insights: provider,
		Sealer:   d.sealer,
		Resolver: resolver,
		Hub:      d.hub,
		Logger:   d.logger,
		Metrics:  tel.Metrics,
	}
	if cfg.Policy.Enabled {
		if d.policy, err = newPolicyEngine(ctx, cfg, d.logger); err != nil {
			return d, err
		}
		deps.Admission = d.policy
	}

	if d.orch, err = engine.NewOrchestrator(cfg.Orchestrator, deps); err != nil {
		return d, err
	}
	return d, nil
}

// newPolicyEngine creates the admission engine with configured policies and data.
func newPolicyEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	if cfg.Policy.DataFile != "" {
		doc, err := policy.NewLoader(logger).LoadData(cfg.Policy.DataFile)
		if err != nil {
			return nil, err
		}
		if err := eng.SetData(ctx, doc); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// Close releases every component that was opened.
func (d *daemon) Close(ctx context.Context) error {
	var result error
	if d.orch != nil {
		if err := d.orch.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("orchestrator: %w", err))
		}
	}
	if d.policy != nil {
		if err := d.policy.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("policy: %w", err))
		}
	}
	if d.nats != nil {
		if err := d.nats.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("nats: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("registry: %w", err))
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, fmt.Errorf("telemetry: %w", err))
		}
	}
	return result
}
