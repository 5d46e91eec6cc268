package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/instanced/pkg/api"
	"github.com/openfroyo/instanced/pkg/config"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		Long: `Run the HTTP API, the provisioning workers and, when reconcile.interval is
set, periodic reconciliation of every tenant holding cloud instances.

The daemon stops gracefully on SIGINT or SIGTERM, draining in-flight
provisioning jobs for up to server.shutdown_timeout.`,
		Example: `  # Serve with a config file
  instanced serve --config /etc/instanced/instanced.yaml

  # Override the listen address
  instanced serve --listen 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	logger := d.logger

	if cfg.Profiles.SyncOnStart && cfg.Profiles.Catalog != "" {
		catalog, err := config.LoadProfileCatalog(cfg.Profiles.Catalog)
		if err != nil {
			return closeWith(d, err)
		}
		n, err := config.SyncProfiles(ctx, d.store, catalog)
		if err != nil {
			return closeWith(d, err)
		}
		logger.Info().Int("profiles", n).Str("catalog", cfg.Profiles.Catalog).Msg("Profile catalog synced")
	}

	if d.policy != nil && cfg.Policy.Watch {
		if err := d.policy.Watch(ctx, cfg.Policy.Paths); err != nil {
			return closeWith(d, err)
		}
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return closeWith(d, err)
	}

	handler := api.NewServer(d.orch, api.Options{
		Auth:         auth,
		Metrics:      d.telemetry.Metrics,
		Logger:       logger,
		Health:       d.store.HealthCheck,
		StreamBuffer: cfg.Events.Buffer,
		Heartbeat:    cfg.Events.Heartbeat,
	})
	srv := newHTTPServer(cfg.Server, handler)

	d.orch.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if rec := d.orch.Reconciler(); rec != nil {
		g.Go(func() error {
			rec.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		httpCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}

		// The queue drain gets a budget of its own.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelDrain()
		return d.Close(drainCtx)
	})

	return g.Wait()
}

// newHTTPServer builds the API server. Request contexts derive from a base
// context that is cancelled once Shutdown begins, so open event streams end
// instead of holding the server open.
func newHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

func newAuthenticator(cfg *config.Config) (api.Authenticator, error) {
	if cfg.Auth.Disabled {
		return api.HeaderAuthenticator{}, nil
	}
	return api.NewJWTAuthenticator(cfg.Auth.Secret(), cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TenantClaim)
}

// closeWith closes d and returns err.
func closeWith(d *daemon, err error) error {
	_ = d.Close(context.Background())
	return err
}
