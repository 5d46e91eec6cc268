package commands

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/instanced/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, policies and the profile catalog",
		Long: `Validate the daemon configuration without starting it.

This command checks:
  - YAML syntax and configuration values
  - Admission policies (Rego compilation) and policy data
  - The CUE service profile catalog`,
		Example: `  instanced validate --config /etc/instanced/instanced.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var result error
			if cfg.Policy.Enabled {
				eng, err := newPolicyEngine(cmd.Context(), cfg, log.Logger)
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("policy: %w", err))
				} else {
					log.Info().Int("policies", len(eng.ListPolicies())).Msg("Policies valid")
					_ = eng.Close()
				}
			}
			if cfg.Profiles.Catalog != "" {
				catalog, err := config.LoadProfileCatalog(cfg.Profiles.Catalog)
				if err == nil {
					err = catalog.Err()
				}
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("profiles: %w", err))
				} else {
					log.Info().Int("profiles", len(catalog.Profiles)).Msg("Profile catalog valid")
				}
			}
			if result != nil {
				return result
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	return cmd
}
