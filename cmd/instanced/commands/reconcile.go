package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/instanced/pkg/engine"
)

func newReconcileCommand() *cobra.Command {
	var (
		tenant string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile recorded cloud instances with the provider",
		Long: `Compare a tenant's recorded cloud instances with the provider's live
services. Drifted addresses are corrected and instances whose service no
longer exists are removed. Instances still being created are left alone.`,
		Example: `  # Reconcile one tenant
  instanced reconcile --tenant acme

  # Reconcile every tenant holding cloud instances
  instanced reconcile --all --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (tenant == "") == !all {
				return fmt.Errorf("exactly one of --tenant or --all is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := newDaemon(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.Close(cmd.Context())

			var summary engine.ReconcileSummary
			if all {
				summary, err = d.orch.Reconciler().ReconcileAll(cmd.Context())
			} else {
				summary, err = d.orch.Reconcile(cmd.Context(), tenant)
			}
			if err != nil {
				log.Warn().Err(err).Msg("Reconciliation finished with errors")
			}

			return printResult(cmd, summary, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "checked=%d updated=%d removed=%d errors=%d\n",
					summary.Checked, summary.Updated, summary.Removed, summary.Errors)
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to reconcile")
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every tenant")

	return cmd
}
