package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant administration",
	}
	cmd.AddCommand(newTenantPurgeCommand())
	return cmd
}

func newTenantPurgeCommand() *cobra.Command {
	var (
		tenant string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every instance of a tenant",
		Long: `Delete every instance of a tenant, including the provider services of its
cloud instances. Used when a tenant's billing lapses.`,
		Example: `  instanced tenant purge --tenant acme --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to purge tenant %s without --force", tenant)
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

			n, err := d.orch.PurgeTenant(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			log.Info().Str("tenant", tenant).Int("instances", n).Msg("Tenant purged")
			return printResult(cmd, map[string]interface{}{"tenant": tenant, "deleted": n}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d instances\n", n)
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().BoolVar(&force, "force", false, "confirm the purge")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
