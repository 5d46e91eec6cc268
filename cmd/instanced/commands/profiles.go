package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/instanced/pkg/config"
)

func newProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage the service profile catalog",
	}
	cmd.AddCommand(newProfilesValidateCommand())
	cmd.AddCommand(newProfilesSyncCommand())
	cmd.AddCommand(newProfilesListCommand())
	return cmd
}

// catalogPath returns args[0] or the configured catalog.
func catalogPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Profiles.Catalog == "" {
		return "", fmt.Errorf("no catalog given and profiles.catalog is not configured")
	}
	return cfg.Profiles.Catalog, nil
}

func newProfilesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog]",
		Short: "Validate a CUE profile catalog",
		Example: `  instanced profiles validate ./profiles.cue
  instanced profiles validate --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := catalogPath(args)
			if err != nil {
				return err
			}
			catalog, err := config.LoadProfileCatalog(path)
			if err != nil {
				return err
			}
			if err := printResult(cmd, catalog, func() {
				for _, e := range catalog.Errors {
					fmt.Fprintln(cmd.OutOrStdout(), e.String())
				}
				for _, p := range catalog.Profiles {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-40s %5dMi cpu=%s max_scale=%d\n",
						p.Name, p.Image, p.MemoryMiB, p.CPU, p.MaxScale)
				}
			}); err != nil {
				return err
			}
			return catalog.Err()
		},
	}
}

func newProfilesSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [catalog]",
		Short: "Store catalog profiles in the registry",
		Long: `Validate the catalog and store every profile as a global profile shared by
all tenants. Existing profiles of the same name are updated in place;
instances keep the profile snapshot they were created with.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := catalogPath(args)
			if err != nil {
				return err
			}
			catalog, err := config.LoadProfileCatalog(path)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := config.SyncProfiles(cmd.Context(), store, catalog)
			if err != nil {
				return err
			}
			log.Info().Int("profiles", n).Str("catalog", path).Msg("Profile catalog synced")
			return nil
		},
	}
}

func newProfilesListCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the profiles stored in the registry",
		Long: `List the catalog profiles shared by all tenants. With --tenant, the tenant's
own profiles are listed as well; they take precedence over catalog profiles
of the same name.`,
		Example: `  instanced profiles list
  instanced profiles list --tenant acme --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			profiles, err := store.ListProfiles(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			return printResult(cmd, profiles, func() {
				for _, p := range profiles {
					owner := p.OwnerID
					if owner == "" {
						owner = "-"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-12s %-40s %5dMi cpu=%s\n",
						p.Name, owner, p.Image, p.MemoryMiB, p.CPU)
				}
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "include the profiles owned by this tenant")

	return cmd
}
