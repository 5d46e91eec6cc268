package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/instanced/pkg/engine"
	"github.com/openfroyo/instanced/pkg/secrets"
)

func newCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage tenant provider credentials",
	}
	cmd.AddCommand(newCredentialsSetCommand())
	return cmd
}

func newCredentialsSetCommand() *cobra.Command {
	var (
		tenant  string
		project string
		region  string
		keyFile string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a tenant's cloud service account key",
		Long: `Seal a service account key and store it for a tenant and project. The key
is used to create, inspect and delete the tenant's cloud instances.`,
		Example: `  instanced credentials set --tenant acme --project acme-prod \
    --region europe-west1 --key-file ./sa.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("failed to read key file: %w", err)
			}
			defer secrets.Zero(key)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sealer, err := openSealer(cfg)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sealed, err := sealer.Seal(key)
			if err != nil {
				return fmt.Errorf("failed to seal key: %w", err)
			}
			creds := &engine.ProviderCredentials{
				OwnerID:       tenant,
				Project:       project,
				DefaultRegion: region,
				SealedKey:     sealed,
			}
			if err := store.PutProviderCredentials(cmd.Context(), creds); err != nil {
				return err
			}

			log.Info().Str("tenant", tenant).Str("project", project).Msg("Provider credentials stored")
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&project, "project", "", "cloud project id")
	cmd.Flags().StringVar(&region, "region", "", "default region for the tenant's instances")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "service account key JSON file")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("key-file")

	return cmd
}
