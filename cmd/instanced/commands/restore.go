package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/instanced/pkg/stores"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the instance registry from a backup",
		Long: `Replace the registry database with a backup written by 'instanced backup'.

The daemon must be stopped. The backup is verified and migrated to the
current schema before it replaces the database.`,
		Example: `  instanced restore --from instanced-backup.db --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Database.Path); err == nil && !force {
				return fmt.Errorf("%s exists; pass --force to replace it", cfg.Database.Path)
			}

			if err := verifyBackup(cmd.Context(), backupFile, cfg.Database); err != nil {
				return err
			}

			tmp := cfg.Database.Path + ".restore"
			if err := copyFile(backupFile, tmp); err != nil {
				return err
			}
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(cfg.Database.Path + suffix)
			}
			if err := os.Rename(tmp, cfg.Database.Path); err != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("failed to replace database: %w", err)
			}

			log.Info().Str("from", backupFile).Str("database", cfg.Database.Path).Msg("Registry restored")
			return nil
		},
	}

	cmd.Flags().StringVar(&backupFile, "from", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing database")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

// verifyBackup opens the backup, migrates it and checks its health.
func verifyBackup(ctx context.Context, path string, base stores.Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup not readable: %w", err)
	}
	cfg := base
	cfg.Path = path
	store, err := stores.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("backup is not a usable registry: %w", err)
	}
	defer store.Close()
	return store.HealthCheck(ctx)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
