package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the instance registry",
		Long: `Write a consistent copy of the registry database (VACUUM INTO) while the
daemon keeps running. Sealed secrets stay sealed: keep the identity file
alongside the backup or it cannot be restored into a usable state.`,
		Example: `  instanced backup --out /var/backups/instanced-$(date +%F).db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outFile == "" {
				outFile = fmt.Sprintf("instanced-backup-%s.db", time.Now().UTC().Format("20060102T150405Z"))
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

			if err := store.Backup(cmd.Context(), outFile); err != nil {
				return err
			}
			log.Info().Str("out", outFile).Msg("Backup written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "backup output file")

	return cmd
}
