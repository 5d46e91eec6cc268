package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply registry schema migrations",
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

			version, dirty, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]interface{}{"version": version, "dirty": dirty}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%v)\n", version, dirty)
			})
		},
	}
}
