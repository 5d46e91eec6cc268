package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/instanced/pkg/secrets"
)

func newKeygenCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the secrets identity",
		Long: `Generate the age identity that seals provider credentials, configuration
secrets and instance tokens at rest. Existing files are never overwritten:
losing the identity makes every sealed secret unreadable.`,
		Example: `  instanced keygen --out /etc/instanced/instanced.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				out = cfg.Secrets.IdentityFile
			}
			pub, err := secrets.GenerateIdentityFile(out)
			if err != nil {
				return err
			}
			log.Info().Str("path", out).Msg("Identity generated")
			return printResult(cmd, map[string]string{"path": out, "recipient": pub}, func() {
				fmt.Fprintln(cmd.OutOrStdout(), pub)
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "identity file (defaults to secrets.identity_file)")

	return cmd
}
