package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/custodian/internal/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after applying schema defaults, the --config
file and CUSTODIAN_* environment variables (including a .env file).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return f.Success(cfg)
			}
			src, err := config.Format(cfg)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to format configuration", err)
			}
			_, err = cmd.OutOrStdout().Write(src)
			return err
		},
	}
}
