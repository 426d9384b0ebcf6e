package cli

import (
	"github.com/spf13/cobra"

	"github.com/lumidm/lumidm/internal/config"
)

func newShowConfigCmd() *cobra.Command {
	var configPaths []string
	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Print the merged configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(append(defaultConfigPaths, configPaths...), nil)
			if err != nil {
				return configError(err)
			}
			cfg.Dump(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&configPaths, "config", nil, "Extra configuration file, highest priority last (repeatable)")
	return cmd
}
