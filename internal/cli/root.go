// Package cli wires the daemon's command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRoot builds the lumidm command tree.
func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lumidm",
		Short:         "lumidm: a seat and session display manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("lumidm {{.Version}}\n")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newShowConfigCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lumidm %s\n", version)
		},
	})

	return cmd
}
