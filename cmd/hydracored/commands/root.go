package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the hydracored command tree, following the same
// "Use/Short plus subcommands" shape docker/model-cli's commands package
// builds its own root from.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hydracored",
		Short: "hydracore transfer engine demonstration harness",
	}
	root.AddCommand(newDemoCmd())
	return root
}
