package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the metastore admin CLI. Subcommands
// (migrate, token, etc.) are attached here.
var rootCmd = &cobra.Command{
	Use:           "metastore-admin",
	Short:         "AppHub metastore admin CLI",
	Long:          "Administrative utilities for the metastore (database migrations, bearer token management).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
