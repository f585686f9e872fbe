package token

import "github.com/spf13/cobra"

// Command groups bearer token helpers for the metastore token file.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token utilities",
		Long:  "Utilities for the metastore token file (generate entries, inspect existing files).",
	}

	cmd.AddCommand(generateCommand())
	cmd.AddCommand(inspectCommand())

	return cmd
}
