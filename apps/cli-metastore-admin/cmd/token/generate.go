package token

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
)

func generateCommand() *cobra.Command {
	var (
		subject    string
		kind       string
		scopes     []string
		namespaces []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a token-file entry with a fresh random token",
		Long:  "Emits a JSON object suitable for pasting into the APPHUB_METASTORE_TOKENS array.",
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := auth.TokenEntry{
				Token:      uuid.NewString(),
				Subject:    subject,
				Kind:       kind,
				Scopes:     scopes,
				Namespaces: auth.NamespaceList(namespaces),
			}

			// Round-trip through the server-side parser so the printed entry
			// is guaranteed to load.
			payload, err := json.Marshal([]auth.TokenEntry{entry})
			if err != nil {
				return err
			}
			if _, err := auth.ParseTokens(payload); err != nil {
				return err
			}

			out, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "identity subject the token authenticates")
	cmd.Flags().StringVar(&kind, "kind", auth.KindService, "identity kind (user or service)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{auth.ScopeRead}, "granted scopes (comma-separated)")
	cmd.Flags().StringSliceVar(&namespaces, "namespaces", []string{"*"}, "namespaces the identity may touch (\"*\" for all)")

	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
