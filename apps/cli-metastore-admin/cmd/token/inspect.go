package token

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
)

func inspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <token-file>",
		Short: "Parse a token file and summarise its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			entries, err := auth.ParseTokens(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d token(s)\n", len(entries))
			for _, entry := range entries {
				kind := entry.Kind
				if kind == "" {
					kind = auth.KindService
				}
				fmt.Fprintf(out, "%s  subject=%s kind=%s scopes=%s namespaces=%s\n",
					maskToken(entry.Token),
					entry.Subject,
					kind,
					strings.Join(entry.Scopes, ","),
					strings.Join(entry.Namespaces, ","),
				)
			}
			return nil
		},
	}

	return cmd
}

// maskToken keeps enough of the secret to correlate with config while staying
// safe to paste into tickets.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
