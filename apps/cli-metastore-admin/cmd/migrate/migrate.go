package migrate

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// Command applies pending database migrations. Connection parameters fall
// back to the same environment variables the server reads.
func Command() *cobra.Command {
	var (
		databaseURL string
		schema      string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long:  "Creates the target schema when missing and applies embedded migrations that have not run yet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
			if databaseURL == "" {
				return fmt.Errorf("database url is required (--database-url or DATABASE_URL)")
			}
			if schema == "" {
				schema = os.Getenv("APPHUB_METASTORE_PG_SCHEMA")
			}
			if schema == "" {
				schema = "metastore"
			}

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			applied, err := persistence.ApplyMigrations(ctx, pool, schema)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}

			if len(applied) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "schema %q is up to date\n", schema)
				return nil
			}
			for _, id := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	cmd.Flags().StringVar(&schema, "schema", "", "target schema (defaults to APPHUB_METASTORE_PG_SCHEMA, then \"metastore\")")

	return cmd
}
