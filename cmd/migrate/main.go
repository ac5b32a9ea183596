package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	postgresURL   string
	migrationsDir string
}

func main() {
	logger := observability.NewLogger("migrate")
	if err := rootCommand(logger).Execute(); err != nil {
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

func rootCommand(logger zerolog.Logger) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Applies or rolls back the CDPLedger schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.postgresURL, "postgres-url",
		envOrDefault("CDP_POSTGRES_URL", "postgres://localhost:5432/cdpledger?sslmode=disable"),
		"Postgres connection string (CDP_POSTGRES_URL)")
	flags.StringVar(&opts.migrationsDir, "dir",
		envOrDefault("CDP_MIGRATIONS_DIR", "migrations"),
		"migrations directory (CDP_MIGRATIONS_DIR)")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Applies all pending migrations",
			RunE: withMigrator(opts, logger, func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rolls back the last applied migration",
			RunE: withMigrator(opts, logger, func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Lists migrations and whether each is applied",
			RunE: withMigrator(opts, logger, func(ctx context.Context, m *persistence.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Printf("%-8s %s\n", state, s.Filename)
				}
				return nil
			}),
		},
	)
	return root
}

func withMigrator(
	opts *options,
	logger zerolog.Logger,
	fn func(context.Context, *persistence.Migrator) error,
) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, _ []string) error {
		db, err := sql.Open("postgres", opts.postgresURL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}
		return fn(ctx, persistence.NewMigrator(db, opts.migrationsDir, logger))
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
