package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/runengine/internal/platform/postgres"
)

func newMigrateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			applied, err := postgres.Migrate(cmd.Context(), db)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if len(applied) == 0 {
				logger.Info("schema up to date")
				return nil
			}
			for _, version := range applied {
				logger.Info("migration applied", "version", version)
			}
			return nil
		},
	}
}
