package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/runengine/internal/flowcatalog"
	pgrepo "github.com/animus-labs/runengine/internal/repo/postgres"
)

func newFlowsCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage flow versions",
	}
	cmd.AddCommand(newFlowsImportCommand(logger))
	return cmd
}

func newFlowsImportCommand(logger *slog.Logger) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <catalog.yaml>",
		Short: "Upsert the flow versions of a YAML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := flowcatalog.ParseFile(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d flow versions valid\n", len(versions))
				return nil
			}

			db, err := openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := flowcatalog.Import(cmd.Context(), pgrepo.NewStore(db), versions); err != nil {
				return err
			}
			for _, fv := range versions {
				logger.Info("flow version imported", "flow_version_id", fv.ID, "flow_id", fv.FlowID, "version", fv.Version, "status", string(fv.Status))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the catalog without writing")
	return cmd
}
