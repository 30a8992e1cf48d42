package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/repo"
	pgrepo "github.com/animus-labs/runengine/internal/repo/postgres"
	"github.com/animus-labs/runengine/internal/service/runs"
)

// newRunsCommand offers read-only run inspection straight against the database.
func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect production runs",
	}
	cmd.AddCommand(newRunsGetCommand(), newRunsListCommand())
	return cmd
}

func newRunsGetCommand() *cobra.Command {
	var withSteps bool
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Print one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadService(cmd, func(svc *runs.Service) error {
				run, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !withSteps {
					return printJSON(cmd.OutOrStdout(), toRunResponse(run))
				}
				steps, err := svc.Steps(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				out := make([]stepResponse, 0, len(steps))
				for _, step := range steps {
					out = append(out, toStepResponse(step))
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"run": toRunResponse(run), "steps": out})
			})
		},
	}
	cmd.Flags().BoolVar(&withSteps, "steps", false, "include step executions")
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := repo.RunFilter{Limit: limit}
			if status != "" {
				parsed, err := domain.ParseRunStatus(status)
				if err != nil {
					return err
				}
				filter.Status = parsed
			}
			return withReadService(cmd, func(svc *runs.Service) error {
				list, err := svc.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, run := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\tstep=%d\n", run.RunCode, run.ID, run.Status, run.CurrentStepIndex)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to print")
	return cmd
}

// openReadStore is swapped for the memory store in tests.
var openReadStore = func(ctx context.Context) (repo.Store, func() error, error) {
	db, err := openDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pgrepo.NewStore(db), db.Close, nil
}

func withReadService(cmd *cobra.Command, fn func(svc *runs.Service) error) error {
	runsCfg, err := runs.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	store, closeStore, err := openReadStore(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	svc, err := runs.New(store, runsCfg, runs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return err
	}
	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
