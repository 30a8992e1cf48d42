package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/repo"
)

type RunStore struct {
	db DB
}

const runColumns = `run_id, run_code, flow_version_id, site_code, status, current_step_index, idempotency_key,
	created_by, created_at, started_by, started_at, completed_at, ended_at, updated_at`

const (
	insertRunQuery = `INSERT INTO production_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM production_runs WHERE run_id = $1`

	selectRunForUpdateQuery = selectRunQuery + ` FOR UPDATE`

	selectRunByIdempotencyKeyQuery = `SELECT ` + runColumns + ` FROM production_runs WHERE idempotency_key = $1`

	listRunsQuery = `SELECT ` + runColumns + ` FROM production_runs
	 WHERE ($1 = '' OR status = $1)
	 ORDER BY created_at DESC, run_id DESC
	 LIMIT $2`

	updateRunQuery = `UPDATE production_runs SET
		status = $2,
		current_step_index = $3,
		started_by = $4,
		started_at = $5,
		completed_at = $6,
		ended_at = $7,
		updated_at = $8
	 WHERE run_id = $1`
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.ProductionRun) error {
	if s == nil || s.db == nil {
		return errors.New("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		run.ID,
		run.RunCode,
		run.FlowVersionID,
		run.SiteCode,
		string(run.Status),
		run.CurrentStepIndex,
		run.IdempotencyKey,
		run.CreatedBy,
		createdAt,
		nullIfEmpty(run.StartedBy),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullTime(run.EndedAt),
		updatedAt.UTC(),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("insert run: %w", repo.ErrConflict)
		case isForeignKeyViolation(err):
			return fmt.Errorf("insert run: flow version %q: %w", run.FlowVersionID, repo.ErrNotFound)
		}
		return fmt.Errorf("insert run: %w", classify(err))
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.ProductionRun, error) {
	return s.getOne(ctx, selectRunQuery, id)
}

func (s *RunStore) GetRunForUpdate(ctx context.Context, id string) (domain.ProductionRun, error) {
	return s.getOne(ctx, selectRunForUpdateQuery, id)
}

func (s *RunStore) GetRunByIdempotencyKey(ctx context.Context, key string) (domain.ProductionRun, error) {
	return s.getOne(ctx, selectRunByIdempotencyKeyQuery, key)
}

func (s *RunStore) getOne(ctx context.Context, query string, arg string) (domain.ProductionRun, error) {
	if s == nil || s.db == nil {
		return domain.ProductionRun{}, errors.New("run store not initialized")
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return domain.ProductionRun{}, repo.ErrNotFound
	}
	return scanRun(s.db.QueryRowContext(ctx, query, arg))
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ProductionRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx, listRunsQuery, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", classify(err))
	}
	defer rows.Close()

	runs := make([]domain.ProductionRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", classify(err))
	}
	return runs, nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.ProductionRun) error {
	if s == nil || s.db == nil {
		return errors.New("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		updateRunQuery,
		run.ID,
		string(run.Status),
		run.CurrentStepIndex,
		nullIfEmpty(run.StartedBy),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullTime(run.EndedAt),
		normalizeTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", classify(err))
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanRun(scanner rowScanner) (domain.ProductionRun, error) {
	var run domain.ProductionRun
	var status string
	var startedBy sql.NullString
	var startedAt, completedAt, endedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&run.RunCode,
		&run.FlowVersionID,
		&run.SiteCode,
		&status,
		&run.CurrentStepIndex,
		&run.IdempotencyKey,
		&run.CreatedBy,
		&run.CreatedAt,
		&startedBy,
		&startedAt,
		&completedAt,
		&endedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.ProductionRun{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	run.StartedBy = startedBy.String
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.EndedAt = timePtr(endedAt)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
