package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/repo"
)

type StepExecutionStore struct {
	db DB
}

const stepColumns = `step_execution_id, run_id, step_index, node_id, status, started_at, completed_at, operator_id`

const (
	insertStepExecutionQuery = `INSERT INTO run_step_executions (` + stepColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	closeStepExecutionQuery = `UPDATE run_step_executions
	 SET status = 'COMPLETED', completed_at = GREATEST($3, started_at)
	 WHERE run_id = $1 AND step_index = $2 AND status = 'IN_PROGRESS'
	 RETURNING ` + stepColumns

	listStepExecutionsByRunQuery = `SELECT ` + stepColumns + `
	 FROM run_step_executions
	 WHERE run_id = $1
	 ORDER BY step_index ASC`
)

func NewStepExecutionStore(db DB) *StepExecutionStore {
	if db == nil {
		return nil
	}
	return &StepExecutionStore{db: db}
}

func (s *StepExecutionStore) OpenStep(ctx context.Context, step domain.RunStepExecution) error {
	if s == nil || s.db == nil {
		return errors.New("step execution store not initialized")
	}
	if strings.TrimSpace(step.ID) == "" || strings.TrimSpace(step.RunID) == "" {
		return errors.New("step execution and run ids are required")
	}
	if step.Status != domain.StepStatusInProgress {
		return fmt.Errorf("new step must be %s (got %s)", domain.StepStatusInProgress, step.Status)
	}
	_, err := s.db.ExecContext(
		ctx,
		insertStepExecutionQuery,
		step.ID,
		step.RunID,
		step.StepIndex,
		step.NodeID,
		string(step.Status),
		normalizeTime(step.StartedAt),
		nullTime(step.CompletedAt),
		step.OperatorID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open step %d of run %s: %w", step.StepIndex, step.RunID, repo.ErrConflict)
		}
		return fmt.Errorf("open step: %w", classify(err))
	}
	return nil
}

// CloseStep completes the open step at stepIndex. ErrNotFound means no such open step.
func (s *StepExecutionStore) CloseStep(ctx context.Context, runID string, stepIndex int, completedAt time.Time) (domain.RunStepExecution, error) {
	if s == nil || s.db == nil {
		return domain.RunStepExecution{}, errors.New("step execution store not initialized")
	}
	row := s.db.QueryRowContext(ctx, closeStepExecutionQuery, runID, stepIndex, normalizeTime(completedAt))
	step, err := scanStepExecution(row)
	if err != nil {
		return domain.RunStepExecution{}, fmt.Errorf("close step %d of run %s: %w", stepIndex, runID, err)
	}
	return step, nil
}

func (s *StepExecutionStore) ListByRun(ctx context.Context, runID string) ([]domain.RunStepExecution, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("step execution store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listStepExecutionsByRunQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", classify(err))
	}
	defer rows.Close()

	steps := make([]domain.RunStepExecution, 0, domain.FinalStepIndex+1)
	for rows.Next() {
		step, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step executions: %w", classify(err))
	}
	return steps, nil
}

func scanStepExecution(scanner rowScanner) (domain.RunStepExecution, error) {
	var step domain.RunStepExecution
	var status string
	var completedAt sql.NullTime
	if err := scanner.Scan(
		&step.ID,
		&step.RunID,
		&step.StepIndex,
		&step.NodeID,
		&status,
		&step.StartedAt,
		&completedAt,
		&step.OperatorID,
	); err != nil {
		return domain.RunStepExecution{}, handleNotFound(err)
	}
	step.Status = domain.StepStatus(status)
	step.StartedAt = step.StartedAt.UTC()
	step.CompletedAt = timePtr(completedAt)
	return step, nil
}
