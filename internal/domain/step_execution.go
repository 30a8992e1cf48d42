package domain

import (
	"errors"
	"fmt"
	"time"
)

type StepStatus string

const (
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusCompleted  StepStatus = "COMPLETED"
)

// RunStepExecution records one step of one run. (RunID, StepIndex) is unique.
type RunStepExecution struct {
	ID          string
	RunID       string
	StepIndex   int
	NodeID      string
	Status      StepStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	OperatorID  string
}

func OpenStep(id string, runID string, index int, nodeID string, operator string, now time.Time) (RunStepExecution, error) {
	if id == "" || runID == "" {
		return RunStepExecution{}, errors.New("step execution and run ids are required")
	}
	if index < 0 || index > FinalStepIndex {
		return RunStepExecution{}, fmt.Errorf("step index %d out of range", index)
	}
	return RunStepExecution{
		ID:         id,
		RunID:      runID,
		StepIndex:  index,
		NodeID:     nodeID,
		Status:     StepStatusInProgress,
		StartedAt:  now.UTC(),
		OperatorID: operator,
	}, nil
}

// Close marks the step completed. A step closes once.
func (s RunStepExecution) Close(now time.Time) (RunStepExecution, error) {
	if s.Status != StepStatusInProgress {
		return RunStepExecution{}, fmt.Errorf("step %d of run %s is not in progress", s.StepIndex, s.RunID)
	}
	closedAt := now.UTC()
	if closedAt.Before(s.StartedAt) {
		closedAt = s.StartedAt
	}
	s.Status = StepStatusCompleted
	s.CompletedAt = &closedAt
	return s, nil
}
