package domain

import (
	"errors"
	"fmt"
	"time"
)

// EnsureRunImmutable rejects updates that rewrite identity, pinning or provenance of a run.
func EnsureRunImmutable(before, after ProductionRun) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("run ids are required")
	}
	if before.ID != after.ID {
		return fmt.Errorf("run id changed from %q to %q", before.ID, after.ID)
	}
	if before.RunCode != after.RunCode {
		return errors.New("run code is immutable")
	}
	if before.FlowVersionID != after.FlowVersionID {
		return errors.New("flow version id is immutable")
	}
	if before.SiteCode != after.SiteCode {
		return errors.New("site code is immutable")
	}
	if before.IdempotencyKey != after.IdempotencyKey {
		return errors.New("idempotency key is immutable")
	}
	if before.CreatedBy != after.CreatedBy || !before.CreatedAt.Equal(after.CreatedAt) {
		return errors.New("creation provenance is immutable")
	}
	if before.StartedAt != nil && (before.StartedBy != after.StartedBy || !sameTime(before.StartedAt, after.StartedAt)) {
		return errors.New("start provenance is immutable once set")
	}
	if before.CompletedAt != nil && !sameTime(before.CompletedAt, after.CompletedAt) {
		return errors.New("completed_at is immutable once set")
	}
	if before.EndedAt != nil && !sameTime(before.EndedAt, after.EndedAt) {
		return errors.New("ended_at is immutable once set")
	}
	if before.Status.Terminal() && (after.Status != before.Status || after.CurrentStepIndex != before.CurrentStepIndex) {
		return fmt.Errorf("run is %s and can no longer change", before.Status)
	}
	if after.CurrentStepIndex < before.CurrentStepIndex {
		return fmt.Errorf("step index cannot decrease from %d to %d", before.CurrentStepIndex, after.CurrentStepIndex)
	}
	if after.CurrentStepIndex > FinalStepIndex {
		return fmt.Errorf("step index %d exceeds final step %d", after.CurrentStepIndex, FinalStepIndex)
	}
	return nil
}

// EnsureStepExecutionImmutable allows only the IN_PROGRESS -> COMPLETED close.
func EnsureStepExecutionImmutable(before, after RunStepExecution) error {
	if before.ID != after.ID || before.RunID != after.RunID || before.StepIndex != after.StepIndex {
		return errors.New("step execution identity is immutable")
	}
	if before.NodeID != after.NodeID {
		return errors.New("node id is immutable")
	}
	if !before.StartedAt.Equal(after.StartedAt) {
		return errors.New("started_at is immutable")
	}
	if before.Status == StepStatusCompleted && (after.Status != StepStatusCompleted || !sameTime(before.CompletedAt, after.CompletedAt)) {
		return errors.New("completed step cannot change")
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
