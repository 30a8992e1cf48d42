package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FinalStepIndex is the last process step of every run. Steps are numbered 0..FinalStepIndex.
const FinalStepIndex = 10

type RunStatus string

const (
	RunStatusIdle      RunStatus = "IDLE"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusHold      RunStatus = "HOLD"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusAborted   RunStatus = "ABORTED"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusAborted
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusIdle, RunStatusRunning, RunStatusHold, RunStatusCompleted, RunStatusAborted:
		return true
	default:
		return false
	}
}

// ParseRunStatus accepts any casing.
func ParseRunStatus(raw string) (RunStatus, error) {
	status := RunStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", Validation(fmt.Sprintf("unknown run status %q", raw))
	}
	return status, nil
}

// ProductionRun is one execution of a pinned flow version on the shop floor.
type ProductionRun struct {
	ID               string
	RunCode          string
	FlowVersionID    string
	SiteCode         string
	Status           RunStatus
	CurrentStepIndex int
	IdempotencyKey   string
	CreatedBy        string
	CreatedAt        time.Time
	StartedBy        string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	EndedAt          *time.Time
	UpdatedAt        time.Time
}

func (r ProductionRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if !ValidRunCode(r.RunCode) {
		return fmt.Errorf("run code %q is malformed", r.RunCode)
	}
	if strings.TrimSpace(r.FlowVersionID) == "" {
		return errors.New("flow version id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("run status %q is invalid", r.Status)
	}
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex > FinalStepIndex {
		return fmt.Errorf("current step index %d out of range", r.CurrentStepIndex)
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	if r.Status.Terminal() && r.EndedAt == nil {
		return errors.New("terminal run must have ended_at")
	}
	if r.Status == RunStatusCompleted && r.CompletedAt == nil {
		return errors.New("completed run must have completed_at")
	}
	return nil
}

// Transition names a lifecycle operation on an existing run.
type Transition string

const (
	TransitionStart    Transition = "start"
	TransitionAdvance  Transition = "advance"
	TransitionHold     Transition = "hold"
	TransitionResume   Transition = "resume"
	TransitionComplete Transition = "complete"
	TransitionAbort    Transition = "abort"
)

type transitionRule struct {
	from []RunStatus
	to   RunStatus
}

var transitions = map[Transition]transitionRule{
	TransitionStart:    {from: []RunStatus{RunStatusIdle}, to: RunStatusRunning},
	TransitionAdvance:  {from: []RunStatus{RunStatusRunning}, to: RunStatusRunning},
	TransitionHold:     {from: []RunStatus{RunStatusRunning}, to: RunStatusHold},
	TransitionResume:   {from: []RunStatus{RunStatusHold}, to: RunStatusRunning},
	TransitionComplete: {from: []RunStatus{RunStatusRunning}, to: RunStatusCompleted},
	TransitionAbort:    {from: []RunStatus{RunStatusRunning, RunStatusHold}, to: RunStatusAborted},
}

// RequiredStatuses lists the statuses t may be applied from.
func (t Transition) RequiredStatuses() []RunStatus {
	rule, ok := transitions[t]
	if !ok {
		return nil
	}
	return append([]RunStatus(nil), rule.from...)
}

// Target is the status a run has after t succeeds.
func (t Transition) Target() RunStatus {
	return transitions[t].to
}

// Guarded reports whether t consults the step guard.
func (t Transition) Guarded() bool {
	return t == TransitionAdvance || t == TransitionComplete
}

// CheckTransition validates the status and step-index shape of t against run.
// It does not consult the guard.
func CheckTransition(run ProductionRun, t Transition) error {
	rule, ok := transitions[t]
	if !ok {
		return Validation(fmt.Sprintf("unknown transition %q", t))
	}
	allowed := false
	for _, from := range rule.from {
		if run.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return InvalidTransition(t, run.Status, rule.from)
	}

	switch t {
	case TransitionAdvance:
		if run.CurrentStepIndex >= FinalStepIndex {
			return GuardNotSatisfied(fmt.Sprintf("run is already at final step %d; complete it instead", FinalStepIndex))
		}
	case TransitionComplete:
		if run.CurrentStepIndex != FinalStepIndex {
			return GuardNotSatisfied(fmt.Sprintf("run is at step %d; complete requires step %d", run.CurrentStepIndex, FinalStepIndex))
		}
	}
	return nil
}

// Apply returns run after t, stamping provenance with actor and now. The caller has already
// checked the transition and the guard.
func Apply(run ProductionRun, t Transition, actor string, now time.Time) (ProductionRun, error) {
	if err := CheckTransition(run, t); err != nil {
		return ProductionRun{}, err
	}
	now = now.UTC()
	next := run
	next.Status = t.Target()
	next.UpdatedAt = now

	switch t {
	case TransitionStart:
		next.StartedBy = actor
		next.StartedAt = &now
		next.CurrentStepIndex = 0
	case TransitionAdvance:
		next.CurrentStepIndex = run.CurrentStepIndex + 1
	case TransitionComplete:
		next.CompletedAt = &now
		next.EndedAt = &now
	case TransitionAbort:
		next.EndedAt = &now
	}

	if err := EnsureRunImmutable(run, next); err != nil {
		return ProductionRun{}, err
	}
	return next, nil
}
