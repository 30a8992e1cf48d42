package domain

import (
	"testing"
	"time"
)

func TestEnsureRunImmutable(t *testing.T) {
	before := testRun(RunStatusRunning, 3)
	started := before.CreatedAt.Add(time.Minute)
	before.StartedAt = &started
	before.StartedBy = "op-1"

	ok := before
	ok.CurrentStepIndex = 4
	if err := EnsureRunImmutable(before, ok); err != nil {
		t.Fatalf("advance should be allowed: %v", err)
	}

	cases := map[string]func(r *ProductionRun){
		"run code":     func(r *ProductionRun) { r.RunCode = "RUN-20260304-MAIN-0002" },
		"flow version": func(r *ProductionRun) { r.FlowVersionID = "fv-2" },
		"key":          func(r *ProductionRun) { r.IdempotencyKey = "other" },
		"started_at": func(r *ProductionRun) {
			other := started.Add(time.Second)
			r.StartedAt = &other
		},
		"index decrease": func(r *ProductionRun) { r.CurrentStepIndex = 2 },
		"index overflow": func(r *ProductionRun) { r.CurrentStepIndex = FinalStepIndex + 1 },
	}
	for name, mutate := range cases {
		after := before
		mutate(&after)
		if err := EnsureRunImmutable(before, after); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEnsureRunImmutable_TerminalFrozen(t *testing.T) {
	before := testRun(RunStatusAborted, 5)
	ended := before.CreatedAt.Add(time.Hour)
	before.EndedAt = &ended

	after := before
	after.Status = RunStatusRunning
	if err := EnsureRunImmutable(before, after); err == nil {
		t.Fatalf("expected terminal run to be frozen")
	}
}

func TestStepExecutionClose(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	step, err := OpenStep("s-1", "run-1", 0, "weigh", "op-1", now)
	if err != nil {
		t.Fatalf("OpenStep() err=%v", err)
	}
	closed, err := step.Close(now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if closed.Status != StepStatusCompleted || closed.CompletedAt == nil {
		t.Fatalf("closed=%+v", closed)
	}
	if err := EnsureStepExecutionImmutable(step, closed); err != nil {
		t.Fatalf("close should be allowed: %v", err)
	}
	if _, err := closed.Close(now.Add(2 * time.Minute)); err == nil {
		t.Fatalf("expected second close to fail")
	}
	if err := EnsureStepExecutionImmutable(closed, step); err == nil {
		t.Fatalf("reopen should be rejected")
	}
	if _, err := OpenStep("s-2", "run-1", FinalStepIndex+1, "x", "op", now); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestNormalizeNote(t *testing.T) {
	if _, err := NormalizeNote("reason", "short", 10); err == nil {
		t.Fatalf("expected 5-character reason to be rejected")
	}
	if _, err := NormalizeNote("reason", "   padded   ", 10); err == nil {
		t.Fatalf("whitespace must not count toward the minimum")
	}
	got, err := NormalizeNote("reason", "  operator break 15 ", 10)
	if err != nil || got != "operator break 15" {
		t.Fatalf("NormalizeNote()=%q err=%v", got, err)
	}
	if _, err := NormalizeNote("reason", "ééééééééééé", 10); err != nil {
		t.Fatalf("multibyte characters should count once: %v", err)
	}
}

func TestNormalizeNote_MinimumCannotBeLoosened(t *testing.T) {
	for _, floor := range []int{-1, 0, 1, 9} {
		if _, err := NormalizeNote("reason", "too short", floor); err == nil {
			t.Fatalf("min=%d: expected 9-character note to fail", floor)
		}
	}
	if _, err := NormalizeNote("reason", "just enough", 3); err != nil {
		t.Fatalf("11-character note err=%v", err)
	}
}
