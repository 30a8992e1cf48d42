package domain

import (
	"errors"
	"testing"
)

func TestNodeIDForStep(t *testing.T) {
	fv := FlowVersion{Nodes: []FlowNode{{ID: "weigh"}, {ID: "mix"}, {ID: " "}}}
	if got := fv.NodeIDForStep(1); got != "mix" {
		t.Fatalf("NodeIDForStep(1)=%q", got)
	}
	if got := fv.NodeIDForStep(2); got != "step-02" {
		t.Fatalf("blank node should fall back, got %q", got)
	}
	if got := fv.NodeIDForStep(10); got != "step-10" {
		t.Fatalf("NodeIDForStep(10)=%q", got)
	}
}

func TestFlowVersionValidate(t *testing.T) {
	fv := FlowVersion{ID: "fv-1", FlowID: "granulation", Version: 1, Status: FlowVersionPublished, Nodes: []FlowNode{{ID: "a"}, {ID: "b"}}}
	if err := fv.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	dup := fv
	dup.Nodes = []FlowNode{{ID: "a"}, {ID: "a"}}
	if err := dup.Validate(); err == nil {
		t.Fatalf("expected duplicate node error")
	}

	long := fv
	long.Nodes = make([]FlowNode, FinalStepIndex+2)
	for i := range long.Nodes {
		long.Nodes[i] = FlowNode{ID: SyntheticNodeID(i)}
	}
	if err := long.Validate(); err == nil {
		t.Fatalf("expected too many nodes error")
	}
}

func TestEnsurePublished(t *testing.T) {
	for _, status := range []FlowVersionStatus{FlowVersionDraft, FlowVersionArchived} {
		err := FlowVersion{ID: "fv", Status: status}.EnsurePublished()
		if !errors.Is(err, ErrFlowVersionNotPublished) {
			t.Fatalf("%s: err=%v", status, err)
		}
	}
	if err := (FlowVersion{ID: "fv", Status: FlowVersionPublished}).EnsurePublished(); err != nil {
		t.Fatalf("published: err=%v", err)
	}
}
