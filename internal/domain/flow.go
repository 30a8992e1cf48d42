package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type FlowVersionStatus string

const (
	FlowVersionDraft     FlowVersionStatus = "DRAFT"
	FlowVersionPublished FlowVersionStatus = "PUBLISHED"
	FlowVersionArchived  FlowVersionStatus = "ARCHIVED"
)

func (s FlowVersionStatus) Valid() bool {
	switch s {
	case FlowVersionDraft, FlowVersionPublished, FlowVersionArchived:
		return true
	default:
		return false
	}
}

type FlowNode struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// FlowVersion is an immutable process definition a run pins to. Nodes are ordered by step index.
type FlowVersion struct {
	ID          string
	FlowID      string
	Version     int
	Status      FlowVersionStatus
	Nodes       []FlowNode
	PublishedAt *time.Time
	CreatedAt   time.Time
}

func (f FlowVersion) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("flow version id is required")
	}
	if strings.TrimSpace(f.FlowID) == "" {
		return errors.New("flow id is required")
	}
	if f.Version < 1 {
		return fmt.Errorf("flow version number must be >= 1 (got %d)", f.Version)
	}
	if !f.Status.Valid() {
		return fmt.Errorf("flow version status %q is invalid", f.Status)
	}
	if len(f.Nodes) > FinalStepIndex+1 {
		return fmt.Errorf("flow version has %d nodes; at most %d steps are supported", len(f.Nodes), FinalStepIndex+1)
	}
	seen := make(map[string]struct{}, len(f.Nodes))
	for i, node := range f.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return fmt.Errorf("node %d: id is required", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("node %d: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// EnsurePublished rejects pins to anything but a PUBLISHED version.
func (f FlowVersion) EnsurePublished() error {
	if f.Status != FlowVersionPublished {
		return FlowVersionNotPublished(f.ID, f.Status)
	}
	return nil
}

// NodeIDForStep returns the node for step index, or a synthetic "step-NN" id when the flow is shorter.
func (f FlowVersion) NodeIDForStep(index int) string {
	if index >= 0 && index < len(f.Nodes) {
		if id := strings.TrimSpace(f.Nodes[index].ID); id != "" {
			return id
		}
	}
	return SyntheticNodeID(index)
}

func SyntheticNodeID(index int) string {
	return fmt.Sprintf("step-%02d", index)
}
