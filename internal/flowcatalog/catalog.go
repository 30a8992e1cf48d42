// Package flowcatalog reads flow version definitions from YAML so development and
// test deployments can seed the flow_versions table without the process definition service.
package flowcatalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/repo"
)

const SchemaV1 = "runengine.flows.v1"

type Catalog struct {
	Schema   string    `yaml:"schema"`
	Versions []Version `yaml:"flow_versions"`
}

type Version struct {
	ID          string            `yaml:"id"`
	FlowID      string            `yaml:"flow_id"`
	Version     int               `yaml:"version"`
	Status      string            `yaml:"status"`
	PublishedAt *time.Time        `yaml:"published_at,omitempty"`
	Nodes       []domain.FlowNode `yaml:"nodes"`
}

// Parse decodes and validates a catalog document.
func Parse(input []byte) ([]domain.FlowVersion, error) {
	var catalog Catalog
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode flow catalog: %w", err)
	}
	if strings.TrimSpace(catalog.Schema) != SchemaV1 {
		return nil, fmt.Errorf("catalog.schema must be %q", SchemaV1)
	}
	if len(catalog.Versions) == 0 {
		return nil, errors.New("catalog.flow_versions must be non-empty")
	}

	out := make([]domain.FlowVersion, 0, len(catalog.Versions))
	seen := make(map[string]struct{}, len(catalog.Versions))
	for i, v := range catalog.Versions {
		fv := domain.FlowVersion{
			ID:          strings.TrimSpace(v.ID),
			FlowID:      strings.TrimSpace(v.FlowID),
			Version:     v.Version,
			Status:      domain.FlowVersionStatus(strings.ToUpper(strings.TrimSpace(v.Status))),
			Nodes:       v.Nodes,
			PublishedAt: v.PublishedAt,
		}
		if err := fv.Validate(); err != nil {
			return nil, fmt.Errorf("flow_versions[%d]: %w", i, err)
		}
		if _, ok := seen[fv.ID]; ok {
			return nil, fmt.Errorf("flow_versions[%d]: duplicate id %q", i, fv.ID)
		}
		seen[fv.ID] = struct{}{}
		out = append(out, fv)
	}
	return out, nil
}

func ParseFile(path string) ([]domain.FlowVersion, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow catalog: %w", err)
	}
	return Parse(raw)
}

// Import upserts every version in one transaction.
func Import(ctx context.Context, store repo.Store, versions []domain.FlowVersion) error {
	return store.WithinTx(ctx, func(tx repo.Stores) error {
		for _, fv := range versions {
			if err := tx.Flows.UpsertFlowVersion(ctx, fv); err != nil {
				return fmt.Errorf("import %s: %w", fv.ID, err)
			}
		}
		return nil
	})
}
