package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/animus-labs/runengine/internal/domain"
)

type FlowVersionStore struct {
	db DB
}

const (
	selectFlowVersionQuery = `SELECT flow_version_id, flow_id, version, status, nodes, published_at, created_at
	 FROM flow_versions
	 WHERE flow_version_id = $1`

	// Published versions are immutable; only DRAFT rows may be rewritten and any row may be archived.
	upsertFlowVersionQuery = `INSERT INTO flow_versions (flow_version_id, flow_id, version, status, nodes, published_at, created_at)
	 VALUES ($1,$2,$3,$4,$5,$6,$7)
	 ON CONFLICT (flow_version_id) DO UPDATE SET
		status = EXCLUDED.status,
		nodes = CASE WHEN flow_versions.status = 'DRAFT' THEN EXCLUDED.nodes ELSE flow_versions.nodes END,
		published_at = COALESCE(flow_versions.published_at, EXCLUDED.published_at)
	 WHERE flow_versions.flow_id = EXCLUDED.flow_id
	   AND flow_versions.version = EXCLUDED.version
	   AND (flow_versions.status = 'DRAFT' OR EXCLUDED.status IN (flow_versions.status, 'ARCHIVED'))
	 RETURNING flow_version_id`
)

func NewFlowVersionStore(db DB) *FlowVersionStore {
	if db == nil {
		return nil
	}
	return &FlowVersionStore{db: db}
}

func (s *FlowVersionStore) GetFlowVersion(ctx context.Context, id string) (domain.FlowVersion, error) {
	if s == nil || s.db == nil {
		return domain.FlowVersion{}, errors.New("flow version store not initialized")
	}
	var fv domain.FlowVersion
	var status string
	var nodes []byte
	var publishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, selectFlowVersionQuery, id).Scan(
		&fv.ID,
		&fv.FlowID,
		&fv.Version,
		&status,
		&nodes,
		&publishedAt,
		&fv.CreatedAt,
	)
	if err != nil {
		return domain.FlowVersion{}, handleNotFound(err)
	}
	fv.Status = domain.FlowVersionStatus(status)
	fv.PublishedAt = timePtr(publishedAt)
	fv.CreatedAt = fv.CreatedAt.UTC()
	if len(nodes) > 0 {
		if err := json.Unmarshal(nodes, &fv.Nodes); err != nil {
			return domain.FlowVersion{}, fmt.Errorf("decode nodes of flow version %s: %w", fv.ID, err)
		}
	}
	return fv, nil
}

// UpsertFlowVersion inserts fv or applies an allowed status change to an existing row.
func (s *FlowVersionStore) UpsertFlowVersion(ctx context.Context, fv domain.FlowVersion) error {
	if s == nil || s.db == nil {
		return errors.New("flow version store not initialized")
	}
	if err := fv.Validate(); err != nil {
		return err
	}
	nodes := fv.Nodes
	if nodes == nil {
		nodes = []domain.FlowNode{}
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	publishedAt := fv.PublishedAt
	if fv.Status == domain.FlowVersionPublished && publishedAt == nil {
		now := normalizeTime(fv.CreatedAt)
		publishedAt = &now
	}

	var id string
	err = s.db.QueryRowContext(
		ctx,
		upsertFlowVersionQuery,
		fv.ID,
		fv.FlowID,
		fv.Version,
		string(fv.Status),
		nodesJSON,
		nullTime(publishedAt),
		normalizeTime(fv.CreatedAt),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("flow version %s: identity is fixed and published definitions only move to ARCHIVED", fv.ID)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("flow version %s: flow %s version %d already exists", fv.ID, fv.FlowID, fv.Version)
		}
		return fmt.Errorf("upsert flow version: %w", classify(err))
	}
	return nil
}
