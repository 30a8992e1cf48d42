package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/animus-labs/runengine/internal/repo"
)

// Store binds the repositories to a *sql.DB and runs transactions at READ COMMITTED.
// Per-run serialization comes from SELECT ... FOR UPDATE, not from the isolation level.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func storesFor(db DB) repo.Stores {
	return repo.Stores{
		Runs:     NewRunStore(db),
		Steps:    NewStepExecutionStore(db),
		Flows:    NewFlowVersionStore(db),
		Counters: NewRunCodeCounterStore(db),
		Audit:    NewAuditAppender(db),
	}
}

func (s *Store) Stores() repo.Stores {
	return storesFor(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx repo.Stores) error) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(storesFor(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}
