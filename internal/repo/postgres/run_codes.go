package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
)

type RunCodeCounterStore struct {
	db DB
}

// nextRunCodeSequenceQuery takes the (day, site) row lock for the rest of the transaction.
// A missing row is seeded from the highest code already issued for the prefix, so counters
// introduced on a populated table never hand out a used number.
const nextRunCodeSequenceQuery = `INSERT INTO run_code_counters (day, site_code, last_seq)
	VALUES (
		$1::date,
		$2,
		COALESCE((
			SELECT MAX(CAST(RIGHT(run_code, 4) AS INTEGER))
			FROM production_runs
			WHERE run_code LIKE $3
		), 0) + 1
	)
	ON CONFLICT (day, site_code) DO UPDATE SET last_seq = run_code_counters.last_seq + 1
	RETURNING last_seq`

const runCodeDayFormat = "2006-01-02"

func NewRunCodeCounterStore(db DB) *RunCodeCounterStore {
	if db == nil {
		return nil
	}
	return &RunCodeCounterStore{db: db}
}

// NextSequence returns the next sequence for the calendar day of day (in its own location) and site.
func (s *RunCodeCounterStore) NextSequence(ctx context.Context, day time.Time, siteCode string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("run code counter store not initialized")
	}
	prefix := domain.RunCodePrefix(day, siteCode)
	var seq int
	err := s.db.QueryRowContext(ctx, nextRunCodeSequenceQuery, day.Format(runCodeDayFormat), siteCode, prefix+"%").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next run code sequence for %s: %w", prefix, classify(err))
	}
	return seq, nil
}
