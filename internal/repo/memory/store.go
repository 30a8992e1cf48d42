// Package memory is an in-process implementation of the repositories. A transaction holds a
// store-wide lock for its whole duration and restores a snapshot on rollback, which gives the
// same per-run serialization as row locks in PostgreSQL.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/repo"
)

type counterKey struct {
	day  string
	site string
}

type state struct {
	runs        map[string]domain.ProductionRun
	runsByKey   map[string]string
	runCodes    map[string]string
	steps       map[string][]domain.RunStepExecution
	flows       map[string]domain.FlowVersion
	counters    map[counterKey]int
	audit       []auditlog.Record
	nextEventID int64
}

func newState() *state {
	return &state{
		runs:      make(map[string]domain.ProductionRun),
		runsByKey: make(map[string]string),
		runCodes:  make(map[string]string),
		steps:     make(map[string][]domain.RunStepExecution),
		flows:     make(map[string]domain.FlowVersion),
		counters:  make(map[counterKey]int),
	}
}

func (s *state) clone() *state {
	out := &state{
		runs:        make(map[string]domain.ProductionRun, len(s.runs)),
		runsByKey:   make(map[string]string, len(s.runsByKey)),
		runCodes:    make(map[string]string, len(s.runCodes)),
		steps:       make(map[string][]domain.RunStepExecution, len(s.steps)),
		flows:       make(map[string]domain.FlowVersion, len(s.flows)),
		counters:    make(map[counterKey]int, len(s.counters)),
		audit:       append([]auditlog.Record(nil), s.audit...),
		nextEventID: s.nextEventID,
	}
	for k, v := range s.runs {
		out.runs[k] = v
	}
	for k, v := range s.runsByKey {
		out.runsByKey[k] = v
	}
	for k, v := range s.runCodes {
		out.runCodes[k] = v
	}
	for k, v := range s.steps {
		out.steps[k] = append([]domain.RunStepExecution(nil), v...)
	}
	for k, v := range s.flows {
		out.flows[k] = v
	}
	for k, v := range s.counters {
		out.counters[k] = v
	}
	return out
}

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Stores returns repositories that take the store lock per call.
func (s *Store) Stores() repo.Stores {
	return storesFor(&view{store: s})
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx repo.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w: %w", repo.ErrTransient, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	v := &view{store: s, inTx: true}
	err := fn(storesFor(v))
	v.closed = true
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("commit: %w: %w", repo.ErrTransient, ctxErr)
		}
	}
	if err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// AuditRecords returns a copy of every appended audit record, oldest first.
func (s *Store) AuditRecords() []auditlog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auditlog.Record(nil), s.state.audit...)
}

func storesFor(v *view) repo.Stores {
	return repo.Stores{
		Runs:     runStore{v},
		Steps:    stepStore{v},
		Flows:    flowStore{v},
		Counters: counterStore{v},
		Audit:    auditStore{v},
	}
}

// view is either bound to a running transaction (lock already held) or locks per call.
type view struct {
	store  *Store
	inTx   bool
	closed bool
}

func (v *view) acquire() (*state, func(), error) {
	if v.inTx {
		if v.closed {
			return nil, nil, errors.New("transaction already finished")
		}
		return v.store.state, func() {}, nil
	}
	v.store.mu.Lock()
	return v.store.state, v.store.mu.Unlock, nil
}

type runStore struct{ v *view }

func (r runStore) CreateRun(ctx context.Context, run domain.ProductionRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	st, release, err := r.v.acquire()
	if err != nil {
		return err
	}
	defer release()

	if _, ok := st.runs[run.ID]; ok {
		return fmt.Errorf("insert run: %w", repo.ErrConflict)
	}
	if _, ok := st.runsByKey[run.IdempotencyKey]; ok {
		return fmt.Errorf("insert run: %w", repo.ErrConflict)
	}
	if _, ok := st.runCodes[run.RunCode]; ok {
		return fmt.Errorf("insert run: %w", repo.ErrConflict)
	}
	if _, ok := st.flows[run.FlowVersionID]; !ok {
		return fmt.Errorf("insert run: flow version %q: %w", run.FlowVersionID, repo.ErrNotFound)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	st.runs[run.ID] = run
	st.runsByKey[run.IdempotencyKey] = run.ID
	st.runCodes[run.RunCode] = run.ID
	return nil
}

func (r runStore) GetRun(ctx context.Context, id string) (domain.ProductionRun, error) {
	st, release, err := r.v.acquire()
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer release()
	run, ok := st.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.ProductionRun{}, repo.ErrNotFound
	}
	return run, nil
}

// GetRunForUpdate is GetRun; the transaction already holds the store lock.
func (r runStore) GetRunForUpdate(ctx context.Context, id string) (domain.ProductionRun, error) {
	return r.GetRun(ctx, id)
}

func (r runStore) GetRunByIdempotencyKey(ctx context.Context, key string) (domain.ProductionRun, error) {
	st, release, err := r.v.acquire()
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer release()
	id, ok := st.runsByKey[strings.TrimSpace(key)]
	if !ok {
		return domain.ProductionRun{}, repo.ErrNotFound
	}
	return st.runs[id], nil
}

func (r runStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ProductionRun, error) {
	st, release, err := r.v.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]domain.ProductionRun, 0, len(st.runs))
	for _, run := range st.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r runStore) UpdateRun(ctx context.Context, run domain.ProductionRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	st, release, err := r.v.acquire()
	if err != nil {
		return err
	}
	defer release()
	before, ok := st.runs[run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if err := domain.EnsureRunImmutable(before, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	st.runs[run.ID] = run
	return nil
}

type stepStore struct{ v *view }

func (s stepStore) OpenStep(ctx context.Context, step domain.RunStepExecution) error {
	if step.Status != domain.StepStatusInProgress {
		return fmt.Errorf("new step must be %s (got %s)", domain.StepStatusInProgress, step.Status)
	}
	st, release, err := s.v.acquire()
	if err != nil {
		return err
	}
	defer release()

	if _, ok := st.runs[step.RunID]; !ok {
		return fmt.Errorf("open step: run %q: %w", step.RunID, repo.ErrNotFound)
	}
	for _, existing := range st.steps[step.RunID] {
		if existing.StepIndex == step.StepIndex || existing.Status == domain.StepStatusInProgress {
			return fmt.Errorf("open step %d of run %s: %w", step.StepIndex, step.RunID, repo.ErrConflict)
		}
	}
	step.StartedAt = step.StartedAt.UTC()
	st.steps[step.RunID] = append(st.steps[step.RunID], step)
	return nil
}

func (s stepStore) CloseStep(ctx context.Context, runID string, stepIndex int, completedAt time.Time) (domain.RunStepExecution, error) {
	st, release, err := s.v.acquire()
	if err != nil {
		return domain.RunStepExecution{}, err
	}
	defer release()

	steps := st.steps[runID]
	for i, step := range steps {
		if step.StepIndex != stepIndex || step.Status != domain.StepStatusInProgress {
			continue
		}
		closed, err := step.Close(completedAt)
		if err != nil {
			return domain.RunStepExecution{}, err
		}
		steps[i] = closed
		return closed, nil
	}
	return domain.RunStepExecution{}, fmt.Errorf("close step %d of run %s: %w", stepIndex, runID, repo.ErrNotFound)
}

func (s stepStore) ListByRun(ctx context.Context, runID string) ([]domain.RunStepExecution, error) {
	st, release, err := s.v.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	out := append([]domain.RunStepExecution(nil), st.steps[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

type flowStore struct{ v *view }

func (f flowStore) GetFlowVersion(ctx context.Context, id string) (domain.FlowVersion, error) {
	st, release, err := f.v.acquire()
	if err != nil {
		return domain.FlowVersion{}, err
	}
	defer release()
	fv, ok := st.flows[strings.TrimSpace(id)]
	if !ok {
		return domain.FlowVersion{}, repo.ErrNotFound
	}
	fv.Nodes = append([]domain.FlowNode(nil), fv.Nodes...)
	return fv, nil
}

func (f flowStore) UpsertFlowVersion(ctx context.Context, fv domain.FlowVersion) error {
	if err := fv.Validate(); err != nil {
		return err
	}
	st, release, err := f.v.acquire()
	if err != nil {
		return err
	}
	defer release()

	fv.Nodes = append([]domain.FlowNode(nil), fv.Nodes...)
	if fv.CreatedAt.IsZero() {
		fv.CreatedAt = f.v.store.now().UTC()
	}
	if fv.Status == domain.FlowVersionPublished && fv.PublishedAt == nil {
		at := fv.CreatedAt
		fv.PublishedAt = &at
	}
	existing, ok := st.flows[fv.ID]
	if !ok {
		for _, other := range st.flows {
			if other.FlowID == fv.FlowID && other.Version == fv.Version {
				return fmt.Errorf("flow version %s: flow %s version %d already exists", fv.ID, fv.FlowID, fv.Version)
			}
		}
		st.flows[fv.ID] = fv
		return nil
	}
	if existing.FlowID != fv.FlowID || existing.Version != fv.Version {
		return fmt.Errorf("flow version %s: identity is fixed and published definitions only move to ARCHIVED", fv.ID)
	}
	if existing.Status != domain.FlowVersionDraft {
		if fv.Status != existing.Status && fv.Status != domain.FlowVersionArchived {
			return fmt.Errorf("flow version %s: identity is fixed and published definitions only move to ARCHIVED", fv.ID)
		}
		fv.Nodes = existing.Nodes
	}
	fv.CreatedAt = existing.CreatedAt
	if existing.PublishedAt != nil {
		fv.PublishedAt = existing.PublishedAt
	}
	st.flows[fv.ID] = fv
	return nil
}

type counterStore struct{ v *view }

func (c counterStore) NextSequence(ctx context.Context, day time.Time, siteCode string) (int, error) {
	st, release, err := c.v.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	key := counterKey{day: day.Format("2006-01-02"), site: siteCode}
	last, ok := st.counters[key]
	if !ok {
		prefix := domain.RunCodePrefix(day, siteCode)
		for code := range st.runCodes {
			if !strings.HasPrefix(code, prefix) {
				continue
			}
			if parts, err := domain.ParseRunCode(code); err == nil && parts.Sequence > last {
				last = parts.Sequence
			}
		}
	}
	last++
	st.counters[key] = last
	return last, nil
}

type auditStore struct{ v *view }

func (a auditStore) Append(ctx context.Context, event auditlog.Event) (auditlog.Record, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.v.store.now().UTC()
	}
	record, err := auditlog.Prepare(event)
	if err != nil {
		return auditlog.Record{}, fmt.Errorf("append audit event: %w", err)
	}
	st, release, err := a.v.acquire()
	if err != nil {
		return auditlog.Record{}, err
	}
	defer release()
	st.nextEventID++
	record.EventID = st.nextEventID
	st.audit = append(st.audit, record)
	return record, nil
}
