package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is a unique-constraint collision, e.g. a concurrent create with the same idempotency key.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks failures worth retrying by the caller: lost connections, serialization and lock timeouts.
	ErrTransient = errors.New("transient store failure")
)

type RunFilter struct {
	Status domain.RunStatus
	Limit  int
}

// RunRepository manages production runs. GetRunForUpdate locks the row until the transaction ends.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.ProductionRun) error
	GetRun(ctx context.Context, id string) (domain.ProductionRun, error)
	GetRunForUpdate(ctx context.Context, id string) (domain.ProductionRun, error)
	GetRunByIdempotencyKey(ctx context.Context, key string) (domain.ProductionRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.ProductionRun, error)
	UpdateRun(ctx context.Context, run domain.ProductionRun) error
}

// StepExecutionRepository tracks per-step rows of a run.
type StepExecutionRepository interface {
	OpenStep(ctx context.Context, step domain.RunStepExecution) error
	CloseStep(ctx context.Context, runID string, stepIndex int, completedAt time.Time) (domain.RunStepExecution, error)
	ListByRun(ctx context.Context, runID string) ([]domain.RunStepExecution, error)
}

type FlowVersionRepository interface {
	GetFlowVersion(ctx context.Context, id string) (domain.FlowVersion, error)
	UpsertFlowVersion(ctx context.Context, fv domain.FlowVersion) error
}

// RunCodeCounter hands out per-(day, site) run code sequences. The increment belongs to the
// surrounding transaction and is returned on rollback.
type RunCodeCounter interface {
	NextSequence(ctx context.Context, day time.Time, siteCode string) (int, error)
}

// AuditAppender ensures append-only audit writes.
type AuditAppender interface {
	Append(ctx context.Context, event auditlog.Event) (auditlog.Record, error)
}

// Stores groups the repositories bound to one connection or transaction.
type Stores struct {
	Runs     RunRepository
	Steps    StepExecutionRepository
	Flows    FlowVersionRepository
	Counters RunCodeCounter
	Audit    AuditAppender
}

// Store is the transactional entry point. Stores returns repositories outside any transaction
// for reads; WithinTx commits when fn returns nil and rolls back otherwise.
type Store interface {
	Stores() Stores
	WithinTx(ctx context.Context, fn func(tx Stores) error) error
	Ping(ctx context.Context) error
}
