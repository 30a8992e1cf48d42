package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/runengine/internal/auditexport"
	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/guard"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/repo"
)

const (
	tracerName          = "github.com/animus-labs/runengine/internal/service/runs"
	auditResourceType   = "production_run"
	maxIdempotencyKey   = 255
	defaultListLimit    = 100
	maxListLimit        = 500
	errConcurrentCreate = "concurrent create with the same idempotency key; retry"
)

var auditActions = map[domain.Transition]string{
	domain.TransitionStart:    "run.started",
	domain.TransitionAdvance:  "run.advanced",
	domain.TransitionHold:     "run.held",
	domain.TransitionResume:   "run.resumed",
	domain.TransitionComplete: "run.completed",
	domain.TransitionAbort:    "run.aborted",
}

// AuditInfo identifies who asked for an operation and from where.
type AuditInfo struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
}

type CreateInput struct {
	FlowVersionID  string
	SiteCode       string
	IdempotencyKey string
}

// CreateResult carries the run and whether this call created it. Created is false when the
// idempotency key was already bound to a run.
type CreateResult struct {
	Run     domain.ProductionRun
	Created bool
}

type Service struct {
	store    repo.Store
	guard    guard.Evaluator
	exporter auditexport.Exporter
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithGuard(ev guard.Evaluator) Option {
	return func(s *Service) {
		if ev != nil {
			s.guard = ev
		}
	}
}

func WithExporter(exp auditexport.Exporter) Option {
	return func(s *Service) {
		if exp != nil {
			s.exporter = exp
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock replaces time.Now; tests use it to pin the run code day.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func New(store repo.Store, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:    store,
		guard:    guard.AllowAll{},
		exporter: auditexport.NoopExporter{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens a new IDLE run pinned to a published flow version, or returns the run already
// bound to the idempotency key.
func (s *Service) Create(ctx context.Context, info AuditInfo, in CreateInput) (result CreateResult, err error) {
	ctx, span := s.tracer.Start(ctx, "runengine.run.create",
		trace.WithAttributes(attribute.String("runengine.flow_version.id", in.FlowVersionID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() { endSpan(span, err) }()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return CreateResult{}, domain.Validation("Idempotency-Key is required")
	}
	if len(key) > maxIdempotencyKey {
		return CreateResult{}, domain.Validation(fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKey))
	}
	flowVersionID := strings.TrimSpace(in.FlowVersionID)
	if flowVersionID == "" {
		return CreateResult{}, domain.Validation("flow_version_id is required")
	}
	site := s.cfg.SiteCode
	if strings.TrimSpace(in.SiteCode) != "" {
		site = in.SiteCode
	}
	site, err = domain.NormalizeSiteCode(site)
	if err != nil {
		return CreateResult{}, err
	}
	if err := requireActor(info); err != nil {
		return CreateResult{}, err
	}

	existing, err := s.store.Stores().Runs.GetRunByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Bool("runengine.run.replayed", true))
		return CreateResult{Run: existing}, nil
	case !errors.Is(err, repo.ErrNotFound):
		return CreateResult{}, storeError("lookup idempotency key", err)
	}

	var (
		created  domain.ProductionRun
		replayed bool
		record   auditlog.Record
	)
	errLostRace := errors.New("idempotency key taken")
	err = s.store.WithinTx(ctx, func(tx repo.Stores) error {
		prior, err := tx.Runs.GetRunByIdempotencyKey(ctx, key)
		if err == nil {
			created, replayed = prior, true
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return storeError("lookup idempotency key", err)
		}

		fv, err := tx.Flows.GetFlowVersion(ctx, flowVersionID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.FlowVersionNotFound(flowVersionID)
			}
			return storeError("load flow version", err)
		}
		if err := fv.EnsurePublished(); err != nil {
			return err
		}

		now := s.now()
		day := domain.CalendarDay(now, s.cfg.Location)
		seq, err := tx.Counters.NextSequence(ctx, day, site)
		if err != nil {
			return storeError("allocate run code", err)
		}
		code, err := domain.FormatRunCode(day, site, seq)
		if err != nil {
			return err
		}

		now = now.UTC()
		run := domain.ProductionRun{
			ID:               s.newID(),
			RunCode:          code,
			FlowVersionID:    fv.ID,
			SiteCode:         site,
			Status:           domain.RunStatusIdle,
			CurrentStepIndex: 0,
			IdempotencyKey:   key,
			CreatedBy:        info.Actor,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := run.Validate(); err != nil {
			return fmt.Errorf("build run: %w", err)
		}
		if err := tx.Runs.CreateRun(ctx, run); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return errLostRace
			}
			return storeError("insert run", err)
		}

		record, err = tx.Audit.Append(ctx, auditEvent(info, "run.created", run, now, map[string]any{
			"run_code":        run.RunCode,
			"flow_version_id": run.FlowVersionID,
			"site_code":       run.SiteCode,
			"idempotency_key": run.IdempotencyKey,
			"status":          run.Status,
		}))
		if err != nil {
			return storeError("append audit event", err)
		}
		created = run
		return nil
	})
	if errors.Is(err, errLostRace) {
		winner, lookupErr := s.store.Stores().Runs.GetRunByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			return CreateResult{}, domain.Transient(errConcurrentCreate, lookupErr)
		}
		span.SetAttributes(attribute.Bool("runengine.run.replayed", true))
		return CreateResult{Run: winner}, nil
	}
	if err != nil {
		return CreateResult{}, storeError("create run", err)
	}
	if replayed {
		span.SetAttributes(attribute.Bool("runengine.run.replayed", true))
		return CreateResult{Run: created}, nil
	}

	span.SetAttributes(attribute.String("runengine.run.id", created.ID), attribute.String("runengine.run.code", created.RunCode))
	s.logger.Info("run created",
		"run_id", created.ID,
		"run_code", created.RunCode,
		"flow_version_id", created.FlowVersionID,
		"actor", info.Actor,
		"request_id", info.RequestID,
	)
	s.export(ctx, record)
	return CreateResult{Run: created, Created: true}, nil
}

func (s *Service) Start(ctx context.Context, info AuditInfo, runID string) (domain.ProductionRun, error) {
	return s.transition(ctx, info, runID, domain.TransitionStart, "", "")
}

// Advance closes the current step and opens the next one once the guard clears it.
func (s *Service) Advance(ctx context.Context, info AuditInfo, runID string) (domain.ProductionRun, error) {
	return s.transition(ctx, info, runID, domain.TransitionAdvance, "", "")
}

func (s *Service) Hold(ctx context.Context, info AuditInfo, runID string, reason string) (domain.ProductionRun, error) {
	note, err := domain.NormalizeNote("reason", reason, s.cfg.NoteMinLength)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	return s.transition(ctx, info, runID, domain.TransitionHold, "reason", note)
}

func (s *Service) Resume(ctx context.Context, info AuditInfo, runID string, resolution string) (domain.ProductionRun, error) {
	note, err := domain.NormalizeNote("resolution", resolution, s.cfg.NoteMinLength)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	return s.transition(ctx, info, runID, domain.TransitionResume, "resolution", note)
}

func (s *Service) Complete(ctx context.Context, info AuditInfo, runID string) (domain.ProductionRun, error) {
	return s.transition(ctx, info, runID, domain.TransitionComplete, "", "")
}

func (s *Service) Abort(ctx context.Context, info AuditInfo, runID string, reason string) (domain.ProductionRun, error) {
	note, err := domain.NormalizeNote("reason", reason, s.cfg.NoteMinLength)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	return s.transition(ctx, info, runID, domain.TransitionAbort, "reason", note)
}

func (s *Service) Get(ctx context.Context, runID string) (domain.ProductionRun, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ProductionRun{}, domain.Validation("run id is required")
	}
	run, err := s.store.Stores().Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ProductionRun{}, domain.RunNotFound(runID)
		}
		return domain.ProductionRun{}, storeError("load run", err)
	}
	return run, nil
}

// List returns runs newest first. A zero limit means the default page size.
func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]domain.ProductionRun, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Validation(fmt.Sprintf("unknown run status %q", filter.Status))
	}
	switch {
	case filter.Limit < 0:
		return nil, domain.Validation("limit must be positive")
	case filter.Limit == 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	runs, err := s.store.Stores().Runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	return runs, nil
}

// Steps returns the step executions of a run ordered by step index.
func (s *Service) Steps(ctx context.Context, runID string) ([]domain.RunStepExecution, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.Stores().Steps.ListByRun(ctx, run.ID)
	if err != nil {
		return nil, storeError("list step executions", err)
	}
	return steps, nil
}

func (s *Service) GetFlowVersion(ctx context.Context, id string) (domain.FlowVersion, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.FlowVersion{}, domain.Validation("flow version id is required")
	}
	fv, err := s.store.Stores().Flows.GetFlowVersion(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.FlowVersion{}, domain.FlowVersionNotFound(id)
		}
		return domain.FlowVersion{}, storeError("load flow version", err)
	}
	return fv, nil
}

// Ready reports whether the backing store answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) transition(ctx context.Context, info AuditInfo, runID string, t domain.Transition, noteField string, note string) (result domain.ProductionRun, err error) {
	ctx, span := s.tracer.Start(ctx, "runengine.run."+string(t),
		trace.WithAttributes(
			attribute.String("runengine.run.id", runID),
			attribute.String("runengine.transition", string(t)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() { endSpan(span, err) }()

	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ProductionRun{}, domain.Validation("run id is required")
	}
	if err := requireActor(info); err != nil {
		return domain.ProductionRun{}, err
	}

	var (
		before domain.ProductionRun
		after  domain.ProductionRun
		record auditlog.Record
	)
	err = s.store.WithinTx(ctx, func(tx repo.Stores) error {
		run, err := tx.Runs.GetRunForUpdate(ctx, runID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.RunNotFound(runID)
			}
			return storeError("lock run", err)
		}
		if err := domain.CheckTransition(run, t); err != nil {
			return err
		}

		var fv domain.FlowVersion
		if t != domain.TransitionHold && t != domain.TransitionResume && t != domain.TransitionAbort {
			fv, err = tx.Flows.GetFlowVersion(ctx, run.FlowVersionID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return domain.FlowVersionNotFound(run.FlowVersionID)
				}
				return storeError("load flow version", err)
			}
		}

		if t.Guarded() {
			if err := s.checkGuard(ctx, run, fv, t); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		next, err := domain.Apply(run, t, info.Actor, now)
		if err != nil {
			return err
		}
		if err := tx.Runs.UpdateRun(ctx, next); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.RunNotFound(runID)
			}
			return storeError("update run", err)
		}
		if err := s.moveSteps(ctx, tx, run, next, fv, info.Actor, now); err != nil {
			return err
		}

		payload := map[string]any{
			"run_code":    next.RunCode,
			"from_status": run.Status,
			"to_status":   next.Status,
			"from_step":   run.CurrentStepIndex,
			"to_step":     next.CurrentStepIndex,
		}
		if noteField != "" {
			payload[noteField] = note
		}
		record, err = tx.Audit.Append(ctx, auditEvent(info, auditActions[t], next, now, payload))
		if err != nil {
			return storeError("append audit event", err)
		}
		before, after = run, next
		return nil
	})
	if err != nil {
		return domain.ProductionRun{}, storeError(string(t)+" run", err)
	}

	span.SetAttributes(
		attribute.String("runengine.run.code", after.RunCode),
		attribute.Int("runengine.run.step_index", after.CurrentStepIndex),
	)
	s.logger.Info("run transition",
		"run_id", after.ID,
		"run_code", after.RunCode,
		"transition", string(t),
		"from", string(before.Status),
		"to", string(after.Status),
		"step_index", after.CurrentStepIndex,
		"actor", info.Actor,
		"request_id", info.RequestID,
	)
	s.export(ctx, record)
	return after, nil
}

// moveSteps keeps step executions in line with the run: start opens step 0, advance closes the
// outgoing step and opens the next, complete closes the final step.
func (s *Service) moveSteps(ctx context.Context, tx repo.Stores, before, after domain.ProductionRun, fv domain.FlowVersion, actor string, now time.Time) error {
	closeStep := func(index int) error {
		if _, err := tx.Steps.CloseStep(ctx, after.ID, index, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("run %s has no open step %d", after.ID, index)
			}
			return storeError("close step", err)
		}
		return nil
	}
	openStep := func(index int) error {
		step, err := domain.OpenStep(s.newID(), after.ID, index, fv.NodeIDForStep(index), actor, now)
		if err != nil {
			return err
		}
		if err := tx.Steps.OpenStep(ctx, step); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return fmt.Errorf("run %s already has step %d: %w", after.ID, index, err)
			}
			return storeError("open step", err)
		}
		return nil
	}

	switch {
	case before.Status == domain.RunStatusIdle && after.Status == domain.RunStatusRunning:
		return openStep(0)
	case after.Status == domain.RunStatusRunning && after.CurrentStepIndex == before.CurrentStepIndex+1:
		if err := closeStep(before.CurrentStepIndex); err != nil {
			return err
		}
		return openStep(after.CurrentStepIndex)
	case after.Status == domain.RunStatusCompleted:
		return closeStep(before.CurrentStepIndex)
	}
	return nil
}

func (s *Service) checkGuard(ctx context.Context, run domain.ProductionRun, fv domain.FlowVersion, t domain.Transition) error {
	check := guard.Check{
		RunID:      run.ID,
		RunCode:    run.RunCode,
		StepIndex:  run.CurrentStepIndex,
		NodeID:     fv.NodeIDForStep(run.CurrentStepIndex),
		Transition: t,
	}
	verdict, err := s.guard.CheckStep(ctx, check)
	if err != nil {
		return domain.Transient("guard evaluator unavailable", err)
	}
	if !verdict.Clear {
		return domain.GuardBlocked(run.CurrentStepIndex, verdict.Reason)
	}
	return nil
}

// export runs after commit; a failed export leaves the committed record in the store.
func (s *Service) export(ctx context.Context, record auditlog.Record) {
	if err := s.exporter.Export(context.WithoutCancel(ctx), record); err != nil {
		s.logger.Warn("audit export failed",
			"event_id", record.EventID,
			"action", record.Action,
			"resource_id", record.ResourceID,
			"error", err,
		)
	}
}

func auditEvent(info AuditInfo, action string, run domain.ProductionRun, now time.Time, payload map[string]any) auditlog.Event {
	return auditlog.Event{
		OccurredAt:   now,
		Actor:        info.Actor,
		Action:       action,
		ResourceType: auditResourceType,
		ResourceID:   run.ID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload:      payload,
	}
}

func requireActor(info AuditInfo) error {
	if strings.TrimSpace(info.Actor) == "" {
		return domain.Validation("actor is required")
	}
	return nil
}

// storeError keeps coded errors as they are and turns retryable store failures into
// transient ones. Anything else surfaces as an internal failure.
func storeError(op string, err error) error {
	if _, ok := domain.AsError(err); ok {
		return err
	}
	if errors.Is(err, repo.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(op+": store unavailable, retry", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
