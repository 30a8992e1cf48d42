package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/platform/httpserver"
	"github.com/animus-labs/runengine/internal/repo"
	"github.com/animus-labs/runengine/internal/service/runs"
)

//go:embed openapi.yaml
var openAPISpec []byte

const (
	headerIdempotencyKey   = "Idempotency-Key"
	headerIdempotentReplay = "Idempotent-Replayed"
	maxRequestBody         = 1 << 20
)

type runAPI struct {
	logger *slog.Logger
	runs   *runs.Service
}

func newRunAPI(logger *slog.Logger, svc *runs.Service) *runAPI {
	return &runAPI{logger: logger, runs: svc}
}

func (api *runAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/steps", api.handleListSteps)

	mux.HandleFunc("POST /runs/{run_id}/start", api.handleStart)
	mux.HandleFunc("POST /runs/{run_id}/advance", api.handleAdvance)
	mux.HandleFunc("POST /runs/{run_id}/hold", api.handleHold)
	mux.HandleFunc("POST /runs/{run_id}/resume", api.handleResume)
	mux.HandleFunc("POST /runs/{run_id}/complete", api.handleComplete)
	mux.HandleFunc("POST /runs/{run_id}/abort", api.handleAbort)

	mux.HandleFunc("GET /flow-versions/{flow_version_id}", api.handleGetFlowVersion)
}

type runResponse struct {
	ID               string     `json:"id"`
	RunCode          string     `json:"run_code"`
	FlowVersionID    string     `json:"flow_version_id"`
	SiteCode         string     `json:"site_code"`
	Status           string     `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	IdempotencyKey   string     `json:"idempotency_key"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedBy        string     `json:"started_by,omitempty"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	EndedAt          *time.Time `json:"ended_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type createRunResponse struct {
	runResponse
	Created bool `json:"created"`
}

type stepResponse struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	StepIndex   int        `json:"step_index"`
	NodeID      string     `json:"node_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	OperatorID  string     `json:"operator_id,omitempty"`
}

type flowVersionResponse struct {
	ID          string            `json:"id"`
	FlowID      string            `json:"flow_id"`
	Version     int               `json:"version"`
	Status      string            `json:"status"`
	PublishedAt *time.Time        `json:"published_at"`
	Nodes       []domain.FlowNode `json:"nodes"`
}

type createRunRequest struct {
	FlowVersionID string `json:"flow_version_id"`
	SiteCode      string `json:"site_code,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type resolutionRequest struct {
	Resolution string `json:"resolution"`
}

func toRunResponse(run domain.ProductionRun) runResponse {
	return runResponse{
		ID:               run.ID,
		RunCode:          run.RunCode,
		FlowVersionID:    run.FlowVersionID,
		SiteCode:         run.SiteCode,
		Status:           string(run.Status),
		CurrentStepIndex: run.CurrentStepIndex,
		IdempotencyKey:   run.IdempotencyKey,
		CreatedBy:        run.CreatedBy,
		CreatedAt:        run.CreatedAt.UTC(),
		StartedBy:        run.StartedBy,
		StartedAt:        utcPtr(run.StartedAt),
		CompletedAt:      utcPtr(run.CompletedAt),
		EndedAt:          utcPtr(run.EndedAt),
		UpdatedAt:        run.UpdatedAt.UTC(),
	}
}

func toStepResponse(step domain.RunStepExecution) stepResponse {
	return stepResponse{
		ID:          step.ID,
		RunID:       step.RunID,
		StepIndex:   step.StepIndex,
		NodeID:      step.NodeID,
		Status:      string(step.Status),
		StartedAt:   step.StartedAt.UTC(),
		CompletedAt: utcPtr(step.CompletedAt),
		OperatorID:  step.OperatorID,
	}
}

func (api *runAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	info, ok := api.auditInfo(w, r)
	if !ok {
		return
	}
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	result, err := api.runs.Create(r.Context(), info, runs.CreateInput{
		FlowVersionID:  req.FlowVersionID,
		SiteCode:       req.SiteCode,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
		w.Header().Set(headerIdempotentReplay, "true")
	}
	httpserver.WriteJSON(w, status, createRunResponse{runResponse: toRunResponse(result.Run), Created: result.Created})
}

func (api *runAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var filter repo.RunFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := domain.ParseRunStatus(raw)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			api.writeError(w, r, http.StatusBadRequest, domain.CodeValidation, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	list, err := api.runs.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(list))
	for _, run := range list {
		out = append(out, toRunResponse(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *runAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *runAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	steps, err := api.runs.Steps(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]stepResponse, 0, len(steps))
	for _, step := range steps {
		out = append(out, toStepResponse(step))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"run_id": runID, "steps": out})
}

func (api *runAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	api.transition(w, r, func(info runs.AuditInfo, runID string) (domain.ProductionRun, error) {
		return api.runs.Start(r.Context(), info, runID)
	})
}

func (api *runAPI) handleAdvance(w http.ResponseWriter, r *http.Request) {
	api.transition(w, r, func(info runs.AuditInfo, runID string) (domain.ProductionRun, error) {
		return api.runs.Advance(r.Context(), info, runID)
	})
}

func (api *runAPI) handleComplete(w http.ResponseWriter, r *http.Request) {
	api.transition(w, r, func(info runs.AuditInfo, runID string) (domain.ProductionRun, error) {
		return api.runs.Complete(r.Context(), info, runID)
	})
}

func (api *runAPI) handleHold(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	api.transition(w, r, func(info runs.AuditInfo, runID string) (domain.ProductionRun, error) {
		return api.runs.Hold(r.Context(), info, runID, req.Reason)
	})
}

func (api *runAPI) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	api.transition(w, r, func(info runs.AuditInfo, runID string) (domain.ProductionRun, error) {
		return api.runs.Resume(r.Context(), info, runID, req.Resolution)
	})
}

func (api *runAPI) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	api.transition(w, r, func(info runs.AuditInfo, runID string) (domain.ProductionRun, error) {
		return api.runs.Abort(r.Context(), info, runID, req.Reason)
	})
}

func (api *runAPI) transition(w http.ResponseWriter, r *http.Request, apply func(info runs.AuditInfo, runID string) (domain.ProductionRun, error)) {
	info, ok := api.auditInfo(w, r)
	if !ok {
		return
	}
	run, err := apply(info, r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *runAPI) handleGetFlowVersion(w http.ResponseWriter, r *http.Request) {
	fv, err := api.runs.GetFlowVersion(r.Context(), r.PathValue("flow_version_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	nodes := fv.Nodes
	if nodes == nil {
		nodes = []domain.FlowNode{}
	}
	httpserver.WriteJSON(w, http.StatusOK, flowVersionResponse{
		ID:          fv.ID,
		FlowID:      fv.FlowID,
		Version:     fv.Version,
		Status:      string(fv.Status),
		PublishedAt: utcPtr(fv.PublishedAt),
		Nodes:       nodes,
	})
}

// auditInfo takes the actor from the authenticated identity. A mutation without one is a wiring bug.
func (api *runAPI) auditInfo(w http.ResponseWriter, r *http.Request) (runs.AuditInfo, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "")
		return runs.AuditInfo{}, false
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	return runs.AuditInfo{
		Actor:     identity.Subject,
		RequestID: requestID,
		IP:        auditlog.RequestIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}, true
}

func (api *runAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("request failed", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}

	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindPrecondition, domain.KindGuard, domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindTransient:
		status = http.StatusServiceUnavailable
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Warn("transient failure", "request_id", requestID, "path", r.URL.Path, "error", err)
	}
	if status == http.StatusInternalServerError {
		api.writeError(w, r, status, "internal_error", "")
		return
	}

	body := map[string]any{
		"error":   de.Code,
		"message": de.Message,
	}
	if de.BlockedByGuard {
		body["blocked_by_guard"] = true
	}
	api.writeBody(w, r, status, body)
}

func (api *runAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	body := map[string]any{"error": code}
	if message != "" {
		body["message"] = message
	}
	api.writeBody(w, r, status, body)
}

func (api *runAPI) writeBody(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	body["request_id"] = requestID
	httpserver.WriteJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
