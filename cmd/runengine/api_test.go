package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/guard"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/platform/httpserver"
	"github.com/animus-labs/runengine/internal/platform/openapi"
	"github.com/animus-labs/runengine/internal/repo/memory"
	"github.com/animus-labs/runengine/internal/service/runs"
)

type testServer struct {
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T, roles []string, opts ...runs.Option) testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	err := store.Stores().Flows.UpsertFlowVersion(ctx, domain.FlowVersion{
		ID:      "fv-1",
		FlowID:  "granulation",
		Version: 1,
		Status:  domain.FlowVersionPublished,
		Nodes:   []domain.FlowNode{{ID: "dispense", Name: "Dispense"}},
	})
	if err != nil {
		t.Fatalf("seed flow: %v", err)
	}
	if err := store.Stores().Flows.UpsertFlowVersion(ctx, domain.FlowVersion{ID: "fv-draft", FlowID: "granulation", Version: 2, Status: domain.FlowVersionDraft}); err != nil {
		t.Fatalf("seed draft flow: %v", err)
	}

	svc, err := runs.New(store, runs.Config{SiteCode: "MAIN", Location: time.UTC, NoteMinLength: 10},
		append([]runs.Option{
			runs.WithLogger(logger),
			runs.WithClock(func() time.Time { return time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC) }),
		}, opts...)...,
	)
	if err != nil {
		t.Fatalf("runs.New() err=%v", err)
	}
	validator, err := openapi.Load(ctx, openAPISpec, logger)
	if err != nil {
		t.Fatalf("openapi.Load() err=%v", err)
	}
	authn := auth.NewDevAuthenticator(auth.Config{DevSubject: "operator-1", DevRoles: roles})
	handler := newHandler(logger, svc, validator, auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.RouteRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			_, err := store.Stores().Audit.Append(ctx, auditlog.AuthDenyEvent(serviceName, event))
			return err
		},
	}, httpserver.ReadinessCheck{Name: storeMemory, Check: store.Ping})
	return testServer{handler: handler, store: store}
}

func (s testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://runengine.test"+path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func createRun(t *testing.T, s testServer, key string) map[string]any {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/runs", `{"flow_version_id":"fv-1"}`, map[string]string{headerIdempotencyKey: key})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)
}

func TestCreateRun_CreatedThenReplayed(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleEditor})
	first := createRun(t, s, "K1")
	if first["status"] != "IDLE" || first["current_step_index"] != float64(0) || first["created"] != true {
		t.Fatalf("first=%v", first)
	}
	if first["run_code"] != "RUN-20260314-MAIN-0001" {
		t.Fatalf("run_code=%v", first["run_code"])
	}

	rec := s.do(t, http.MethodPost, "/runs", `{"flow_version_id":"fv-1"}`, map[string]string{headerIdempotencyKey: "K1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(headerIdempotentReplay) != "true" {
		t.Fatalf("missing replay header")
	}
	replay := decodeBody(t, rec)
	if replay["id"] != first["id"] || replay["run_code"] != first["run_code"] || replay["created"] != false {
		t.Fatalf("replay=%v", replay)
	}
}

func TestCreateRun_SiteCodeIsNormalized(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleEditor})
	rec := s.do(t, http.MethodPost, "/runs", `{"flow_version_id":"fv-1","site_code":" east "}`, map[string]string{headerIdempotencyKey: "site-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["site_code"] != "EAST" || body["run_code"] != "RUN-20260314-EAST-0001" {
		t.Fatalf("body=%v", body)
	}
}

func TestCreateRun_Errors(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleEditor})
	cases := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		code    string
	}{
		{name: "missing key", body: `{"flow_version_id":"fv-1"}`, status: http.StatusBadRequest, code: "validation_error"},
		{name: "unknown field", body: `{"flow_version_id":"fv-1","extra":1}`, headers: map[string]string{headerIdempotencyKey: "a"}, status: http.StatusBadRequest, code: "validation_error"},
		{name: "unknown flow", body: `{"flow_version_id":"nope"}`, headers: map[string]string{headerIdempotencyKey: "b"}, status: http.StatusNotFound, code: domain.CodeFlowVersionNotFound},
		{name: "draft flow", body: `{"flow_version_id":"fv-draft"}`, headers: map[string]string{headerIdempotencyKey: "c"}, status: http.StatusBadRequest, code: domain.CodeFlowVersionNotPublished},
		{name: "bad site", body: `{"flow_version_id":"fv-1","site_code":"EAST1"}`, headers: map[string]string{headerIdempotencyKey: "d"}, status: http.StatusBadRequest, code: "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/runs", tc.body, tc.headers)
			if rec.Code != tc.status {
				t.Fatalf("status=%d, want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if body["error"] != tc.code {
				t.Fatalf("error=%v, want %s", body["error"], tc.code)
			}
			if body["request_id"] == "" || body["request_id"] == nil {
				t.Fatalf("missing request_id: %v", body)
			}
		})
	}
}

func TestTransitions_OverHTTP(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleAdmin})
	run := createRun(t, s, "K1")
	id := run["id"].(string)

	rec := s.do(t, http.MethodPost, "/runs/"+id+"/start", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status=%d body=%s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "RUNNING" || body["started_at"] == nil {
		t.Fatalf("start body=%v", body)
	}

	rec = s.do(t, http.MethodPost, "/runs/"+id+"/complete", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("early complete status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != domain.CodeGuardNotSatisfied || !strings.Contains(body["message"].(string), "step 10") {
		t.Fatalf("early complete body=%v", body)
	}

	rec = s.do(t, http.MethodPost, "/runs/"+id+"/hold", `{"reason":"short"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short hold status=%d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/runs/"+id+"/hold", `{"reason":"granulator overheating"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("hold status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/runs/"+id+"/advance", "", nil)
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != domain.CodeInvalidTransition {
		t.Fatalf("advance on hold status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/runs/"+id+"/resume", `{"resolution":"cooled down and verified"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/runs/"+id+"/advance", "", nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["current_step_index"] != float64(1) {
		t.Fatalf("advance status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/runs/"+id+"/steps", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("steps status=%d", rec.Code)
	}
	steps := decodeBody(t, rec)["steps"].([]any)
	if len(steps) != 2 {
		t.Fatalf("steps=%v", steps)
	}
	first := steps[0].(map[string]any)
	if first["node_id"] != "dispense" || first["status"] != "COMPLETED" || first["operator_id"] != "operator-1" {
		t.Fatalf("first step=%v", first)
	}
	if second := steps[1].(map[string]any); second["node_id"] != "step-01" || second["completed_at"] != nil {
		t.Fatalf("second step=%v", second)
	}

	rec = s.do(t, http.MethodPost, "/runs/"+id+"/abort", `{"reason":"operator requested stop"}`, nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ABORTED" {
		t.Fatalf("abort status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGuardBlock_OverHTTP(t *testing.T) {
	ev := guard.Func(func(ctx context.Context, check guard.Check) (guard.Verdict, error) {
		return guard.Blocked("sample pending"), nil
	})
	s := newTestServer(t, []string{auth.RoleEditor}, runs.WithGuard(ev))
	id := createRun(t, s, "K1")["id"].(string)
	if rec := s.do(t, http.MethodPost, "/runs/"+id+"/start", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("start status=%d", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/runs/"+id+"/advance", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != domain.CodeGuardNotSatisfied || body["blocked_by_guard"] != true {
		t.Fatalf("body=%v", body)
	}
}

func TestGuardError_IsServiceUnavailable(t *testing.T) {
	ev := guard.Func(func(ctx context.Context, check guard.Check) (guard.Verdict, error) {
		return guard.Verdict{}, guard.ErrTimeout
	})
	s := newTestServer(t, []string{auth.RoleEditor}, runs.WithGuard(ev))
	id := createRun(t, s, "K1")["id"].(string)
	s.do(t, http.MethodPost, "/runs/"+id+"/start", "", nil)
	rec := s.do(t, http.MethodPost, "/runs/"+id+"/advance", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["error"] != domain.CodeTransient {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleViewer})
	for _, path := range []string{"/runs/missing", "/runs/missing/steps", "/flow-versions/missing"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
	}
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleEditor})
	createRun(t, s, "a")
	createRun(t, s, "b")

	rec := s.do(t, http.MethodGet, "/runs?status=idle&limit=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if list := decodeBody(t, rec)["runs"].([]any); len(list) != 1 {
		t.Fatalf("runs=%v", list)
	}
	rec = s.do(t, http.MethodGet, "/runs?status=PAUSED", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status code=%d", rec.Code)
	}
}

func TestGetFlowVersion(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleViewer})
	rec := s.do(t, http.MethodGet, "/flow-versions/fv-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "PUBLISHED" || len(body["nodes"].([]any)) != 1 {
		t.Fatalf("body=%v", body)
	}
}

func TestRoles_AreEnforcedAndAudited(t *testing.T) {
	s := newTestServer(t, []string{auth.RoleViewer})
	rec := s.do(t, http.MethodPost, "/runs", `{"flow_version_id":"fv-1"}`, map[string]string{headerIdempotencyKey: "K1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer create status=%d", rec.Code)
	}

	editor := newTestServer(t, []string{auth.RoleEditor})
	id := createRun(t, editor, "K1")["id"].(string)
	editor.do(t, http.MethodPost, "/runs/"+id+"/start", "", nil)
	rec = editor.do(t, http.MethodPost, "/runs/"+id+"/abort", `{"reason":"operator requested stop"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("editor abort status=%d", rec.Code)
	}

	records := editor.store.AuditRecords()
	last := records[len(records)-1]
	if last.Action != "auth.forbidden" || !strings.Contains(string(last.PayloadJSON), `"required_role":"admin"`) {
		t.Fatalf("deny audit=%s %s", last.Action, last.PayloadJSON)
	}
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, rec.Code, rec.Body.String())
		}
	}
	if rec := s.do(t, http.MethodGet, "/runs", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("roleless list status=%d", rec.Code)
	}
}

func TestDecodeJSON_RejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://runengine.test/", strings.NewReader(`{"reason":"a"} {"reason":"b"}`))
	var dst reasonRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}
