package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vidforge/internal/credits"
	"vidforge/internal/logging"
	"vidforge/internal/orchestrator"
	"vidforge/internal/store"
	"vidforge/internal/testsupport"
)

type testServer struct {
	server *Server
	ledger *credits.Ledger
	orch   *orchestrator.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ledger := credits.NewLedger(st, logging.NewNop())
	orch := orchestrator.NewOrchestrator(st, ledger, credits.NewEstimator(cfg), nil, cfg, logging.NewNop())
	server := NewServer(cfg, orch, ledger, st, logging.NewNop())
	if server == nil {
		t.Fatal("NewServer returned nil with a bind address configured")
	}
	return &testServer{server: server, ledger: ledger, orch: orch}
}

func (ts *testServer) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	if err := ts.ledger.AdminGrant(context.Background(), userID, amount); err != nil {
		t.Fatalf("AdminGrant: %v", err)
	}
}

func (ts *testServer) submit(t *testing.T) ProjectView {
	t.Helper()
	ts.grant(t, "user-1", 10_000)
	body := `{"user_id":"user-1","prompt":"a fjord at dawn","settings":{"duration_sec":30}}`
	rec := httptest.NewRecorder()
	ts.server.handleGenerate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp GenerateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Project
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.NewDecoder(rec.Body).Decode(&value); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return value
}

func TestGenerateRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	ts.server.handleGenerate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	body := `{"user_id":"user-1","prompt":"","settings":{"duration_sec":30}}`
	ts.server.handleGenerate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGenerateInsufficientCredit(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	body := `{"user_id":"broke-user","prompt":"a fjord at dawn","settings":{"duration_sec":30}}`
	ts.server.handleGenerate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(body)))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestGenerateCreatesProject(t *testing.T) {
	ts := newTestServer(t)
	project := ts.submit(t)
	if project.ID == "" {
		t.Fatal("response has no project id")
	}
	if project.Status != string(store.StatusScripting) {
		t.Fatalf("status = %s, want scripting", project.Status)
	}
}

func TestGenerateMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	ts.server.handleGenerate(rec, httptest.NewRequest(http.MethodGet, "/api/generate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestDescribeProject(t *testing.T) {
	ts := newTestServer(t)
	project := ts.submit(t)

	rec := httptest.NewRecorder()
	ts.server.handleProject(rec, httptest.NewRequest(http.MethodGet, "/api/projects/"+project.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ProjectResponse](t, rec)
	if resp.Project.ID != project.ID {
		t.Fatalf("project id = %s, want %s", resp.Project.ID, project.ID)
	}
	if len(resp.Tasks) != 1 {
		t.Fatalf("tasks = %d, want the scripting task", len(resp.Tasks))
	}
	if resp.Estimate.Total <= 0 {
		t.Fatal("estimate missing from project response")
	}
}

func TestListProjects(t *testing.T) {
	ts := newTestServer(t)
	project := ts.submit(t)

	rec := httptest.NewRecorder()
	ts.server.handleListProjects(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ProjectListResponse](t, rec)
	if len(resp.Projects) != 1 || resp.Projects[0].ID != project.ID {
		t.Fatalf("list = %+v", resp.Projects)
	}

	rec = httptest.NewRecorder()
	ts.server.handleListProjects(rec, httptest.NewRequest(http.MethodGet, "/api/projects?status=completed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered status = %d", rec.Code)
	}
	filtered := decode[ProjectListResponse](t, rec)
	if len(filtered.Projects) != 0 {
		t.Fatalf("completed filter matched %d projects", len(filtered.Projects))
	}

	rec = httptest.NewRecorder()
	ts.server.handleListProjects(rec, httptest.NewRequest(http.MethodGet, "/api/projects?status=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter = %d, want 400", rec.Code)
	}
}

func TestDescribeProjectNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	ts.server.handleProject(rec, httptest.NewRequest(http.MethodGet, "/api/projects/no-such-id", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelProject(t *testing.T) {
	ts := newTestServer(t)
	project := ts.submit(t)

	rec := httptest.NewRecorder()
	ts.server.handleProject(rec, httptest.NewRequest(http.MethodPost, "/api/projects/"+project.ID+"/cancel", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// The pending-only cancel finalizes immediately, so a second cancel hits a
	// terminal project.
	rec = httptest.NewRecorder()
	ts.server.handleProject(rec, httptest.NewRequest(http.MethodPost, "/api/projects/"+project.ID+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestEstimateEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.server.handleEstimate(rec, httptest.NewRequest(http.MethodGet, "/api/cost/estimate?duration_sec=30&voice_over=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	estimate := decode[credits.CostEstimate](t, rec)
	if estimate.Total <= 0 || len(estimate.Lines) == 0 {
		t.Fatalf("estimate = %+v", estimate)
	}

	for _, query := range []string{"", "duration_sec=abc", "duration_sec=0", "duration_sec=601"} {
		rec := httptest.NewRecorder()
		ts.server.handleEstimate(rec, httptest.NewRequest(http.MethodGet, "/api/cost/estimate?"+query, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: status = %d, want 400", query, rec.Code)
		}
	}
}

func TestCreditWebhook(t *testing.T) {
	ts := newTestServer(t)
	body := `{"event_id":"evt-1","user_id":"user-1","credit_amount":250}`

	rec := httptest.NewRecorder()
	ts.server.handleCreditWebhook(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/credits", bytes.NewBufferString(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[CreditWebhookResponse](t, rec)
	if !first.Applied || first.Balance != 250 {
		t.Fatalf("first delivery = %+v", first)
	}

	// At-least-once delivery: the replay acknowledges 200 without re-crediting.
	rec = httptest.NewRecorder()
	ts.server.handleCreditWebhook(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/credits", bytes.NewBufferString(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}
	replay := decode[CreditWebhookResponse](t, rec)
	if replay.Applied || replay.Balance != 250 {
		t.Fatalf("replay = %+v", replay)
	}
}

func TestCreditWebhookValidation(t *testing.T) {
	ts := newTestServer(t)
	bodies := []string{
		`{"event_id":"","user_id":"user-1","credit_amount":10}`,
		`{"event_id":"evt-1","user_id":"","credit_amount":10}`,
		`{"event_id":"evt-1","user_id":"user-1","credit_amount":0}`,
		`{"event_id":"evt-1","user_id":"user-1","credit_amount":-5}`,
		`{"event_id":"evt-1","user_id":"user-1","amount":10}`,
	}
	for _, body := range bodies {
		rec := httptest.NewRecorder()
		ts.server.handleCreditWebhook(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/credits", bytes.NewBufferString(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestBalanceEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.grant(t, "user-1", 75)

	rec := httptest.NewRecorder()
	ts.server.handleCredits(rec, httptest.NewRequest(http.MethodGet, "/api/credits/user-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[BalanceResponse](t, rec)
	if resp.UserID != "user-1" || resp.Balance != 75 {
		t.Fatalf("balance response = %+v", resp)
	}

	rec = httptest.NewRecorder()
	ts.server.handleCredits(rec, httptest.NewRequest(http.MethodGet, "/api/credits/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty user status = %d, want 404", rec.Code)
	}
}

func TestAdminGrantEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	body := `{"amount":100}`
	ts.server.handleCredits(rec, httptest.NewRequest(http.MethodPost, "/api/credits/user-1/grant", bytes.NewBufferString(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[BalanceResponse](t, rec)
	if resp.UserID != "user-1" || resp.Balance != 100 {
		t.Fatalf("grant response = %+v", resp)
	}

	// Grants add to the running balance.
	rec = httptest.NewRecorder()
	ts.server.handleCredits(rec, httptest.NewRequest(http.MethodPost, "/api/credits/user-1/grant", bytes.NewBufferString(`{"amount":25}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("second grant status = %d", rec.Code)
	}
	if resp := decode[BalanceResponse](t, rec); resp.Balance != 125 {
		t.Fatalf("balance after second grant = %d, want 125", resp.Balance)
	}

	for _, body := range []string{`{"amount":0}`, `{"amount":-10}`, `{not json`} {
		rec := httptest.NewRecorder()
		ts.server.handleCredits(rec, httptest.NewRequest(http.MethodPost, "/api/credits/user-1/grant", bytes.NewBufferString(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.submit(t)

	rec := httptest.NewRecorder()
	ts.server.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[StatusResponse](t, rec)
	if !resp.Running || resp.DatabasePath == "" {
		t.Fatalf("status response = %+v", resp)
	}
	if resp.Projects.Total != 1 || resp.Projects.Active != 1 {
		t.Fatalf("project counts = %+v", resp.Projects)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = "secret"
	st := testsupport.MustOpenStore(t, cfg)
	ledger := credits.NewLedger(st, logging.NewNop())
	orch := orchestrator.NewOrchestrator(st, ledger, credits.NewEstimator(cfg), nil, cfg, logging.NewNop())
	server := NewServer(cfg, orch, ledger, st, logging.NewNop())

	handler := server.auth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestNewServerDisabledWithoutBind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "  "
	if NewServer(cfg, nil, nil, nil, logging.NewNop()) != nil {
		t.Fatal("expected nil server without a bind address")
	}
}
