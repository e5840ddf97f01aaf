package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"vidforge/internal/credits"
	"vidforge/internal/orchestrator"
	"vidforge/internal/store"
)

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	project, estimate, err := s.orch.Submit(r.Context(), req.UserID, req.Prompt, req.Settings)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, credits.ErrInsufficientCredit):
		s.writeError(w, http.StatusPaymentRequired, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, GenerateResponse{
		Project:  FromProject(project),
		Estimate: estimate,
	})
}

// handleListProjects serves GET /api/projects with an optional status filter.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var statuses []store.ProjectStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := store.ParseStatus(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		statuses = append(statuses, status)
	}

	projects, err := s.store.ListProjects(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := ProjectListResponse{Projects: make([]ProjectView, 0, len(projects))}
	for _, project := range projects {
		resp.Projects = append(resp.Projects, FromProject(project))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleProject serves GET /api/projects/{id} and POST /api/projects/{id}/cancel.
func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	projectID, action, _ := strings.Cut(rest, "/")
	if projectID == "" {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.describeProject(w, r, projectID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelProject(w, r, projectID)
	case action == "" || action == "cancel":
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) describeProject(w http.ResponseWriter, r *http.Request, projectID string) {
	snapshot, err := s.orch.Snapshot(r.Context(), projectID)
	if errors.Is(err, orchestrator.ErrProjectNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, FromSnapshot(snapshot))
}

func (s *Server) cancelProject(w http.ResponseWriter, r *http.Request, projectID string) {
	err := s.orch.Cancel(r.Context(), projectID)
	switch {
	case errors.Is(err, orchestrator.ErrProjectNotFound):
		s.writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, orchestrator.ErrProjectFinished):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	settings, err := settingsFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	estimate, err := s.orch.EstimateCost(settings)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, estimate)
}

func (s *Server) handleCreditWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req CreditWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.EventID) == "" || strings.TrimSpace(req.UserID) == "" || req.Amount <= 0 {
		s.writeError(w, http.StatusBadRequest, "event_id, user_id, and a positive credit_amount are required")
		return
	}

	applied, balance, err := s.orch.ApplyCreditGrant(r.Context(), req.EventID, req.UserID, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Duplicates acknowledge 200 as well so the provider stops retrying.
	s.writeJSON(w, http.StatusOK, CreditWebhookResponse{Applied: applied, Balance: balance})
}

// handleCredits serves GET /api/credits/{userID} and
// POST /api/credits/{userID}/grant.
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/credits/")
	userID, action, _ := strings.Cut(rest, "/")
	if userID == "" {
		s.writeError(w, http.StatusNotFound, "user not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.balance(w, r, userID)
	case action == "grant" && r.Method == http.MethodPost:
		s.adminGrant(w, r, userID)
	case action == "" || action == "grant":
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request, userID string) {
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// adminGrant credits a user directly, outside the payment webhook flow, and
// resumes any projects parked on the balance.
func (s *Server) adminGrant(w http.ResponseWriter, r *http.Request, userID string) {
	var req AdminGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		s.writeError(w, http.StatusBadRequest, "a positive amount is required")
		return
	}
	balance, err := s.orch.Grant(r.Context(), userID, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	health, err := s.store.Health(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var resp StatusResponse
	resp.Running = true
	resp.PID = os.Getpid()
	resp.DatabasePath = s.store.Path()
	resp.Projects.Total = health.Total
	resp.Projects.Active = health.Active
	resp.Projects.Parked = health.Parked
	resp.Projects.Completed = health.Completed
	resp.Projects.Failed = health.Failed
	s.writeJSON(w, http.StatusOK, resp)
}

func settingsFromQuery(r *http.Request) (store.Settings, error) {
	query := r.URL.Query()
	var settings store.Settings

	duration, err := strconv.Atoi(query.Get("duration_sec"))
	if err != nil {
		return settings, errors.New("duration_sec is required and must be an integer")
	}
	settings.DurationSec = duration
	settings.Resolution = query.Get("resolution")
	settings.QualityTier = query.Get("quality_tier")
	settings.Engine = query.Get("engine")
	settings.AspectRatio = query.Get("aspect_ratio")
	settings.VoiceOver = queryBool(query.Get("voice_over"))
	settings.Music = queryBool(query.Get("music"))
	return settings, nil
}

func queryBool(value string) bool {
	return value == "1" || strings.EqualFold(value, "true")
}
