package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/gridworx/helios-client-sub002/internal/domain"
	"github.com/gridworx/helios-client-sub002/internal/lifecycle"
	"github.com/gridworx/helios-client-sub002/internal/store"
)

type Server struct {
	r        *chi.Mux
	svc      *lifecycle.Service
	repo     store.Repository
	validate *validator.Validate
}

func NewServer(svc *lifecycle.Service, repo store.Repository) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc, repo: repo, validate: validator.New()}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/actions", s.createActions)
	r.Get("/api/actions", s.listActions)
	r.Get("/api/actions/{id}", s.getAction)
	r.Get("/api/actions/{id}/logs", s.getActionLogs)
	r.Post("/api/actions/{id}/cancel", s.cancelAction)
	r.Post("/api/actions/{id}/approve", s.approveAction)
	r.Post("/api/actions/{id}/reject", s.rejectAction)
	r.Post("/api/actions/{id}/steps/{stepID}/retry", s.retryStep)

	r.Post("/api/templates", s.createTemplate)
	r.Get("/api/templates", s.listTemplates)
	r.Get("/api/templates/{id}", s.getTemplate)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.repo.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "helios_lifecycle_up 1\n")
	for _, status := range []domain.ActionStatus{
		domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	} {
		fmt.Fprintf(w, "helios_scheduled_actions{status=%q} %d\n", status, counts[status])
	}
}

type createActionsReq struct {
	TargetUserID       string    `json:"target_user_id" validate:"required"`
	ActionType         string    `json:"action_type" validate:"required"`
	TemplateID         string    `json:"template_id" validate:"required"`
	AnchorDate         time.Time `json:"anchor_date" validate:"required"`
	RequiresApproval   bool      `json:"requires_approval"`
	IsRecurring        bool      `json:"is_recurring"`
	RecurrenceInterval string    `json:"recurrence_interval" validate:"omitempty,oneof=daily weekly monthly"`
	RecurrenceCron     string    `json:"recurrence_cron"`
	CreatedBy          string    `json:"created_by" validate:"required"`
}

func (s *Server) createActions(w http.ResponseWriter, r *http.Request) {
	var req createActionsReq
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.svc.CreateScheduledActions(r.Context(), lifecycle.CreateInput{
		TargetUserID:       req.TargetUserID,
		ActionType:         domain.ActionType(req.ActionType),
		TemplateID:         req.TemplateID,
		AnchorDate:         req.AnchorDate,
		RequiresApproval:   req.RequiresApproval,
		IsRecurring:        req.IsRecurring,
		RecurrenceInterval: domain.RecurrenceInterval(req.RecurrenceInterval),
		RecurrenceCron:     req.RecurrenceCron,
		CreatedBy:          req.CreatedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	actions, err := s.svc.ListActions(r.Context(), domain.ActionFilter{
		Status:     domain.ActionStatus(q.Get("status")),
		ActionType: domain.ActionType(q.Get("action_type")),
		Search:     q.Get("search"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if actions == nil {
		actions = []domain.ScheduledAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getActionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.svc.GetActionLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.StepLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelAction(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}
	if err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approveReq struct {
	Approver string `json:"approver" validate:"required"`
	Notes    string `json:"notes"`
}

func (s *Server) approveAction(w http.ResponseWriter, r *http.Request) {
	var req approveReq
	if !s.decode(w, r, &req) {
		return
	}
	var notes *string
	if req.Notes != "" {
		notes = &req.Notes
	}
	if err := s.svc.Approve(r.Context(), chi.URLParam(r, "id"), req.Approver, notes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rejectReq struct {
	Approver string `json:"approver" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
}

func (s *Server) rejectAction(w http.ResponseWriter, r *http.Request) {
	var req rejectReq
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Reject(r.Context(), chi.URLParam(r, "id"), req.Approver, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := strconv.ParseInt(chi.URLParam(r, "stepID"), 10, 64)
	if err != nil {
		writeError(w, domain.Errf(domain.ErrCodeValidationMissingField, "step id must be numeric"))
		return
	}
	if err := s.svc.RetryStep(r.Context(), chi.URLParam(r, "id"), stepID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTemplateReq struct {
	Name     string                 `json:"name" validate:"required"`
	Kind     string                 `json:"kind" validate:"required"`
	Timeline []domain.TimelineEntry `json:"timeline" validate:"required,min=1"`
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateReq
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.svc.CreateTemplate(r.Context(), domain.Template{
		Name:     req.Name,
		Kind:     domain.ActionType(req.Kind),
		Timeline: req.Timeline,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.svc.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []domain.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// decode unmarshals and validates a request body; on failure it writes the
// error response and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, domain.NewAppError(domain.ErrCodeValidationMissingField, "invalid request body", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, domain.NewAppError(domain.ErrCodeValidationMissingField, err.Error(), err))
		return false
	}
	return true
}

type errorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.HTTPStatus(), errorResp{Code: string(appErr.Code), Message: appErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResp{
		Code: string(domain.ErrCodeInternalDB), Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
