package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
	"github.com/pesio-ai/be-re-milestones/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	progress  *service.ProgressService
	catalog   *service.TemplateCatalog
	plans     *service.PlanService
	engine    *service.TriggerEngine
	drafts    *service.DemandDraftService
	validator *validator.Validate
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	progress *service.ProgressService,
	catalog *service.TemplateCatalog,
	plans *service.PlanService,
	engine *service.TriggerEngine,
	drafts *service.DemandDraftService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		progress:  progress,
		catalog:   catalog,
		plans:     plans,
		engine:    engine,
		drafts:    drafts,
		validator: validator.New(),
		log:       log,
	}
}

// Routes registers every endpoint on mux
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Construction progress
	mux.HandleFunc("/api/v1/towers/phases/init", h.InitializeTowerPhases)
	mux.HandleFunc("/api/v1/towers/phases/progress", h.ReportPhaseProgress)
	mux.HandleFunc("/api/v1/towers/phases", h.GetTowerPhases)
	mux.HandleFunc("/api/v1/towers/progress/recompute", h.RecomputeOverallProgress)
	mux.HandleFunc("/api/v1/towers/triggers/evaluate", h.EvaluateTowerTriggers)
	mux.HandleFunc("/api/v1/towers/remove", h.RemoveTower)

	// Periodic sweeps
	mux.HandleFunc("/api/v1/sweeps/time-linked", h.runSweep(h.engine.EvaluateTimeLinkedTriggers))
	mux.HandleFunc("/api/v1/sweeps/overdue", h.runSweep(h.engine.SweepOverdue))
	mux.HandleFunc("/api/v1/sweeps/notices", h.runSweep(h.engine.RetryPendingNotices))

	// Payment plan templates
	mux.HandleFunc("/api/v1/templates", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListTemplates(w, r)
		case http.MethodPost:
			h.CreateTemplate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/templates/get", h.GetTemplate)
	mux.HandleFunc("/api/v1/templates/update", h.UpdateTemplate)
	mux.HandleFunc("/api/v1/templates/default", h.SetDefaultTemplate)
	mux.HandleFunc("/api/v1/templates/remove", h.RemoveTemplate)
	mux.HandleFunc("/api/v1/templates/activate", h.ActivateTemplate)

	// Flat payment plans
	mux.HandleFunc("/api/v1/plans", h.InstantiatePlan)
	mux.HandleFunc("/api/v1/plans/get", h.GetPlan)
	mux.HandleFunc("/api/v1/plans/list", h.ListPlans)
	mux.HandleFunc("/api/v1/plans/cancel", h.CancelPlan)
	mux.HandleFunc("/api/v1/plans/drafts", h.ListDrafts)

	// Milestones
	mux.HandleFunc("/api/v1/milestones/trigger", h.TriggerMilestone)
	mux.HandleFunc("/api/v1/milestones/payment", h.ApplyPayment)

	// Demand draft templates
	mux.HandleFunc("/api/v1/demand-templates", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListDraftTemplates(w, r)
		case http.MethodPost:
			h.CreateDraftTemplate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/demand-templates/update", h.UpdateDraftTemplate)
	mux.HandleFunc("/api/v1/demand-templates/deactivate", h.DeactivateDraftTemplate)
}

// ── Request bodies ───────────────────────────────────────────────────────────

type towerRequest struct {
	TowerID string `json:"tower_id" validate:"required"`
}

type initPhasesRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	TowerID   string `json:"tower_id" validate:"required"`
}

type phaseProgressRequest struct {
	TowerID    string   `json:"tower_id" validate:"required"`
	Phase      string   `json:"phase" validate:"required"`
	Percentage *float64 `json:"percentage" validate:"required,gte=0,lte=100"`
}

type templateRequest struct {
	ID          string                         `json:"id"`
	Name        string                         `json:"name" validate:"required"`
	Description *string                        `json:"description"`
	Type        string                         `json:"type" validate:"required"`
	Milestones  []repository.TemplateMilestone `json:"milestones" validate:"required,min=1"`
	IsDefault   bool                           `json:"is_default"`
}

type idRequest struct {
	ID string `json:"id" validate:"required"`
}

type instantiatePlanRequest struct {
	FlatID        string     `json:"flat_id" validate:"required"`
	TemplateID    string     `json:"template_id"`
	TowerID       string     `json:"tower_id" validate:"required"`
	BookingID     *string    `json:"booking_id"`
	TotalAmount   int64      `json:"total_amount" validate:"required,gt=0"`
	Currency      string     `json:"currency" validate:"required,len=3"`
	CustomerName  *string    `json:"customer_name"`
	CustomerEmail *string    `json:"customer_email" validate:"omitempty,email"`
	FlatNumber    *string    `json:"flat_number"`
	StartDate     *time.Time `json:"start_date"`
}

type milestoneRequest struct {
	MilestoneID string `json:"milestone_id" validate:"required"`
}

type paymentRequest struct {
	MilestoneID string     `json:"milestone_id" validate:"required"`
	Amount      int64      `json:"amount" validate:"required,gt=0"`
	Reference   *string    `json:"reference"`
	PaidAt      *time.Time `json:"paid_at"`
}

type draftTemplateRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required"`
	Subject     string `json:"subject" validate:"required"`
	HTMLContent string `json:"html_content" validate:"required"`
}

// ── Construction progress ────────────────────────────────────────────────────

// InitializeTowerPhases handles tower phase initialization
func (h *HTTPHandler) InitializeTowerPhases(w http.ResponseWriter, r *http.Request) {
	var req initPhasesRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	records, err := h.progress.InitializeTowerPhases(r.Context(), req.ProjectID, req.TowerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"phases": records})
}

// ReportPhaseProgress handles a phase progress report. It does not evaluate
// triggers; callers hit recompute and evaluate explicitly.
func (h *HTTPHandler) ReportPhaseProgress(w http.ResponseWriter, r *http.Request) {
	var req phaseProgressRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	rec, err := h.progress.ReportPhaseProgress(r.Context(), req.TowerID, repository.ConstructionPhase(req.Phase), *req.Percentage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetTowerPhases handles tower phase listing
func (h *HTTPHandler) GetTowerPhases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	towerID := r.URL.Query().Get("tower_id")
	if towerID == "" {
		http.Error(w, "Tower ID is required", http.StatusBadRequest)
		return
	}

	progress, err := h.progress.GetTowerPhases(r.Context(), towerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

// RecomputeOverallProgress handles overall progress recomputation
func (h *HTTPHandler) RecomputeOverallProgress(w http.ResponseWriter, r *http.Request) {
	var req towerRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	overall, err := h.progress.UpdateTowerOverallProgress(r.Context(), req.TowerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tower_id":         req.TowerID,
		"overall_progress": overall,
	})
}

// EvaluateTowerTriggers handles construction-linked trigger evaluation
func (h *HTTPHandler) EvaluateTowerTriggers(w http.ResponseWriter, r *http.Request) {
	var req towerRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	result, err := h.engine.EvaluateTriggersForTower(r.Context(), req.TowerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RemoveTower handles administrative tower removal
func (h *HTTPHandler) RemoveTower(w http.ResponseWriter, r *http.Request) {
	var req towerRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}
	if err := h.progress.RemoveTower(r.Context(), req.TowerID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) runSweep(sweep func(ctx context.Context) (*service.EvaluationResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := sweep(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, result)
	}
}

// ── Templates ────────────────────────────────────────────────────────────────

// CreateTemplate handles payment plan template creation
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	tpl, err := h.catalog.Create(r.Context(), toTemplateRequest(&req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tpl)
}

// UpdateTemplate handles payment plan template updates
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}
	if req.ID == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}

	tpl, err := h.catalog.Update(r.Context(), req.ID, toTemplateRequest(&req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// GetTemplate handles template retrieval
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}

	tpl, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// ListTemplates handles template listing
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	templates, err := h.catalog.List(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

// SetDefaultTemplate handles default template changes
func (h *HTTPHandler) SetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	tpl, err := h.catalog.SetDefault(r.Context(), req.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// RemoveTemplate handles template soft deletion
func (h *HTTPHandler) RemoveTemplate(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}
	if err := h.catalog.Remove(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateTemplate handles template reactivation
func (h *HTTPHandler) ActivateTemplate(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}
	if err := h.catalog.Activate(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toTemplateRequest(req *templateRequest) *service.TemplateRequest {
	return &service.TemplateRequest{
		Name:        req.Name,
		Description: req.Description,
		Type:        repository.PlanType(req.Type),
		Milestones:  req.Milestones,
		IsDefault:   req.IsDefault,
	}
}

// ── Plans and milestones ─────────────────────────────────────────────────────

// InstantiatePlan handles plan assignment for a flat
func (h *HTTPHandler) InstantiatePlan(w http.ResponseWriter, r *http.Request) {
	var req instantiatePlanRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	plan, err := h.plans.InstantiatePlan(r.Context(), &service.InstantiatePlanRequest{
		FlatID:        req.FlatID,
		TemplateID:    req.TemplateID,
		TowerID:       req.TowerID,
		BookingID:     req.BookingID,
		TotalAmount:   req.TotalAmount,
		Currency:      req.Currency,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		FlatNumber:    req.FlatNumber,
		StartDate:     req.StartDate,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, plan)
}

// GetPlan handles plan retrieval by flat id
func (h *HTTPHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flatID := r.URL.Query().Get("flat_id")
	if flatID == "" {
		http.Error(w, "Flat ID is required", http.StatusBadRequest)
		return
	}

	plan, err := h.plans.GetPlan(r.Context(), flatID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

// ListPlans handles plan listing by tower
func (h *HTTPHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	towerID := r.URL.Query().Get("tower_id")
	if towerID == "" {
		http.Error(w, "Tower ID is required", http.StatusBadRequest)
		return
	}

	plans, err := h.plans.ListPlansByTower(r.Context(), towerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans, "total": len(plans)})
}

// CancelPlan handles plan cancellation
func (h *HTTPHandler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	plan, err := h.plans.CancelPlan(r.Context(), req.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

// ListDrafts handles listing the notices issued for a plan
func (h *HTTPHandler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	planID := r.URL.Query().Get("plan_id")
	if planID == "" {
		http.Error(w, "Plan ID is required", http.StatusBadRequest)
		return
	}

	drafts, err := h.drafts.ListDrafts(r.Context(), planID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"drafts": drafts})
}

// TriggerMilestone handles the explicit administrative trigger
func (h *HTTPHandler) TriggerMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	plan, err := h.engine.TriggerMilestone(r.Context(), req.MilestoneID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

// ApplyPayment handles payment application from the payments service
func (h *HTTPHandler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	plan, err := h.engine.ApplyPayment(r.Context(), &service.PaymentApplication{
		MilestoneID: req.MilestoneID,
		Amount:      req.Amount,
		Reference:   req.Reference,
		PaidAt:      req.PaidAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

// ── Demand draft templates ───────────────────────────────────────────────────

// CreateDraftTemplate handles notice template creation
func (h *HTTPHandler) CreateDraftTemplate(w http.ResponseWriter, r *http.Request) {
	var req draftTemplateRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}

	tpl, err := h.drafts.CreateTemplate(r.Context(), &service.DraftTemplateRequest{
		Name:        req.Name,
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tpl)
}

// UpdateDraftTemplate handles notice template updates
func (h *HTTPHandler) UpdateDraftTemplate(w http.ResponseWriter, r *http.Request) {
	var req draftTemplateRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}
	if req.ID == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}

	tpl, err := h.drafts.UpdateTemplate(r.Context(), req.ID, &service.DraftTemplateRequest{
		Name:        req.Name,
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// DeactivateDraftTemplate handles notice template deactivation
func (h *HTTPHandler) DeactivateDraftTemplate(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !h.decode(w, r, http.MethodPost, &req) {
		return
	}
	if err := h.drafts.DeactivateTemplate(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDraftTemplates handles notice template listing
func (h *HTTPHandler) ListDraftTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	templates, err := h.drafts.ListTemplates(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// decode checks the method, decodes the JSON body and validates it. It writes
// the error response itself and reports whether the handler may continue.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, method string, dst interface{}) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    errors.ErrCodeInvalidInput,
			"message": err.Error(),
		})
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("code", code).Msg("Request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"code":    code,
		"message": err.Error(),
	})
}

func statusFor(code string) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeInvariant:
		return http.StatusConflict
	case errors.ErrCodeRender:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
