package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tracky-pm/engine/internal/alerts"
	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
)

type alertHandler struct {
	deps Deps
}

type respondRequest struct {
	Token           string                 `json:"token"`
	AlertID         string                 `json:"alert_id"`
	ResponderID     string                 `json:"responder_id"`
	ReportedStatus  domain.ReportedStatus  `json:"reported_status"`
	ProposedNewDate *string                `json:"proposed_new_date,omitempty"`
	ReasonCategory  domain.ReasonCategory  `json:"reason_category,omitempty"`
	ReasonDetails   map[string]interface{} `json:"reason_details,omitempty"`
	Comment         string                 `json:"comment,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
}

// Respond handles POST /alerts/respond — the magic-link submission
// endpoint. The responder is authenticated implicitly by the token
// (spec.md §4.3); AlertID/ResponderID are carried in the body for the
// non-token graceful-degradation path described in §4.3.
func (h *alertHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ValidationFailure), "malformed request body", nil)
		return
	}

	in := alerts.ProcessResponseInput{
		AlertID:             req.AlertID,
		Token:               req.Token,
		ResponderResourceID: req.ResponderID,
		ReportedStatus:      req.ReportedStatus,
		ReasonCategory:      req.ReasonCategory,
		ReasonDetails:       req.ReasonDetails,
		Comment:             req.Comment,
		IdempotencyKey:      req.IdempotencyKey,
	}
	if req.ProposedNewDate != nil {
		d, err := time.Parse("2006-01-02", *req.ProposedNewDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(apperrors.ValidationFailure), "proposed_new_date must be YYYY-MM-DD", nil)
			return
		}
		in.ProposedNewDate = &d
	}

	result, err := h.deps.Alerts.ProcessStatusResponse(r.Context(), in)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *alertHandler) Approve(w http.ResponseWriter, r *http.Request) {
	responseID := chi.URLParam(r, "response_id")
	approver := r.Header.Get("X-Resource-Id")
	result, err := h.deps.Alerts.ApproveDelay(r.Context(), responseID, approver, true)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *alertHandler) Reject(w http.ResponseWriter, r *http.Request) {
	responseID := chi.URLParam(r, "response_id")
	approver := r.Header.Get("X-Resource-Id")
	var req rejectRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := h.deps.Alerts.RejectDelay(r.Context(), responseID, approver, req.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *alertHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	programID := r.URL.Query().Get("program_id")
	responses, err := h.deps.Alerts.GetPendingApprovals(r.Context(), programID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func (h *alertHandler) EscalationSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chain, err := h.deps.Alerts.EscalationLineage(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if len(chain) == 0 {
		writeError(w, http.StatusNotFound, string(apperrors.ResourceNotFound), "alert not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain": chain})
}
