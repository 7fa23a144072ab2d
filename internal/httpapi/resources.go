package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/escalation"
)

type resourceHandler struct {
	deps Deps
}

type chainLink struct {
	Level       int    `json:"level"`
	LevelName   string `json:"level_name"`
	ResourceID  string `json:"resource_id,omitempty"`
	Email       string `json:"email,omitempty"`
	IsSynthetic bool   `json:"is_synthetic"`
	Available   bool   `json:"available"`
	SkipReason  string `json:"skip_reason,omitempty"`
}

var levelNames = map[escalation.Level]string{
	escalation.LevelPrimary: "Primary",
	escalation.LevelBackup:  "Backup",
	escalation.LevelManager: "Manager",
	escalation.LevelPM:      "PM",
}

// EscalationChain handles GET /resources/{id}/escalation-chain: resolves
// all four levels for the resource's owning program (spec.md §4.2),
// annotating which were skipped for unavailability.
func (h *resourceHandler) EscalationChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner, err := h.deps.Store.GetResource(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if owner == nil {
		writeError(w, http.StatusNotFound, string(apperrors.ResourceNotFound), "resource not found", nil)
		return
	}

	programID := r.URL.Query().Get("program_id")
	var program *domain.Program
	if programID != "" {
		program, err = h.deps.Store.GetProgram(r.Context(), programID)
		if err != nil {
			writeAppError(w, err)
			return
		}
	}
	if program == nil {
		program = &domain.Program{}
	}

	var links []chainLink
	for level := escalation.LevelPrimary; level <= escalation.LevelPM; level++ {
		recipient, err := escalation.ResolveLevel(r.Context(), h.deps.Store, *owner, *program, level, h.deps.Org, h.deps.OpsEmail)
		if err != nil {
			writeAppError(w, err)
			return
		}
		link := chainLink{Level: int(level), LevelName: levelNames[level]}
		if recipient == nil {
			links = append(links, link)
			continue
		}
		link.ResourceID = recipient.ResourceID
		link.Email = recipient.Email
		link.IsSynthetic = recipient.IsSynthetic
		link.Available = true
		if recipient.ResourceID != "" {
			res, err := h.deps.Store.GetResource(r.Context(), recipient.ResourceID)
			if err == nil && res != nil && res.AvailabilityStatus != domain.AvailabilityActive {
				link.Available = false
				link.SkipReason = string(res.AvailabilityStatus)
			}
		}
		links = append(links, link)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"resource_id": id, "chain": links})
}

// Availability handles GET /resources/{id}/availability, ported from the
// original's check_resource_availability: status plus leave window.
func (h *resourceHandler) Availability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.deps.Store.GetResource(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, string(apperrors.ResourceNotFound), "resource not found", nil)
		return
	}

	onLeaveNow := false
	now := time.Now().UTC()
	if res.LeaveStart != nil && res.LeaveEnd != nil {
		onLeaveNow = !now.Before(*res.LeaveStart) && now.Before(*res.LeaveEnd)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource_id":      res.ID,
		"status":           res.AvailabilityStatus,
		"available":        res.AvailabilityStatus == domain.AvailabilityActive && !onLeaveNow,
		"on_leave_now":     onLeaveNow,
		"leave_start":      res.LeaveStart,
		"leave_end":        res.LeaveEnd,
		"backup_resource":  res.BackupResourceID,
		"manager_resource": res.ManagerID,
	})
}
