package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
)

type holidayHandler struct {
	deps Deps
}

func (h *holidayHandler) List(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	holidays, err := h.deps.Store.ListHolidays(r.Context(), country)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holidays)
}

type createHolidayRequest struct {
	Date        string `json:"date"`
	CountryCode string `json:"country_code"`
}

func (h *holidayHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createHolidayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ValidationFailure), "malformed request body", nil)
		return
	}
	d, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ValidationFailure), "date must be YYYY-MM-DD", nil)
		return
	}
	holiday, err := h.deps.Store.InsertHoliday(r.Context(), domain.Holiday{Date: d, CountryCode: req.CountryCode})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, holiday)
}

func (h *holidayHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Store.DeleteHoliday(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
