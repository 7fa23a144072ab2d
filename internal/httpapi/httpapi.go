// Package httpapi is the thin HTTP surface over the core engine: handlers
// parse and validate the request, delegate to internal/merge, internal/
// alerts, internal/escalation, and internal/calendar, and render the
// result. No business logic lives here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/alerts"
	"github.com/tracky-pm/engine/internal/calendar"
	"github.com/tracky-pm/engine/internal/escalation"
	"github.com/tracky-pm/engine/internal/merge"
	"github.com/tracky-pm/engine/internal/scheduler"
	"github.com/tracky-pm/engine/internal/store"
)

// Deps bundles the engine components handlers are constructed over.
type Deps struct {
	Store     store.Store
	Merge     *merge.Engine
	Alerts    *alerts.Engine
	Calendar  *calendar.Calendar
	Monitor   *scheduler.JobFailureMonitor
	Org       escalation.OrgSettings
	Policy    escalation.Policy
	OpsEmail  string
	Logger    zerolog.Logger
}

// apiError is the normalized error shape every handler failure renders as
// (spec.md §7: "user-visible surfaces normalize all errors to {kind,
// message, details}").
type apiError struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string, details map[string]interface{}) {
	writeJSON(w, status, apiError{Kind: kind, Message: message, Details: details})
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) time.Time {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t
	}
	return fallback
}

func boolParam(r *http.Request, name string, fallback bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "yes"
}
