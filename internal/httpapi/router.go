package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/metrics"
)

// NewRouter returns a configured chi Router with the full middleware
// chain and every route named in spec.md §6 mounted. Middleware order
// mirrors the teacher's gateway router: CORS first so preflight requests
// never reach auth, then request id, panic recovery, request logging,
// body size limit.
func NewRouter(deps Deps, corsOrigins []string, maxUploadBytes int64) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(deps.Logger))
	r.Use(maxBodySize(maxUploadBytes))

	r.Get("/healthz", healthHandler("ok"))
	r.Get("/ready", healthHandler("ready"))
	r.Handle("/metrics", metrics.Handler())

	importH := &importHandler{deps: deps}
	alertH := &alertHandler{deps: deps}
	resourceH := &resourceHandler{deps: deps}
	holidayH := &holidayHandler{deps: deps}

	r.Post("/import", importH.Import)
	r.Get("/import/batches", importH.ListBatches)
	r.Get("/import/batches/{id}", importH.GetBatch)
	r.Get("/import/baseline-versions", importH.ListBaselineVersions)

	r.Post("/alerts/respond", alertH.Respond)
	r.Post("/alerts/approvals/{response_id}/approve", alertH.Approve)
	r.Post("/alerts/approvals/{response_id}/reject", alertH.Reject)
	r.Get("/alerts/approvals", alertH.ListPendingApprovals)
	r.Get("/alerts/{id}/escalation-summary", alertH.EscalationSummary)

	r.Get("/resources/{id}/escalation-chain", resourceH.EscalationChain)
	r.Get("/resources/{id}/availability", resourceH.Availability)

	r.Get("/holidays", holidayH.List)
	r.Post("/holidays", holidayH.Create)
	r.Delete("/holidays/{id}", holidayH.Delete)

	r.Get("/scheduler/status", schedulerStatusHandler(deps))

	return r
}

func healthHandler(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": status, "service": "trackyd"})
	}
}

func schedulerStatusHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Monitor == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": map[string]interface{}{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": deps.Monitor.Status()})
	}
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
