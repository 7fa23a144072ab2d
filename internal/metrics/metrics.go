// Package metrics exposes the handful of prometheus collectors the
// engine's operators actually watch: import volume, alert send/escalate
// counts, and how long a recalculation pass takes. Everything else —
// request latency, queue depth — lives in logs and the scheduler status
// endpoint instead of duplicating it here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ImportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracky_imports_total",
		Help: "Smart Merge imports processed, labeled by outcome.",
	}, []string{"status"})

	AlertsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracky_alerts_sent_total",
		Help: "Deadline alerts dispatched to a recipient.",
	})

	AlertsEscalatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracky_alerts_escalated_total",
		Help: "Alerts escalated after a recipient timed out.",
	})

	RecalculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracky_recalculation_duration_seconds",
		Help:    "Time spent recomputing downstream dates after a change.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler returns the standard promhttp handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
