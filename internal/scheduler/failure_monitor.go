package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/notify"
)

// JobStatus is the failure-tracking state for one job id.
type JobStatus struct {
	FailureCount int
	Paused       bool
	LastError    string
}

// JobFailureMonitor tracks consecutive failures per job id and pauses a
// job once it reaches the configured threshold, dispatching a CRITICAL
// ops alert on the transition. A success clears the counter. Grounded on
// the CRIT_007 job-failure-monitoring fix named in the orchestrator's
// own history: a sliding per-job counter, not a global one, so one
// chronically-failing job doesn't mask others.
type JobFailureMonitor struct {
	mu        sync.Mutex
	threshold int
	status    map[string]*JobStatus

	dispatcher *notify.Dispatcher
	opsEmail   string
	logger     zerolog.Logger
}

// NewJobFailureMonitor builds a monitor that pauses a job after
// threshold consecutive failures.
func NewJobFailureMonitor(threshold int, dispatcher *notify.Dispatcher, opsEmail string, logger zerolog.Logger) *JobFailureMonitor {
	if threshold < 1 {
		threshold = 1
	}
	return &JobFailureMonitor{
		threshold:  threshold,
		status:     make(map[string]*JobStatus),
		dispatcher: dispatcher,
		opsEmail:   opsEmail,
		logger:     logger.With().Str("component", "job_failure_monitor").Logger(),
	}
}

// RecordFailure increments job's consecutive-failure count and returns
// true if this failure just crossed the pause threshold.
func (m *JobFailureMonitor) RecordFailure(ctx context.Context, job, errMsg string) bool {
	m.mu.Lock()
	st, ok := m.status[job]
	if !ok {
		st = &JobStatus{}
		m.status[job] = st
	}
	st.FailureCount++
	st.LastError = errMsg
	justPaused := st.FailureCount >= m.threshold && !st.Paused
	if justPaused {
		st.Paused = true
	}
	m.mu.Unlock()

	if justPaused {
		m.logger.Error().Str("job", job).Int("failures", st.FailureCount).Msg("job paused after repeated failures")
		m.sendCriticalAlert(ctx, job, errMsg)
	}
	return justPaused
}

// RecordSuccess clears job's failure count and unpauses it.
func (m *JobFailureMonitor) RecordSuccess(job string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.status[job]; ok {
		st.FailureCount = 0
		st.Paused = false
		st.LastError = ""
	}
}

// IsPaused reports whether job is currently paused.
func (m *JobFailureMonitor) IsPaused(job string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[job]
	return ok && st.Paused
}

// Status returns a snapshot of every job's current failure state.
func (m *JobFailureMonitor) Status() map[string]JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]JobStatus, len(m.status))
	for job, st := range m.status {
		out[job] = *st
	}
	return out
}

// PausedJobs returns the ids of every currently paused job.
func (m *JobFailureMonitor) PausedJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for job, st := range m.status {
		if st.Paused {
			out = append(out, job)
		}
	}
	return out
}

func (m *JobFailureMonitor) sendCriticalAlert(ctx context.Context, job, errMsg string) {
	if m.dispatcher == nil {
		return
	}
	msg := notify.RenderOpsAlert(
		fmt.Sprintf("Scheduler job paused: %s", job),
		fmt.Sprintf("Job %q failed %d times in a row and has been auto-paused. Last error: %s", job, m.threshold, errMsg),
		m.opsEmail,
	)
	if err := m.dispatcher.Send(ctx, msg); err != nil {
		m.logger.Error().Err(err).Str("job", job).Msg("failed to dispatch job-paused critical alert")
	}
}
