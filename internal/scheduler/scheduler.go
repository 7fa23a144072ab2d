// Package scheduler is the cooperative single-process driver described in
// spec.md §4.8: one business-day-aware daily scan, a periodic timeout
// escalation sweep, a periodic send-queue drain, and two nightly/morning
// cron jobs, each wrapped by the Job-Failure Monitor so a chronically
// failing job gets auto-paused instead of wedging the whole scheduler.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/alerts"
	"github.com/tracky-pm/engine/internal/cache"
	"github.com/tracky-pm/engine/internal/calendar"
	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/metrics"
	"github.com/tracky-pm/engine/internal/notify"
	"github.com/tracky-pm/engine/internal/store"
)

const (
	jobDailyScan         = "daily_scan"
	jobEscalationChecker = "escalation_checker"
	jobQueueProcessor    = "queue_processor"
	jobStaleCleanup      = "stale_cleanup"
	jobReminderSender    = "reminder_sender"
)

// Config carries the job-scheduling tunables spec.md §4.8/§6 name.
type Config struct {
	Timezone            string // IANA name, e.g. "America/New_York"; default UTC
	DaysBeforeDeadline  int
	DefaultCountry      string
	ReminderAfterHours  int
	TokenRetention      time.Duration
	QueueBatchSize      int
	FailureThreshold    int
}

// Scheduler wires the five jobs described in spec.md §4.8 onto a
// robfig/cron driver (for the three wall-clock cron jobs) plus two
// interval tickers (for the two high-frequency jobs), each instrumented
// by a JobFailureMonitor.
type Scheduler struct {
	cfg        Config
	loc        *time.Location
	store      store.Store
	calendar   *calendar.Calendar
	alerts     *alerts.Engine
	dispatcher *notify.Dispatcher
	monitor    *JobFailureMonitor
	cache      *cache.Client
	logger     zerolog.Logger

	cron       *cron.Cron
	stopTicker chan struct{}
}

// New builds a Scheduler. It does not start any job until Start is called.
func New(cfg Config, s store.Store, cal *calendar.Calendar, alertEngine *alerts.Engine, dispatcher *notify.Dispatcher, opsEmail string, logger zerolog.Logger) *Scheduler {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.UTC
	}
	return &Scheduler{
		cfg:        cfg,
		loc:        loc,
		store:      s,
		calendar:   cal,
		alerts:     alertEngine,
		dispatcher: dispatcher,
		monitor:    NewJobFailureMonitor(cfg.FailureThreshold, dispatcher, opsEmail, logger),
		logger:     logger.With().Str("component", "scheduler").Logger(),
		stopTicker: make(chan struct{}),
	}
}

// Monitor exposes the job-failure monitor for the HTTP status endpoint.
func (s *Scheduler) Monitor() *JobFailureMonitor { return s.monitor }

// SetCache attaches a Redis-backed send queue. Left unset, the queue
// processor drains the store's queue table on every tick instead.
func (s *Scheduler) SetCache(c *cache.Client) { s.cache = c }

// Start registers the cron-syntax jobs and launches the ticker-driven
// jobs as goroutines. It returns once everything is scheduled; jobs run
// asynchronously until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(s.loc))

	if _, err := s.cron.AddFunc("0 5 * * *", func() { s.runGuarded(ctx, jobDailyScan, s.runDailyScan) }); err != nil {
		return fmt.Errorf("scheduling daily_scan: %w", err)
	}
	if _, err := s.cron.AddFunc("0 2 * * *", func() { s.runGuarded(ctx, jobStaleCleanup, s.runStaleCleanup) }); err != nil {
		return fmt.Errorf("scheduling stale_cleanup: %w", err)
	}
	if _, err := s.cron.AddFunc("0 10 * * *", func() { s.runGuarded(ctx, jobReminderSender, s.runReminderSender) }); err != nil {
		return fmt.Errorf("scheduling reminder_sender: %w", err)
	}
	s.cron.Start()

	go s.runTicker(ctx, jobEscalationChecker, 30*time.Minute, s.runEscalationChecker)
	go s.runTicker(ctx, jobQueueProcessor, 5*time.Minute, s.runQueueProcessor)

	s.logger.Info().Str("tz", s.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts the cron driver and the interval tickers. It does not wait
// for an in-flight job run to finish beyond cron's own drain.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	close(s.stopTicker)
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runTicker(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopTicker:
			return
		case <-ticker.C:
			s.runGuarded(ctx, job, fn)
		}
	}
}

// runGuarded executes fn, routing the outcome through the job-failure
// monitor: a success clears the job's counter, a failure increments it
// and (past threshold) auto-pauses the job for subsequent ticks.
func (s *Scheduler) runGuarded(ctx context.Context, job string, fn func(context.Context) error) {
	if s.monitor.IsPaused(job) {
		s.logger.Warn().Str("job", job).Msg("skipping run: job is paused")
		return
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	dur := time.Since(start)
	if err != nil {
		s.monitor.RecordFailure(ctx, job, err.Error())
		s.logger.Error().Err(err).Str("job", job).Dur("duration", dur).Msg("job run failed")
		return
	}
	s.monitor.RecordSuccess(job)
	s.logger.Info().Str("job", job).Dur("duration", dur).Msg("job run completed")
}

func (s *Scheduler) runDailyScan(ctx context.Context) error {
	today := time.Now().In(s.loc)
	isBusinessDay, err := s.calendar.IsBusinessDay(ctx, today, s.cfg.DefaultCountry)
	if err != nil {
		return fmt.Errorf("checking business day: %w", err)
	}
	if !isBusinessDay {
		s.logger.Info().Msg("daily_scan: skipped, not a business day")
		return nil
	}
	result := s.alerts.RunDailyScan(ctx, today, s.cfg.DaysBeforeDeadline, s.cfg.DefaultCountry)
	if len(result.Errors) > 0 {
		return fmt.Errorf("daily scan reported %d errors, first: %s", len(result.Errors), result.Errors[0])
	}
	s.logger.Info().
		Int("scanned", result.ScannedCount).
		Int("created", result.AlertsCreated).
		Int("escalated", result.EscalationsRun).
		Msg("daily_scan complete")
	return nil
}

func (s *Scheduler) runEscalationChecker(ctx context.Context) error {
	outcomes, err := s.alerts.CheckAndEscalateTimeouts(ctx, s.cfg.DefaultCountry)
	if err != nil {
		return err
	}
	if len(outcomes) > 0 {
		metrics.AlertsEscalatedTotal.Add(float64(len(outcomes)))
		s.logger.Info().Int("escalated", len(outcomes)).Msg("escalation_checker: alerts escalated")
	}
	return nil
}

// drainDueAlertSends tries the Redis-backed queue first when one is
// attached, falling back to the store's queue table on a cache miss or
// error so a Redis outage never stalls alert delivery. The store stays
// the system of record either way: EnqueueAlertSend always writes there.
func (s *Scheduler) drainDueAlertSends(ctx context.Context, batchSize int) ([]string, error) {
	if s.cache != nil {
		ids, err := s.cache.DrainDueAlertSends(ctx, time.Now().UTC(), int64(batchSize))
		if err != nil {
			s.logger.Warn().Err(err).Msg("queue_processor: redis drain failed, falling back to store")
		} else if len(ids) > 0 {
			return ids, nil
		}
	}
	return s.store.DrainDueAlertSends(ctx, time.Now().UTC(), batchSize)
}

func (s *Scheduler) runQueueProcessor(ctx context.Context) error {
	batchSize := s.cfg.QueueBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	alertIDs, err := s.drainDueAlertSends(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("draining alert queue: %w", err)
	}
	var firstErr error
	sent := 0
	for _, alertID := range alertIDs {
		if err := s.dispatchAlert(ctx, alertID); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alertID).Msg("queue_processor: dispatch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent > 0 || len(alertIDs) > 0 {
		s.logger.Info().Int("drained", len(alertIDs)).Int("sent", sent).Msg("queue_processor complete")
	}
	return firstErr
}

func (s *Scheduler) dispatchAlert(ctx context.Context, alertID string) error {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if alert == nil {
		return nil
	}
	workItem, err := s.store.GetWorkItem(ctx, alert.WorkItemID)
	if err != nil {
		return err
	}
	if workItem == nil {
		return nil
	}
	msg := notify.Render(*alert, *workItem)
	if err := s.dispatcher.Send(ctx, msg); err != nil {
		return err
	}
	metrics.AlertsSentTotal.Inc()
	now := time.Now().UTC()
	alert.SentAt = &now
	if alert.Status == domain.AlertPending {
		alert.Status = domain.AlertSent
	}
	return s.store.UpdateAlert(ctx, *alert)
}

func (s *Scheduler) runStaleCleanup(ctx context.Context) error {
	now := time.Now().UTC()
	expired, err := s.store.ListExpiredAlerts(ctx, now)
	if err != nil {
		return fmt.Errorf("listing expired alerts: %w", err)
	}
	for _, alert := range expired {
		alert.Status = domain.AlertExpired
		if err := s.store.UpdateAlert(ctx, alert); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("stale_cleanup: failed to expire alert")
		}
	}

	retention := s.cfg.TokenRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	purged, err := s.store.PurgeRevokedTokensOlderThan(ctx, now.Add(-retention))
	if err != nil {
		return fmt.Errorf("purging revoked tokens: %w", err)
	}
	s.logger.Info().Int("expired_alerts", len(expired)).Int("purged_tokens", purged).Msg("stale_cleanup complete")
	return nil
}

func (s *Scheduler) runReminderSender(ctx context.Context) error {
	hours := s.cfg.ReminderAfterHours
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	due, err := s.store.ListAlertsDueForReminder(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing reminder candidates: %w", err)
	}
	sent := 0
	for _, alert := range due {
		if err := s.dispatchAlert(ctx, alert.ID); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("reminder_sender: re-send failed")
			continue
		}
		sent++
	}
	s.logger.Info().Int("candidates", len(due)).Int("resent", sent).Msg("reminder_sender complete")
	return nil
}
