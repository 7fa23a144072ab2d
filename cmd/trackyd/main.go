// Command trackyd is the engine's service binary: it wires config,
// logging, the store, and every core component together, serves the
// HTTP surface, and — on the one instance in the fleet configured to —
// runs the scheduler. Graceful shutdown follows the teacher's
// signal.NotifyContext + http.Server.Shutdown pattern.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tracky-pm/engine/internal/alerts"
	"github.com/tracky-pm/engine/internal/cache"
	"github.com/tracky-pm/engine/internal/calendar"
	"github.com/tracky-pm/engine/internal/config"
	"github.com/tracky-pm/engine/internal/escalation"
	"github.com/tracky-pm/engine/internal/httpapi"
	"github.com/tracky-pm/engine/internal/logging"
	"github.com/tracky-pm/engine/internal/merge"
	"github.com/tracky-pm/engine/internal/notify"
	"github.com/tracky-pm/engine/internal/scheduler"
	"github.com/tracky-pm/engine/internal/store"
	"github.com/tracky-pm/engine/internal/store/memory"
	"github.com/tracky-pm/engine/internal/store/postgres"
	"github.com/tracky-pm/engine/internal/token"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(cfg, log)
		return
	}

	log.Info().Str("env", cfg.Env).Msg("trackyd starting")

	var st store.Store
	pgStore, err := postgres.New(context.Background(), cfg.StoreURL, log)
	if err != nil {
		log.Warn().Err(err).Msg("postgres store unavailable — falling back to in-memory store")
		st = memory.New()
	} else {
		defer pgStore.Close()
		st = pgStore
		log.Info().Msg("connected to postgres store")
	}

	if cfg.HolidaySeedFile != "" {
		if err := seedHolidays(context.Background(), st, cfg.HolidaySeedFile, log); err != nil {
			log.Warn().Err(err).Str("file", cfg.HolidaySeedFile).Msg("holiday seed file not loaded")
		}
	}

	signer := token.NewSigner(cfg.JWTSecret)
	cal := calendar.New(calendar.NewStoreHolidaySource(st), log)
	mergeEngine := merge.New(st, log)

	org := escalation.OrgSettings{EscalationEmailFallback: cfg.OpsEscalationEmail}
	policy := escalation.DefaultPolicy()
	policy.AutoApproveDelayUpToDays = 0

	alertEngine := alerts.New(st, cal, signer, org, policy, cfg.OpsEscalationEmail, cfg.FrontendBaseURL, log)
	var redisCache *cache.Client
	if cfg.RedisURL != "" {
		if rc, err := cache.New(cfg.RedisURL); err != nil {
			log.Warn().Err(err).Msg("redis cache unavailable — running without the response-token cache")
		} else if err := rc.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — running without the response-token cache")
		} else {
			alertEngine.SetCache(rc)
			redisCache = rc
			defer rc.Close()
			log.Info().Msg("connected to redis cache")
		}
	}

	var transports []notify.Transport
	transports = append(transports, notify.NewLogTransport(log))
	if cfg.SMTPHost != "" {
		transports = append(transports, notify.NewSMTPTransport(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort), cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, log))
	}
	if cfg.ChatWebhookURL != "" {
		transports = append(transports, notify.NewSlackTransport(cfg.ChatWebhookURL, log))
	}
	dispatcher := notify.New(log, transports...)

	sched := scheduler.New(scheduler.Config{
		Timezone:           cfg.SchedulerTimezone,
		DaysBeforeDeadline: policy.DaysBeforeDeadline,
		DefaultCountry:     "",
		ReminderAfterHours: policy.ReminderAfterHours,
		QueueBatchSize:     cfg.AlertBatchSize,
		FailureThreshold:   cfg.JobFailureAlertThresh,
	}, st, cal, alertEngine, dispatcher, cfg.OpsEscalationEmail, log)
	if redisCache != nil {
		sched.SetCache(redisCache)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableScheduler && cfg.RunScheduler {
		if err := sched.Start(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler failed to start")
		}
	} else {
		log.Info().Bool("enable_scheduler", cfg.EnableScheduler).Bool("run_scheduler", cfg.RunScheduler).Msg("scheduler not started on this instance")
	}

	deps := httpapi.Deps{
		Store:    st,
		Merge:    mergeEngine,
		Alerts:   alertEngine,
		Calendar: cal,
		Monitor:  sched.Monitor(),
		Org:      org,
		Policy:   policy,
		OpsEmail: cfg.OpsEscalationEmail,
		Logger:   log,
	}
	handler := httpapi.NewRouter(deps, cfg.CORSOrigins, cfg.MaxUploadBytes)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("trackyd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	if cfg.EnableScheduler && cfg.RunScheduler {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("trackyd stopped gracefully")
	}
}
