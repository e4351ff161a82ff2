// Package app wires the engine's components together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ds1/outreach/internal/api"
	"github.com/ds1/outreach/internal/campaign"
	"github.com/ds1/outreach/internal/config"
	"github.com/ds1/outreach/internal/db"
	"github.com/ds1/outreach/internal/dispatch"
	"github.com/ds1/outreach/internal/escalation"
	"github.com/ds1/outreach/internal/metrics"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/provider"
	"github.com/ds1/outreach/internal/queue"
	"github.com/ds1/outreach/internal/ratelimit"
	"github.com/ds1/outreach/internal/repository"
	"github.com/ds1/outreach/internal/scheduler"
	"github.com/ds1/outreach/internal/webhook"
)

// App is the main application
type App struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	db          *db.DB
	store       *queue.BoltStorage
	rateLimiter *ratelimit.Limiter

	scheduler     *scheduler.Scheduler
	dispatcher    *dispatch.Dispatcher
	engine        *escalation.Engine
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector

	cleanupStop chan struct{}
	cleanupWG   sync.WaitGroup
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	rateLimiter, err := ratelimit.NewLimiter(store.DB(), &ratelimit.Config{
		Channels: map[models.ChannelType]*ratelimit.LimitConfig{
			models.ChannelMessage: {
				SendsPerHour: cfg.Dispatch.Message.HourlyQuota,
				SendsPerDay:  cfg.Dispatch.Message.DailyQuota,
			},
			models.ChannelVoice: {
				SendsPerHour: cfg.Dispatch.Voice.HourlyQuota,
				SendsPerDay:  cfg.Dispatch.Voice.DailyQuota,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	campaigns := repository.NewCampaignRepository(database.DB)
	contacts := repository.NewContactRepository(database.DB)
	enrollments := repository.NewEnrollmentRepository(database.DB)
	templates := repository.NewTemplateRepository(database.DB)
	activities := repository.NewActivityRepository(database.DB)
	rules := repository.NewEscalationRepository(database.DB)

	messageClient := provider.NewMessageClient(cfg.Providers.Message.BaseURL, cfg.Providers.Message.APIKey, cfg.Providers.Message.Timeout)
	voiceClient := provider.NewVoiceClient(cfg.Providers.Voice.BaseURL, cfg.Providers.Voice.APIKey, cfg.Providers.Voice.Timeout)
	speechClient := provider.NewSpeechClient(cfg.Providers.Speech.BaseURL, cfg.Providers.Speech.APIKey, cfg.Providers.Speech.Timeout)

	var contentClient provider.ContentGenerator
	if cfg.Providers.Content.BaseURL != "" {
		contentClient = provider.NewContentClient(cfg.Providers.Content.BaseURL, cfg.Providers.Content.APIKey, cfg.Providers.Content.Timeout)
	}

	m := metrics.New()
	metrics.SetGlobal(m)

	sched := scheduler.New(logger, campaigns, enrollments, store, scheduler.Config{
		Interval:  cfg.Scheduler.Interval,
		BatchSize: cfg.Scheduler.BatchSize,
	})

	dispatcher := dispatch.New(logger, store, dispatch.Deps{
		Campaigns:   campaigns,
		Contacts:    contacts,
		Enrollments: enrollments,
		Templates:   templates,
		Activities:  activities,
		Messages:    messageClient,
		Voice:       voiceClient,
		Speech:      speechClient,
		Limiter:     rateLimiter,
	}, dispatch.Config{
		Message:       dispatch.ChannelConfig{Concurrency: cfg.Dispatch.Message.Concurrency, RatePerSec: cfg.Dispatch.Message.RatePerSec},
		Voice:         dispatch.ChannelConfig{Concurrency: cfg.Dispatch.Voice.Concurrency, RatePerSec: cfg.Dispatch.Voice.RatePerSec},
		PollInterval:  cfg.Queue.PollInterval,
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
	})

	engine := escalation.New(logger, rules, enrollments, contacts, activities, messageClient, escalation.Config{
		Interval:  cfg.Escalation.SweepInterval,
		BatchSize: cfg.Escalation.BatchSize,
		NotifyTo:  cfg.Escalation.NotifyTo,
	})

	ingestor := webhook.NewIngestor(logger, contacts, enrollments, campaigns, activities)
	ingestor.SetEvaluator(engine)
	webhookHandler := webhook.NewHandler(logger, ingestor, cfg.Webhooks.MessageSigningSecret, cfg.Webhooks.VoiceToken)

	campaignSvc := campaign.NewService(logger, campaigns, contacts, enrollments)
	// Activation schedules the first step immediately instead of waiting for
	// the next tick
	campaignSvc.SetActivateHook(func() {
		go func() {
			if err := sched.RunOnce(context.Background()); err != nil {
				logger.Error("post-activation scheduling pass failed", "error", err)
			}
		}()
	})

	apiServer := api.NewServer(logger, cfg.Server.ListenAddr, cfg.Server.APIKey, version, api.Deps{
		CampaignSvc: campaignSvc,
		Campaigns:   campaigns,
		Contacts:    contacts,
		Enrollments: enrollments,
		Templates:   templates,
		Rules:       rules,
		Activities:  activities,
		Store:       store,
		Webhooks:    webhookHandler,
		Progress:    dispatcher,
		Content:     contentClient,
	})

	return &App{
		config:        cfg,
		logger:        logger,
		version:       version,
		db:            database,
		store:         store,
		rateLimiter:   rateLimiter,
		scheduler:     sched,
		dispatcher:    dispatcher,
		engine:        engine,
		apiServer:     apiServer,
		metricsServer: metrics.NewServer(m, cfg.Server.MetricsAddr, "/metrics", logger),
		collector:     metrics.NewCollector(m, store, cfg.Queue.Path, 0),
		cleanupStop:   make(chan struct{}),
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach engine",
		"version", a.version,
		"api_addr", a.config.Server.ListenAddr,
		"metrics_addr", a.config.Server.MetricsAddr,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.scheduler.Start(ctx)
	a.dispatcher.Start(ctx)
	a.engine.Start(ctx)
	a.collector.Start(ctx)
	a.startCleanupLoop(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components. New work stops first so the
// dispatcher can drain in-flight jobs before storage closes.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.scheduler.Stop()
	a.engine.Stop()
	a.dispatcher.Stop()
	a.collector.Stop()
	close(a.cleanupStop)
	a.cleanupWG.Wait()

	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("metrics server shutdown error", "error", err)
	}

	if err := a.rateLimiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("queue storage close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// startCleanupLoop prunes finished jobs and old dead letters on an interval
// derived from the retention window
func (a *App) startCleanupLoop(ctx context.Context) {
	interval := a.config.Queue.Retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}

	a.cleanupWG.Add(1)
	go func() {
		defer a.cleanupWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.cleanupStop:
				return
			case <-ticker.C:
				if n, err := a.store.CleanupDone(ctx, a.config.Queue.Retention); err != nil {
					a.logger.Error("queue cleanup failed", "error", err)
				} else if n > 0 {
					a.logger.Info("pruned finished jobs", "count", n)
				}
				if n, err := a.store.CleanupDLQ(ctx, a.config.Queue.Retention, 0); err != nil {
					a.logger.Error("dead letter cleanup failed", "error", err)
				} else if n > 0 {
					a.logger.Info("pruned dead letters", "count", n)
				}
			}
		}
	}()
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
