package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/ERPlora/module-messaging/internal/api"
	"github.com/ERPlora/module-messaging/internal/automation"
	"github.com/ERPlora/module-messaging/internal/campaign"
	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/dispatch"
	"github.com/ERPlora/module-messaging/internal/dkim"
	"github.com/ERPlora/module-messaging/internal/dnscheck"
	"github.com/ERPlora/module-messaging/internal/events"
	"github.com/ERPlora/module-messaging/internal/metrics"
	"github.com/ERPlora/module-messaging/internal/ratelimit"
	"github.com/ERPlora/module-messaging/internal/settings"
	"github.com/ERPlora/module-messaging/internal/storage"
	"github.com/ERPlora/module-messaging/internal/template"
	apptls "github.com/ERPlora/module-messaging/internal/tls"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *bolt.DB
	tracker       *tracker.Tracker
	scheduler     *campaign.Scheduler
	evaluator     *automation.Evaluator
	processor     *dispatch.Processor
	cron          *cron.Cron
	apiServer     *api.Server
	acmeServer    *http.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	redis         *redis.Client
	consumer      *events.Consumer
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{config: cfg, db: db, logger: logger}
	if err := a.build(version); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg, logger := a.config, a.logger

	msgStore, err := tracker.NewStore(a.db)
	if err != nil {
		return err
	}
	a.tracker = tracker.New(msgStore, logger.With("component", "tracker"))

	templates, err := template.NewStorage(a.db)
	if err != nil {
		return fmt.Errorf("failed to create template storage: %w", err)
	}

	settingsStore, err := settings.NewStore(a.db, cfg.Tenants)
	if err != nil {
		return fmt.Errorf("failed to create settings store: %w", err)
	}

	campaignStore, err := campaign.NewStore(a.db)
	if err != nil {
		return err
	}
	a.scheduler = campaign.NewScheduler(campaignStore, a.tracker, templates, logger.With("component", "campaigns"))
	a.tracker.Subscribe(a.scheduler.HandleOutcome)

	automationStore, err := automation.NewStore(a.db)
	if err != nil {
		return err
	}
	a.evaluator = automation.NewEvaluator(automationStore, a.tracker, templates, settingsStore, logger.With("component", "automations"))
	a.evaluator.SetBatchSize(cfg.Automation.BatchSize)

	gateway := channel.NewGateway(logger.With("component", "gateway"),
		channel.NewWhatsAppProvider(cfg.Providers.WhatsAppBaseURL, cfg.Providers.HTTPTimeout),
		channel.NewSMSProvider(cfg.Providers.TwilioBaseURL, cfg.Providers.MessageBirdBaseURL, cfg.Providers.HTTPTimeout),
		channel.NewEmailProvider(cfg.Providers.SMTPHelloName, dkim.NewKeyring(), channel.NewSESSender(), logger.With("component", "email")),
	)

	limiter := ratelimit.NewLimiter(cfg.Dispatch.RateLimits)
	limiter.OnWait = func(ch string, waited time.Duration) {
		metrics.ObserveRateLimitWait(ch, waited)
	}

	a.processor = dispatch.NewProcessor(a.tracker, settingsStore, templates, gateway, limiter,
		dispatch.Config{
			Workers:         cfg.Dispatch.Workers,
			ProcessInterval: cfg.Dispatch.ProcessInterval,
			MaxAttempts:     cfg.Dispatch.MaxAttempts,
			RetryInterval:   cfg.Dispatch.RetryInterval,
			MaxBackoff:      cfg.Dispatch.MaxBackoff,
			SendTimeout:     cfg.Dispatch.SendTimeout,
		},
		logger.With("component", "dispatch"),
	)
	a.processor.SetCancelChecker(a.scheduler)

	a.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.With("component", "cron")})))
	if err := a.scheduleJobs(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(a.db, m, a, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	if cfg.Events.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.Password,
			DB:       cfg.Events.RedisDB,
		})
		a.consumer = events.NewConsumer(a.redis, cfg.Events, a.evaluator, logger.With("component", "events"))
	}

	a.apiServer = api.NewServer(api.Services{
		Tracker:     a.tracker,
		Templates:   templates,
		Campaigns:   a.scheduler,
		Automations: a.evaluator,
		Settings:    settingsStore,
		DNS:         dnscheck.New(nil),
	}, cfg, version, logger.With("component", "api"))

	tlsConfig, acme, err := apptls.Setup(cfg.API.TLS)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		a.apiServer.SetTLSConfig(tlsConfig)
	}
	if acme != nil {
		logger.Info("ACME (Let's Encrypt) enabled", "domains", acme.Domains())
		// Non-challenge requests are redirected to HTTPS
		a.acmeServer = &http.Server{
			Addr:              cfg.API.TLS.ACME.ChallengeAddr,
			Handler:           acme.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return nil
}

// Backlog reports queued work for the metrics gauges
func (a *App) Backlog(ctx context.Context) (*metrics.Backlog, error) {
	counts, err := a.tracker.Store().Counts(ctx, "")
	if err != nil {
		return nil, err
	}
	pending, err := a.evaluator.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	sending, err := a.scheduler.CountSending(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.Backlog{
		MessagesQueued:    int64(counts.Queued),
		ExecutionsPending: int64(pending),
		CampaignsSending:  int64(sending),
	}, nil
}

// recover puts work interrupted by a previous crash back in line. It runs
// before any worker starts.
func (a *App) recover(ctx context.Context) error {
	now := time.Now()

	n, err := a.tracker.Store().RecoverClaimed(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to recover messages: %w", err)
	}
	if n > 0 {
		a.logger.Warn("requeued messages interrupted by shutdown", "count", n)
	}

	report, err := a.evaluator.Recover(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to recover executions: %w", err)
	}
	if report.Requeued > 0 || report.Reconciled > 0 || report.Missed > 0 {
		a.logger.Warn("recovered automation executions",
			"requeued", report.Requeued,
			"reconciled", report.Reconciled,
			"missed", report.Missed)
	}

	if _, err := a.scheduler.SweepSending(ctx); err != nil {
		return fmt.Errorf("failed to sweep campaigns: %w", err)
	}
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting messaging engine",
		"api_addr", a.config.API.ListenAddr,
		"workers", a.config.Dispatch.Workers,
		"events", a.config.Events.Enabled,
		"metrics", a.config.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.recover(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 3)

	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start event consumer: %w", err)
		}
	}

	a.processor.Start(ctx)
	a.cron.Start()

	if a.collector != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.acmeServer != nil {
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
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

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.acmeServer != nil {
		a.acmeServer.Shutdown(shutdownCtx)
	}

	if a.consumer != nil {
		a.consumer.Stop()
	}

	// Let running jobs finish before the workers go
	<-a.cron.Stop().Done()
	a.processor.Stop()

	if a.collector != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
