package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ERPlora/module-messaging/internal/automation"
	"github.com/ERPlora/module-messaging/internal/campaign"
	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/dnscheck"
	"github.com/ERPlora/module-messaging/internal/ipfilter"
	"github.com/ERPlora/module-messaging/internal/metrics"
	"github.com/ERPlora/module-messaging/internal/settings"
	"github.com/ERPlora/module-messaging/internal/template"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

// Services are the engine components the API exposes
type Services struct {
	Tracker     *tracker.Tracker
	Templates   *template.Storage
	Campaigns   *campaign.Scheduler
	Automations *automation.Evaluator
	Settings    *settings.Store
	DNS         *dnscheck.Checker
}

// Server is the HTTP API server
type Server struct {
	router        *chi.Mux
	httpServer    *http.Server
	tlsConfig     *tls.Config
	svc           Services
	config        *config.Config
	apiFilter     *ipfilter.Filter
	webhookFilter *ipfilter.Filter
	logger        *slog.Logger
	startTime     time.Time
	version       string
}

// NewServer creates a new API server
func NewServer(svc Services, cfg *config.Config, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		svc:           svc,
		config:        cfg,
		apiFilter:     ipfilter.New(cfg.API.AllowedIPs, logger),
		webhookFilter: ipfilter.New(cfg.Webhook.AllowedIPs, logger),
		logger:        logger,
		startTime:     time.Now(),
		version:       version,
	}

	s.setupRoutes()
	return s
}

// SetTLSConfig makes ListenAndServe serve HTTPS
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfig = cfg
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Provider delivery callbacks carry no API key
	s.router.With(s.webhookFilter.HTTPMiddleware, s.webhookAuthMiddleware).
		Post("/webhooks/status", s.handleStatusWebhook)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.apiFilter.HTTPMiddleware)
		r.Use(s.authMiddleware)
		r.Use(s.tenantMiddleware)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", s.handleListMessages)
			r.Post("/", s.handleSend)
			r.Get("/{id}", s.handleGetMessage)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.handleCreateTemplate)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
			r.Post("/{id}/preview", s.handlePreviewTemplate)
			r.Post("/{id}/activate", s.handleActivateTemplate)
			r.Post("/{id}/deactivate", s.handleDeactivateTemplate)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Put("/{id}", s.handleUpdateCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)
			r.Post("/{id}/schedule", s.handleScheduleCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/cancel", s.handleCancelCampaign)
			r.Get("/{id}/progress", s.handleCampaignProgress)
		})

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", s.handleListAutomations)
			r.Post("/", s.handleCreateAutomation)
			r.Get("/{id}", s.handleGetAutomation)
			r.Put("/{id}", s.handleUpdateAutomation)
			r.Delete("/{id}", s.handleDeleteAutomation)
			r.Post("/{id}/activate", s.handleActivateAutomation)
			r.Post("/{id}/deactivate", s.handleDeactivateAutomation)
			r.Get("/{id}/executions", s.handleListExecutions)
		})

		r.Post("/events", s.handleEvent)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/settings/dkim", s.handleGenerateDKIM)
		r.Get("/settings/dns-check", s.handleCheckDNS)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.API.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.API.ReadTimeout,
		WriteTimeout:   s.config.API.WriteTimeout,
		IdleTimeout:    s.config.API.IdleTimeout,
		MaxHeaderBytes: s.config.API.MaxHeaderBytes,
		TLSConfig:      s.tlsConfig,
	}

	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.API.ListenAddr)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.API.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
