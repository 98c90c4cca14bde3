package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/ERPlora/module-messaging/internal/app"
	"github.com/ERPlora/module-messaging/internal/automation"
	"github.com/ERPlora/module-messaging/internal/campaign"
	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/settings"
	"github.com/ERPlora/module-messaging/internal/storage"
	"github.com/ERPlora/module-messaging/internal/template"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

var (
	cfgFile   string
	tenantID  string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "messaging",
	Short: "Messaging - delivery and automation engine",
	Long: `Messaging sends WhatsApp, SMS and email messages for a tenant, runs bulk
campaigns and fires automations from business events.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine",
	Long:  `Start the dispatch workers, the campaign and automation schedulers and the HTTP API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("messaging version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID (default: api.default_tenant)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	if cfg.API.TLS.Enabled() {
		fmt.Printf("  TLS: enabled (acme=%t)\n", cfg.API.TLS.ACME.Enabled)
	}
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Workers: %d\n", cfg.Dispatch.Workers)
	if cfg.Events.Enabled {
		fmt.Printf("  Events: %s (stream %s)\n", cfg.Events.RedisAddr, cfg.Events.Stream)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	fmt.Printf("  Seeded tenants: %d\n", len(cfg.Tenants))

	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if tenantID == "" {
		tenantID = cfg.API.DefaultTenant
	}
	return cfg, nil
}

// stores opens the database for offline inspection. The engine holds an
// exclusive lock on it, so these commands only work while it is stopped.
type stores struct {
	db          *bolt.DB
	tracker     *tracker.Tracker
	templates   *template.Storage
	campaigns   *campaign.Scheduler
	automations *automation.Evaluator
}

func openStores() (*stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	s, err := newStores(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newStores(db *bolt.DB, cfg *config.Config) (*stores, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	msgStore, err := tracker.NewStore(db)
	if err != nil {
		return nil, err
	}
	tr := tracker.New(msgStore, logger)

	templates, err := template.NewStorage(db)
	if err != nil {
		return nil, err
	}
	settingsStore, err := settings.NewStore(db, cfg.Tenants)
	if err != nil {
		return nil, err
	}
	campaignStore, err := campaign.NewStore(db)
	if err != nil {
		return nil, err
	}
	automationStore, err := automation.NewStore(db)
	if err != nil {
		return nil, err
	}

	return &stores{
		db:          db,
		tracker:     tr,
		templates:   templates,
		campaigns:   campaign.NewScheduler(campaignStore, tr, templates, logger),
		automations: automation.NewEvaluator(automationStore, tr, templates, settingsStore, logger),
	}, nil
}

func (s *stores) Close() error {
	return s.db.Close()
}
