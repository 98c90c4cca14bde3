package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API        APIConfig                    `yaml:"api"`
	Storage    StorageConfig                `yaml:"storage"`
	Logging    LoggingConfig                `yaml:"logging"`
	Metrics    MetricsConfig                `yaml:"metrics"`
	Dispatch   DispatchConfig               `yaml:"dispatch"`
	Campaign   CampaignConfig               `yaml:"campaign"`
	Automation AutomationConfig             `yaml:"automation"`
	Events     EventsConfig                 `yaml:"events"`    // Redis Streams event intake
	Webhook    WebhookConfig                `yaml:"webhook"`   // Delivery status callbacks
	Providers  ProvidersConfig              `yaml:"providers"` // Provider endpoints and timeouts
	Tenants    map[string]MessagingSettings `yaml:"tenants"`   // Seed settings per tenant
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHashes   []string      `yaml:"api_key_hashes"` // bcrypt hashes, checked in addition to api_key
	DefaultTenant  string        `yaml:"default_tenant"` // Used when X-Tenant-ID is absent
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access API (empty = allow all)
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS certificate settings. Provider callbacks usually
// require an HTTPS endpoint.
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// Enabled reports whether the API is served over TLS
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.ACME.Enabled
}

// ACMEConfig contains Let's Encrypt ACME settings
type ACMEConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Email         string   `yaml:"email"`
	Domains       []string `yaml:"domains"`
	CacheDir      string   `yaml:"cache_dir"`
	ChallengeAddr string   `yaml:"challenge_addr"` // HTTP-01 challenge listener
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path        string `yaml:"path"`
	DKIMKeysDir string `yaml:"dkim_keys_dir"` // Generated tenant DKIM keys
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// DispatchConfig contains worker pool settings shared by campaigns, automations and direct sends
type DispatchConfig struct {
	Workers         int                        `yaml:"workers"`
	ProcessInterval time.Duration              `yaml:"process_interval"`
	MaxAttempts     int                        `yaml:"max_attempts"`   // Attempt budget for retryable errors
	RetryInterval   time.Duration              `yaml:"retry_interval"` // Base for exponential backoff
	MaxBackoff      time.Duration              `yaml:"max_backoff"`
	SendTimeout     time.Duration              `yaml:"send_timeout"`
	RateLimits      map[string]RateLimitConfig `yaml:"rate_limits"` // Defaults per channel
}

// RateLimitConfig is a token bucket definition
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// CampaignConfig contains campaign scheduler settings
type CampaignConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"` // How often due campaigns and completion are checked
}

// AutomationConfig contains automation evaluator settings
type AutomationConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"` // How often due executions are run
	BatchSize     int           `yaml:"batch_size"`     // Max executions per tick
}

// EventsConfig contains Redis Streams intake settings
type EventsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisDB      int           `yaml:"redis_db"`
	Password     string        `yaml:"password"`
	Stream       string        `yaml:"stream"`
	Group        string        `yaml:"group"`
	Consumer     string        `yaml:"consumer"`
	BatchSize    int64         `yaml:"batch_size"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// WebhookConfig contains delivery callback settings
type WebhookConfig struct {
	Token      string   `yaml:"token"`       // Required X-Webhook-Token value (empty = not checked)
	AllowedIPs []string `yaml:"allowed_ips"` // Provider source addresses (empty = allow all)
}

// ProvidersConfig contains provider endpoints
type ProvidersConfig struct {
	WhatsAppBaseURL    string        `yaml:"whatsapp_base_url"`
	TwilioBaseURL      string        `yaml:"twilio_base_url"`
	MessageBirdBaseURL string        `yaml:"messagebird_base_url"`
	SMTPHelloName      string        `yaml:"smtp_hello_name"`
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.DefaultTenant == "" {
		c.API.DefaultTenant = "default"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/messaging/messaging.db"
	}
	if c.Storage.DKIMKeysDir == "" {
		c.Storage.DKIMKeysDir = filepath.Join(filepath.Dir(c.Storage.Path), "dkim")
	}
	if c.API.TLS.ACME.CacheDir == "" {
		c.API.TLS.ACME.CacheDir = filepath.Join(filepath.Dir(c.Storage.Path), "certs")
	}
	if c.API.TLS.ACME.ChallengeAddr == "" {
		c.API.TLS.ACME.ChallengeAddr = ":80"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.ProcessInterval == 0 {
		c.Dispatch.ProcessInterval = time.Second
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.RetryInterval == 0 {
		c.Dispatch.RetryInterval = 30 * time.Second
	}
	if c.Dispatch.MaxBackoff == 0 {
		c.Dispatch.MaxBackoff = 30 * time.Minute
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = time.Minute
	}
	if c.Dispatch.RateLimits == nil {
		c.Dispatch.RateLimits = make(map[string]RateLimitConfig)
	}
	for ch, rl := range DefaultRateLimits() {
		if _, ok := c.Dispatch.RateLimits[ch]; !ok {
			c.Dispatch.RateLimits[ch] = rl
		}
	}

	if c.Campaign.CheckInterval == 0 {
		c.Campaign.CheckInterval = 10 * time.Second
	}

	if c.Automation.CheckInterval == 0 {
		c.Automation.CheckInterval = 30 * time.Second
	}
	if c.Automation.BatchSize == 0 {
		c.Automation.BatchSize = 100
	}

	if c.Events.Stream == "" {
		c.Events.Stream = "messaging:events"
	}
	if c.Events.Group == "" {
		c.Events.Group = "messaging"
	}
	if c.Events.Consumer == "" {
		hostname, _ := os.Hostname()
		c.Events.Consumer = hostname
	}
	if c.Events.BatchSize == 0 {
		c.Events.BatchSize = 16
	}
	if c.Events.BlockTimeout == 0 {
		c.Events.BlockTimeout = 5 * time.Second
	}

	if c.Providers.WhatsAppBaseURL == "" {
		c.Providers.WhatsAppBaseURL = "https://graph.facebook.com/v19.0"
	}
	if c.Providers.TwilioBaseURL == "" {
		c.Providers.TwilioBaseURL = "https://api.twilio.com"
	}
	if c.Providers.MessageBirdBaseURL == "" {
		c.Providers.MessageBirdBaseURL = "https://rest.messagebird.com"
	}
	if c.Providers.SMTPHelloName == "" {
		hostname, _ := os.Hostname()
		c.Providers.SMTPHelloName = hostname
	}
	if c.Providers.HTTPTimeout == 0 {
		c.Providers.HTTPTimeout = 30 * time.Second
	}

	for tenant, s := range c.Tenants {
		s.ApplyDefaults()
		c.Tenants[tenant] = s
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must not be negative")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	for ch, rl := range c.Dispatch.RateLimits {
		if rl.PerSecond < 0 || rl.Burst < 0 {
			return fmt.Errorf("dispatch.rate_limits.%s must not be negative", ch)
		}
	}

	if c.Events.Enabled && c.Events.RedisAddr == "" {
		return fmt.Errorf("events.redis_addr is required when events are enabled")
	}

	for tenant, s := range c.Tenants {
		if tenant == "" {
			return fmt.Errorf("empty tenant id in tenants configuration")
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("tenants.%s: %w", tenant, err)
		}
	}

	return nil
}

// validateTLS validates TLS configuration
func (c *Config) validateTLS() error {
	tls := c.API.TLS
	hasCerts := tls.CertFile != "" || tls.KeyFile != ""

	if hasCerts && tls.ACME.Enabled {
		return fmt.Errorf("cannot use both manual certificates and ACME")
	}

	if hasCerts {
		if tls.CertFile == "" {
			return fmt.Errorf("api.tls.cert_file is required when using manual certificates")
		}
		if tls.KeyFile == "" {
			return fmt.Errorf("api.tls.key_file is required when using manual certificates")
		}
	}

	if tls.ACME.Enabled {
		if tls.ACME.Email == "" {
			return fmt.Errorf("api.tls.acme.email is required when ACME is enabled")
		}
		if len(tls.ACME.Domains) == 0 {
			return fmt.Errorf("api.tls.acme.domains must not be empty when ACME is enabled")
		}
	}

	return nil
}

// DefaultRateLimits returns the per-channel token buckets used when nothing is configured
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"whatsapp": {PerSecond: 20, Burst: 20},
		"sms":      {PerSecond: 10, Burst: 10},
		"email":    {PerSecond: 5, Burst: 5},
	}
}
