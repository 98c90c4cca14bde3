package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
api:
  listen_addr: ":9080"
  api_key: "test-api-key"
  default_tenant: "hub-1"

dispatch:
  workers: 2
  max_attempts: 5
  retry_interval: 1m
  process_interval: 5s
  rate_limits:
    sms:
      per_second: 2
      burst: 4

storage:
  path: "/tmp/test.db"

logging:
  level: "debug"
  format: "text"

tenants:
  hub-1:
    sms_enabled: true
    sms_provider: twilio
    sms_api_key: "AC123:secret"
    sms_sender_name: "ERPlora"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.API.DefaultTenant != "hub-1" {
		t.Errorf("API.DefaultTenant = %v, want hub-1", cfg.API.DefaultTenant)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("Dispatch.Workers = %v, want 2", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("Dispatch.MaxAttempts = %v, want 5", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.RetryInterval != time.Minute {
		t.Errorf("Dispatch.RetryInterval = %v, want 1m", cfg.Dispatch.RetryInterval)
	}
	if got := cfg.Dispatch.RateLimits["sms"]; got.PerSecond != 2 || got.Burst != 4 {
		t.Errorf("Dispatch.RateLimits[sms] = %+v, want {2 4}", got)
	}
	if _, ok := cfg.Dispatch.RateLimits["email"]; !ok {
		t.Error("Dispatch.RateLimits[email] missing, want default")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}

	tenant, ok := cfg.Tenants["hub-1"]
	if !ok {
		t.Fatal("Tenants[hub-1] missing")
	}
	if !tenant.SMSEnabled || tenant.SMSProvider != SMSProviderTwilio {
		t.Errorf("tenant sms = %v/%v, want true/twilio", tenant.SMSEnabled, tenant.SMSProvider)
	}
	// Omitted booleans keep their defaults
	if !tenant.EmailEnabled {
		t.Error("tenant EmailEnabled = false, want default true")
	}
	if !tenant.EmailSMTPUseTLS {
		t.Error("tenant EmailSMTPUseTLS = false, want default true")
	}
	if !tenant.BookingConfirmationEnabled {
		t.Error("tenant BookingConfirmationEnabled = false, want default true")
	}
	if tenant.EmailSMTPPort != 587 {
		t.Errorf("tenant EmailSMTPPort = %d, want 587", tenant.EmailSMTPPort)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "storage:\n  path: /tmp/x.db\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.API.DefaultTenant != "default" {
		t.Errorf("API.DefaultTenant = %v, want default", cfg.API.DefaultTenant)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("Dispatch.Workers = %v, want 4", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("Dispatch.MaxAttempts = %v, want 3", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Events.Stream != "messaging:events" {
		t.Errorf("Events.Stream = %v, want messaging:events", cfg.Events.Stream)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Logging:  LoggingConfig{Level: "info", Format: "json"},
			Dispatch: DispatchConfig{MaxAttempts: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "invalid" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Dispatch.MaxAttempts = 0 }, wantErr: true},
		{
			name: "negative rate",
			mutate: func(c *Config) {
				c.Dispatch.RateLimits = map[string]RateLimitConfig{"sms": {PerSecond: -1}}
			},
			wantErr: true,
		},
		{name: "events without redis", mutate: func(c *Config) { c.Events.Enabled = true }, wantErr: true},
		{name: "cert without key", mutate: func(c *Config) { c.API.TLS.CertFile = "/etc/cert.pem" }, wantErr: true},
		{
			name: "certs and acme",
			mutate: func(c *Config) {
				c.API.TLS = TLSConfig{CertFile: "c.pem", KeyFile: "k.pem", ACME: ACMEConfig{Enabled: true, Email: "a@b.c", Domains: []string{"api.b.c"}}}
			},
			wantErr: true,
		},
		{
			name: "acme without domains",
			mutate: func(c *Config) {
				c.API.TLS.ACME = ACMEConfig{Enabled: true, Email: "ops@example.com"}
			},
			wantErr: true,
		},
		{
			name: "acme",
			mutate: func(c *Config) {
				c.API.TLS.ACME = ACMEConfig{Enabled: true, Email: "ops@example.com", Domains: []string{"api.example.com"}}
			},
		},
		{
			name: "invalid tenant sms provider",
			mutate: func(c *Config) {
				s := DefaultSettings()
				s.SMSProvider = "carrier-pigeon"
				c.Tenants = map[string]MessagingSettings{"hub": s}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *MessagingSettings)
		wantErr bool
	}{
		{name: "defaults", mutate: func(s *MessagingSettings) {}},
		{name: "long sender name", mutate: func(s *MessagingSettings) { s.SMSSenderName = "ERPloraMessaging" }, wantErr: true},
		{name: "bad email provider", mutate: func(s *MessagingSettings) { s.EmailProvider = "pigeon" }, wantErr: true},
		{name: "bad port", mutate: func(s *MessagingSettings) { s.EmailSMTPPort = 70000 }, wantErr: true},
		{name: "dkim selector without key", mutate: func(s *MessagingSettings) { s.EmailDKIMSelector = "mail" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettingsRedaction(t *testing.T) {
	s := DefaultSettings()
	s.WhatsAppAPIToken = "wa-token"
	s.SMSAPIKey = "sms-key"

	red := s.Redacted()
	if red.WhatsAppAPIToken != SecretMask {
		t.Errorf("Redacted().WhatsAppAPIToken = %q, want mask", red.WhatsAppAPIToken)
	}
	if red.EmailSMTPPassword != "" {
		t.Errorf("Redacted().EmailSMTPPassword = %q, want empty", red.EmailSMTPPassword)
	}
	if s.WhatsAppAPIToken != "wa-token" {
		t.Error("Redacted() modified the original")
	}

	red.SMSAPIKey = "new-key"
	red.KeepSecrets(s)
	if red.WhatsAppAPIToken != "wa-token" {
		t.Errorf("KeepSecrets() WhatsAppAPIToken = %q, want wa-token", red.WhatsAppAPIToken)
	}
	if red.SMSAPIKey != "new-key" {
		t.Errorf("KeepSecrets() SMSAPIKey = %q, want new-key", red.SMSAPIKey)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
