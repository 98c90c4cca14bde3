package config

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSettings marks a field value rejected by Validate
var ErrInvalidSettings = errors.New("invalid settings")

// SMS providers
const (
	SMSProviderNone        = "none"
	SMSProviderTwilio      = "twilio"
	SMSProviderMessageBird = "messagebird"
)

// Email providers
const (
	EmailProviderSMTP = "smtp"
	EmailProviderSES  = "ses"
)

// SecretMask replaces credentials in API responses
const SecretMask = "********"

// MessagingSettings is the per-tenant channel and automation configuration.
// A copy is loaded for every dispatch attempt and passed down explicitly.
type MessagingSettings struct {
	// WhatsApp
	WhatsAppEnabled    bool   `yaml:"whatsapp_enabled" json:"whatsapp_enabled"`
	WhatsAppAPIToken   string `yaml:"whatsapp_api_token" json:"whatsapp_api_token"`
	WhatsAppPhoneID    string `yaml:"whatsapp_phone_id" json:"whatsapp_phone_id"`
	WhatsAppBusinessID string `yaml:"whatsapp_business_id" json:"whatsapp_business_id"`

	// SMS
	SMSEnabled    bool   `yaml:"sms_enabled" json:"sms_enabled"`
	SMSProvider   string `yaml:"sms_provider" json:"sms_provider"`
	SMSAPIKey     string `yaml:"sms_api_key" json:"sms_api_key"`
	SMSSenderName string `yaml:"sms_sender_name" json:"sms_sender_name"`

	// Email
	EmailEnabled            bool   `yaml:"email_enabled" json:"email_enabled"`
	EmailProvider           string `yaml:"email_provider" json:"email_provider"`
	EmailFromName           string `yaml:"email_from_name" json:"email_from_name"`
	EmailFromAddress        string `yaml:"email_from_address" json:"email_from_address"`
	EmailSMTPHost           string `yaml:"email_smtp_host" json:"email_smtp_host"`
	EmailSMTPPort           int    `yaml:"email_smtp_port" json:"email_smtp_port"`
	EmailSMTPUsername       string `yaml:"email_smtp_username" json:"email_smtp_username"`
	EmailSMTPPassword       string `yaml:"email_smtp_password" json:"email_smtp_password"`
	EmailSMTPUseTLS         bool   `yaml:"email_smtp_use_tls" json:"email_smtp_use_tls"`
	EmailSESRegion          string `yaml:"email_ses_region" json:"email_ses_region"`
	EmailSESAccessKeyID     string `yaml:"email_ses_access_key_id" json:"email_ses_access_key_id"`
	EmailSESSecretAccessKey string `yaml:"email_ses_secret_access_key" json:"email_ses_secret_access_key"`
	EmailDKIMDomain         string `yaml:"email_dkim_domain" json:"email_dkim_domain"`
	EmailDKIMSelector       string `yaml:"email_dkim_selector" json:"email_dkim_selector"`
	EmailDKIMKeyFile        string `yaml:"email_dkim_key_file" json:"email_dkim_key_file"`

	// Automation
	AppointmentReminderEnabled bool `yaml:"appointment_reminder_enabled" json:"appointment_reminder_enabled"`
	AppointmentReminderHours   int  `yaml:"appointment_reminder_hours" json:"appointment_reminder_hours"`
	BookingConfirmationEnabled bool `yaml:"booking_confirmation_enabled" json:"booking_confirmation_enabled"`

	// Token buckets per channel, overriding dispatch.rate_limits
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`
}

// DefaultSettings returns the settings a tenant starts with
func DefaultSettings() MessagingSettings {
	return MessagingSettings{
		SMSProvider:                SMSProviderNone,
		EmailEnabled:               true,
		EmailProvider:              EmailProviderSMTP,
		EmailSMTPPort:              587,
		EmailSMTPUseTLS:            true,
		AppointmentReminderHours:   24,
		BookingConfirmationEnabled: true,
	}
}

// UnmarshalYAML decodes on top of DefaultSettings so omitted booleans keep their defaults
func (s *MessagingSettings) UnmarshalYAML(value *yaml.Node) error {
	type plain MessagingSettings
	out := plain(DefaultSettings())
	if err := value.Decode(&out); err != nil {
		return err
	}
	*s = MessagingSettings(out)
	return nil
}

// ApplyDefaults fills zero-valued fields that have non-zero defaults
func (s *MessagingSettings) ApplyDefaults() {
	if s.SMSProvider == "" {
		s.SMSProvider = SMSProviderNone
	}
	if s.EmailProvider == "" {
		s.EmailProvider = EmailProviderSMTP
	}
	if s.EmailSMTPPort == 0 {
		s.EmailSMTPPort = 587
	}
	if s.AppointmentReminderHours == 0 {
		s.AppointmentReminderHours = 24
	}
}

// Validate checks field values, not channel completeness
func (s *MessagingSettings) Validate() error {
	switch s.SMSProvider {
	case SMSProviderNone, SMSProviderTwilio, SMSProviderMessageBird:
	default:
		return fmt.Errorf("%w: invalid sms_provider: %s (must be none, twilio, or messagebird)", ErrInvalidSettings, s.SMSProvider)
	}

	switch s.EmailProvider {
	case EmailProviderSMTP, EmailProviderSES:
	default:
		return fmt.Errorf("%w: invalid email_provider: %s (must be smtp or ses)", ErrInvalidSettings, s.EmailProvider)
	}

	if len(s.SMSSenderName) > 11 {
		return fmt.Errorf("%w: sms_sender_name must be at most 11 characters", ErrInvalidSettings)
	}

	if s.EmailSMTPPort < 1 || s.EmailSMTPPort > 65535 {
		return fmt.Errorf("%w: invalid email_smtp_port: %d", ErrInvalidSettings, s.EmailSMTPPort)
	}

	if s.AppointmentReminderHours < 0 {
		return fmt.Errorf("%w: appointment_reminder_hours must not be negative", ErrInvalidSettings)
	}

	if (s.EmailDKIMSelector != "" || s.EmailDKIMKeyFile != "") && (s.EmailDKIMSelector == "" || s.EmailDKIMKeyFile == "") {
		return fmt.Errorf("%w: email_dkim_selector and email_dkim_key_file must be set together", ErrInvalidSettings)
	}

	for ch, rl := range s.RateLimits {
		if rl.PerSecond < 0 || rl.Burst < 0 {
			return fmt.Errorf("%w: rate_limits.%s must not be negative", ErrInvalidSettings, ch)
		}
	}

	return nil
}

// RateLimit returns the token bucket for a channel, falling back to defaults
func (s *MessagingSettings) RateLimit(channel string, defaults map[string]RateLimitConfig) RateLimitConfig {
	if rl, ok := s.RateLimits[channel]; ok {
		return rl
	}
	return defaults[channel]
}

// Clone returns a deep copy
func (s MessagingSettings) Clone() MessagingSettings {
	if s.RateLimits != nil {
		limits := make(map[string]RateLimitConfig, len(s.RateLimits))
		for k, v := range s.RateLimits {
			limits[k] = v
		}
		s.RateLimits = limits
	}
	return s
}

// Redacted returns a copy with credentials masked
func (s MessagingSettings) Redacted() MessagingSettings {
	out := s.Clone()
	for _, field := range out.secrets() {
		if *field != "" {
			*field = SecretMask
		}
	}
	return out
}

// KeepSecrets copies credentials from prev wherever s still carries the mask
func (s *MessagingSettings) KeepSecrets(prev MessagingSettings) {
	current := s.secrets()
	previous := prev.secrets()
	for i, field := range current {
		if *field == SecretMask {
			*field = *previous[i]
		}
	}
}

func (s *MessagingSettings) secrets() []*string {
	return []*string{
		&s.WhatsAppAPIToken,
		&s.SMSAPIKey,
		&s.EmailSMTPPassword,
		&s.EmailSESSecretAccessKey,
	}
}
