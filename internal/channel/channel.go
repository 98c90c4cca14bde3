// Package channel dispatches rendered messages to WhatsApp, SMS and email providers.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ERPlora/module-messaging/internal/config"
)

// Channel identifies a delivery channel
type Channel string

const (
	WhatsApp Channel = "whatsapp"
	SMS      Channel = "sms"
	Email    Channel = "email"
	// All is only valid on templates usable by every channel
	All Channel = "all"
)

// Valid reports whether c is a concrete delivery channel
func (c Channel) Valid() bool {
	switch c {
	case WhatsApp, SMS, Email:
		return true
	}
	return false
}

// AllowsSubject reports whether messages on c carry a subject line
func (c Channel) AllowsSubject() bool {
	return c == Email || c == All
}

// Message is a fully rendered message ready for a provider
type Message struct {
	ID            string
	Channel       Channel
	Recipient     string
	RecipientName string
	Subject       string
	Body          string
}

// Receipt is the provider confirmation of an accepted send
type Receipt struct {
	ExternalID string `json:"external_id"`
	RawStatus  string `json:"raw_status,omitempty"`
}

// Provider sends messages over one channel
type Provider interface {
	Channel() Channel
	// CheckConfig verifies the channel is enabled and has credentials, without network calls
	CheckConfig(settings *config.MessagingSettings) error
	Send(ctx context.Context, msg *Message, settings *config.MessagingSettings) (*Receipt, error)
}

// ErrChannelNotConfigured is returned before any provider call when a channel is disabled or lacks credentials
var ErrChannelNotConfigured = errors.New("channel not configured")

// NotConfiguredError describes why a channel cannot be used
type NotConfiguredError struct {
	Channel Channel
	Reason  string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("%s channel not configured: %s", e.Channel, e.Reason)
}

func (e *NotConfiguredError) Unwrap() error {
	return ErrChannelNotConfigured
}

func notConfigured(ch Channel, reason string) error {
	return &NotConfiguredError{Channel: ch, Reason: reason}
}

// DispatchError represents a provider failure with retry classification
type DispatchError struct {
	Retryable bool
	Code      int // HTTP status or SMTP reply code, 0 when unknown
	Message   string
}

func (e *DispatchError) Error() string {
	return e.Message
}

// Retryable builds a transient dispatch error
func Retryable(code int, format string, args ...any) *DispatchError {
	return &DispatchError{Retryable: true, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Permanent builds a non-retryable dispatch error
func Permanent(code int, format string, args ...any) *DispatchError {
	return &DispatchError{Retryable: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable checks if the error may succeed on a later attempt.
// Configuration errors are never retryable; unknown errors are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrChannelNotConfigured) {
		return false
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
