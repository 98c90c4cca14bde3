// Package template stores message templates and renders their {{variable}} tokens.
package template

import (
	"errors"
	"fmt"
	"time"

	"github.com/ERPlora/module-messaging/internal/channel"
)

// Category groups templates by use
type Category string

const (
	CategoryAppointmentReminder Category = "appointment_reminder"
	CategoryBookingConfirmation Category = "booking_confirmation"
	CategoryReceipt             Category = "receipt"
	CategoryMarketing           Category = "marketing"
	CategoryCustom              Category = "custom"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryAppointmentReminder, CategoryBookingConfirmation, CategoryReceipt, CategoryMarketing, CategoryCustom:
		return true
	}
	return false
}

// Template is a reusable message body with {{variable}} tokens
type Template struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	Channel   channel.Channel `json:"channel"`
	Category  Category        `json:"category"`
	Subject   string          `json:"subject,omitempty"`
	Body      string          `json:"body"`
	Variables []string        `json:"variables"`
	IsActive  bool            `json:"is_active"`
	IsSystem  bool            `json:"is_system"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

var (
	ErrNotFound            = errors.New("template not found")
	ErrNameTaken           = errors.New("template name already exists")
	ErrSystemTemplate      = errors.New("system templates cannot be deleted")
	ErrSubjectRequired     = errors.New("email templates require a subject")
	ErrUnknownChannelField = errors.New("field not supported by channel")
	ErrInvalid             = errors.New("invalid template")
)

// Validate checks the template fields and the channel/subject rule
func Validate(t *Template) error {
	if t.Name == "" {
		return fmt.Errorf("%w: template name is required", ErrInvalid)
	}
	if t.Body == "" {
		return fmt.Errorf("%w: template body is required", ErrInvalid)
	}
	if !t.Channel.Valid() && t.Channel != channel.All {
		return fmt.Errorf("%w: invalid channel %q", ErrInvalid, t.Channel)
	}
	if t.Category != "" && !t.Category.Valid() {
		return fmt.Errorf("%w: invalid category %q", ErrInvalid, t.Category)
	}

	switch {
	case t.Channel == channel.Email && t.Subject == "":
		return ErrSubjectRequired
	case !t.Channel.AllowsSubject() && t.Subject != "":
		return fmt.Errorf("%w: subject on %s template", ErrUnknownChannelField, t.Channel)
	}
	return nil
}

// ListFilter narrows template listings
type ListFilter struct {
	Channel  channel.Channel
	Category Category
	Active   *bool
	Search   string
	Limit    int
	Offset   int
}
