// Package automation matches business events against automation rules and
// runs the resulting executions at their scheduled time.
package automation

import (
	"errors"
	"fmt"
	"time"

	"github.com/ERPlora/module-messaging/internal/channel"
)

// Trigger is the business event an automation reacts to
type Trigger string

const (
	TriggerWelcome           Trigger = "welcome"
	TriggerBirthday          Trigger = "birthday"
	TriggerAnniversary       Trigger = "anniversary"
	TriggerPostSale          Trigger = "post_sale"
	TriggerPostAppointment   Trigger = "post_appointment"
	TriggerInactivity        Trigger = "inactivity"
	TriggerLoyaltyTierChange Trigger = "loyalty_tier_change"
	TriggerLeadStageChange   Trigger = "lead_stage_change"
	TriggerTicketResolved    Trigger = "ticket_resolved"
	TriggerBookingConfirmed  Trigger = "booking_confirmed"
	TriggerBookingReminder   Trigger = "booking_reminder"
	TriggerCustom            Trigger = "custom"
)

var triggers = map[Trigger]bool{
	TriggerWelcome: true, TriggerBirthday: true, TriggerAnniversary: true,
	TriggerPostSale: true, TriggerPostAppointment: true, TriggerInactivity: true,
	TriggerLoyaltyTierChange: true, TriggerLeadStageChange: true, TriggerTicketResolved: true,
	TriggerBookingConfirmed: true, TriggerBookingReminder: true, TriggerCustom: true,
}

// Valid reports whether t is a known trigger
func (t Trigger) Valid() bool {
	return triggers[t]
}

// ExecStatus is the state of an execution
type ExecStatus string

const (
	ExecPending ExecStatus = "pending"
	ExecSent    ExecStatus = "sent"
	ExecFailed  ExecStatus = "failed"
	ExecSkipped ExecStatus = "skipped"
)

// Skip reasons
const (
	SkipDuplicate          = "duplicate"
	SkipDisabledBySettings = "disabled_by_settings"
	SkipAutomationInactive = "automation_inactive"
	SkipAutomationMissing  = "automation_missing"
	SkipTemplateInactive   = "template_inactive"
	SkipTemplateMissing    = "template_missing"
)

var (
	ErrNotFound = errors.New("automation not found")
	ErrInvalid  = errors.New("invalid automation")

	// ErrScheduleMissed marks a pending execution whose time passed while the
	// process was down. It is reported by the recovery sweep; the execution still runs.
	ErrScheduleMissed = errors.New("automation schedule missed")

	ErrExecutionNotFound = errors.New("execution not found")
)

// Automation sends a template when a matching business event arrives
type Automation struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Trigger         Trigger         `json:"trigger"`
	Channel         channel.Channel `json:"channel"`
	TemplateID      string          `json:"template_id"`
	DelaySeconds    int64           `json:"delay_seconds"`
	Conditions      []Condition     `json:"conditions,omitempty"`
	IsActive        bool            `json:"is_active"`
	ExecutionCount  int64           `json:"execution_count"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Delay returns the wait between trigger and send
func (a *Automation) Delay() time.Duration {
	return time.Duration(a.DelaySeconds) * time.Second
}

// Validate checks an automation before it is stored
func Validate(a *Automation) error {
	if a.Name == "" {
		return fmt.Errorf("%w: automation name is required", ErrInvalid)
	}
	if !a.Trigger.Valid() {
		return fmt.Errorf("%w: invalid trigger %q", ErrInvalid, a.Trigger)
	}
	if !a.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %q", ErrInvalid, a.Channel)
	}
	if a.TemplateID == "" {
		return fmt.Errorf("%w: automation template is required", ErrInvalid)
	}
	if a.DelaySeconds < 0 {
		return fmt.Errorf("%w: delay must not be negative", ErrInvalid)
	}
	for i, c := range a.Conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

// Execution is one scheduled run of an automation for one customer and occasion
type Execution struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	AutomationID string         `json:"automation_id"`
	Trigger      Trigger        `json:"trigger"`
	CustomerID   string         `json:"customer_id"`
	MessageID    string         `json:"message_id,omitempty"`
	Fingerprint  string         `json:"fingerprint"`
	Status       ExecStatus     `json:"status"`
	TriggerData  map[string]any `json:"trigger_data,omitempty"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
	SkipReason   string         `json:"skip_reason,omitempty"`
	Error        string         `json:"error,omitempty"`
	Claimed      bool           `json:"claimed,omitempty"`
	Recovered    bool           `json:"recovered,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the execution has finished
func (e *Execution) Terminal() bool {
	return e.Status != ExecPending
}

// Event is a business event delivered by the CRM or another module
type Event struct {
	ID          string         `json:"id,omitempty"`
	TenantID    string         `json:"tenant_id"`
	Type        Trigger        `json:"type"`
	CustomerID  string         `json:"customer_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	OccasionKey string         `json:"occasion_key,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Validate checks the fields every event needs
func (ev *Event) Validate() error {
	if ev.TenantID == "" {
		return fmt.Errorf("%w: event tenant is required", ErrInvalid)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalid, ev.Type)
	}
	if ev.CustomerID == "" {
		return fmt.Errorf("%w: event customer is required", ErrInvalid)
	}
	return nil
}

// ListFilter narrows automation listings
type ListFilter struct {
	Trigger Trigger
	Active  *bool
}

// ExecutionFilter narrows execution listings
type ExecutionFilter struct {
	AutomationID string
	CustomerID   string
	Status       ExecStatus
	Limit        int
	Offset       int
}
