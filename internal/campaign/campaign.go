// Package campaign expands bulk campaigns into queued messages and tracks
// their progress from the delivery records.
package campaign

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

// Status is the campaign lifecycle state
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid campaign transition")
	ErrNoRecipients      = errors.New("campaign has no recipients")
	ErrNotEditable       = errors.New("campaign can only be edited in draft")
	ErrInvalid           = errors.New("invalid campaign")
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusScheduled, StatusSending, StatusCancelled},
	StatusSending:   {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a campaign may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Recipient is one target of a campaign
type Recipient struct {
	CustomerID string            `json:"customer_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Contact    string            `json:"contact"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// Campaign is a bulk send of one template to an ordered recipient list
type Campaign struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Channel     channel.Channel   `json:"channel"`
	TemplateID  string            `json:"template_id"`
	Variables   map[string]string `json:"variables,omitempty"`
	Status      Status            `json:"status"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CancelledAt *time.Time        `json:"cancelled_at,omitempty"`
	Recipients  []Recipient       `json:"recipients"`

	// Cached from the message records; Progress is authoritative
	TotalCount     int `json:"total_count"`
	SentCount      int `json:"sent_count"`
	DeliveredCount int `json:"delivered_count"`
	FailedCount    int `json:"failed_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required to schedule a campaign
func Validate(c *Campaign) error {
	if c.Name == "" {
		return fmt.Errorf("%w: campaign name is required", ErrInvalid)
	}
	if !c.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %q", ErrInvalid, c.Channel)
	}
	if c.TemplateID == "" {
		return fmt.Errorf("%w: campaign template is required", ErrInvalid)
	}
	for i, r := range c.Recipients {
		if r.Contact == "" {
			return fmt.Errorf("%w: recipient %d has no contact", ErrInvalid, i)
		}
	}
	return nil
}

// ListFilter narrows campaign listings
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Progress is recomputed from the campaign's messages on every call
type Progress struct {
	CampaignID         string   `json:"campaign_id"`
	Status             Status   `json:"status"`
	TotalCount         int      `json:"total_count"`
	QueuedCount        int      `json:"queued_count"`
	SentCount          int      `json:"sent_count"`
	DeliveredCount     int      `json:"delivered_count"`
	ReadCount          int      `json:"read_count"`
	FailedCount        int      `json:"failed_count"`
	ProgressPercentage float64  `json:"progress_percentage"`
	DeliveryRate       *float64 `json:"delivery_rate,omitempty"`
}

// newProgress derives progress from message counts. A message counts as sent
// once a provider accepted it, whatever delivery state it reached since.
func newProgress(c *Campaign, counts tracker.Counts) *Progress {
	p := &Progress{
		CampaignID:     c.ID,
		Status:         c.Status,
		TotalCount:     counts.Total,
		QueuedCount:    counts.Queued,
		SentCount:      counts.Sent + counts.Delivered + counts.Read,
		DeliveredCount: counts.Delivered + counts.Read,
		ReadCount:      counts.Read,
		FailedCount:    counts.Failed,
	}
	if p.TotalCount == 0 && c.Status != StatusSending && c.Status != StatusCompleted {
		// Not snapshotted yet
		p.TotalCount = len(c.Recipients)
	}

	if p.TotalCount > 0 {
		p.ProgressPercentage = round1(float64(p.SentCount+p.FailedCount) / float64(p.TotalCount) * 100)
	}
	if p.SentCount > 0 {
		rate := round1(float64(p.DeliveredCount) / float64(p.SentCount) * 100)
		p.DeliveryRate = &rate
	}
	return p
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
