// Package tracker owns the delivery state of every outbound message.
package tracker

import (
	"errors"
	"time"

	"github.com/ERPlora/module-messaging/internal/channel"
)

// Status is the delivery state of a message
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ParseStatus validates a status string
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return st, true
	}
	return "", false
}

// Failure reason codes
const (
	ReasonChannelNotConfigured = "channel_not_configured"
	ReasonMissingVariable      = "missing_variable"
	ReasonUnknownChannelField  = "unknown_channel_field"
	ReasonTemplateUnavailable  = "template_unavailable"
	ReasonDispatchPermanent    = "dispatch_permanent"
	ReasonRetriesExhausted     = "retries_exhausted"
	ReasonCancelled            = "cancelled"
	ReasonProviderReported     = "provider_reported"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Message is one outbound message to one recipient on one channel
type Message struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	Channel       channel.Channel   `json:"channel"`
	Recipient     string            `json:"recipient"`
	RecipientName string            `json:"recipient_name,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Body          string            `json:"body,omitempty"`
	Status        Status            `json:"status"`
	TemplateID    string            `json:"template_id,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	CustomerID    string            `json:"customer_id,omitempty"`
	CampaignID    string            `json:"campaign_id,omitempty"`
	ExecutionID   string            `json:"execution_id,omitempty"`
	ExternalID    string            `json:"external_id,omitempty"`
	Attempts      int               `json:"attempts"`
	AvailableAt   time.Time         `json:"available_at"`
	Claimed       bool              `json:"claimed,omitempty"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
	ReadAt        *time.Time        `json:"read_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	FailureDetail string            `json:"failure_detail,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Terminal reports whether no dispatch work remains for the message
func (m *Message) Terminal() bool {
	return m.Status != StatusQueued
}

// rank orders the happy path; failed is off the path
var rank = map[Status]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether from -> to is an edge of the delivery graph.
// Skipping forward (sent -> read) is allowed; moving backwards is not.
func CanTransition(from, to Status) bool {
	switch {
	case from == StatusFailed || from == StatusRead:
		return false
	case to == StatusFailed:
		return from == StatusQueued || from == StatusSent
	case from == StatusQueued:
		return to == StatusSent
	}
	fr, ok1 := rank[from]
	tr, ok2 := rank[to]
	return ok1 && ok2 && tr > fr
}

// isStale reports whether a status report is already reflected by current,
// so applying it again must change nothing
func isStale(current, reported Status) bool {
	if current == reported {
		return true
	}
	cr, ok1 := rank[current]
	rr, ok2 := rank[reported]
	return ok1 && ok2 && rr < cr
}

// ListFilter narrows message listings
type ListFilter struct {
	Status     Status
	Channel    channel.Channel
	CampaignID string
	CustomerID string
	Limit      int
	Offset     int
}

// Counts is a per-status tally of a set of messages
type Counts struct {
	Queued    int `json:"queued"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

func (c *Counts) add(s Status) {
	c.Total++
	switch s {
	case StatusQueued:
		c.Queued++
	case StatusSent:
		c.Sent++
	case StatusDelivered:
		c.Delivered++
	case StatusRead:
		c.Read++
	case StatusFailed:
		c.Failed++
	}
}
