package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/metrics"
	"github.com/ERPlora/module-messaging/internal/template"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

// snapshotNamespace seeds the deterministic IDs of snapshotted messages
var snapshotNamespace = uuid.MustParse("6f1c1b54-3f4e-4c1a-9a57-1f3c2f0b7d21")

// TemplateSource looks up the template a campaign sends
type TemplateSource interface {
	Get(ctx context.Context, tenantID, id string) (*template.Template, error)
}

// Scheduler drives campaigns from draft to completion. Dispatch itself is
// done by the shared worker pool; the scheduler snapshots recipients into
// queued messages and derives progress from them.
type Scheduler struct {
	store     *Store
	tracker   *tracker.Tracker
	templates TemplateSource
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(store *Store, t *tracker.Tracker, templates TemplateSource, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		tracker:   t,
		templates: templates,
		logger:    logger,
		now:       time.Now,
	}
}

// Create stores a new draft campaign
func (s *Scheduler) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := Validate(c); err != nil {
		return err
	}
	if err := s.checkTemplate(ctx, c); err != nil {
		return err
	}

	now := s.now().UTC()
	c.Status = StatusDraft
	c.ScheduledAt, c.StartedAt, c.CompletedAt, c.CancelledAt = nil, nil, nil, nil
	c.TotalCount, c.SentCount, c.DeliveredCount, c.FailedCount = 0, 0, 0, 0
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := s.store.Create(ctx, c); err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	metrics.IncCampaigns(string(StatusDraft))
	s.logger.Info("campaign created", "campaign_id", c.ID, "recipients", len(c.Recipients))
	return nil
}

func (s *Scheduler) checkTemplate(ctx context.Context, c *Campaign) error {
	tmpl, err := s.templates.Get(ctx, c.TenantID, c.TemplateID)
	if err != nil {
		return err
	}
	if tmpl.Channel != c.Channel && tmpl.Channel != channel.All {
		return fmt.Errorf("%w: template channel %s does not match campaign channel %s", ErrInvalid, tmpl.Channel, c.Channel)
	}
	return nil
}

// Get returns a campaign
func (s *Scheduler) Get(ctx context.Context, tenantID, id string) (*Campaign, error) {
	return s.store.Get(ctx, tenantID, id)
}

// List returns the tenant's campaigns
func (s *Scheduler) List(ctx context.Context, tenantID string, filter ListFilter) ([]*Campaign, error) {
	return s.store.List(ctx, tenantID, filter)
}

// UpdateDraft replaces the editable fields of a draft campaign
func (s *Scheduler) UpdateDraft(ctx context.Context, c *Campaign) (*Campaign, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	if err := s.checkTemplate(ctx, c); err != nil {
		return nil, err
	}

	return s.store.Update(ctx, c.ID, func(stored *Campaign) error {
		if stored.TenantID != c.TenantID {
			return ErrNotFound
		}
		if stored.Status != StatusDraft {
			return ErrNotEditable
		}
		stored.Name = c.Name
		stored.Description = c.Description
		stored.Channel = c.Channel
		stored.TemplateID = c.TemplateID
		stored.Variables = c.Variables
		stored.Recipients = c.Recipients
		return nil
	})
}

// Schedule sets the time a draft or scheduled campaign starts sending
func (s *Scheduler) Schedule(ctx context.Context, tenantID, id string, at time.Time) (*Campaign, error) {
	c, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkTemplate(ctx, c); err != nil {
		return nil, err
	}

	at = at.UTC()
	c, err = s.store.Update(ctx, id, func(c *Campaign) error {
		if !CanTransition(c.Status, StatusScheduled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, StatusScheduled)
		}
		if len(c.Recipients) == 0 {
			return ErrNoRecipients
		}
		c.Status = StatusScheduled
		c.ScheduledAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncCampaigns(string(StatusScheduled))
	s.logger.Info("campaign scheduled", "campaign_id", id, "scheduled_at", at)
	return c, nil
}

// Start schedules a campaign for now and snapshots it immediately
func (s *Scheduler) Start(ctx context.Context, tenantID, id string) (*Campaign, error) {
	if _, err := s.Schedule(ctx, tenantID, id, s.now()); err != nil {
		return nil, err
	}
	return s.activate(ctx, id)
}

// RunDue starts every scheduled campaign whose time has come. A store error
// aborts the run; campaigns already started are not repeated on the next run.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due campaigns: %w", err)
	}

	started := 0
	for _, id := range ids {
		if _, err := s.activate(ctx, id); err != nil {
			return started, fmt.Errorf("failed to start campaign %s: %w", id, err)
		}
		started++
	}
	return started, nil
}

// activate snapshots the recipients into queued messages and moves the
// campaign to sending. Message IDs are derived from the campaign and the
// recipient position, so repeating an interrupted activation creates nothing new.
func (s *Scheduler) activate(ctx context.Context, id string) (*Campaign, error) {
	c, err := s.store.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusScheduled {
		return c, nil
	}

	msgs := s.snapshot(c)
	created, err := s.tracker.Store().Enqueue(ctx, msgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot recipients: %w", err)
	}

	cancelled := false
	c, err = s.store.Update(ctx, id, func(c *Campaign) error {
		if c.Status != StatusScheduled {
			cancelled = c.Status == StatusCancelled
			return nil
		}
		now := s.now().UTC()
		c.Status = StatusSending
		c.StartedAt = &now
		c.TotalCount = len(msgs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		// Cancelled while the snapshot was written
		if _, err := s.tracker.CancelQueued(ctx, id); err != nil {
			return nil, err
		}
		return c, nil
	}

	metrics.IncCampaigns(string(StatusSending))
	s.logger.Info("campaign sending", "campaign_id", id, "total", len(msgs), "created", created)
	return c, nil
}

func (s *Scheduler) snapshot(c *Campaign) []*tracker.Message {
	now := s.now().UTC()
	msgs := make([]*tracker.Message, 0, len(c.Recipients))

	for i, r := range c.Recipients {
		bindings := make(map[string]string, len(c.Variables)+len(r.Variables)+1)
		for k, v := range c.Variables {
			bindings[k] = v
		}
		if r.Name != "" {
			bindings["name"] = r.Name
		}
		for k, v := range r.Variables {
			bindings[k] = v
		}

		msgs = append(msgs, &tracker.Message{
			ID:            uuid.NewSHA1(snapshotNamespace, []byte(c.ID+"/"+strconv.Itoa(i))).String(),
			TenantID:      c.TenantID,
			Channel:       c.Channel,
			Recipient:     r.Contact,
			RecipientName: r.Name,
			TemplateID:    c.TemplateID,
			Variables:     bindings,
			CustomerID:    r.CustomerID,
			CampaignID:    c.ID,
			AvailableAt:   now,
		})
	}
	return msgs
}

// Cancel stops a campaign. Queued messages not yet claimed fail with reason
// cancelled; messages already being dispatched finish.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, id string) (*Campaign, error) {
	_, err := s.store.Update(ctx, id, func(c *Campaign) error {
		if c.TenantID != tenantID {
			return ErrNotFound
		}
		if !CanTransition(c.Status, StatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, StatusCancelled)
		}
		now := s.now().UTC()
		c.Status = StatusCancelled
		c.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	n, err := s.tracker.CancelQueued(ctx, id)
	if err != nil {
		return nil, err
	}

	metrics.IncCampaigns(string(StatusCancelled))
	s.logger.Info("campaign cancelled", "campaign_id", id, "messages_cancelled", n)

	return s.refresh(ctx, id)
}

// IsCancelled reports whether a campaign was cancelled. Workers call it after each claim.
func (s *Scheduler) IsCancelled(ctx context.Context, id string) (bool, error) {
	c, err := s.store.lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Status == StatusCancelled, nil
}

// Progress recomputes the campaign's counters from its messages
func (s *Scheduler) Progress(ctx context.Context, tenantID, id string) (*Progress, error) {
	c, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.tracker.Store().Counts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	return newProgress(c, counts), nil
}

// CheckCompletion completes a sending campaign once no message is queued and
// refreshes the cached counters
func (s *Scheduler) CheckCompletion(ctx context.Context, id string) (*Campaign, error) {
	counts, err := s.tracker.Store().Counts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	completed := false
	c, err := s.store.Update(ctx, id, func(c *Campaign) error {
		applyCounts(c, counts)
		if c.Status == StatusSending && counts.Queued == 0 && counts.Total >= c.TotalCount {
			now := s.now().UTC()
			c.Status = StatusCompleted
			c.CompletedAt = &now
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed {
		metrics.IncCampaigns(string(StatusCompleted))
		s.logger.Info("campaign completed", "campaign_id", id,
			"sent", c.SentCount, "failed", c.FailedCount, "total", c.TotalCount)
	}
	return c, nil
}

// SweepSending runs CheckCompletion on every sending campaign
func (s *Scheduler) SweepSending(ctx context.Context) (int, error) {
	sending, err := s.store.ByStatus(ctx, StatusSending)
	if err != nil {
		return 0, fmt.Errorf("failed to list sending campaigns: %w", err)
	}

	completed := 0
	for _, c := range sending {
		updated, err := s.CheckCompletion(ctx, c.ID)
		if err != nil {
			return completed, err
		}
		if updated.Status == StatusCompleted {
			completed++
		}
	}
	return completed, nil
}

// HandleOutcome checks the campaign behind a finished message for completion
func (s *Scheduler) HandleOutcome(ctx context.Context, msg *tracker.Message) {
	if msg.CampaignID == "" || !msg.Terminal() {
		return
	}
	if _, err := s.CheckCompletion(ctx, msg.CampaignID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("failed to check campaign completion", "campaign_id", msg.CampaignID, "message_id", msg.ID, "error", err)
	}
}

// CountSending returns the number of campaigns currently sending
func (s *Scheduler) CountSending(ctx context.Context) (int, error) {
	sending, err := s.store.ByStatus(ctx, StatusSending)
	return len(sending), err
}

// Delete removes a campaign that is not scheduled or sending. Its messages are kept.
func (s *Scheduler) Delete(ctx context.Context, tenantID, id string) error {
	return s.store.Delete(ctx, id, func(c *Campaign) error {
		if c.TenantID != tenantID {
			return ErrNotFound
		}
		if c.Status == StatusScheduled || c.Status == StatusSending {
			return fmt.Errorf("%w: cannot delete %s campaign", ErrInvalidTransition, c.Status)
		}
		return nil
	})
}

func (s *Scheduler) refresh(ctx context.Context, id string) (*Campaign, error) {
	counts, err := s.tracker.Store().Counts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	return s.store.Update(ctx, id, func(c *Campaign) error {
		applyCounts(c, counts)
		return nil
	})
}

func applyCounts(c *Campaign, counts tracker.Counts) {
	c.SentCount = counts.Sent + counts.Delivered + counts.Read
	c.DeliveredCount = counts.Delivered + counts.Read
	c.FailedCount = counts.Failed
	if counts.Total > c.TotalCount {
		c.TotalCount = counts.Total
	}
}
