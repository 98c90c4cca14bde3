// Package dispatch runs the worker pool that delivers queued messages.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/metrics"
	"github.com/ERPlora/module-messaging/internal/template"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

const markSentAttempts = 3

// SettingsSource returns a snapshot of a tenant's settings
type SettingsSource interface {
	Get(ctx context.Context, tenantID string) (config.MessagingSettings, error)
}

// TemplateSource looks up templates for messages queued by reference
type TemplateSource interface {
	Get(ctx context.Context, tenantID, id string) (*template.Template, error)
}

// Sender hands rendered messages to a provider
type Sender interface {
	Check(msg *channel.Message, settings *config.MessagingSettings) error
	Send(ctx context.Context, msg *channel.Message, settings *config.MessagingSettings) (*channel.Receipt, error)
}

// Limiter blocks until the tenant's channel has capacity
type Limiter interface {
	Wait(ctx context.Context, tenantID, channel string, settings *config.MessagingSettings) error
}

// CancelChecker reports whether a campaign was cancelled after its messages were queued
type CancelChecker interface {
	IsCancelled(ctx context.Context, campaignID string) (bool, error)
}

// Config contains processor configuration
type Config struct {
	Workers         int
	ProcessInterval time.Duration
	MaxAttempts     int
	RetryInterval   time.Duration
	MaxBackoff      time.Duration
	SendTimeout     time.Duration
}

// Processor claims queued messages and drives them to sent or failed
type Processor struct {
	tracker   *tracker.Tracker
	settings  SettingsSource
	templates TemplateSource
	sender    Sender
	limiter   Limiter
	cancelled CancelChecker
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates a processor; call SetCancelChecker before Start when campaigns are in use
func NewProcessor(t *tracker.Tracker, settings SettingsSource, templates TemplateSource, sender Sender, limiter Limiter, cfg Config, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Minute
	}

	return &Processor{
		tracker:   t,
		settings:  settings,
		templates: templates,
		sender:    sender,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// SetCancelChecker sets the campaign cancellation check made after each claim
func (p *Processor) SetCancelChecker(c CancelChecker) {
	p.cancelled = c
}

// Start starts the workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting dispatch processor", "workers", p.cfg.Workers, "max_attempts", p.cfg.MaxAttempts)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight messages to finish
func (p *Processor) Stop() {
	p.logger.Info("stopping dispatch processor")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("dispatch processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			p.drain(ctx, logger)
		}
	}
}

// drain processes messages until none is ready or the processor stops
func (p *Processor) drain(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		processed, err := p.processOne(ctx, logger)
		if err != nil {
			logger.Error("failed to claim message", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessOne claims and handles one ready message. It reports false when nothing was ready.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	return p.processOne(ctx, p.logger)
}

func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) (bool, error) {
	msg, err := p.tracker.Store().Claim(ctx, p.now())
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	p.handle(ctx, msg, logger.With("message_id", msg.ID, "channel", msg.Channel, "attempt", msg.Attempts))
	return true, nil
}

func (p *Processor) handle(ctx context.Context, msg *tracker.Message, logger *slog.Logger) {
	if msg.CampaignID != "" && p.cancelled != nil {
		cancelled, err := p.cancelled.IsCancelled(ctx, msg.CampaignID)
		if err != nil {
			p.retry(ctx, msg, err, logger)
			return
		}
		if cancelled {
			p.fail(ctx, msg, tracker.ReasonCancelled, "campaign cancelled", logger)
			return
		}
	}

	// Settings are read once per attempt; later changes apply to the next attempt
	settings, err := p.settings.Get(ctx, msg.TenantID)
	if err != nil {
		p.retry(ctx, msg, err, logger)
		return
	}

	out, reason, err := p.content(ctx, msg)
	if err != nil {
		if reason == "" {
			p.retry(ctx, msg, err, logger)
		} else {
			p.fail(ctx, msg, reason, err.Error(), logger)
		}
		return
	}

	// Fail fast before consuming a rate limit token
	if err := p.sender.Check(out, &settings); err != nil {
		p.fail(ctx, msg, failureReason(err, false), err.Error(), logger)
		return
	}

	if err := p.limiter.Wait(ctx, msg.TenantID, string(msg.Channel), &settings); err != nil {
		// Shutting down: nothing was sent, so the attempt is given back
		if _, err := p.tracker.Release(context.WithoutCancel(ctx), msg.ID, p.now(), err.Error()); err != nil {
			logger.Error("failed to release message", "error", err)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	receipt, err := p.sender.Send(sendCtx, out, &settings)
	cancel()

	if err == nil {
		if !p.markSent(ctx, msg, receipt, logger) {
			return
		}
		metrics.IncMessagesDispatched(string(msg.Channel))
		logger.Info("message sent", "external_id", receipt.ExternalID)
		return
	}

	if channel.IsRetryable(err) && msg.Attempts < p.cfg.MaxAttempts {
		p.retry(ctx, msg, err, logger)
		return
	}

	p.fail(ctx, msg, failureReason(err, channel.IsRetryable(err)), err.Error(), logger)
}

// markSent records a provider acceptance. The write is retried because a
// message left queued would be sent again after a restart.
func (p *Processor) markSent(ctx context.Context, msg *tracker.Message, receipt *channel.Receipt, logger *slog.Logger) bool {
	ctx = context.WithoutCancel(ctx)

	var err error
	for i := 0; i < markSentAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 100 * time.Millisecond)
		}
		_, err = p.tracker.MarkSent(ctx, msg.ID, receipt.ExternalID, p.now())
		if err == nil || errors.Is(err, tracker.ErrInvalidTransition) || errors.Is(err, tracker.ErrNotFound) {
			break
		}
	}
	if err != nil {
		logger.Error("provider accepted message but recording it failed",
			"external_id", receipt.ExternalID, "error", err)
		return false
	}
	return true
}

// content returns the provider message, rendering the template on the first
// attempt. A non-empty reason marks the error as permanent.
func (p *Processor) content(ctx context.Context, msg *tracker.Message) (*channel.Message, string, error) {
	out := &channel.Message{
		ID:            msg.ID,
		Channel:       msg.Channel,
		Recipient:     msg.Recipient,
		RecipientName: msg.RecipientName,
		Subject:       msg.Subject,
		Body:          msg.Body,
	}
	if msg.TemplateID == "" || msg.Body != "" {
		return out, "", nil
	}

	tmpl, err := p.templates.Get(ctx, msg.TenantID, msg.TemplateID)
	if errors.Is(err, template.ErrNotFound) {
		return nil, tracker.ReasonTemplateUnavailable, err
	}
	if err != nil {
		return nil, "", err
	}
	if !tmpl.IsActive {
		return nil, tracker.ReasonTemplateUnavailable, errors.New("template is inactive")
	}

	rendered, err := template.Render(tmpl, msg.Channel, msg.Variables)
	switch {
	case errors.Is(err, template.ErrMissingVariable):
		return nil, tracker.ReasonMissingVariable, err
	case errors.Is(err, template.ErrUnknownChannelField):
		return nil, tracker.ReasonUnknownChannelField, err
	case err != nil:
		return nil, tracker.ReasonDispatchPermanent, err
	}

	if err := p.tracker.SetContent(ctx, msg.ID, rendered.Subject, rendered.Body); err != nil {
		return nil, "", err
	}
	out.Subject = rendered.Subject
	out.Body = rendered.Body
	return out, "", nil
}

func (p *Processor) retry(ctx context.Context, msg *tracker.Message, cause error, logger *slog.Logger) {
	if msg.Attempts >= p.cfg.MaxAttempts {
		p.fail(ctx, msg, tracker.ReasonRetriesExhausted, cause.Error(), logger)
		return
	}

	backoff := p.calculateBackoff(msg.Attempts)
	logger.Warn("message deferred", "error", cause, "backoff", backoff)
	metrics.IncMessagesRetried(string(msg.Channel))
	p.deferTo(ctx, msg, p.now().Add(backoff), cause.Error(), logger)
}

func (p *Processor) deferTo(ctx context.Context, msg *tracker.Message, next time.Time, detail string, logger *slog.Logger) {
	// The caller's context may already be cancelled during shutdown
	if _, err := p.tracker.Defer(context.WithoutCancel(ctx), msg.ID, next, detail); err != nil {
		logger.Error("failed to defer message", "error", err)
	}
}

func (p *Processor) fail(ctx context.Context, msg *tracker.Message, reason, detail string, logger *slog.Logger) {
	if _, err := p.tracker.MarkFailed(context.WithoutCancel(ctx), msg.ID, reason, detail); err != nil {
		logger.Error("failed to mark message failed", "error", err)
		return
	}
	metrics.IncMessagesFailed(string(msg.Channel), reason)
	logger.Warn("message failed", "reason", reason, "detail", detail)
}

// failureReason maps a dispatch error to a stored reason code
func failureReason(err error, retriesExhausted bool) string {
	switch {
	case errors.Is(err, channel.ErrChannelNotConfigured):
		return tracker.ReasonChannelNotConfigured
	case retriesExhausted:
		return tracker.ReasonRetriesExhausted
	}
	return tracker.ReasonDispatchPermanent
}

// calculateBackoff returns retry_interval * 2^(attempt-1), capped at max_backoff
func (p *Processor) calculateBackoff(attempt int) time.Duration {
	backoff := p.cfg.RetryInterval
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	if backoff > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return backoff
}
