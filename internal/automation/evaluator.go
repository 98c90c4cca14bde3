package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/metrics"
	"github.com/ERPlora/module-messaging/internal/template"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

// messageNamespace seeds the message ID derived from an execution ID, so a
// re-run after a crash enqueues the same message
var messageNamespace = uuid.MustParse("0b7e4c62-8d2a-4f0e-b1d3-5c6a9e2f4a18")

// runRetryDelay is how long an execution waits after its run failed
const runRetryDelay = time.Minute

// SettingsSource returns the tenant's messaging settings
type SettingsSource interface {
	Get(ctx context.Context, tenantID string) (config.MessagingSettings, error)
}

// TemplateSource looks up the template an automation sends
type TemplateSource interface {
	Get(ctx context.Context, tenantID, id string) (*template.Template, error)
}

// Evaluator matches events to automations and runs due executions.
// Sending is left to the dispatch workers; the outcome comes back through
// the tracker listener registered by NewEvaluator.
type Evaluator struct {
	store     *Store
	tracker   *tracker.Tracker
	templates TemplateSource
	settings  SettingsSource
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewEvaluator creates an evaluator and subscribes it to dispatch outcomes
func NewEvaluator(store *Store, t *tracker.Tracker, templates TemplateSource, settings SettingsSource, logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		store:     store,
		tracker:   t,
		templates: templates,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
	t.Subscribe(e.HandleOutcome)
	return e
}

// SetBatchSize limits how many executions one RunDue call claims; 0 means no limit
func (e *Evaluator) SetBatchSize(n int) {
	e.batchSize = n
}

// Create stores a new automation
func (e *Evaluator) Create(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if err := Validate(a); err != nil {
		return err
	}
	if err := e.checkTemplate(ctx, a); err != nil {
		return err
	}

	now := e.now().UTC()
	a.ExecutionCount = 0
	a.LastTriggeredAt = nil
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := e.store.CreateAutomation(ctx, a); err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}

	e.logger.Info("automation created", "automation_id", a.ID, "trigger", a.Trigger, "active", a.IsActive)
	return nil
}

func (e *Evaluator) checkTemplate(ctx context.Context, a *Automation) error {
	tmpl, err := e.templates.Get(ctx, a.TenantID, a.TemplateID)
	if err != nil {
		return err
	}
	if tmpl.Channel != a.Channel && tmpl.Channel != channel.All {
		return fmt.Errorf("%w: template channel %s does not match automation channel %s", ErrInvalid, tmpl.Channel, a.Channel)
	}
	return nil
}

// Get returns an automation
func (e *Evaluator) Get(ctx context.Context, tenantID, id string) (*Automation, error) {
	return e.store.GetAutomation(ctx, tenantID, id)
}

// List returns the tenant's automations
func (e *Evaluator) List(ctx context.Context, tenantID string, filter ListFilter) ([]*Automation, error) {
	return e.store.ListAutomations(ctx, tenantID, filter)
}

// Update replaces the editable fields of an automation. Counters are kept.
func (e *Evaluator) Update(ctx context.Context, a *Automation) (*Automation, error) {
	if err := Validate(a); err != nil {
		return nil, err
	}
	if err := e.checkTemplate(ctx, a); err != nil {
		return nil, err
	}

	return e.store.UpdateAutomation(ctx, a.TenantID, a.ID, func(stored *Automation) error {
		stored.Name = a.Name
		stored.Description = a.Description
		stored.Trigger = a.Trigger
		stored.Channel = a.Channel
		stored.TemplateID = a.TemplateID
		stored.DelaySeconds = a.DelaySeconds
		stored.Conditions = a.Conditions
		stored.IsActive = a.IsActive
		return nil
	})
}

// SetActive activates or deactivates an automation. Pending executions of an
// inactive automation are skipped when they come due.
func (e *Evaluator) SetActive(ctx context.Context, tenantID, id string, active bool) (*Automation, error) {
	a, err := e.store.UpdateAutomation(ctx, tenantID, id, func(a *Automation) error {
		a.IsActive = active
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("automation updated", "automation_id", id, "active", active)
	return a, nil
}

// Delete removes an automation
func (e *Evaluator) Delete(ctx context.Context, tenantID, id string) error {
	return e.store.DeleteAutomation(ctx, tenantID, id)
}

// GetExecution returns an execution
func (e *Evaluator) GetExecution(ctx context.Context, tenantID, id string) (*Execution, error) {
	return e.store.GetExecution(ctx, tenantID, id)
}

// ListExecutions returns the tenant's executions
func (e *Evaluator) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error) {
	return e.store.ListExecutions(ctx, tenantID, filter)
}

// OnEvent schedules an execution for every active automation of the tenant
// that matches the event. Executions that repeat an earlier one for the same
// customer and occasion, or that tenant settings switch off, are returned as
// skipped and not stored.
func (e *Evaluator) OnEvent(ctx context.Context, ev *Event) ([]*Execution, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	active := true
	automations, err := e.store.ListAutomations(ctx, ev.TenantID, ListFilter{Trigger: ev.Type, Active: &active})
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	if len(automations) == 0 {
		metrics.IncEvents(string(ev.Type), "no_match")
		return nil, nil
	}

	settings, err := e.settings.Get(ctx, ev.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	logger := e.logger.With("tenant_id", ev.TenantID, "trigger", ev.Type, "customer_id", ev.CustomerID)
	occasion := Occasion(ev)

	var out []*Execution
	for _, a := range automations {
		if !Match(a.Conditions, ev.Payload) {
			continue
		}

		exec := &Execution{
			ID:           uuid.New().String(),
			TenantID:     ev.TenantID,
			AutomationID: a.ID,
			Trigger:      a.Trigger,
			CustomerID:   ev.CustomerID,
			Fingerprint:  Fingerprint(a.ID, ev.CustomerID, occasion),
			Status:       ExecPending,
			TriggerData:  ev.Payload,
			ScheduledAt:  e.scheduleAt(a, ev, &settings, now),
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if !triggerEnabled(a.Trigger, &settings) {
			exec.ID = ""
			exec.Status = ExecSkipped
			exec.SkipReason = SkipDisabledBySettings
			out = append(out, exec)
			metrics.IncEvents(string(ev.Type), "disabled")
			continue
		}

		existing, inserted, err := e.store.InsertExecution(ctx, exec)
		if err != nil {
			return out, fmt.Errorf("failed to store execution: %w", err)
		}
		if !inserted {
			exec.ID = ""
			exec.Status = ExecSkipped
			exec.SkipReason = SkipDuplicate
			out = append(out, exec)
			metrics.IncEvents(string(ev.Type), "duplicate")
			logger.Debug("duplicate event ignored", "automation_id", a.ID, "execution_id", existing.ID)
			continue
		}

		out = append(out, exec)
		metrics.IncEvents(string(ev.Type), "scheduled")
		logger.Info("automation execution scheduled",
			"automation_id", a.ID,
			"execution_id", exec.ID,
			"scheduled_at", exec.ScheduledAt)
	}

	return out, nil
}

// scheduleAt returns now plus the automation delay. Booking reminders without
// a delay are placed the configured number of hours before the booking.
func (e *Evaluator) scheduleAt(a *Automation, ev *Event, settings *config.MessagingSettings, now time.Time) time.Time {
	at := now.Add(a.Delay())

	if a.Trigger == TriggerBookingReminder && a.DelaySeconds == 0 {
		if s := payloadString(ev.Payload, "starts_at"); s != "" {
			if startsAt, err := time.Parse(time.RFC3339, s); err == nil {
				at = startsAt.Add(-time.Duration(settings.AppointmentReminderHours) * time.Hour).UTC()
			}
		}
	}

	if at.Before(now) {
		return now
	}
	return at
}

func triggerEnabled(t Trigger, s *config.MessagingSettings) bool {
	switch t {
	case TriggerBookingConfirmed:
		return s.BookingConfirmationEnabled
	case TriggerBookingReminder:
		return s.AppointmentReminderEnabled
	}
	return true
}

// RunDue runs every pending execution scheduled at or before now. Each one
// either finishes as skipped or failed here, or becomes a queued message
// whose dispatch outcome finishes it later.
func (e *Evaluator) RunDue(ctx context.Context, now time.Time) (int, error) {
	ran := 0
	for claimed := 0; e.batchSize <= 0 || claimed < e.batchSize; claimed++ {
		if err := ctx.Err(); err != nil {
			return ran, err
		}

		exec, err := e.store.ClaimDue(ctx, now)
		if err != nil {
			return ran, fmt.Errorf("failed to claim execution: %w", err)
		}
		if exec == nil {
			return ran, nil
		}

		if err := e.run(ctx, exec, now); err != nil {
			e.logger.Error("failed to run execution", "execution_id", exec.ID, "error", err)
			e.release(exec, now.Add(runRetryDelay))
			continue
		}
		ran++
	}
	return ran, nil
}

// release puts an execution whose run failed back in the due index at next
func (e *Evaluator) release(exec *Execution, next time.Time) {
	_, released, err := e.store.Release(exec.ID, next)
	if err != nil {
		e.logger.Error("failed to release execution", "execution_id", exec.ID, "error", err)
		return
	}
	if released {
		e.logger.Warn("execution will be retried", "execution_id", exec.ID, "at", next)
	}
}

func (e *Evaluator) run(ctx context.Context, exec *Execution, now time.Time) error {
	logger := e.logger.With("execution_id", exec.ID, "automation_id", exec.AutomationID)

	a, err := e.store.lookupAutomation(ctx, exec.AutomationID)
	switch {
	case errors.Is(err, ErrNotFound):
		return e.skip(ctx, exec, SkipAutomationMissing, now)
	case err != nil:
		return err
	case !a.IsActive:
		return e.skip(ctx, exec, SkipAutomationInactive, now)
	}

	tmpl, err := e.templates.Get(ctx, a.TenantID, a.TemplateID)
	switch {
	case errors.Is(err, template.ErrNotFound):
		return e.skip(ctx, exec, SkipTemplateMissing, now)
	case err != nil:
		return err
	case !tmpl.IsActive:
		return e.skip(ctx, exec, SkipTemplateInactive, now)
	}

	contact := recipient(a.Channel, exec.TriggerData)
	if contact == "" {
		return e.fail(ctx, exec, fmt.Sprintf("no %s contact in trigger data", a.Channel), now)
	}

	bindings := Bindings(exec)
	if _, err := template.Render(tmpl, a.Channel, bindings); err != nil {
		return e.fail(ctx, exec, err.Error(), now)
	}

	msg := &tracker.Message{
		ID:            uuid.NewSHA1(messageNamespace, []byte(exec.ID)).String(),
		TenantID:      exec.TenantID,
		Channel:       a.Channel,
		Recipient:     contact,
		RecipientName: bindings["customer_name"],
		TemplateID:    a.TemplateID,
		Variables:     bindings,
		CustomerID:    exec.CustomerID,
		ExecutionID:   exec.ID,
		AvailableAt:   now,
	}
	if _, err := e.tracker.Store().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	_, _, err = e.store.UpdateExecution(ctx, exec.ID, func(x *Execution) (bool, error) {
		if x.Status != ExecPending {
			return false, nil
		}
		x.MessageID = msg.ID
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to link message: %w", err)
	}

	logger.Debug("execution handed to dispatch", "message_id", msg.ID)
	return nil
}

func (e *Evaluator) skip(ctx context.Context, exec *Execution, reason string, at time.Time) error {
	_, changed, err := e.store.Finish(ctx, exec.ID, ExecSkipped, at, func(x *Execution) {
		x.SkipReason = reason
	})
	if err != nil {
		return err
	}
	if changed {
		metrics.IncExecutions(string(exec.Trigger), string(ExecSkipped))
		e.logger.Info("automation execution skipped", "execution_id", exec.ID, "reason", reason)
	}
	return nil
}

func (e *Evaluator) fail(ctx context.Context, exec *Execution, detail string, at time.Time) error {
	_, changed, err := e.store.Finish(ctx, exec.ID, ExecFailed, at, func(x *Execution) {
		x.Error = detail
	})
	if err != nil {
		return err
	}
	if changed {
		metrics.IncExecutions(string(exec.Trigger), string(ExecFailed))
		e.logger.Warn("automation execution failed", "execution_id", exec.ID, "error", detail)
	}
	return nil
}

// HandleOutcome finishes the execution behind a dispatched message. A message
// failed because its template went away counts as skipped.
func (e *Evaluator) HandleOutcome(ctx context.Context, msg *tracker.Message) {
	if msg.ExecutionID == "" || !msg.Terminal() {
		return
	}
	if err := e.finishFromMessage(ctx, msg.ExecutionID, msg); err != nil {
		e.logger.Error("failed to finish execution", "execution_id", msg.ExecutionID, "message_id", msg.ID, "error", err)
	}
}

func (e *Evaluator) finishFromMessage(ctx context.Context, execID string, msg *tracker.Message) error {
	at := msg.UpdatedAt
	if msg.SentAt != nil {
		at = *msg.SentAt
	}

	var (
		status ExecStatus
		fn     func(x *Execution)
	)
	switch {
	case msg.Status != tracker.StatusFailed:
		status = ExecSent
		fn = func(x *Execution) { x.MessageID = msg.ID }
	case msg.FailureReason == tracker.ReasonTemplateUnavailable:
		status = ExecSkipped
		fn = func(x *Execution) {
			x.MessageID = msg.ID
			x.SkipReason = SkipTemplateInactive
		}
	default:
		status = ExecFailed
		fn = func(x *Execution) {
			x.MessageID = msg.ID
			x.Error = msg.FailureReason
			if msg.FailureDetail != "" {
				x.Error += ": " + msg.FailureDetail
			}
		}
	}

	exec, changed, err := e.store.Finish(ctx, execID, status, at, fn)
	if err != nil {
		return err
	}
	if changed {
		metrics.IncExecutions(string(exec.Trigger), string(status))
		e.logger.Info("automation execution finished", "execution_id", execID, "status", status)
	}
	return nil
}

// RecoveryReport summarizes a Recover sweep
type RecoveryReport struct {
	Requeued   int
	Reconciled int
	Missed     int
}

// Recover repairs executions left behind by a stopped process. Claimed
// executions that never produced a message go back to the due index,
// executions whose message already finished are finished to match, and
// overdue ones are reported with ErrScheduleMissed. Call before RunDue.
func (e *Evaluator) Recover(ctx context.Context, now time.Time) (*RecoveryReport, error) {
	pending, err := e.store.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending executions: %w", err)
	}

	report := &RecoveryReport{}
	for _, exec := range pending {
		switch {
		case exec.MessageID != "":
			msg, err := e.tracker.Store().Get(ctx, exec.MessageID)
			if err != nil || !msg.Terminal() {
				continue
			}
			if err := e.finishFromMessage(ctx, exec.ID, msg); err != nil {
				return report, err
			}
			report.Reconciled++

		case exec.Claimed:
			_, changed, err := e.store.UpdateExecution(ctx, exec.ID, func(x *Execution) (bool, error) {
				if x.Status != ExecPending || !x.Claimed || x.MessageID != "" {
					return false, nil
				}
				x.Claimed = false
				x.Recovered = true
				return true, nil
			})
			if err != nil {
				return report, fmt.Errorf("failed to requeue execution: %w", err)
			}
			if changed {
				report.Requeued++
				e.logger.Warn("automation execution requeued", "execution_id", exec.ID)
			}

		case exec.ScheduledAt.Before(now):
			report.Missed++
			e.logger.Warn("automation execution overdue",
				"execution_id", exec.ID,
				"scheduled_at", exec.ScheduledAt,
				"error", fmt.Errorf("%w: %s late", ErrScheduleMissed, now.Sub(exec.ScheduledAt).Truncate(time.Second)))
		}
	}

	return report, nil
}

// CountPending returns the number of pending executions
func (e *Evaluator) CountPending(ctx context.Context) (int, error) {
	pending, err := e.store.Pending(ctx)
	return len(pending), err
}

// contactKeys lists the trigger data fields holding a contact, per channel
var contactKeys = map[channel.Channel][]string{
	channel.Email:    {"email", "contact"},
	channel.WhatsApp: {"whatsapp", "phone", "contact"},
	channel.SMS:      {"phone", "contact"},
}

func recipient(ch channel.Channel, data map[string]any) string {
	for _, k := range contactKeys[ch] {
		if v := payloadString(data, k); v != "" {
			return v
		}
	}
	return ""
}

// Bindings returns the template variables of an execution: every scalar
// trigger data field plus customer_id and customer_name
func Bindings(exec *Execution) map[string]string {
	out := map[string]string{"customer_id": exec.CustomerID}
	for k, v := range exec.TriggerData {
		switch v.(type) {
		case string, bool, float64, float32, int, int64, int32, uint, uint64:
			out[k] = formatValue(v)
		}
	}
	if _, ok := out["customer_name"]; !ok {
		if name, ok := out["name"]; ok {
			out["customer_name"] = name
		}
	}
	return out
}
