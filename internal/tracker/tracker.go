package tracker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ERPlora/module-messaging/internal/storage"
)

// Listener is called after a message reaches a dispatch outcome (sent or failed)
type Listener func(ctx context.Context, msg *Message)

// Tracker applies delivery state transitions to stored messages
type Tracker struct {
	store  *Store
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a tracker over store
func New(store *Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Store returns the underlying message store
func (t *Tracker) Store() *Store {
	return t.store
}

// Subscribe registers l for dispatch outcomes
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

func (t *Tracker) notify(ctx context.Context, msg *Message) {
	t.mu.RLock()
	listeners := t.listeners
	t.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, msg)
	}
}

// MarkSent records provider acceptance of a queued message
func (t *Tracker) MarkSent(ctx context.Context, id, externalID string, at time.Time) (*Message, error) {
	msg, _, err := t.store.update(id, func(tx *bolt.Tx, m *Message) (bool, error) {
		if !CanTransition(m.Status, StatusSent) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusSent)
		}
		at := at.UTC()
		m.Status = StatusSent
		m.Claimed = false
		m.ExternalID = externalID
		m.SentAt = &at
		m.FailureDetail = ""

		if externalID != "" {
			if err := tx.Bucket(bucketExternal).Put([]byte(externalID), []byte(m.ID)); err != nil {
				return false, fmt.Errorf("failed to index external id: %w", err)
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Debug("message sent", "message_id", id, "external_id", externalID)
	t.notify(ctx, msg)
	return msg, nil
}

// MarkFailed moves a queued or sent message to failed
func (t *Tracker) MarkFailed(ctx context.Context, id, reason, detail string) (*Message, error) {
	msg, _, err := t.store.update(id, func(tx *bolt.Tx, m *Message) (bool, error) {
		if !CanTransition(m.Status, StatusFailed) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusFailed)
		}
		if m.Status == StatusQueued && !m.Claimed {
			if err := tx.Bucket(bucketReady).Delete(storage.IndexKey(m.AvailableAt, m.ID)); err != nil {
				return false, err
			}
		}
		m.Status = StatusFailed
		m.Claimed = false
		m.FailureReason = reason
		m.FailureDetail = detail
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Debug("message failed", "message_id", id, "reason", reason, "detail", detail)
	t.notify(ctx, msg)
	return msg, nil
}

// Defer returns a claimed message to the queue, available again at next
func (t *Tracker) Defer(ctx context.Context, id string, next time.Time, detail string) (*Message, error) {
	msg, _, err := t.store.update(id, func(tx *bolt.Tx, m *Message) (bool, error) {
		if m.Status != StatusQueued {
			return false, fmt.Errorf("%w: cannot defer %s message", ErrInvalidTransition, m.Status)
		}
		m.Claimed = false
		m.AvailableAt = next.UTC()
		m.FailureDetail = detail

		if err := tx.Bucket(bucketReady).Put(storage.IndexKey(m.AvailableAt, m.ID), []byte(m.ID)); err != nil {
			return false, fmt.Errorf("failed to add to ready index: %w", err)
		}
		return true, nil
	})
	return msg, err
}

// Release returns a claimed message to the queue without counting the
// attempt, for claims given up before anything was sent
func (t *Tracker) Release(ctx context.Context, id string, next time.Time, detail string) (*Message, error) {
	msg, _, err := t.store.update(id, func(tx *bolt.Tx, m *Message) (bool, error) {
		if m.Status != StatusQueued || !m.Claimed {
			return false, fmt.Errorf("%w: cannot release unclaimed %s message", ErrInvalidTransition, m.Status)
		}
		m.Claimed = false
		if m.Attempts > 0 {
			m.Attempts--
		}
		m.AvailableAt = next.UTC()
		m.FailureDetail = detail

		if err := tx.Bucket(bucketReady).Put(storage.IndexKey(m.AvailableAt, m.ID), []byte(m.ID)); err != nil {
			return false, fmt.Errorf("failed to add to ready index: %w", err)
		}
		return true, nil
	})
	return msg, err
}

// SetContent stores the rendered subject and body of a queued message so
// later attempts send the same text
func (t *Tracker) SetContent(ctx context.Context, id, subject, body string) error {
	_, _, err := t.store.update(id, func(tx *bolt.Tx, m *Message) (bool, error) {
		if m.Status != StatusQueued {
			return false, fmt.Errorf("%w: cannot render %s message", ErrInvalidTransition, m.Status)
		}
		m.Subject = subject
		m.Body = body
		return true, nil
	})
	return err
}

// ReportStatus applies a provider delivery report. Reports already reflected
// by the current status return applied=false and change nothing, so providers
// may repeat or reorder callbacks.
func (t *Tracker) ReportStatus(ctx context.Context, externalID string, status Status, at time.Time, detail string) (*Message, bool, error) {
	msg, err := t.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	msg, applied, err := t.store.update(msg.ID, func(tx *bolt.Tx, m *Message) (bool, error) {
		if isStale(m.Status, status) {
			return false, nil
		}
		if !CanTransition(m.Status, status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, status)
		}

		m.Status = status
		switch status {
		case StatusDelivered:
			m.DeliveredAt = &at
		case StatusRead:
			if m.DeliveredAt == nil {
				m.DeliveredAt = &at
			}
			m.ReadAt = &at
		case StatusFailed:
			m.FailureReason = ReasonProviderReported
			m.FailureDetail = detail
		}
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	if applied {
		t.logger.Debug("delivery status applied", "message_id", msg.ID, "external_id", externalID, "status", status)
	}
	return msg, applied, nil
}

// CancelQueued fails every unclaimed queued message of a campaign with reason
// cancelled. Claimed messages are left to finish their current attempt.
func (t *Tracker) CancelQueued(ctx context.Context, campaignID string) (int, error) {
	var cancelled []*Message
	now := time.Now().UTC()

	err := t.store.db.Update(func(tx *bolt.Tx) error {
		cancelled = cancelled[:0]
		prefix := storage.Prefix(campaignID)
		c := tx.Bucket(bucketCampaign).Cursor()

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			m, err := get(tx, string(k[len(prefix):]))
			if err != nil || m.Status != StatusQueued || m.Claimed {
				continue
			}

			if err := tx.Bucket(bucketReady).Delete(storage.IndexKey(m.AvailableAt, m.ID)); err != nil {
				return err
			}
			m.Status = StatusFailed
			m.FailureReason = ReasonCancelled
			m.FailureDetail = "campaign cancelled"
			m.UpdatedAt = now
			if err := put(tx, m); err != nil {
				return err
			}
			cancelled = append(cancelled, m)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued messages: %w", err)
	}

	for _, m := range cancelled {
		t.notify(ctx, m)
	}
	return len(cancelled), nil
}
