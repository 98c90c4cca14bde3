package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ERPlora/module-messaging/internal/storage"
)

var (
	bucketMessages = []byte("messages")
	// ready holds IndexKey(available_at, id) for unclaimed queued messages
	bucketReady    = []byte("messages_ready")
	bucketExternal = []byte("messages_external")
	bucketCampaign = []byte("messages_campaign")
)

// Store persists messages in bbolt. Every state change is a single write
// transaction; bbolt serializes writers, so read-check-write is atomic.
type Store struct {
	db *bolt.DB
}

// NewStore creates the message buckets on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := storage.CreateBuckets(db, bucketMessages, bucketReady, bucketExternal, bucketCampaign); err != nil {
		return nil, fmt.Errorf("failed to create message buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Enqueue stores new queued messages. Messages whose ID already exists are left
// untouched, which makes snapshotting safe to repeat. Returns the number created.
func (s *Store) Enqueue(ctx context.Context, msgs ...*Message) (int, error) {
	created := 0
	now := time.Now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		created = 0
		b := tx.Bucket(bucketMessages)

		for _, msg := range msgs {
			if msg.ID == "" {
				msg.ID = uuid.New().String()
			}
			if b.Get([]byte(msg.ID)) != nil {
				continue
			}

			msg.Status = StatusQueued
			msg.Claimed = false
			msg.CreatedAt = now
			msg.UpdatedAt = now
			if msg.AvailableAt.IsZero() {
				msg.AvailableAt = now
			}

			if err := put(tx, msg); err != nil {
				return err
			}
			if err := tx.Bucket(bucketReady).Put(storage.IndexKey(msg.AvailableAt, msg.ID), []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to add to ready index: %w", err)
			}
			if msg.CampaignID != "" {
				if err := tx.Bucket(bucketCampaign).Put(storage.PrefixKey(msg.CampaignID, msg.ID), nil); err != nil {
					return fmt.Errorf("failed to add to campaign index: %w", err)
				}
			}
			created++
		}
		return nil
	})

	return created, err
}

// Get returns a message by ID
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		msg, err = get(tx, id)
		return err
	})
	return msg, err
}

// GetByExternalID returns the message a provider knows as externalID
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Message, error) {
	var msg *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketExternal).Get([]byte(externalID))
		if id == nil {
			return ErrNotFound
		}
		var err error
		msg, err = get(tx, string(id))
		return err
	})
	return msg, err
}

// List returns a tenant's messages, newest first
func (s *Store) List(ctx context.Context, tenantID string, filter ListFilter) ([]*Message, error) {
	var out []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		return s.scan(tx, filter.CampaignID, func(msg *Message) error {
			if msg.TenantID != tenantID {
				return nil
			}
			if filter.Status != "" && msg.Status != filter.Status {
				return nil
			}
			if filter.Channel != "" && msg.Channel != filter.Channel {
				return nil
			}
			if filter.CustomerID != "" && msg.CustomerID != filter.CustomerID {
				return nil
			}
			out = append(out, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Counts tallies message states, for one campaign or for all messages when campaignID is empty
func (s *Store) Counts(ctx context.Context, campaignID string) (Counts, error) {
	var c Counts
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.scan(tx, campaignID, func(msg *Message) error {
			c.add(msg.Status)
			return nil
		})
	})
	return c, err
}

// Claim atomically takes the oldest queued message available at now.
// The message leaves the ready index, so no other worker can claim it.
func (s *Store) Claim(ctx context.Context, now time.Time) (*Message, error) {
	var msg *Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReady).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts, _ := storage.ParseIndexKey(k)
			if ts.After(now) {
				return nil
			}

			m, err := get(tx, string(v))
			if err != nil || m.Status != StatusQueued || m.Claimed {
				// stale index entry
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			m.Claimed = true
			m.Attempts++
			m.UpdatedAt = now.UTC()
			if err := put(tx, m); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			msg = m
			return nil
		}
		return nil
	})

	return msg, err
}

// RecoverClaimed returns messages claimed by a worker that never finished
// (process crash) to the ready index. Call before workers start.
func (s *Store) RecoverClaimed(ctx context.Context, now time.Time) (int, error) {
	recovered := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		recovered = 0
		var stuck []*Message

		err := tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if m.Status == StatusQueued && m.Claimed {
				stuck = append(stuck, &m)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, m := range stuck {
			m.Claimed = false
			m.AvailableAt = now.UTC()
			m.UpdatedAt = now.UTC()
			if err := put(tx, m); err != nil {
				return err
			}
			if err := tx.Bucket(bucketReady).Put(storage.IndexKey(m.AvailableAt, m.ID), []byte(m.ID)); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// update applies fn to the stored message inside one write transaction.
// The message is written back only when fn reports a change.
func (s *Store) update(id string, fn func(tx *bolt.Tx, m *Message) (bool, error)) (*Message, bool, error) {
	var (
		msg     *Message
		changed bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		m, err := get(tx, id)
		if err != nil {
			return err
		}
		msg = m
		if changed, err = fn(tx, m); err != nil || !changed {
			return err
		}
		m.UpdatedAt = time.Now().UTC()
		return put(tx, m)
	})
	if err != nil {
		return nil, false, err
	}

	return msg, changed, nil
}

// scan visits all messages, or only a campaign's when campaignID is set
func (s *Store) scan(tx *bolt.Tx, campaignID string, fn func(*Message) error) error {
	if campaignID == "" {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			return fn(&m)
		})
	}

	prefix := storage.Prefix(campaignID)
	c := tx.Bucket(bucketCampaign).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		m, err := get(tx, string(k[len(prefix):]))
		if err != nil {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func get(tx *bolt.Tx, id string) (*Message, error) {
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

func put(tx *bolt.Tx, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return tx.Bucket(bucketMessages).Put([]byte(m.ID), data)
}
