package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ERPlora/module-messaging/internal/storage"
)

var (
	bucketCampaigns = []byte("campaigns")
	bucketDue       = []byte("campaigns_due") // IndexKey(scheduled_at, id) -> id
)

// Store persists campaigns in BoltDB
type Store struct {
	db *bolt.DB
}

// NewStore creates the campaign buckets on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := storage.CreateBuckets(db, bucketCampaigns, bucketDue); err != nil {
		return nil, fmt.Errorf("failed to create campaign buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Create stores a new campaign
func (s *Store) Create(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCampaigns).Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}
		return put(tx, c)
	})
}

// Get returns a campaign of tenantID
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Campaign, error) {
	c, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return c, nil
}

// lookup returns a campaign by ID regardless of tenant
func (s *Store) lookup(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = get(tx, id)
		return err
	})
	return c, err
}

// List returns the tenant's campaigns, newest first
func (s *Store) List(ctx context.Context, tenantID string, filter ListFilter) ([]*Campaign, error) {
	var out []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if c.TenantID != tenantID {
				return nil
			}
			if filter.Status != "" && c.Status != filter.Status {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
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

// ByStatus returns every campaign in status, across tenants
func (s *Store) ByStatus(ctx context.Context, status Status) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err == nil && c.Status == status {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

// Due returns the IDs of scheduled campaigns whose time has come, oldest first
func (s *Store) Due(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts, _ := storage.ParseIndexKey(k)
			if ts.After(now) {
				break
			}
			ids = append(ids, string(v))
		}
		return nil
	})
	return ids, err
}

// Update applies fn to the stored campaign in one write transaction,
// keeping the due index in step with status and scheduled_at
func (s *Store) Update(ctx context.Context, id string, fn func(c *Campaign) error) (*Campaign, error) {
	var out *Campaign

	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := get(tx, id)
		if err != nil {
			return err
		}

		due := tx.Bucket(bucketDue)
		if c.Status == StatusScheduled && c.ScheduledAt != nil {
			if err := due.Delete(storage.IndexKey(*c.ScheduledAt, c.ID)); err != nil {
				return err
			}
		}

		if err := fn(c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()

		if c.Status == StatusScheduled && c.ScheduledAt != nil {
			if err := due.Put(storage.IndexKey(*c.ScheduledAt, c.ID), []byte(c.ID)); err != nil {
				return fmt.Errorf("failed to index due campaign: %w", err)
			}
		}

		out = c
		return put(tx, c)
	})
	return out, err
}

// Delete removes a campaign record. Its messages are kept.
func (s *Store) Delete(ctx context.Context, id string, allowed func(c *Campaign) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := get(tx, id)
		if err != nil {
			return err
		}
		if err := allowed(c); err != nil {
			return err
		}
		if c.ScheduledAt != nil {
			if err := tx.Bucket(bucketDue).Delete(storage.IndexKey(*c.ScheduledAt, c.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketCampaigns).Delete([]byte(id))
	})
}

func get(tx *bolt.Tx, id string) (*Campaign, error) {
	data := tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var c Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return &c, nil
}

func put(tx *bolt.Tx, c *Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
}
