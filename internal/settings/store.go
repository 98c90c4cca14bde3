// Package settings persists per-tenant MessagingSettings.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/storage"
)

var bucketSettings = []byte("settings")

// Store keeps one MessagingSettings record per tenant. Reads always return a
// copy, so callers hold a snapshot that later updates do not change.
type Store struct {
	db    *bolt.DB
	seeds map[string]config.MessagingSettings
}

// NewStore creates the settings bucket. seeds provide the initial settings of
// tenants that have no stored record yet.
func NewStore(db *bolt.DB, seeds map[string]config.MessagingSettings) (*Store, error) {
	if err := storage.CreateBuckets(db, bucketSettings); err != nil {
		return nil, fmt.Errorf("failed to create settings bucket: %w", err)
	}
	return &Store{db: db, seeds: seeds}, nil
}

// Get returns the tenant's settings, creating them from the seed or the defaults on first use
func (s *Store) Get(ctx context.Context, tenantID string) (config.MessagingSettings, error) {
	var out config.MessagingSettings
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get([]byte(tenantID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return out, fmt.Errorf("failed to load settings: %w", err)
	}
	if found {
		return out, nil
	}

	out = config.DefaultSettings()
	if seed, ok := s.seeds[tenantID]; ok {
		out = seed.Clone()
	}

	// Another caller may have created the record meanwhile; keep theirs
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if data := b.Get([]byte(tenantID)); data != nil {
			return json.Unmarshal(data, &out)
		}
		return putSettings(b, tenantID, &out)
	})
	if err != nil {
		return out, fmt.Errorf("failed to create settings: %w", err)
	}
	return out, nil
}

// Put validates and replaces the tenant's settings. Masked secrets keep their stored value.
func (s *Store) Put(ctx context.Context, tenantID string, settings config.MessagingSettings) (config.MessagingSettings, error) {
	prev, err := s.Get(ctx, tenantID)
	if err != nil {
		return settings, err
	}

	settings.KeepSecrets(prev)
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		return settings, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return putSettings(tx.Bucket(bucketSettings), tenantID, &settings)
	})
	if err != nil {
		return settings, fmt.Errorf("failed to save settings: %w", err)
	}
	return settings.Clone(), nil
}

// Tenants lists tenants with stored settings
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).ForEach(func(k, _ []byte) error {
			tenants = append(tenants, string(k))
			return nil
		})
	})
	return tenants, err
}

func putSettings(b *bolt.Bucket, tenantID string, settings *config.MessagingSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return b.Put([]byte(tenantID), data)
}
