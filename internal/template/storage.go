package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ERPlora/module-messaging/internal/storage"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

// Storage persists templates in bbolt with a per-tenant name index
type Storage struct {
	db *bolt.DB
}

// NewStorage creates the template buckets on db
func NewStorage(db *bolt.DB) (*Storage, error) {
	if err := storage.CreateBuckets(db, bucketTemplates, bucketTemplateNames); err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

func nameKey(tenantID, name string) []byte {
	return storage.PrefixKey(tenantID, strings.ToLower(name))
}

// Create validates and stores a new template, deriving its variables
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if tmpl.Category == "" {
		tmpl.Category = CategoryCustom
	}
	if err := Validate(tmpl); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketTemplateNames)
		if names.Get(nameKey(tmpl.TenantID, tmpl.Name)) != nil {
			return fmt.Errorf("%w: %q", ErrNameTaken, tmpl.Name)
		}

		if tmpl.ID == "" {
			tmpl.ID = uuid.New().String()
		}
		tmpl.Variables = ExtractVariables(tmpl.Subject, tmpl.Body)
		tmpl.Version = 1
		tmpl.CreatedAt = time.Now().UTC()
		tmpl.UpdatedAt = tmpl.CreatedAt

		if err := put(tx, tmpl); err != nil {
			return err
		}
		return names.Put(nameKey(tmpl.TenantID, tmpl.Name), []byte(tmpl.ID))
	})
}

// Get returns the tenant's template by ID
func (s *Storage) Get(ctx context.Context, tenantID, id string) (*Template, error) {
	var tmpl *Template
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tmpl, err = get(tx, tenantID, id)
		return err
	})
	return tmpl, err
}

// GetByName returns the tenant's template by name, case-insensitively
func (s *Storage) GetByName(ctx context.Context, tenantID, name string) (*Template, error) {
	var tmpl *Template
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get(nameKey(tenantID, name))
		if id == nil {
			return ErrNotFound
		}
		var err error
		tmpl, err = get(tx, tenantID, string(id))
		return err
	})
	return tmpl, err
}

// List returns the tenant's templates ordered by name
func (s *Storage) List(ctx context.Context, tenantID string, filter ListFilter) ([]*Template, error) {
	var out []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		c := tx.Bucket(bucketTemplateNames).Cursor()
		prefix := storage.Prefix(tenantID)
		search := strings.ToLower(filter.Search)
		skipped := 0

		for k, id := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, id = c.Next() {
			data := templates.Get(id)
			if data == nil {
				continue
			}
			var tmpl Template
			if err := json.Unmarshal(data, &tmpl); err != nil {
				continue
			}

			if filter.Channel != "" && tmpl.Channel != filter.Channel {
				continue
			}
			if filter.Category != "" && tmpl.Category != filter.Category {
				continue
			}
			if filter.Active != nil && tmpl.IsActive != *filter.Active {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(tmpl.Name), search) &&
				!strings.Contains(strings.ToLower(tmpl.Body), search) {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}
			out = append(out, &tmpl)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return out, err
}

// Update replaces the editable fields of an existing template and bumps its version
func (s *Storage) Update(ctx context.Context, tmpl *Template) error {
	if err := Validate(tmpl); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := get(tx, tmpl.TenantID, tmpl.ID)
		if err != nil {
			return err
		}

		names := tx.Bucket(bucketTemplateNames)
		if !strings.EqualFold(existing.Name, tmpl.Name) {
			if names.Get(nameKey(tmpl.TenantID, tmpl.Name)) != nil {
				return fmt.Errorf("%w: %q", ErrNameTaken, tmpl.Name)
			}
			if err := names.Delete(nameKey(existing.TenantID, existing.Name)); err != nil {
				return err
			}
		}
		if err := names.Put(nameKey(tmpl.TenantID, tmpl.Name), []byte(tmpl.ID)); err != nil {
			return err
		}

		tmpl.Variables = ExtractVariables(tmpl.Subject, tmpl.Body)
		tmpl.IsSystem = existing.IsSystem
		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.UpdatedAt = time.Now().UTC()

		return put(tx, tmpl)
	})
}

// SetActive activates or deactivates a template. Pending automation executions
// referencing an inactive template are skipped when they come due.
func (s *Storage) SetActive(ctx context.Context, tenantID, id string, active bool) (*Template, error) {
	var tmpl *Template
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		if tmpl, err = get(tx, tenantID, id); err != nil {
			return err
		}
		if tmpl.IsActive == active {
			return nil
		}
		tmpl.IsActive = active
		tmpl.UpdatedAt = time.Now().UTC()
		return put(tx, tmpl)
	})
	return tmpl, err
}

// Delete removes a template. System templates are protected.
func (s *Storage) Delete(ctx context.Context, tenantID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tmpl, err := get(tx, tenantID, id)
		if err != nil {
			return err
		}
		if tmpl.IsSystem {
			return ErrSystemTemplate
		}

		if err := tx.Bucket(bucketTemplateNames).Delete(nameKey(tenantID, tmpl.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketTemplates).Delete([]byte(id))
	})
}

func get(tx *bolt.Tx, tenantID, id string) (*Template, error) {
	data := tx.Bucket(bucketTemplates).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}

	var tmpl Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	if tmpl.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &tmpl, nil
}

func put(tx *bolt.Tx, tmpl *Template) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}
	return tx.Bucket(bucketTemplates).Put([]byte(tmpl.ID), data)
}
