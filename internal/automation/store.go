package automation

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
	bucketAutomations  = []byte("automations")
	bucketExecutions   = []byte("automation_executions")
	bucketFingerprints = []byte("automation_fingerprints") // fingerprint -> execution id
	// due holds IndexKey(scheduled_at, id) for pending executions not yet claimed
	bucketDue = []byte("automation_due")
)

// Store persists automations and their executions in bbolt
type Store struct {
	db *bolt.DB
}

// NewStore creates the automation buckets on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := storage.CreateBuckets(db, bucketAutomations, bucketExecutions, bucketFingerprints, bucketDue); err != nil {
		return nil, fmt.Errorf("failed to create automation buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateAutomation stores a new automation
func (s *Store) CreateAutomation(ctx context.Context, a *Automation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAutomations).Get([]byte(a.ID)) != nil {
			return fmt.Errorf("automation %s already exists", a.ID)
		}
		return putAutomation(tx, a)
	})
}

// GetAutomation returns an automation of tenantID
func (s *Store) GetAutomation(ctx context.Context, tenantID, id string) (*Automation, error) {
	a, err := s.lookupAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *Store) lookupAutomation(ctx context.Context, id string) (*Automation, error) {
	var a *Automation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getAutomation(tx, id)
		return err
	})
	return a, err
}

// ListAutomations returns the tenant's automations, oldest first
func (s *Store) ListAutomations(ctx context.Context, tenantID string, filter ListFilter) ([]*Automation, error) {
	var out []*Automation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).ForEach(func(k, v []byte) error {
			var a Automation
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if a.TenantID != tenantID {
				return nil
			}
			if filter.Trigger != "" && a.Trigger != filter.Trigger {
				return nil
			}
			if filter.Active != nil && a.IsActive != *filter.Active {
				return nil
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateAutomation applies fn to the stored automation in one write transaction
func (s *Store) UpdateAutomation(ctx context.Context, tenantID, id string, fn func(a *Automation) error) (*Automation, error) {
	var out *Automation

	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAutomation(tx, id)
		if err != nil {
			return err
		}
		if a.TenantID != tenantID {
			return ErrNotFound
		}
		if err := fn(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		out = a
		return putAutomation(tx, a)
	})
	return out, err
}

// DeleteAutomation removes an automation. Its executions are kept; pending
// ones are skipped when they come due.
func (s *Store) DeleteAutomation(ctx context.Context, tenantID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAutomation(tx, id)
		if err != nil {
			return err
		}
		if a.TenantID != tenantID {
			return ErrNotFound
		}
		return tx.Bucket(bucketAutomations).Delete([]byte(id))
	})
}

// InsertExecution stores e unless its fingerprint already belongs to an
// execution that did not fail. The check and the insert share one write
// transaction, so concurrent duplicates cannot both pass. When a duplicate
// exists it is returned with inserted false.
func (s *Store) InsertExecution(ctx context.Context, e *Execution) (existing *Execution, inserted bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		fps := tx.Bucket(bucketFingerprints)

		if id := fps.Get([]byte(e.Fingerprint)); id != nil {
			prev, err := getExecution(tx, string(id))
			if err == nil && prev.Status != ExecFailed {
				existing = prev
				return nil
			}
		}

		if err := putExecution(tx, e); err != nil {
			return err
		}
		if err := fps.Put([]byte(e.Fingerprint), []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to index fingerprint: %w", err)
		}
		if err := index(tx, e); err != nil {
			return err
		}

		if a, err := getAutomation(tx, e.AutomationID); err == nil {
			at := e.CreatedAt
			a.LastTriggeredAt = &at
			if err := putAutomation(tx, a); err != nil {
				return err
			}
		}

		inserted = true
		return nil
	})
	return existing, inserted, err
}

// ClaimDue atomically takes the oldest pending execution due at now.
// It leaves the due index, so no other caller can claim it.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*Execution, error) {
	var exec *Execution

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDue).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts, _ := storage.ParseIndexKey(k)
			if ts.After(now) {
				return nil
			}

			e, err := getExecution(tx, string(v))
			if err != nil || e.Status != ExecPending || e.Claimed {
				// stale index entry
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			e.Claimed = true
			e.UpdatedAt = now.UTC()
			if err := putExecution(tx, e); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			exec = e
			return nil
		}
		return nil
	})

	return exec, err
}

// Release returns a claimed, still pending execution to the due index at next
func (s *Store) Release(id string, next time.Time) (*Execution, bool, error) {
	return s.update(id, func(tx *bolt.Tx, e *Execution) (bool, error) {
		if e.Status != ExecPending || !e.Claimed {
			return false, nil
		}
		e.Claimed = false
		e.ScheduledAt = next.UTC()
		return true, nil
	})
}

// UpdateExecution applies fn in one write transaction and keeps the due
// index in step. The execution is written back only when fn reports a change.
func (s *Store) UpdateExecution(ctx context.Context, id string, fn func(e *Execution) (bool, error)) (*Execution, bool, error) {
	return s.update(id, func(tx *bolt.Tx, e *Execution) (bool, error) {
		return fn(e)
	})
}

// Finish moves a pending execution to a terminal status. Reaching sent
// increments the automation's execution_count in the same transaction.
// Finishing an execution that is no longer pending changes nothing.
func (s *Store) Finish(ctx context.Context, id string, status ExecStatus, at time.Time, fn func(e *Execution)) (*Execution, bool, error) {
	return s.update(id, func(tx *bolt.Tx, e *Execution) (bool, error) {
		if e.Status != ExecPending {
			return false, nil
		}

		e.Status = status
		e.Claimed = false
		executed := at.UTC()
		e.ExecutedAt = &executed
		if fn != nil {
			fn(e)
		}

		if status != ExecSent {
			return true, nil
		}
		a, err := getAutomation(tx, e.AutomationID)
		if err != nil {
			// deleted since; the execution still counts as sent
			return true, nil
		}
		a.ExecutionCount++
		return true, putAutomation(tx, a)
	})
}

func (s *Store) update(id string, fn func(tx *bolt.Tx, e *Execution) (bool, error)) (*Execution, bool, error) {
	var (
		exec    *Execution
		changed bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		e, err := getExecution(tx, id)
		if err != nil {
			return err
		}
		exec = e

		if err := unindex(tx, e); err != nil {
			return err
		}
		if changed, err = fn(tx, e); err != nil {
			return err
		}
		if !changed {
			return index(tx, e)
		}

		e.UpdatedAt = time.Now().UTC()
		if err := putExecution(tx, e); err != nil {
			return err
		}
		return index(tx, e)
	})
	if err != nil {
		return nil, false, err
	}

	return exec, changed, nil
}

// GetExecution returns an execution of tenantID
func (s *Store) GetExecution(ctx context.Context, tenantID, id string) (*Execution, error) {
	var e *Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getExecution(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if e.TenantID != tenantID {
		return nil, ErrExecutionNotFound
	}
	return e, nil
}

// ListExecutions returns the tenant's executions, newest first
func (s *Store) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error) {
	var out []*Execution

	err := s.scanExecutions(func(e *Execution) {
		switch {
		case e.TenantID != tenantID:
		case filter.AutomationID != "" && e.AutomationID != filter.AutomationID:
		case filter.CustomerID != "" && e.CustomerID != filter.CustomerID:
		case filter.Status != "" && e.Status != filter.Status:
		default:
			out = append(out, e)
		}
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

// Pending returns every pending execution across tenants
func (s *Store) Pending(ctx context.Context) ([]*Execution, error) {
	var out []*Execution
	err := s.scanExecutions(func(e *Execution) {
		if e.Status == ExecPending {
			out = append(out, e)
		}
	})
	return out, err
}

func (s *Store) scanExecutions(fn func(e *Execution)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var e Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			fn(&e)
			return nil
		})
	})
}

// waiting reports whether e belongs in the due index
func waiting(e *Execution) bool {
	return e.Status == ExecPending && !e.Claimed
}

func index(tx *bolt.Tx, e *Execution) error {
	if !waiting(e) {
		return nil
	}
	if err := tx.Bucket(bucketDue).Put(storage.IndexKey(e.ScheduledAt, e.ID), []byte(e.ID)); err != nil {
		return fmt.Errorf("failed to index execution: %w", err)
	}
	return nil
}

func unindex(tx *bolt.Tx, e *Execution) error {
	return tx.Bucket(bucketDue).Delete(storage.IndexKey(e.ScheduledAt, e.ID))
}

func getAutomation(tx *bolt.Tx, id string) (*Automation, error) {
	data := tx.Bucket(bucketAutomations).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var a Automation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal automation: %w", err)
	}
	return &a, nil
}

func putAutomation(tx *bolt.Tx, a *Automation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal automation: %w", err)
	}
	return tx.Bucket(bucketAutomations).Put([]byte(a.ID), data)
}

func getExecution(tx *bolt.Tx, id string) (*Execution, error) {
	data := tx.Bucket(bucketExecutions).Get([]byte(id))
	if data == nil {
		return nil, ErrExecutionNotFound
	}
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &e, nil
}

func putExecution(tx *bolt.Tx, e *Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	return tx.Bucket(bucketExecutions).Put([]byte(e.ID), data)
}
