package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

type staticBacklog struct {
	backlog Backlog
}

func (s *staticBacklog) Backlog(ctx context.Context) (*Backlog, error) {
	b := s.backlog
	return &b, nil
}

func openTestDB(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)

	m := New()
	c, err := NewCollector(db, m, nil, path, time.Minute)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	m.MessagesDispatchedTotal.WithLabelValues("sms").Add(2)
	m.MessagesFailedTotal.WithLabelValues("email", "retries_exhausted").Inc()
	m.ExecutionsTotal.WithLabelValues("welcome", "sent").Inc()
	m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/messages", "200").Inc()

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, nil, path, time.Minute)
	if err != nil {
		t.Fatalf("NewCollector() reopen error = %v", err)
	}
	defer c2.Stop()

	if got := counterValue(t, m2.MessagesDispatchedTotal, "sms"); got != 2 {
		t.Errorf("restored dispatched[sms] = %v, want 2", got)
	}
	if got := counterValue(t, m2.MessagesFailedTotal, "email", "retries_exhausted"); got != 1 {
		t.Errorf("restored failed[email] = %v, want 1", got)
	}
	if got := counterValue(t, m2.ExecutionsTotal, "welcome", "sent"); got != 1 {
		t.Errorf("restored executions = %v, want 1", got)
	}
	if got := counterValue(t, m2.APIRequestsTotal, "GET", "/api/v1/messages", "200"); got != 1 {
		t.Errorf("restored api requests = %v, want 1", got)
	}

	// New increments continue from the restored value
	m2.MessagesDispatchedTotal.WithLabelValues("sms").Inc()
	if got := counterValue(t, m2.MessagesDispatchedTotal, "sms"); got != 3 {
		t.Errorf("dispatched[sms] after increment = %v, want 3", got)
	}
}

func TestCollectorSkipsCorruptCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketMetrics)
		if err != nil {
			return err
		}
		return b.Put(keyCounters, []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewCollector(db, New(), nil, path, time.Minute); err != nil {
		t.Errorf("NewCollector() with corrupt counters error = %v", err)
	}
}

func TestCollectSystemMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	m := New()
	backlog := &staticBacklog{backlog: Backlog{MessagesQueued: 7, ExecutionsPending: 3, CampaignsSending: 1}}
	c, err := NewCollector(db, m, backlog, path, time.Minute)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	c.collectSystemMetrics(context.Background())

	var metric dto.Metric
	if err := m.MessagesQueued.Write(&metric); err != nil {
		t.Fatal(err)
	}
	if metric.Gauge.GetValue() != 7 {
		t.Errorf("messages queued = %v, want 7", metric.Gauge.GetValue())
	}

	metric.Reset()
	if err := m.StorageUsedBytes.Write(&metric); err != nil {
		t.Fatal(err)
	}
	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("storage used = %v, want > 0", metric.Gauge.GetValue())
	}
}
