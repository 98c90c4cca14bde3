package storage

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func TestIndexKeyOrdering(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	earlier := IndexKey(base, "b")
	later := IndexKey(base.Add(time.Nanosecond*10), "a")
	muchLater := IndexKey(base.Add(48*time.Hour), "a")

	if bytes.Compare(earlier, later) >= 0 {
		t.Errorf("IndexKey ordering: %s should sort before %s", earlier, later)
	}
	if bytes.Compare(later, muchLater) >= 0 {
		t.Errorf("IndexKey ordering: %s should sort before %s", later, muchLater)
	}
}

func TestParseIndexKey(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 30, 15, 123, time.FixedZone("CEST", 2*3600))
	key := IndexKey(ts, "msg:with:colons")

	gotTS, gotID := ParseIndexKey(key)
	if !gotTS.Equal(ts) {
		t.Errorf("ParseIndexKey() ts = %v, want %v", gotTS, ts)
	}
	if gotID != "msg:with:colons" {
		t.Errorf("ParseIndexKey() id = %q, want %q", gotID, "msg:with:colons")
	}

	if ts, id := ParseIndexKey([]byte("garbage")); !ts.IsZero() || id != "" {
		t.Errorf("ParseIndexKey(garbage) = %v, %q, want zero values", ts, id)
	}
}

func TestOpenCreatesBuckets(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if err := CreateBuckets(db, []byte("one"), []byte("two")); err != nil {
		t.Fatalf("CreateBuckets() error = %v", err)
	}

	err = db.View(func(tx *bolt.Tx) error {
		for _, name := range []string{"one", "two"} {
			if tx.Bucket([]byte(name)) == nil {
				t.Errorf("bucket %s not created", name)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}
