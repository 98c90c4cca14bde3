// Package storage opens the shared bbolt database and provides the
// time-ordered index keys used by every store in the engine.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Open opens (or creates) the database file
func Open(path string) (*bolt.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

// CreateBuckets creates buckets that do not exist yet
func CreateBuckets(db *bolt.DB, buckets ...[]byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// timeLayout is fixed width so keys sort lexicographically in time order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// IndexKey creates a sortable key from timestamp and ID
func IndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(timeLayout) + ":" + id)
}

// ParseIndexKey extracts timestamp and ID from an index key
func ParseIndexKey(key []byte) (time.Time, string) {
	s := string(key)
	i := strings.Index(s, "Z:")
	if i < 0 {
		return time.Time{}, ""
	}
	ts, _ := time.Parse(timeLayout, s[:i+1])
	return ts, s[i+2:]
}

// PrefixKey joins an owner ID and a child ID, for one-to-many index buckets
func PrefixKey(owner, id string) []byte {
	return []byte(owner + "/" + id)
}

// Prefix returns the scan prefix for PrefixKey entries of an owner
func Prefix(owner string) []byte {
	return []byte(owner + "/")
}
