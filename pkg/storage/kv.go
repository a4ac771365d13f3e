// Package storage provides a small bbolt-backed keyed store used by
// components that need a persisted, queryable registry beyond the audit
// log, nonce store, and dead-drop filesystem (which each own their own
// on-disk format per spec.md §3/§6).
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// KV is a single-bucket, JSON-valued key/value store backed by bbolt.
type KV struct {
	db     *bolt.DB
	bucket []byte
}

// Open opens (creating if necessary) a bbolt database at path with a single
// bucket named bucket. The parent directory is created with 0700 and the
// database file with 0600, matching the key/dead-drop permission model in
// spec.md §4.4/§6.
func Open(path string, bucket string) (*KV, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	b := []byte(bucket)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create bucket %s: %w", bucket, err)
	}

	return &KV{db: db, bucket: b}, nil
}

// Close closes the underlying database.
func (k *KV) Close() error {
	return k.db.Close()
}

// Put JSON-encodes value and stores it under key.
func (k *KV) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(k.bucket).Put([]byte(key), data)
	})
}

// Get decodes the value stored under key into out. It returns (false, nil)
// if the key does not exist.
func (k *KV) Get(key string, out any) (bool, error) {
	var found bool
	err := k.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(k.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	return found, err
}

// Delete removes key. It is a no-op if the key does not exist.
func (k *KV) Delete(key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(k.bucket).Delete([]byte(key))
	})
}

// ForEach calls fn for every key/value pair, stopping early if fn returns
// an error.
func (k *KV) ForEach(fn func(key string, raw []byte) error) error {
	return k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(k.bucket).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}
