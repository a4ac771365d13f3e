// Package nonce implements the persistent replay-detection store
// (spec.md §4.5): an in-memory map mirrored to a JSON file, with
// check-and-record as the sole linearization point.
package nonce

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/closedclaw/core/pkg/log"
)

type record struct {
	FirstSeen time.Time `json:"firstSeen"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store is the replay-detection nonce store.
type Store struct {
	mu         sync.Mutex
	path       string
	ttl        time.Duration
	maxEntries int
	entries    map[string]record
}

// Open loads (or initializes) a nonce store backed by path. Corruption in
// the file resets in-memory state but never touches the file on disk
// (spec.md §4.5 "file corruption resets state in memory but preserves the
// file").
func Open(path string, ttl time.Duration, maxEntries int) (*Store, error) {
	s := &Store{
		path:       path,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]record),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var onDisk map[string]record
	if jsonErr := json.Unmarshal(data, &onDisk); jsonErr != nil {
		log.WithComponent("nonce").Warn().Err(jsonErr).Msg("nonce store file corrupted, resetting in-memory state")
		return s, nil
	}
	s.entries = onDisk
	return s, nil
}

// CheckAndRecord is the sole linearization point: it returns true and
// records the nonce iff the nonce is not already present and unexpired,
// atomically inserting it with ttl (spec.md §4.5, §8 "Nonce store").
func (s *Store) CheckAndRecord(n string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.entries[n]; ok && now.Before(rec.ExpiresAt) {
		return false
	}

	s.entries[n] = record{FirstSeen: now, ExpiresAt: now.Add(s.ttl)}
	s.evictIfNeeded(now)
	return true
}

// evictIfNeeded removes oldest-expired entries first once max_entries is
// exceeded (spec.md §4.5).
func (s *Store) evictIfNeeded(now time.Time) {
	if s.maxEntries <= 0 || len(s.entries) <= s.maxEntries {
		return
	}

	type kv struct {
		key     string
		expired bool
		first   time.Time
	}
	all := make([]kv, 0, len(s.entries))
	for k, v := range s.entries {
		all = append(all, kv{key: k, expired: now.After(v.ExpiresAt), first: v.FirstSeen})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].expired != all[j].expired {
			return all[i].expired // expired entries first
		}
		return all[i].first.Before(all[j].first)
	})

	excess := len(s.entries) - s.maxEntries
	for i := 0; i < excess && i < len(all); i++ {
		delete(s.entries, all[i].key)
	}
}

// Prune removes expired entries.
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, v := range s.entries {
		if now.After(v.ExpiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Flush persists the in-memory map to the store's file.
func (s *Store) Flush() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.entries, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0600)
}

// Len returns the number of tracked nonces (including expired, unpruned
// ones), mainly for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
