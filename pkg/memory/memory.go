// Package memory implements the short-term, TTL-bounded tiered memory
// cache with access-driven TTL extension and hot-entry promotion
// (spec.md §4.19).
package memory

import (
	"fmt"
	"sync"
	"time"
)

// ValidationError is raised when a TTL passed to Set is negative or
// exceeds the cache's maximum TTL.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "memory: " + e.Msg }

// Entry is one short-term memory fact (spec.md §3 "Fact / memory entry").
type Entry struct {
	Key        string
	Value      any
	CreatedAt  time.Time
	LastAccess time.Time
	TTL        time.Duration
	Accesses   int
	Important  bool
	expiresAt  time.Time
}

// IsHot reports whether the entry qualifies as hot: access count >=
// threshold or importance flag set (spec.md §3 "Hot entry").
func (e Entry) IsHot(threshold int) bool {
	return e.Accesses >= threshold || e.Important
}

// Cache is the TTL-bounded short-term memory store.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	defaultTTL  time.Duration
	maxTTL      time.Duration
	extendQuant time.Duration
	hotThresh   int

	sweepStop chan struct{}
}

// New creates a Cache. defaultTTL is used when Set is called without an
// explicit TTL; maxTTL bounds both the default and any explicit TTL;
// extendQuantum is added to an entry's TTL on each access, capped at
// maxTTL; hotThreshold is the access count that promotes an entry to hot.
func New(defaultTTL, maxTTL, extendQuantum time.Duration, hotThreshold int) *Cache {
	return &Cache{
		entries:     make(map[string]*Entry),
		defaultTTL:  defaultTTL,
		maxTTL:      maxTTL,
		extendQuant: extendQuantum,
		hotThresh:   hotThreshold,
	}
}

// Set inserts or overwrites key with value. ttl==0 selects defaultTTL; a
// negative ttl, or a resulting ttl > maxTTL, is an error (spec.md §4.19,
// §3 "TTL is bounded by a configured maximum").
func (c *Cache) Set(key string, value any, ttl time.Duration, important bool) error {
	if ttl < 0 {
		return &ValidationError{Msg: "ttl must be >= 0"}
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl > c.maxTTL {
		return &ValidationError{Msg: fmt.Sprintf("ttl %s exceeds maximum %s", ttl, c.maxTTL)}
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
		Important:  important,
		expiresAt:  now.Add(ttl),
	}
	return nil
}

// Get reads key's value, extending its TTL by extendQuantum (capped at
// maxTTL) and incrementing its access count (spec.md §3 "access both
// extends TTL... and increments the access count"). Returns (nil, false)
// if absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}

	e.Accesses++
	e.LastAccess = now
	newTTL := e.TTL + c.extendQuant
	if newTTL > c.maxTTL {
		newTTL = c.maxTTL
	}
	e.TTL = newTTL
	e.expiresAt = now.Add(newTTL)

	return e.Value, true
}

// Delete removes key unconditionally.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// GetHotEntries returns entries whose access count >= hotThreshold or
// importance flag is set, excluding expired items
// (spec.md §4.19 "get_hot_entries").
func (c *Cache) GetHotEntries() []Entry {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var hot []Entry
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			continue
		}
		if e.IsHot(c.hotThresh) {
			hot = append(hot, *e)
		}
	}
	return hot
}

// Len returns the number of tracked entries, including unpruned expired
// ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep evicts expired entries. Returns the count removed.
func (c *Cache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper launches a background goroutine that evicts expired items
// every interval (spec.md "An optional background sweep evicts expired
// items at a configurable interval"). Call StopSweeper to stop it; timers
// created here must not prevent process exit (spec.md §5).
func (c *Cache) StartSweeper(interval time.Duration) {
	c.mu.Lock()
	if c.sweepStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.sweepStop = stop
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

// StopSweeper stops a background sweep started by StartSweeper.
func (c *Cache) StopSweeper() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepStop = nil
	}
}
