package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(time.Minute, time.Hour, 10*time.Second, 3)
	require.NoError(t, c.Set("k", "v", 0, false))

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestTTLOverMaximumRejected(t *testing.T) {
	c := New(time.Minute, time.Hour, time.Second, 3)
	err := c.Set("k", "v", 2*time.Hour, false)
	require.Error(t, err)
}

func TestExpiredEntryNotReturned(t *testing.T) {
	c := New(10*time.Millisecond, time.Hour, time.Second, 3)
	require.NoError(t, c.Set("k", "v", 0, false))
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestAccessExtendsTTLCappedAtMax(t *testing.T) {
	c := New(time.Second, 2*time.Second, 5*time.Second, 3)
	require.NoError(t, c.Set("k", "v", 0, false))

	_, ok := c.Get("k")
	require.True(t, ok)

	c.mu.Lock()
	ttl := c.entries["k"].TTL
	c.mu.Unlock()
	assert.Equal(t, 2*time.Second, ttl) // 1s + 5s extension capped at 2s max
}

func TestHotEntriesByAccessCountOrImportance(t *testing.T) {
	c := New(time.Minute, time.Hour, time.Second, 2)
	require.NoError(t, c.Set("a", 1, 0, false))
	require.NoError(t, c.Set("b", 2, 0, true))

	c.Get("a")
	hot := c.GetHotEntries()
	assert.Len(t, hot, 1) // only "b" (important), "a" has 1 access < threshold 2

	c.Get("a")
	hot = c.GetHotEntries()
	assert.Len(t, hot, 2) // "a" now has 2 accesses, meets threshold
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := New(time.Minute, time.Hour, time.Second, 3)
	require.NoError(t, c.Set("k", "v", 0, false))
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}
