package nonce

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndRecordRejectsImmediateReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "nonces.json"), time.Minute, 0)
	require.NoError(t, err)

	now := time.Now()
	assert.True(t, s.CheckAndRecord("abc123", now))
	assert.False(t, s.CheckAndRecord("abc123", now))
}

func TestCheckAndRecordAcceptsAfterTTL(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "nonces.json"), time.Second, 0)
	require.NoError(t, err)

	now := time.Now()
	assert.True(t, s.CheckAndRecord("xyz", now))
	assert.False(t, s.CheckAndRecord("xyz", now.Add(500*time.Millisecond)))
	assert.True(t, s.CheckAndRecord("xyz", now.Add(2*time.Second)))
}

func TestFlushAndReopenReplaysState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces.json")
	s, err := Open(path, time.Minute, 0)
	require.NoError(t, err)

	now := time.Now()
	s.CheckAndRecord("persisted", now)
	require.NoError(t, s.Flush())

	reopened, err := Open(path, time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, reopened.CheckAndRecord("persisted", now))
}

func TestCorruptFileResetsMemoryNotDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	s, err := Open(path, time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(raw))
}
