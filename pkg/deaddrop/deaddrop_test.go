package deaddrop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteListReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	require.NoError(t, m.Write("agent-a", "agent-b", "msg-1", []byte("hello")))

	msgs, err := m.List("agent-b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1.wav", msgs[0].FileName)
	assert.Equal(t, int64(5), msgs[0].Size)

	data, err := m.Read("agent-b", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	// inbox entry moved to archive
	msgs, err = m.List("agent-b")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = os.Stat(filepath.Join(dir, "archive", "msg-1.wav"))
	assert.NoError(t, err)

	// outbox mirror remains
	_, err = os.Stat(filepath.Join(dir, "outbox", "agent-a", "msg-1.wav"))
	assert.NoError(t, err)
}

func TestWriteRejectsOversizedMessage(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	oversized := make([]byte, MaxMessageSize+1)
	err := m.Write("a", "b", "big", oversized)
	require.Error(t, err)
	var capErr *CapacityError
	assert.ErrorAs(t, err, &capErr)
}

func TestListOnMissingInboxReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	msgs, err := m.List("nobody")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPruneArchiveRemovesExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	require.NoError(t, m.Write("a", "b", "msg-1", []byte("x")))
	_, err := m.Read("b", "msg-1")
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	archived := filepath.Join(dir, "archive", "msg-1.wav")
	require.NoError(t, os.Chtimes(archived, old, old))

	removed, err := m.PruneArchive(time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(archived)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteIsIdempotentAboutDirectoryCreation(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	require.NoError(t, m.Write("a", "b", "msg-1", []byte("one")))
	require.NoError(t, m.Write("a", "b", "msg-2", []byte("two")))

	msgs, err := m.List("b")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
