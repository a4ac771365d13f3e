package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUsageWarnsAndExceeds(t *testing.T) {
	tr := NewTracker()
	tr.Register("agent-1", 100)

	alert, err := tr.RecordUsage("agent-1", 50)
	require.NoError(t, err)
	assert.Nil(t, alert)

	alert, err = tr.RecordUsage("agent-1", 35) // 85% total
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "warning", alert.Kind)

	alert, err = tr.RecordUsage("agent-1", 10) // 95%, still under warn-latch
	require.NoError(t, err)
	assert.Nil(t, alert)

	alert, err = tr.RecordUsage("agent-1", 10) // 105% -> exceeded
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "exceeded", alert.Kind)

	usage, _ := tr.Usage("agent-1")
	assert.True(t, usage.Exceeded)
}

func TestRateLimiterAcquireUnderLimit(t *testing.T) {
	rl := NewRateLimiter(2, 1000)
	defer rl.Dispose()

	require.NoError(t, rl.Acquire(time.Second))
	require.NoError(t, rl.Acquire(time.Second))

	err := rl.Acquire(50 * time.Millisecond)
	require.Error(t, err)
}

func TestRateLimiterDisposeRejectsQueued(t *testing.T) {
	rl := NewRateLimiter(1, 1000)
	require.NoError(t, rl.Acquire(time.Second))

	errCh := make(chan error, 1)
	go func() { errCh <- rl.Acquire(2 * time.Second) }()
	time.Sleep(20 * time.Millisecond)

	rl.Dispose()
	err := <-errCh
	require.Error(t, err)
}

func TestSquadTotalAccumulates(t *testing.T) {
	tr := NewTracker()
	tr.Register("a", 1000)
	tr.Register("b", 1000)
	_, _ = tr.RecordUsage("a", 10)
	_, _ = tr.RecordUsage("b", 20)
	assert.Equal(t, int64(30), tr.SquadTotal())
}
