package spawner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/closedclaw/core/pkg/types"
)

func newTestSpawner() *Spawner {
	return New(3, 2, time.Millisecond, 10*time.Millisecond)
}

func TestSpawnReachesReady(t *testing.T) {
	s := newTestSpawner()
	a, err := s.Spawn(Config{Role: "researcher", SquadID: "sq1"})
	require.NoError(t, err)
	assert.Equal(t, types.AgentReady, a.State)
}

func TestSpawnRespectsSquadCapacity(t *testing.T) {
	s := newTestSpawner()
	s.SetSquadCapacity("sq1", 1)
	_, err := s.Spawn(Config{Role: "a", SquadID: "sq1"})
	require.NoError(t, err)

	_, err = s.Spawn(Config{Role: "b", SquadID: "sq1"})
	require.Error(t, err)
}

func TestOnInitFailureDiscardsHandle(t *testing.T) {
	s := newTestSpawner()
	_, err := s.Spawn(Config{Role: "a", SquadID: "sq1", OnInit: func(*types.Agent) error {
		return assert.AnError
	}})
	require.Error(t, err)
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := newTestSpawner()
	a, err := s.Spawn(Config{Role: "a", SquadID: "sq1"})
	require.NoError(t, err)

	err = s.Transition(a.ID, types.AgentTerminated)
	require.Error(t, err, "ready cannot jump directly to terminated")
}

func TestTerminateRunsCleanupEvenOnError(t *testing.T) {
	s := newTestSpawner()
	a, err := s.Spawn(Config{Role: "a", SquadID: "sq1", OnTerminate: func(*types.Agent) error {
		return assert.AnError
	}})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(a.ID, 100*time.Millisecond))
	got, _ := s.Get(a.ID)
	assert.Equal(t, types.AgentTerminated, got.State)
}

func TestHeartbeatTickEmitsMissed(t *testing.T) {
	s := newTestSpawner()
	a, err := s.Spawn(Config{Role: "a", SquadID: "sq1"})
	require.NoError(t, err)

	s.Tick()
	s.Tick()
	missed := s.Tick()
	assert.Equal(t, []string{a.ID}, missed)

	require.NoError(t, s.Heartbeat(a.ID))
	got, _ := s.Get(a.ID)
	assert.Equal(t, 0, got.MissedBeats)
}

func TestRestartTransfersCount(t *testing.T) {
	s := newTestSpawner()
	a, err := s.Spawn(Config{Role: "a", SquadID: "sq1"})
	require.NoError(t, err)

	restarted, err := s.Restart(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.Restarts)
}
