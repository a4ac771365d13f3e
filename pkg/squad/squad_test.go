package squad

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/closedclaw/core/pkg/spawner"
	"github.com/closedclaw/core/pkg/types"
)

func newTestSpawner() *spawner.Spawner {
	return spawner.New(10, 2, time.Millisecond, 10*time.Millisecond)
}

func TestPipelineThreadsPreviousOutput(t *testing.T) {
	sp := newTestSpawner()
	var seen []any
	exec := func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error) {
		seen = append(seen, execCtx["previousOutput"])
		return task.ID + "-out", nil
	}

	sq, err := New(sp, Config{
		ID: "sq1", Strategy: types.StrategyPipeline,
		Agents:   []spawner.Config{{Role: "worker"}},
		Executor: exec,
	})
	require.NoError(t, err)

	res, err := sq.ExecuteTask(context.Background(), []types.Task{
		{ID: "t1", Priority: types.PriorityNormal},
		{ID: "t2", Priority: types.PriorityNormal},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "t2-out", res.Output)
	assert.Nil(t, seen[0])
	assert.Equal(t, "t1-out", seen[1])
}

func TestParallelRunsAllTasks(t *testing.T) {
	sp := newTestSpawner()
	exec := func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error) {
		return task.ID + "-done", nil
	}

	sq, err := New(sp, Config{
		ID: "sq2", Strategy: types.StrategyParallel,
		Agents:   []spawner.Config{{Role: "a"}, {Role: "b"}},
		Executor: exec,
	})
	require.NoError(t, err)

	res, err := sq.ExecuteTask(context.Background(), []types.Task{
		{ID: "t1", Priority: types.PriorityNormal},
		{ID: "t2", Priority: types.PriorityNormal},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.TasksCompleted)
}

func TestMapReduceDegeneratesBelowTwoTasks(t *testing.T) {
	sp := newTestSpawner()
	exec := func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error) {
		return "single", nil
	}

	sq, err := New(sp, Config{
		ID: "sq3", Strategy: types.StrategyMapReduce,
		Agents:   []spawner.Config{{Role: "a"}},
		Executor: exec,
	})
	require.NoError(t, err)

	res, err := sq.ExecuteTask(context.Background(), []types.Task{{ID: "only"}})
	require.NoError(t, err)
	assert.Equal(t, "single", res.Output)
}

func TestMapReduceFeedsReduceStep(t *testing.T) {
	sp := newTestSpawner()
	exec := func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error) {
		if task.ID == "reduce" {
			mapResults := execCtx["mapResults"]
			return fmt.Sprintf("reduced:%v", mapResults), nil
		}
		return task.ID + "-mapped", nil
	}

	sq, err := New(sp, Config{
		ID: "sq4", Strategy: types.StrategyMapReduce,
		Agents:   []spawner.Config{{Role: "a"}, {Role: "b"}},
		Executor: exec,
	})
	require.NoError(t, err)

	res, err := sq.ExecuteTask(context.Background(), []types.Task{
		{ID: "m1"}, {ID: "m2"}, {ID: "reduce"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "reduced:")
}

func TestConsensusMajorityWins(t *testing.T) {
	sp := newTestSpawner()
	var mu sync.Mutex
	outputs := map[string]string{}
	assignIdx := 0
	outcomes := []string{"A", "A", "B"}

	exec := func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := outputs[agentID]; !ok {
			outputs[agentID] = outcomes[assignIdx%len(outcomes)]
			assignIdx++
		}
		return outputs[agentID], nil
	}

	sq, err := New(sp, Config{
		ID: "sq5", Strategy: types.StrategyConsensus,
		Agents:   []spawner.Config{{Role: "a"}, {Role: "b"}, {Role: "c"}},
		Executor: exec,
	})
	require.NoError(t, err)

	res, err := sq.ExecuteTask(context.Background(), []types.Task{{ID: "primary"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "A", res.Output)
	assert.Len(t, res.Contributions, 3)
}

func TestTerminatedSquadRejectsExecute(t *testing.T) {
	sp := newTestSpawner()
	exec := func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error) {
		return nil, nil
	}
	sq, err := New(sp, Config{ID: "sq6", Strategy: types.StrategyPipeline, Agents: []spawner.Config{{Role: "a"}}, Executor: exec})
	require.NoError(t, err)

	sq.Terminate()
	_, err = sq.ExecuteTask(context.Background(), []types.Task{{ID: "t1"}})
	require.Error(t, err)
}
