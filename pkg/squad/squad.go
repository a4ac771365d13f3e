// Package squad implements the four-strategy coordinator orchestrating
// the spawner, task queue, and IPC bus (spec.md §4.17).
package squad

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/closedclaw/core/pkg/ipc"
	"github.com/closedclaw/core/pkg/log"
	"github.com/closedclaw/core/pkg/metrics"
	"github.com/closedclaw/core/pkg/queue"
	"github.com/closedclaw/core/pkg/spawner"
	"github.com/closedclaw/core/pkg/types"
)

// StateError is raised when an operation runs on a terminated squad
// (spec.md §3 "once terminated, no operation except status read is
// valid").
type StateError struct{ Msg string }

func (e *StateError) Error() string { return "squad: " + e.Msg }

// AgentExecutor invokes one agent with a task and a context slot, returning
// the agent's output (spec.md §4.17 "previousOutput context slot").
type AgentExecutor func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error)

// Squad owns its agent handles, task queue, and IPC bus
// (spec.md §3 "a squad owns its agent handles, queue, and IPC bus").
type Squad struct {
	ID       string
	Name     string
	Strategy types.Strategy

	spawnerH *spawner.Spawner
	bus      *ipc.Bus
	tq       *queue.Queue
	executor AgentExecutor

	mu         sync.Mutex
	agentIDs   []string
	terminated bool

	lifetimeCancel context.CancelFunc
}

// Config describes how to build a squad.
type Config struct {
	ID       string
	Name     string
	Strategy types.Strategy
	Agents   []spawner.Config
	Lifetime time.Duration // 0 = no lifetime timer
	Executor AgentExecutor
}

// New spawns all configured agents, wires each into a fresh IPC bus, and
// optionally starts a lifetime timer (spec.md §4.17 "Creating a squad").
func New(sp *spawner.Spawner, cfg Config) (*Squad, error) {
	bus := ipc.New()
	s := &Squad{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Strategy: cfg.Strategy,
		spawnerH: sp,
		bus:      bus,
		tq:       queue.New(0),
		executor: cfg.Executor,
	}

	for _, ac := range cfg.Agents {
		ac.SquadID = cfg.ID
		a, err := sp.Spawn(ac)
		if err != nil {
			return nil, fmt.Errorf("squad: spawn agent: %w", err)
		}
		if err := bus.Register(a.ID); err != nil {
			return nil, fmt.Errorf("squad: register agent in bus: %w", err)
		}
		s.agentIDs = append(s.agentIDs, a.ID)
	}

	if cfg.Lifetime > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.lifetimeCancel = cancel
		go func() {
			t := time.NewTimer(cfg.Lifetime)
			defer t.Stop()
			select {
			case <-t.C:
				s.Terminate()
			case <-ctx.Done():
			}
		}()
	}

	log.WithSquadID(cfg.ID).Info().Str("strategy", string(cfg.Strategy)).Int("agents", len(s.agentIDs)).Msg("squad created")
	return s, nil
}

// Terminate ends the squad's lifetime timer; further operations other
// than status reads fail with *StateError.
func (s *Squad) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true
	if s.lifetimeCancel != nil {
		s.lifetimeCancel()
	}
}

func (s *Squad) checkAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return &StateError{Msg: fmt.Sprintf("squad %q is terminated", s.ID)}
	}
	return nil
}

// AgentIDs returns a copy of the squad's agent id list.
func (s *Squad) AgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.agentIDs))
	copy(out, s.agentIDs)
	return out
}

// Contribution records one agent's share of a run's output and tokens.
type Contribution struct {
	AgentID string
	Output  any
	Tokens  int64
	Err     error
}

// Result aggregates one execute_task run (spec.md §4.17 "Aggregate
// metrics for every run").
type Result struct {
	Success         bool
	Output          any
	Duration        time.Duration
	TasksCompleted  int
	TasksFailed     int
	TotalTokens     int64
	Contributions   []Contribution
}

// agentForTask picks the best-matching agent for task.Type, preferring a
// role match (spec.md "agent selection prefers role-matching the task
// type"), falling back to round-robin by index.
func (s *Squad) agentForTask(taskType string, roundRobinIdx int) string {
	ids := s.AgentIDs()
	if len(ids) == 0 {
		return ""
	}
	for _, id := range ids {
		a, ok := s.spawnerH.Get(id)
		if ok && a.Role == taskType {
			return id
		}
	}
	return ids[roundRobinIdx%len(ids)]
}

// ExecuteTask runs tasks under the squad's configured strategy
// (spec.md §4.17).
func (s *Squad) ExecuteTask(ctx context.Context, tasks []types.Task) (Result, error) {
	if err := s.checkAlive(); err != nil {
		return Result{}, err
	}

	timer := metrics.NewTimer()
	var res Result
	var err error

	switch s.Strategy {
	case types.StrategyPipeline:
		res, err = s.runPipeline(ctx, tasks)
	case types.StrategyParallel:
		res, err = s.runParallel(ctx, tasks)
	case types.StrategyMapReduce:
		if len(tasks) < 2 {
			res, err = s.runPipeline(ctx, tasks)
		} else {
			res, err = s.runMapReduce(ctx, tasks)
		}
	case types.StrategyConsensus:
		res, err = s.runConsensus(ctx, tasks)
	default:
		return Result{}, fmt.Errorf("squad: unknown strategy %q", s.Strategy)
	}

	res.Duration = timer.Duration()
	timer.ObserveDurationVec(metrics.SquadRunDuration, string(s.Strategy))
	return res, err
}

// runPipeline enqueues tasks in order, claims sequentially, and threads
// each step's output into the next via previousOutput
// (spec.md "Pipeline").
func (s *Squad) runPipeline(ctx context.Context, tasks []types.Task) (Result, error) {
	var res Result
	var previousOutput any

	for i, t := range tasks {
		if err := s.tq.Enqueue(t); err != nil {
			return res, err
		}
		agentID := s.agentForTask(t.Type, i)
		claimed, ok := s.tq.Claim(agentID, nil)
		if !ok {
			continue
		}

		execCtx := map[string]any{"previousOutput": previousOutput}
		out, err := s.executor(ctx, agentID, *claimed, execCtx)
		contrib := Contribution{AgentID: agentID, Output: out, Err: err}
		res.Contributions = append(res.Contributions, contrib)

		if err != nil {
			res.TasksFailed++
			_ = s.tq.Fail(claimed.ID, err.Error())
			metrics.TasksFailedTotal.Inc()
			return res, err
		}
		_ = s.tq.Complete(claimed.ID, out)
		res.TasksCompleted++
		metrics.TasksCompletedTotal.Inc()
		previousOutput = out
	}

	res.Success = res.TasksFailed == 0
	res.Output = previousOutput
	return res, nil
}

// runParallel enqueues all tasks, assigns one per agent round-robin when
// role doesn't match, and executes under a concurrent join
// (spec.md "Parallel").
func (s *Squad) runParallel(ctx context.Context, tasks []types.Task) (Result, error) {
	var res Result
	outputs := make([]any, len(tasks))
	contribs := make([]Contribution, len(tasks))

	for _, t := range tasks {
		if err := s.tq.Enqueue(t); err != nil {
			return res, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		i, t := i, t
		agentID := s.agentForTask(t.Type, i)
		g.Go(func() error {
			claimed, ok := s.tq.Claim(agentID, nil)
			if !ok {
				return nil
			}
			out, err := s.executor(gctx, agentID, *claimed, nil)
			contribs[i] = Contribution{AgentID: agentID, Output: out, Err: err}
			if err != nil {
				_ = s.tq.Fail(claimed.ID, err.Error())
				return nil
			}
			_ = s.tq.Complete(claimed.ID, out)
			outputs[i] = out
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range contribs {
		res.Contributions = append(res.Contributions, c)
		if c.Err != nil {
			res.TasksFailed++
		} else {
			res.TasksCompleted++
		}
	}
	res.Success = res.TasksFailed == 0
	res.Output = outputs
	return res, nil
}

// runMapReduce maps all but the last task in parallel and feeds their
// results plus the original input to the last task's reduce step
// (spec.md "Map-reduce").
func (s *Squad) runMapReduce(ctx context.Context, tasks []types.Task) (Result, error) {
	mapTasks := tasks[:len(tasks)-1]
	reduceTask := tasks[len(tasks)-1]

	mapRes, err := s.runParallel(ctx, mapTasks)
	if err != nil {
		return mapRes, err
	}

	if err := s.tq.Enqueue(reduceTask); err != nil {
		return mapRes, err
	}
	agentID := s.agentForTask(reduceTask.Type, len(mapTasks))
	claimed, ok := s.tq.Claim(agentID, nil)
	if !ok {
		return mapRes, fmt.Errorf("squad: could not claim reduce task")
	}

	execCtx := map[string]any{
		"mapResults":    mapRes.Output,
		"originalInput": reduceTask.Input,
	}
	out, err := s.executor(ctx, agentID, *claimed, execCtx)
	contrib := Contribution{AgentID: agentID, Output: out, Err: err}
	mapRes.Contributions = append(mapRes.Contributions, contrib)

	if err != nil {
		mapRes.TasksFailed++
		_ = s.tq.Fail(claimed.ID, err.Error())
		mapRes.Success = false
		return mapRes, err
	}
	_ = s.tq.Complete(claimed.ID, out)
	mapRes.TasksCompleted++
	mapRes.Output = out
	mapRes.Success = mapRes.TasksFailed == 0
	return mapRes, nil
}

// runConsensus sends the first task to every agent simultaneously and
// majority-votes the outputs by canonical-JSON equality, ties breaking by
// insertion order (spec.md "Consensus").
func (s *Squad) runConsensus(ctx context.Context, tasks []types.Task) (Result, error) {
	var res Result
	if len(tasks) == 0 {
		return res, fmt.Errorf("squad: consensus requires at least one task")
	}
	task := tasks[0]
	ids := s.AgentIDs()

	type voteResult struct {
		agentID string
		key     string
		output  any
		err     error
	}
	votes := make([]voteResult, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out, err := s.executor(ctx, id, task, nil)
			key := ""
			if err == nil {
				if b, mErr := json.Marshal(out); mErr == nil {
					key = string(b)
				}
			}
			votes[i] = voteResult{agentID: id, key: key, output: out, err: err}
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	var order []string
	successes, failures := 0, 0

	for i, v := range votes {
		res.Contributions = append(res.Contributions, Contribution{AgentID: v.agentID, Output: v.output, Err: v.err})
		if v.err != nil {
			failures++
			res.TasksFailed++
			continue
		}
		successes++
		res.TasksCompleted++
		if _, ok := counts[v.key]; !ok {
			firstSeen[v.key] = i
			order = append(order, v.key)
		}
		counts[v.key]++
	}

	var winnerKey string
	best := -1
	for _, k := range order {
		c := counts[k]
		if c > best {
			best = c
			winnerKey = k
		}
	}

	for _, v := range votes {
		if v.err == nil && v.key == winnerKey {
			res.Output = v.output
			break
		}
	}

	res.Success = successes > failures
	return res, nil
}
