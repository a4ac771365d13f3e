// Package queue implements the priority + dependency task queue with
// claims and retries (spec.md §4.14). All operations are serialized by a
// single mutex per spec.md §5 ("serialize all operations on these
// structures on a single executor").
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/closedclaw/core/pkg/types"
)

// ValidationError is raised on bad input (spec.md §7).
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "queue: " + e.Msg }

// CapacityError is raised when the queue is full (spec.md §7).
type CapacityError struct{ Capacity int }

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue: at capacity (%d)", e.Capacity)
}

// StateError is raised on an illegal task-state transition (spec.md §7).
type StateError struct{ Msg string }

func (e *StateError) Error() string { return "queue: " + e.Msg }

// DefaultMaxRetries is the retry budget Enqueue assigns when a task's own
// MaxRetries is unset (0 means "use this default").
const DefaultMaxRetries = 3

// BackoffBase and BackoffMax configure exponential retry back-off:
// base * 2^attempt, clamped to max (spec.md §4.14 "Retry back-off").
const (
	BackoffBase = 500 * time.Millisecond
	BackoffMax  = 60 * time.Second
)

// Backoff computes the exponential retry delay for the given attempt
// count, clamped to BackoffMax.
func Backoff(attempt int) time.Duration {
	d := BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= BackoffMax {
			return BackoffMax
		}
	}
	return d
}

// Queue is the priority + dependency task queue.
type Queue struct {
	mu       sync.Mutex
	capacity int
	tasks    map[string]*types.Task
	order    []string // insertion order, for stable dependency existence checks
}

// New creates a queue with the given capacity (0 = unbounded).
func New(capacity int) *Queue {
	return &Queue{capacity: capacity, tasks: make(map[string]*types.Task)}
}

// Enqueue validates capacity, id uniqueness, and that every dependency
// already exists (spec.md §4.14 "Enqueue validates...").
func (q *Queue) Enqueue(t types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return &CapacityError{Capacity: q.capacity}
	}
	if t.ID == "" {
		return &ValidationError{Msg: "task id is required"}
	}
	if _, exists := q.tasks[t.ID]; exists {
		return &ValidationError{Msg: fmt.Sprintf("task id %q already exists", t.ID)}
	}
	for _, dep := range t.Dependencies {
		if _, ok := q.tasks[dep]; !ok {
			return &ValidationError{Msg: fmt.Sprintf("dependency %q does not exist", dep)}
		}
	}

	if t.Status == "" {
		t.Status = types.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}

	cp := t
	q.tasks[t.ID] = &cp
	q.order = append(q.order, t.ID)
	return nil
}

func (q *Queue) depsCompleted(t *types.Task) bool {
	for _, dep := range t.Dependencies {
		depTask, ok := q.tasks[dep]
		if !ok || depTask.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// Claim computes the claimable set (pending, deps completed, capabilities
// satisfied), sorts by priority weight then oldest-created-at, and atomically
// claims the head (spec.md §4.14 "Claim is atomic...").
func (q *Queue) Claim(agentID string, capabilities []string) (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*types.Task
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Status != types.TaskPending {
			continue
		}
		if !q.depsCompleted(t) {
			continue
		}
		if !t.HasCapabilities(capabilities) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		wi, wj := candidates[i].Priority.Weight(), candidates[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	t := candidates[0]
	t.Status = types.TaskClaimed
	t.ClaimedBy = agentID
	t.ClaimedAt = time.Now()
	t.Attempts++

	cp := *t
	return &cp, true
}

// Complete stores result and stamps CompletedAt (spec.md §4.14).
func (q *Queue) Complete(taskID string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("unknown task %q", taskID)}
	}
	if t.Status != types.TaskClaimed {
		return &StateError{Msg: fmt.Sprintf("task %q is not claimed (status=%s)", taskID, t.Status)}
	}
	t.Status = types.TaskCompleted
	t.Result = result
	t.CompletedAt = time.Now()
	return nil
}

// Fail records the error and re-queues the task if attempts <=
// MaxRetries, else transitions it to failed (spec.md §4.14 "Failure
// records...").
func (q *Queue) Fail(taskID string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("unknown task %q", taskID)}
	}
	if t.Status != types.TaskClaimed {
		return &StateError{Msg: fmt.Sprintf("task %q is not claimed (status=%s)", taskID, t.Status)}
	}

	t.Error = errMsg
	if t.Attempts <= t.MaxRetries {
		t.Status = types.TaskPending
		t.ClaimedBy = ""
		t.ClaimedAt = time.Time{}
	} else {
		t.Status = types.TaskFailed
	}
	return nil
}

// Cancel transitions a pending or claimed task to cancelled
// (spec.md "Cancel is legal only from pending or claimed").
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("unknown task %q", taskID)}
	}
	if t.Status != types.TaskPending && t.Status != types.TaskClaimed {
		return &StateError{Msg: fmt.Sprintf("cannot cancel task %q in status %s", taskID, t.Status)}
	}
	t.Status = types.TaskCancelled
	return nil
}

// Release reverts a claimed task to pending (spec.md "Release ... revert
// claimed tasks to pending").
func (q *Queue) Release(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("unknown task %q", taskID)}
	}
	if t.Status != types.TaskClaimed {
		return &StateError{Msg: fmt.Sprintf("task %q is not claimed", taskID)}
	}
	t.Status = types.TaskPending
	t.ClaimedBy = ""
	t.ClaimedAt = time.Time{}
	return nil
}

// ReleaseByAgent reverts every task claimed by agentID to pending.
func (q *Queue) ReleaseByAgent(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	released := 0
	for _, t := range q.tasks {
		if t.Status == types.TaskClaimed && t.ClaimedBy == agentID {
			t.Status = types.TaskPending
			t.ClaimedBy = ""
			t.ClaimedAt = time.Time{}
			released++
		}
	}
	return released
}

// ReleaseTimedOut walks claimed tasks and releases any whose elapsed time
// exceeds the task-specific timeout (spec.md §4.14 "release_timed_out").
func (q *Queue) ReleaseTimedOut(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var released []string
	for id, t := range q.tasks {
		if t.Status != types.TaskClaimed || t.Timeout <= 0 {
			continue
		}
		if now.Sub(t.ClaimedAt) > t.Timeout {
			t.Status = types.TaskPending
			t.ClaimedBy = ""
			t.ClaimedAt = time.Time{}
			released = append(released, id)
		}
	}
	return released
}

// Get returns a copy of the task by id.
func (q *Queue) Get(taskID string) (types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return types.Task{}, false
	}
	return *t, true
}

// Len returns the number of tasks currently tracked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// All returns a snapshot of every task in insertion order.
func (q *Queue) All() []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.tasks[id])
	}
	return out
}
