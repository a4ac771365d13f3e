// Package coordination implements the shared-contract synchronization
// primitives used by the squad coordinator: Mutex, Barrier, Semaphore, and
// Event, all with FIFO waiter queues and per-call timeouts (spec.md §4.13).
package coordination

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the component constant used when a caller does not
// supply an explicit timeout (spec.md §4.13 "defaults to a component
// constant").
const DefaultTimeout = 30 * time.Second

// TimeoutError is raised when a waiter's timeout expires before the
// primitive grants it (spec.md §5 "SyncTimeoutError(primitive, resource,
// ms)").
type TimeoutError struct {
	Primitive string
	Resource  string
	Millis    int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("coordination: %s %q timed out after %dms", e.Primitive, e.Resource, e.Millis)
}

// StateError reports an invalid use of a primitive (spec.md §7 StateError).
type StateError struct{ Msg string }

func (e *StateError) Error() string { return "coordination: " + e.Msg }

func resolveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}

// waiter is one FIFO-queued blocked caller, shared by all four primitives.
type waiter struct {
	ch       chan struct{}
	rejected bool // set by Barrier.Reset before the wake
}

func newWaiter() *waiter { return &waiter{ch: make(chan struct{}, 1)} }

func (w *waiter) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------
// Mutex
// ---------------------------------------------------------------------

// Mutex is an exclusive lock with a FIFO waiter queue and direct
// ownership transfer on release (spec.md §4.13 "Mutex").
type Mutex struct {
	name string

	mu      sync.Mutex
	locked  bool
	owner   string
	waiters *list.List // of *mutexWaiter
}

type mutexWaiter struct {
	owner string
	w     *waiter
}

// NewMutex creates a named mutex (the name is used in TimeoutError).
func NewMutex(name string) *Mutex {
	return &Mutex{name: name, waiters: list.New()}
}

// Acquire resolves immediately if unlocked, else enqueues FIFO and blocks
// up to timeout.
func (m *Mutex) Acquire(ownerID string, timeout time.Duration) error {
	timeout = resolveTimeout(timeout)

	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.owner = ownerID
		m.mu.Unlock()
		return nil
	}
	mw := &mutexWaiter{owner: ownerID, w: newWaiter()}
	elem := m.waiters.PushBack(mw)
	m.mu.Unlock()

	select {
	case <-mw.w.ch:
		return nil
	case <-time.After(timeout):
		m.mu.Lock()
		m.waiters.Remove(elem)
		m.mu.Unlock()
		return &TimeoutError{Primitive: "Mutex", Resource: m.name, Millis: timeout.Milliseconds()}
	}
}

// Release hands the lock directly to the head waiter, if any, without
// ever dropping held-ness (spec.md "ownership transfers atomically"); if
// no waiter is queued, the mutex becomes unlocked.
func (m *Mutex) Release(ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		return &StateError{Msg: "release of unlocked mutex " + m.name}
	}
	if m.owner != ownerID {
		return &StateError{Msg: "release of mutex " + m.name + " by non-owner"}
	}

	front := m.waiters.Front()
	if front == nil {
		m.locked = false
		m.owner = ""
		return nil
	}
	m.waiters.Remove(front)
	next := front.Value.(*mutexWaiter)
	m.owner = next.owner
	next.w.wake()
	return nil
}

// WithLock acquires the mutex, runs fn, and releases on both success and
// error (spec.md "with_lock(owner, fn) releases on both success and
// error").
func (m *Mutex) WithLock(ownerID string, timeout time.Duration, fn func() error) error {
	if err := m.Acquire(ownerID, timeout); err != nil {
		return err
	}
	defer m.Release(ownerID)
	return fn()
}

// ---------------------------------------------------------------------
// Barrier
// ---------------------------------------------------------------------

// Barrier synchronizes a fixed number of parties per generation
// (spec.md §4.13 "Barrier(parties)").
type Barrier struct {
	name    string
	parties int

	mu         sync.Mutex
	generation uint64
	arrived    map[string]bool
	waiters    []*waiter
}

// NewBarrier creates a barrier requiring parties arrivals per generation.
func NewBarrier(name string, parties int) *Barrier {
	return &Barrier{name: name, parties: parties, arrived: make(map[string]bool)}
}

// Arrive registers id's arrival in the current generation and blocks until
// the generation fills or timeout elapses. Duplicate ids within the same
// generation are rejected.
func (b *Barrier) Arrive(id string, timeout time.Duration) error {
	timeout = resolveTimeout(timeout)

	b.mu.Lock()
	if b.arrived[id] {
		b.mu.Unlock()
		return &StateError{Msg: fmt.Sprintf("duplicate arrival %q at barrier %s generation %d", id, b.name, b.generation)}
	}
	b.arrived[id] = true
	gen := b.generation

	if len(b.arrived) >= b.parties {
		b.releaseGeneration()
		b.mu.Unlock()
		return nil
	}

	w := newWaiter()
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case <-w.ch:
		if w.rejected {
			return &StateError{Msg: fmt.Sprintf("barrier %s reset while %q was waiting", b.name, id)}
		}
		return nil
	case <-time.After(timeout):
		b.mu.Lock()
		if b.generation == gen {
			for i, ww := range b.waiters {
				if ww == w {
					b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
					break
				}
			}
			delete(b.arrived, id)
		}
		b.mu.Unlock()
		return &TimeoutError{Primitive: "Barrier", Resource: b.name, Millis: timeout.Milliseconds()}
	}
}

// releaseGeneration must be called with b.mu held; it advances the
// generation and wakes every current waiter in one batch.
func (b *Barrier) releaseGeneration() {
	b.generation++
	b.arrived = make(map[string]bool)
	waiters := b.waiters
	b.waiters = nil
	for _, w := range waiters {
		w.wake()
	}
}

// Reset rejects all current waiters and advances the generation.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.waiters {
		w.rejected = true
	}
	b.releaseGeneration()
}

// ---------------------------------------------------------------------
// Semaphore
// ---------------------------------------------------------------------

// Semaphore bounds concurrent holders of maxPermits (spec.md §4.13
// "Semaphore(max_permits)").
type Semaphore struct {
	name    string
	max     int
	mu      sync.Mutex
	avail   int
	waiters *list.List // of *waiter
}

// NewSemaphore creates a semaphore with maxPermits available slots.
func NewSemaphore(name string, maxPermits int) *Semaphore {
	return &Semaphore{name: name, max: maxPermits, avail: maxPermits, waiters: list.New()}
}

// Acquire decrements available or enqueues FIFO, blocking up to timeout.
func (s *Semaphore) Acquire(timeout time.Duration) error {
	timeout = resolveTimeout(timeout)

	s.mu.Lock()
	if s.avail > 0 {
		s.avail--
		s.mu.Unlock()
		return nil
	}
	w := newWaiter()
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-time.After(timeout):
		s.mu.Lock()
		s.waiters.Remove(elem)
		s.mu.Unlock()
		return &TimeoutError{Primitive: "Semaphore", Resource: s.name, Millis: timeout.Milliseconds()}
	}
}

// TryAcquire never blocks: it succeeds immediately or fails immediately.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.avail > 0 {
		s.avail--
		return true
	}
	return false
}

// Release hands a permit to the head waiter, or increments available if
// none is queued. Releasing beyond maxPermits is an error
// (spec.md "over-release is an error").
func (s *Semaphore) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	front := s.waiters.Front()
	if front != nil {
		s.waiters.Remove(front)
		front.Value.(*waiter).wake()
		return nil
	}
	if s.avail >= s.max {
		return &StateError{Msg: "over-release of semaphore " + s.name}
	}
	s.avail++
	return nil
}

// ---------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------

// Event is a signal with optional persistence (spec.md §4.13 "Event(name,
// persistent?)").
type Event struct {
	Name       string
	persistent bool

	mu      sync.Mutex
	signal  bool
	waiters []*waiter
}

// NewEvent creates a named event. If persistent, Signal leaves the event
// signaled for future Wait calls until Reset; otherwise (one-shot) it
// auto-resets immediately after releasing current waiters.
func NewEvent(name string, persistent bool) *Event {
	return &Event{Name: name, persistent: persistent}
}

// registerWaiter is the event's linearization point: it reports true (and,
// for one-shot events, consumes the signal) if the event is already
// signaled, else it enqueues w as a FIFO waiter and reports false. Callers
// that register across several events (WaitForAny/WaitForAll) rely on this
// being atomic so a Signal landing between the check and the enqueue can
// never be missed.
func (e *Event) registerWaiter(w *waiter) (alreadySignaled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signal {
		if !e.persistent {
			e.signal = false
		}
		return true
	}
	e.waiters = append(e.waiters, w)
	return false
}

func (e *Event) removeWaiter(w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ww := range e.waiters {
		if ww == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

// Wait returns immediately if signaled (auto-resetting in one-shot mode),
// else blocks up to timeout for Signal or Pulse.
func (e *Event) Wait(timeout time.Duration) error {
	timeout = resolveTimeout(timeout)

	w := newWaiter()
	if e.registerWaiter(w) {
		return nil
	}

	select {
	case <-w.ch:
		return nil
	case <-time.After(timeout):
		e.removeWaiter(w)
		return &TimeoutError{Primitive: "Event", Resource: e.Name, Millis: timeout.Milliseconds()}
	}
}

// Signal releases all current waiters. One-shot events auto-reset after
// release; persistent events remain signaled for future waiters.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signal = true
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		w.wake()
	}
	if !e.persistent {
		e.signal = false
	}
}

// Pulse releases current waiters without leaving the event signaled.
func (e *Event) Pulse() {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		w.wake()
	}
}

// Reset clears a persistent event's signal.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signal = false
}

// IsSignaled reports the current signal state without consuming it.
func (e *Event) IsSignaled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signal
}

// WaitForAny resolves with the name of the first event (among events) to
// become signaled within deadline (spec.md "wait_for_any([e])"). It
// registers a real FIFO waiter on every event rather than polling, so a
// one-shot event's signal window cannot be missed between registration and
// the moment Signal fires.
func WaitForAny(events []*Event, deadline time.Duration) (string, error) {
	deadline = resolveTimeout(deadline)

	resultCh := make(chan string, len(events))
	stopCh := make(chan struct{})
	defer close(stopCh)

	for _, e := range events {
		w := newWaiter()
		if e.registerWaiter(w) {
			return e.Name, nil
		}
		go func(e *Event, w *waiter) {
			select {
			case <-w.ch:
				select {
				case resultCh <- e.Name:
				default:
				}
			case <-stopCh:
				e.removeWaiter(w)
			}
		}(e, w)
	}

	select {
	case name := <-resultCh:
		return name, nil
	case <-time.After(deadline):
		return "", &TimeoutError{Primitive: "Event", Resource: "wait_for_any", Millis: deadline.Milliseconds()}
	}
}

// WaitForAll resolves only once every event has been signaled, subject to
// deadline (spec.md "wait_for_all([e])"). Like WaitForAny, it registers a
// real waiter per event instead of polling IsSignaled.
func WaitForAll(events []*Event, deadline time.Duration) error {
	deadline = resolveTimeout(deadline)
	if len(events) == 0 {
		return nil
	}

	doneCh := make(chan struct{}, len(events))
	stopCh := make(chan struct{})
	defer close(stopCh)

	for _, e := range events {
		w := newWaiter()
		if e.registerWaiter(w) {
			doneCh <- struct{}{}
			continue
		}
		go func(e *Event, w *waiter) {
			select {
			case <-w.ch:
				select {
				case doneCh <- struct{}{}:
				default:
				}
			case <-stopCh:
				e.removeWaiter(w)
			}
		}(e, w)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	remaining := len(events)
	for remaining > 0 {
		select {
		case <-doneCh:
			remaining--
		case <-timer.C:
			return &TimeoutError{Primitive: "Event", Resource: "wait_for_all", Millis: deadline.Milliseconds()}
		}
	}
	return nil
}
