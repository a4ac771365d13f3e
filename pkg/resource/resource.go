// Package resource implements the token budget tracker and sliding-window
// rate limiter shared by a squad's agents (spec.md §4.18).
package resource

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/closedclaw/core/pkg/log"
	"github.com/closedclaw/core/pkg/metrics"
)

// Window is the sliding-window duration used by the rate limiter
// (spec.md §4.18 "two sliding 60-second windows").
const Window = 60 * time.Second

// CleanupInterval is the rate limiter's periodic expired-entry sweep
// (spec.md "a 10-second cleanup tick").
const CleanupInterval = 10 * time.Second

// AlertThreshold is the usage fraction at which a warning alert fires
// once per agent (spec.md "emits a warning alert at >= 80%").
const AlertThreshold = 0.8

// TimeoutError is raised when RateLimiter.Acquire exceeds its timeout
// (spec.md §7).
type TimeoutError struct{ Msg string }

func (e *TimeoutError) Error() string { return "resource: " + e.Msg }

// AgentBudget tracks one agent's token usage against its limit.
type AgentBudget struct {
	Limit       int64
	Used        int64
	WarnedAt80  bool
	Exceeded    bool
}

// Tracker tracks per-agent and squad-wide token usage
// (spec.md §4.18 "Token tracker").
type Tracker struct {
	mu       sync.Mutex
	budgets  map[string]*AgentBudget
	squadUse int64
}

// NewTracker creates an empty token tracker.
func NewTracker() *Tracker {
	return &Tracker{budgets: make(map[string]*AgentBudget)}
}

// Register sets an agent's per-agent token limit.
func (t *Tracker) Register(agentID string, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[agentID] = &AgentBudget{Limit: limit}
}

// Alert describes a threshold crossing emitted by RecordUsage.
type Alert struct {
	AgentID string
	Kind    string // "warning" | "exceeded"
}

// RecordUsage adds tokens to agentID's usage and the squad total, emitting
// a warning alert at >=80% (once) and latching Exceeded at >=100%
// (spec.md §4.18).
func (t *Tracker) RecordUsage(agentID string, tokens int64) (*Alert, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[agentID]
	if !ok {
		return nil, fmt.Errorf("resource: agent %q not registered", agentID)
	}
	b.Used += tokens
	t.squadUse += tokens
	metrics.TokensUsed.WithLabelValues(agentID).Set(float64(b.Used))

	if b.Limit <= 0 {
		return nil, nil
	}
	frac := float64(b.Used) / float64(b.Limit)

	if frac >= 1.0 && !b.Exceeded {
		b.Exceeded = true
		log.WithAgentID(agentID).Warn().Int64("used", b.Used).Int64("limit", b.Limit).Msg("token budget exceeded")
		return &Alert{AgentID: agentID, Kind: "exceeded"}, nil
	}
	if frac >= AlertThreshold && !b.WarnedAt80 {
		b.WarnedAt80 = true
		log.WithAgentID(agentID).Warn().Int64("used", b.Used).Int64("limit", b.Limit).Msg("token budget at 80%")
		return &Alert{AgentID: agentID, Kind: "warning"}, nil
	}
	return nil, nil
}

// Usage returns a copy of agentID's budget state.
func (t *Tracker) Usage(agentID string) (AgentBudget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[agentID]
	if !ok {
		return AgentBudget{}, false
	}
	return *b, true
}

// SquadTotal returns the squad-wide cumulative token usage.
func (t *Tracker) SquadTotal() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.squadUse
}

// ---------------------------------------------------------------------
// RateLimiter
// ---------------------------------------------------------------------

type tokenEntry struct {
	at     time.Time
	tokens int64
}

type rlWaiter struct {
	ch chan error
}

// RateLimiter keeps two sliding 60-second windows, one of request
// timestamps and one of token counts (spec.md §4.18 "Rate limiter").
// Acquire gates on the requests-per-minute limit only; tokens recorded via
// RecordTokens are summed by TokensInWindow and are not checked against
// tpm. One limiter is not keyed by agent.
type RateLimiter struct {
	rpm int
	tpm int64

	mu       sync.Mutex
	requests *list.List // of time.Time
	tokens   *list.List // of tokenEntry
	waiters  *list.List // of *rlWaiter

	stopCleanup chan struct{}
	stopped     bool
}

// NewRateLimiter creates a limiter with the given max requests and tokens
// per 60-second window.
func NewRateLimiter(rpm int, tpm int64) *RateLimiter {
	r := &RateLimiter{
		rpm:         rpm,
		tpm:         tpm,
		requests:    list.New(),
		tokens:      list.New(),
		waiters:     list.New(),
		stopCleanup: make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

func (r *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepAndWake()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *RateLimiter) sweepAndWake() {
	r.mu.Lock()
	r.pruneLocked(time.Now())
	var woken []*rlWaiter
	for r.requestsInWindowLocked() < r.rpm {
		front := r.waiters.Front()
		if front == nil {
			break
		}
		r.waiters.Remove(front)
		woken = append(woken, front.Value.(*rlWaiter))
		r.requests.PushBack(time.Now())
	}
	r.mu.Unlock()

	for _, w := range woken {
		w.ch <- nil
	}
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-Window)
	for e := r.requests.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			r.requests.Remove(e)
		}
		e = next
	}
	for e := r.tokens.Front(); e != nil; {
		next := e.Next()
		if e.Value.(tokenEntry).at.Before(cutoff) {
			r.tokens.Remove(e)
		}
		e = next
	}
}

func (r *RateLimiter) requestsInWindowLocked() int {
	return r.requests.Len()
}

// Acquire returns immediately if requests_in_window < rpm, else enqueues
// FIFO and blocks up to timeout (spec.md §4.18 "acquire(timeout)").
func (r *RateLimiter) Acquire(timeout time.Duration) error {
	r.mu.Lock()
	r.pruneLocked(time.Now())
	if r.requestsInWindowLocked() < r.rpm {
		r.requests.PushBack(time.Now())
		r.mu.Unlock()
		return nil
	}

	w := &rlWaiter{ch: make(chan error, 1)}
	elem := r.waiters.PushBack(w)
	metrics.RateLimiterQueueDepth.Inc()
	r.mu.Unlock()

	select {
	case err := <-w.ch:
		metrics.RateLimiterQueueDepth.Dec()
		return err
	case <-time.After(timeout):
		r.mu.Lock()
		r.waiters.Remove(elem)
		r.mu.Unlock()
		metrics.RateLimiterQueueDepth.Dec()
		return &TimeoutError{Msg: "rate limiter acquire timed out"}
	}
}

// RecordTokens records tpm-governed token usage for the current window.
func (r *RateLimiter) RecordTokens(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens.PushBack(tokenEntry{at: time.Now(), tokens: n})
}

// TokensInWindow returns the sum of tokens recorded within the current
// sliding window.
func (r *RateLimiter) TokensInWindow() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(time.Now())
	var total int64
	for e := r.tokens.Front(); e != nil; e = e.Next() {
		total += e.Value.(tokenEntry).tokens
	}
	return total
}

// Dispose cancels the cleanup loop and rejects all queued acquirers
// (spec.md "Disposal cancels cleanup and rejects all queued acquirers").
func (r *RateLimiter) Dispose() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	waiters := r.waiters
	r.waiters = list.New()
	r.mu.Unlock()

	close(r.stopCleanup)
	rejected := fmt.Errorf("resource: rate limiter disposed")
	for e := waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*rlWaiter).ch <- rejected
	}
}
