// Package ipc implements inter-agent messaging: direct send, broadcast,
// request/reply, and pub/sub (spec.md §4.16) over mutex-guarded maps of
// agents, handlers, inboxes, and topic subscriptions. Message and topic
// handlers are called directly; a request handler runs in its own
// goroutine so the per-call timeout applies. There are no per-subscriber
// channels.
package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ValidationError is raised on bad input (spec.md §7).
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "ipc: " + e.Msg }

// TimeoutError is raised when a request/reply call exceeds its timeout
// (spec.md §7).
type TimeoutError struct{ Msg string }

func (e *TimeoutError) Error() string { return "ipc: " + e.Msg }

// Handler processes a direct message delivered to a registered agent.
type Handler func(from string, payload any)

// RequestHandler answers a request/reply call.
type RequestHandler func(ctx context.Context, from string, payload any) (any, error)

// DefaultInboxCapacity bounds a registered-but-handlerless agent's inbox
// (spec.md §4.16 "bounded inbox (oldest-dropped when full)").
const DefaultInboxCapacity = 256

// DefaultTopicCapacity bounds the number of topics a single agent may
// subscribe to (spec.md §4.16 "per-agent cap").
const DefaultTopicCapacity = 64

type inboxMsg struct {
	from    string
	payload any
}

type agentState struct {
	handler        Handler
	requestHandler RequestHandler
	inbox          []inboxMsg
	topics         map[string]bool
}

// Bus is the in-process IPC bus for one squad.
type Bus struct {
	mu             sync.Mutex
	agents         map[string]*agentState
	subscribers    map[string]map[string]bool // topic -> agentID set
	inboxCapacity  int
	topicCapacity  int
	sendCount      int64
	broadcastCount int64
	requestCount   int64
	publishCount   int64
}

// New creates an IPC bus.
func New() *Bus {
	return &Bus{
		agents:        make(map[string]*agentState),
		subscribers:   make(map[string]map[string]bool),
		inboxCapacity: DefaultInboxCapacity,
		topicCapacity: DefaultTopicCapacity,
	}
}

// Register enforces agent-id uniqueness (spec.md §4.16 "Agent registry
// enforces uniqueness").
func (b *Bus) Register(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[agentID]; exists {
		return &ValidationError{Msg: fmt.Sprintf("agent %q already registered", agentID)}
	}
	b.agents[agentID] = &agentState{topics: make(map[string]bool)}
	return nil
}

// Unregister removes all subscriptions and handlers for agentID
// (spec.md "unregister also removes all subscriptions and handlers").
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[agentID]
	if !ok {
		return
	}
	for topic := range st.topics {
		delete(b.subscribers[topic], agentID)
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}
	delete(b.agents, agentID)
}

// SetHandler registers a direct-message handler for agentID and drains
// its inbox through it (spec.md "Registering a handler drains the inbox
// through it").
func (b *Bus) SetHandler(agentID string, h Handler) error {
	b.mu.Lock()
	st, ok := b.agents[agentID]
	if !ok {
		b.mu.Unlock()
		return &ValidationError{Msg: fmt.Sprintf("unknown agent %q", agentID)}
	}
	st.handler = h
	pending := st.inbox
	st.inbox = nil
	b.mu.Unlock()

	for _, m := range pending {
		safeInvoke(func() { h(m.from, m.payload) })
	}
	return nil
}

// safeInvoke catches a handler panic so it never propagates to the sender
// (spec.md "Handler exceptions are caught; they never propagate").
func safeInvoke(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Send delivers a direct message from -> to. If a live handler is
// registered it is invoked synchronously (panics caught); otherwise the
// message is enqueued in the recipient's bounded inbox, dropping the
// oldest entry when full (spec.md §4.16 "Direct send").
func (b *Bus) Send(from, to string, payload any) error {
	b.mu.Lock()
	st, ok := b.agents[to]
	if !ok {
		b.mu.Unlock()
		return &ValidationError{Msg: fmt.Sprintf("unknown recipient %q", to)}
	}
	b.sendCount++

	if st.handler != nil {
		h := st.handler
		b.mu.Unlock()
		safeInvoke(func() { h(from, payload) })
		return nil
	}

	if len(st.inbox) >= b.inboxCapacity {
		st.inbox = st.inbox[1:]
	}
	st.inbox = append(st.inbox, inboxMsg{from: from, payload: payload})
	b.mu.Unlock()
	return nil
}

// Broadcast delivers payload to every registered agent except from
// (spec.md "Broadcast delivers to all registered agents except the
// sender").
func (b *Bus) Broadcast(from string, payload any) int {
	b.mu.Lock()
	targets := make([]string, 0, len(b.agents))
	for id := range b.agents {
		if id != from {
			targets = append(targets, id)
		}
	}
	b.broadcastCount++
	b.mu.Unlock()

	for _, id := range targets {
		_ = b.Send(from, id, payload)
	}
	return len(targets)
}

// SetRequestHandler registers at most one request handler per agent
// (spec.md "at most one request handler per agent").
func (b *Bus) SetRequestHandler(agentID string, h RequestHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[agentID]
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("unknown agent %q", agentID)}
	}
	st.requestHandler = h
	return nil
}

// Request awaits to's handler response with a per-call timeout
// (spec.md "request awaits the handler's promise with a per-call
// timeout; handler errors surface to the caller").
func (b *Bus) Request(ctx context.Context, from, to string, payload any, timeout time.Duration) (any, error) {
	b.mu.Lock()
	st, ok := b.agents[to]
	if !ok {
		b.mu.Unlock()
		return nil, &ValidationError{Msg: fmt.Sprintf("unknown recipient %q", to)}
	}
	handler := st.requestHandler
	b.requestCount++
	b.mu.Unlock()

	if handler == nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("agent %q has no request handler", to)}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := handler(cctx, from, payload)
		resCh <- result{val: v, err: err}
	}()

	select {
	case r := <-resCh:
		return r.val, r.err
	case <-cctx.Done():
		return nil, &TimeoutError{Msg: fmt.Sprintf("request from %q to %q timed out", from, to)}
	}
}

// Subscribe subscribes agentID to topic, subject to DefaultTopicCapacity
// (spec.md "topic subscription respects a per-agent cap").
func (b *Bus) Subscribe(agentID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[agentID]
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("unknown agent %q", agentID)}
	}
	if st.topics[topic] {
		return nil
	}
	if len(st.topics) >= b.topicCapacity {
		return &ValidationError{Msg: fmt.Sprintf("agent %q exceeded topic subscription cap", agentID)}
	}
	st.topics[topic] = true
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[string]bool)
	}
	b.subscribers[topic][agentID] = true
	return nil
}

// Unsubscribe removes agentID from topic, pruning the topic if it becomes
// empty (spec.md "empty topics are pruned on last unsubscribe").
func (b *Bus) Unsubscribe(agentID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.agents[agentID]; ok {
		delete(st.topics, topic)
	}
	if subs, ok := b.subscribers[topic]; ok {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

// Publish delivers payload to every subscriber of topic except publisher,
// returning the delivery count (spec.md "publish delivers to every
// subscriber except the publisher and returns the delivery count").
func (b *Bus) Publish(publisher, topic string, payload any) int {
	b.mu.Lock()
	subs := b.subscribers[topic]
	targets := make([]string, 0, len(subs))
	for id := range subs {
		if id != publisher {
			targets = append(targets, id)
		}
	}
	b.publishCount++
	b.mu.Unlock()

	for _, id := range targets {
		_ = b.Send(publisher, id, payload)
	}
	return len(targets)
}

// Stats reports the bus's cumulative counters (spec.md "Statistics count
// sends, broadcasts, requests, topic publishes, pending inbox depth, and
// registered agents").
type Stats struct {
	Sends           int64
	Broadcasts      int64
	Requests        int64
	Publishes       int64
	PendingInboxes  int
	RegisteredCount int
}

// Stats returns a snapshot of the bus's statistics.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := 0
	for _, st := range b.agents {
		pending += len(st.inbox)
	}
	return Stats{
		Sends:           b.sendCount,
		Broadcasts:      b.broadcastCount,
		Requests:        b.requestCount,
		Publishes:       b.publishCount,
		PendingInboxes:  pending,
		RegisteredCount: len(b.agents),
	}
}
