// Package spawner implements the agent lifecycle state machine, heartbeat
// monitor, and restart logic (spec.md §4.15). The spawner owns the handle
// registry globally.
package spawner

import (
	"fmt"
	"sync"
	"time"

	"github.com/closedclaw/core/pkg/log"
	"github.com/closedclaw/core/pkg/metrics"
	"github.com/closedclaw/core/pkg/types"
)

// StateError is raised on an illegal state transition (spec.md §7, §4.15
// "Any other transition raises a hard error").
type StateError struct{ Msg string }

func (e *StateError) Error() string { return "spawner: " + e.Msg }

// CapacityError is raised when a squad is at its agent cap (spec.md §7).
type CapacityError struct{ SquadID string }

func (e *CapacityError) Error() string {
	return fmt.Sprintf("spawner: squad %q is at capacity", e.SquadID)
}

// allowedTransitions is the permitted state graph from spec.md §4.15.
var allowedTransitions = map[types.AgentState]map[types.AgentState]bool{
	types.AgentInitializing: {types.AgentReady: true, types.AgentTerminating: true, types.AgentTerminated: true},
	types.AgentReady:        {types.AgentWorking: true, types.AgentIdle: true, types.AgentTerminating: true},
	types.AgentWorking:      {types.AgentIdle: true, types.AgentReady: true, types.AgentTerminating: true},
	types.AgentIdle:         {types.AgentWorking: true, types.AgentReady: true, types.AgentTerminating: true},
	types.AgentTerminating:  {types.AgentTerminated: true},
	types.AgentTerminated:   {},
}

// Config describes how to spawn one agent.
type Config struct {
	Role         string
	SquadID      string
	Capabilities []string
	OnInit       func(*types.Agent) error
	OnTerminate  func(*types.Agent) error
}

// Spawner owns the process-wide agent handle registry.
type Spawner struct {
	mu            sync.Mutex
	agents        map[string]*types.Agent
	configs       map[string]Config
	squadCounts   map[string]int
	squadCapacity map[string]int

	heartbeatThreshold int
	restartBaseDelay   time.Duration
	restartMaxDelay    time.Duration
	maxRestarts        int

	idSeq int
}

// New creates a Spawner. heartbeatThreshold is the number of consecutive
// missed beats before a heartbeat-missed event fires.
func New(heartbeatThreshold int, maxRestarts int, restartBaseDelay, restartMaxDelay time.Duration) *Spawner {
	return &Spawner{
		agents:             make(map[string]*types.Agent),
		configs:            make(map[string]Config),
		squadCounts:        make(map[string]int),
		squadCapacity:      make(map[string]int),
		heartbeatThreshold: heartbeatThreshold,
		restartBaseDelay:   restartBaseDelay,
		restartMaxDelay:    restartMaxDelay,
		maxRestarts:        maxRestarts,
	}
}

// SetSquadCapacity bounds the number of live (non-terminated) agents a
// squad may hold.
func (s *Spawner) SetSquadCapacity(squadID string, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.squadCapacity[squadID] = capacity
}

func (s *Spawner) nextID() string {
	s.idSeq++
	return fmt.Sprintf("agent-%d", s.idSeq)
}

// Spawn enforces squad capacity, runs OnInit if present (discarding the
// handle on failure), and emits a spawned event (spec.md §4.15 "Spawn").
func (s *Spawner) Spawn(cfg Config) (*types.Agent, error) {
	s.mu.Lock()
	if cap, ok := s.squadCapacity[cfg.SquadID]; ok && cap > 0 && s.squadCounts[cfg.SquadID] >= cap {
		s.mu.Unlock()
		return nil, &CapacityError{SquadID: cfg.SquadID}
	}

	id := s.nextID()
	a := &types.Agent{
		ID:           id,
		Role:         cfg.Role,
		SquadID:      cfg.SquadID,
		State:        types.AgentInitializing,
		Capabilities: cfg.Capabilities,
		CreatedAt:    time.Now(),
	}
	s.mu.Unlock()

	if cfg.OnInit != nil {
		if err := cfg.OnInit(a); err != nil {
			return nil, fmt.Errorf("spawner: on_init for %s: %w", id, err)
		}
	}

	s.mu.Lock()
	a.State = types.AgentReady
	a.LastHeartbeat = time.Now()
	s.agents[id] = a
	s.configs[id] = cfg
	s.squadCounts[cfg.SquadID]++
	s.mu.Unlock()

	metrics.AgentsTotal.WithLabelValues(string(types.AgentReady)).Inc()
	log.WithAgentID(id).Info().Str("squad_id", cfg.SquadID).Str("role", cfg.Role).Msg("spawned")

	return a, nil
}

// Transition moves an agent's state along the allowed graph, or raises
// *StateError.
func (s *Spawner) Transition(agentID string, to types.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return &StateError{Msg: fmt.Sprintf("unknown agent %q", agentID)}
	}

	allowed, ok := allowedTransitions[a.State]
	if !ok || !allowed[to] {
		return &StateError{Msg: fmt.Sprintf("illegal transition %s -> %s for agent %q", a.State, to, agentID)}
	}

	metrics.AgentsTotal.WithLabelValues(string(a.State)).Dec()
	a.State = to
	metrics.AgentsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// Terminate runs OnTerminate under gracePeriod (best-effort; termination
// proceeds even if cleanup panics or errors) and transitions the agent to
// terminated (spec.md §4.15 "Terminate").
func (s *Spawner) Terminate(agentID string, gracePeriod time.Duration) error {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return &StateError{Msg: fmt.Sprintf("unknown agent %q", agentID)}
	}
	cfg := s.configs[agentID]
	if a.State != types.AgentTerminating {
		allowed := allowedTransitions[a.State]
		if !allowed[types.AgentTerminating] {
			s.mu.Unlock()
			return &StateError{Msg: fmt.Sprintf("illegal transition %s -> terminating for agent %q", a.State, agentID)}
		}
		a.State = types.AgentTerminating
	}
	s.mu.Unlock()

	if cfg.OnTerminate != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() { _ = recover() }()
			_ = cfg.OnTerminate(a)
		}()
		select {
		case <-done:
		case <-time.After(gracePeriod):
			log.WithAgentID(agentID).Warn().Msg("on_terminate exceeded grace period")
		}
	}

	s.mu.Lock()
	metrics.AgentsTotal.WithLabelValues(string(a.State)).Dec()
	a.State = types.AgentTerminated
	metrics.AgentsTotal.WithLabelValues(string(types.AgentTerminated)).Inc()
	s.squadCounts[a.SquadID]--
	s.mu.Unlock()

	return nil
}

// Heartbeat resets an agent's missed-beat counter and stamps LastHeartbeat.
func (s *Spawner) Heartbeat(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return &StateError{Msg: fmt.Sprintf("unknown agent %q", agentID)}
	}
	a.MissedBeats = 0
	a.LastHeartbeat = time.Now()
	return nil
}

// Tick increments every non-terminated agent's missed-counter and returns
// the ids that just crossed heartbeatThreshold (spec.md §4.15 "Heartbeat
// monitor").
func (s *Spawner) Tick() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missed []string
	for id, a := range s.agents {
		if a.State == types.AgentTerminated {
			continue
		}
		a.MissedBeats++
		if a.MissedBeats == s.heartbeatThreshold {
			missed = append(missed, id)
			metrics.HeartbeatsMissedTotal.Inc()
			log.WithAgentID(id).Warn().Int("missed_beats", a.MissedBeats).Msg("heartbeat-missed")
		}
	}
	return missed
}

// Get returns a copy of the agent handle.
func (s *Spawner) Get(agentID string) (types.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return types.Agent{}, false
	}
	return *a, true
}

// Restart terminates the old handle, waits with exponential backoff, then
// spawns a new one with the same config, transferring the restart count
// forward (spec.md §4.15 "Restart").
func (s *Spawner) Restart(agentID string) (*types.Agent, error) {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, &StateError{Msg: fmt.Sprintf("unknown agent %q", agentID)}
	}
	cfg := s.configs[agentID]
	restarts := a.Restarts
	s.mu.Unlock()

	if restarts >= s.maxRestarts {
		return nil, fmt.Errorf("spawner: agent %q exceeded max restarts (%d)", agentID, s.maxRestarts)
	}

	if err := s.Terminate(agentID, 5*time.Second); err != nil {
		return nil, err
	}

	delay := s.restartBaseDelay
	for i := 0; i < restarts; i++ {
		delay *= 2
		if delay > s.restartMaxDelay {
			delay = s.restartMaxDelay
			break
		}
	}
	time.Sleep(delay)

	newAgent, err := s.Spawn(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	newAgent.Restarts = restarts + 1
	s.mu.Unlock()

	metrics.AgentRestartsTotal.Inc()
	return newAgent, nil
}
