// Package dispatch implements the risk-gated tool dispatcher
// (spec.md §4.12): every tool call is risk-assessed before it runs, and
// user-facing results are always plain strings, never typed errors
// (spec.md §7 "user-facing tools return errors as plain strings").
package dispatch

import (
	"fmt"
	"sync"

	"github.com/closedclaw/core/pkg/log"
	"github.com/closedclaw/core/pkg/metrics"
	"github.com/closedclaw/core/pkg/types"
)

// Tier is the risk tier of a tool invocation (spec.md §4.12).
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Vector carries the risk tier assessed for a call.
type Vector struct {
	Tier Tier
}

// Assessment is the outcome of risk-scoring a tool call
// (spec.md §4.12 "{allow, denyReason?, vector:{tier}}").
type Assessment struct {
	Allow      bool
	DenyReason string
	Vector     Vector
}

// Schema describes a tool's JSON-schema-like parameter contract
// (spec.md §6 "Tool surface").
type Schema struct {
	Type       string
	Properties map[string]any
	Required   []string
}

// Tool is a dynamically dispatched tool value: a name, description,
// parameter schema, and an execute function (spec.md §6, §9 "Dynamic
// dispatch over tool set").
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Execute     func(params map[string]any) (string, error)
}

// RiskAssessor scores a tool call's risk before execution. Implementations
// may consult outcome history recorded via RecordOutcome.
type RiskAssessor interface {
	Assess(toolName string, params map[string]any) Assessment
	RecordOutcome(toolName string, params map[string]any, success bool)
}

// Dispatcher routes named tool invocations through risk assessment before
// execution (spec.md §4.12).
type Dispatcher struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	assessor RiskAssessor
	audit    func(deny bool, toolName string, tier Tier, reason string)
}

// New creates a Dispatcher using assessor for risk scoring. audit, if
// non-nil, is invoked for every deny and every medium/high-tier execution
// (spec.md "Medium/high executions are logged but permitted").
func New(assessor RiskAssessor, audit func(deny bool, toolName string, tier Tier, reason string)) *Dispatcher {
	return &Dispatcher{tools: make(map[string]Tool), assessor: assessor, audit: audit}
}

// Register adds a tool to the registry, keyed by name.
func (d *Dispatcher) Register(t Tool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[t.Name] = t
}

// Dispatch assesses risk for (toolName, params); if denied it returns a
// blocked string without ever invoking the tool, else it runs the tool and
// records the outcome. Unknown tools return a synthetic error string
// (spec.md §4.12 "Unknown tools return a synthetic error string").
func (d *Dispatcher) Dispatch(toolName string, params map[string]any) string {
	d.mu.RLock()
	tool, known := d.tools[toolName]
	d.mu.RUnlock()

	if !known {
		return fmt.Sprintf("error: unknown tool %q", toolName)
	}

	assessment := d.assessor.Assess(toolName, params)
	if !assessment.Allow {
		metrics.ToolDeniedTotal.WithLabelValues(toolName, string(assessment.Vector.Tier)).Inc()
		if d.audit != nil {
			d.audit(true, toolName, assessment.Vector.Tier, assessment.DenyReason)
		}
		log.WithComponent("dispatch").Warn().Str("tool", toolName).Str("tier", string(assessment.Vector.Tier)).Msg("tool call denied")
		return fmt.Sprintf("blocked: %s", assessment.DenyReason)
	}

	if assessment.Vector.Tier == TierMedium || assessment.Vector.Tier == TierHigh {
		if d.audit != nil {
			d.audit(false, toolName, assessment.Vector.Tier, "")
		}
	}

	result, err := tool.Execute(params)
	d.assessor.RecordOutcome(toolName, params, err == nil)

	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(toolName, "failure").Inc()
		return fmt.Sprintf("error: %s", err.Error())
	}
	metrics.ToolCallsTotal.WithLabelValues(toolName, "success").Inc()
	return result
}

// List returns the names of every registered tool.
func (d *Dispatcher) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	return names
}

// StaticAssessor is a table-driven RiskAssessor keyed by tool name
// (spec.md §6 "The dispatcher names are stable... and match the
// risk-scoring table").
type StaticAssessor struct {
	mu      sync.Mutex
	tiers   map[string]Tier
	denyFn  map[string]func(params map[string]any) (bool, string)
	history map[string][]bool
}

// NewStaticAssessor creates an assessor from a fixed tool -> tier table.
// denyFn, if provided for a tool, can veto a specific call regardless of
// its base tier (e.g. a dangerous-path check for run_command).
func NewStaticAssessor(tiers map[string]Tier, denyFn map[string]func(params map[string]any) (bool, string)) *StaticAssessor {
	return &StaticAssessor{
		tiers:   tiers,
		denyFn:  denyFn,
		history: make(map[string][]bool),
	}
}

// Assess implements RiskAssessor.
func (s *StaticAssessor) Assess(toolName string, params map[string]any) Assessment {
	s.mu.Lock()
	defer s.mu.Unlock()

	tier, ok := s.tiers[toolName]
	if !ok {
		tier = TierHigh
	}

	if fn, ok := s.denyFn[toolName]; ok {
		if deny, reason := fn(params); deny {
			return Assessment{Allow: false, DenyReason: reason, Vector: Vector{Tier: tier}}
		}
	}

	return Assessment{Allow: true, Vector: Vector{Tier: tier}}
}

// RecordOutcome implements RiskAssessor.
func (s *StaticAssessor) RecordOutcome(toolName string, params map[string]any, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[toolName] = append(s.history[toolName], success)
}

// FailureRate returns the fraction of recorded failures for toolName.
func (s *StaticAssessor) FailureRate(toolName string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.history[toolName]
	if len(hist) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range hist {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(hist))
}

// DefaultRiskTable is the stable tool-name -> tier table referenced in
// spec.md §6 ("the dispatcher names are stable... and match the
// risk-scoring table").
var DefaultRiskTable = map[string]Tier{
	"read_file":     TierLow,
	"calculator":    TierLow,
	"web_search":    TierLow,
	"clipboard_get": TierMedium,
	"clipboard_set": TierMedium,
	"screenshot":    TierMedium,
	"ocr":           TierMedium,
	"run_command":   TierHigh,
	"write_file":    TierHigh,
	"delete_file":   TierHigh,
}

// AuditRecorder adapts a typed audit log into dispatch's audit callback
// shape, recording a security_alert on deny and a tool_exec entry for each
// permitted call it is handed (Dispatch hands it medium- and high-tier
// calls only).
func AuditRecorder(log func(typ types.AuditType, sev types.Severity, summary string, details map[string]any)) func(deny bool, toolName string, tier Tier, reason string) {
	return func(deny bool, toolName string, tier Tier, reason string) {
		if deny {
			log(types.AuditSecurityAlert, types.SeverityWarn, fmt.Sprintf("tool call denied: %s", toolName), map[string]any{
				"tool": toolName, "tier": string(tier), "reason": reason,
			})
			return
		}
		log(types.AuditToolExec, types.SeverityInfo, fmt.Sprintf("tool call permitted: %s", toolName), map[string]any{
			"tool": toolName, "tier": string(tier),
		})
	}
}
