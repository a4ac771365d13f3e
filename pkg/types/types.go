// Package types holds the shared domain types for the coordination core:
// tasks, agents, squads, envelopes, and audit entries.
package types

import "time"

// Priority is the scheduling priority of a Task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the tie-break weight used by the task queue's claim sort.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work enqueued for agents to claim.
type Task struct {
	ID                   string
	Type                 string
	Description          string
	Input                any
	Priority             Priority
	RequiredCapabilities []string
	Dependencies         []string
	Timeout              time.Duration
	MaxRetries           int
	Metadata             map[string]string

	Status      TaskStatus
	ClaimedBy   string
	ClaimedAt   time.Time
	Attempts    int
	Result      any
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// HasCapabilities reports whether agentCaps is a superset of the task's
// required capabilities.
func (t *Task) HasCapabilities(agentCaps []string) bool {
	if len(t.RequiredCapabilities) == 0 {
		return true
	}
	have := make(map[string]bool, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = true
	}
	for _, need := range t.RequiredCapabilities {
		if !have[need] {
			return false
		}
	}
	return true
}

// AgentState is the lifecycle state of an Agent.
type AgentState string

const (
	AgentInitializing AgentState = "initializing"
	AgentReady        AgentState = "ready"
	AgentWorking      AgentState = "working"
	AgentIdle         AgentState = "idle"
	AgentTerminating  AgentState = "terminating"
	AgentTerminated   AgentState = "terminated"
)

// Agent is a running (or terminated) member of a squad.
type Agent struct {
	ID             string
	Role           string
	SquadID        string
	State          AgentState
	Capabilities   []string
	CreatedAt      time.Time
	LastHeartbeat  time.Time
	MissedBeats    int
	TasksCompleted int
	TasksFailed    int
	TokensUsed     int64
	Restarts       int
	CurrentTaskID  string
}

// Strategy is the coordination strategy a Squad runs under.
type Strategy string

const (
	StrategyPipeline  Strategy = "pipeline"
	StrategyParallel  Strategy = "parallel"
	StrategyMapReduce Strategy = "map-reduce"
	StrategyConsensus Strategy = "consensus"
)

// Envelope is the unsigned TPC message body (spec.md §3, §6).
type Envelope struct {
	Version            int    `json:"version"`
	MessageID          string `json:"messageId"`
	Timestamp          int64  `json:"timestamp"`
	Nonce              string `json:"nonce"`
	SourceAgent        string `json:"sourceAgent"`
	TargetAgent        string `json:"targetAgent"`
	CompressionVersion *int   `json:"compressionVersion,omitempty"`
	Payload            string `json:"payload"`
}

// Scheme names the signature algorithm used on a SignedEnvelope.
type Scheme string

const (
	SchemeEd25519 Scheme = "ed25519"
	SchemeHMAC    Scheme = "hmac"
)

// SignedEnvelope bundles an Envelope with its detached signature.
type SignedEnvelope struct {
	Envelope  Envelope `json:"envelope"`
	Signature string   `json:"signature"`
	Scheme    Scheme   `json:"scheme"`
}

// Severity is the audit entry severity (spec.md §6).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditType is one of the closed set of audit event types (spec.md §6).
type AuditType string

const (
	AuditTPCEncode        AuditType = "tpc_encode"
	AuditTPCDecode        AuditType = "tpc_decode"
	AuditSignatureFailure AuditType = "signature_failure"
	AuditMessageExpired   AuditType = "message_expired"
	AuditNonceReplay      AuditType = "nonce_replay"
	AuditRateLimited      AuditType = "rate_limited"
	AuditDeadDropError    AuditType = "dead_drop_error"
	AuditTextFallback     AuditType = "text_fallback"
	AuditKeyRotation      AuditType = "key_rotation"
	AuditToolExec         AuditType = "tool_exec"
	AuditConfigChange     AuditType = "config_change"
	AuditSkillInstall     AuditType = "skill_install"
	AuditSkillUninstall   AuditType = "skill_uninstall"
	AuditCredentialAccess AuditType = "credential_access"
	AuditChannelSend      AuditType = "channel_send"
	AuditEgressBlocked    AuditType = "egress_blocked"
	AuditEgressAllowed    AuditType = "egress_allowed"
	AuditAuthEvent        AuditType = "auth_event"
	AuditSessionEvent     AuditType = "session_event"
	AuditSecurityAlert    AuditType = "security_alert"
	AuditGatewayEvent     AuditType = "gateway_event"
	AuditUpstreamSync     AuditType = "upstream_sync"
)

// Entry is one hash-chained audit log record (spec.md §3, §6).
type Entry struct {
	Seq      uint64         `json:"seq"`
	TS       string         `json:"ts"`
	Type     AuditType      `json:"type"`
	Severity Severity       `json:"severity"`
	Summary  string         `json:"summary"`
	Details  map[string]any `json:"details,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Session  string         `json:"session,omitempty"`
	Channel  string         `json:"channel,omitempty"`
	PrevHash string         `json:"prevHash"`
	Hash     string         `json:"hash"`
}
