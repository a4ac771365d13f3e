// Package tpc implements the end-to-end Tonal Pulse Communication
// pipeline: envelope build, sign, RS-encode, AFSK-modulate, WAV-wrap, and
// dead-drop write on the encode side, with the mirror-image decode
// pipeline, plus the circuit breaker, rate limiter, and key rotation
// manager auxiliaries (spec.md §4.7).
package tpc

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/closedclaw/core/pkg/afsk"
	"github.com/closedclaw/core/pkg/crypto"
	"github.com/closedclaw/core/pkg/deaddrop"
	"github.com/closedclaw/core/pkg/log"
	"github.com/closedclaw/core/pkg/metrics"
	"github.com/closedclaw/core/pkg/nonce"
	"github.com/closedclaw/core/pkg/rs"
	"github.com/closedclaw/core/pkg/types"
	"github.com/closedclaw/core/pkg/wav"
)

// Mode selects the AFSK parameter set and delivery path
// (spec.md §4.7 "Mode selection").
type Mode string

const (
	ModeFile       Mode = "file"
	ModeAudible    Mode = "audible"
	ModeUltrasonic Mode = "ultrasonic"
)

// ECCSymbols is the default Reed-Solomon parity symbol count per block.
const ECCSymbols = 32

func paramsFor(mode Mode) afsk.Params {
	if mode == ModeUltrasonic {
		return afsk.Ultrasonic
	}
	return afsk.Audible
}

// AuditFunc records a TPC pipeline event (spec.md §4.7 "Each stage
// appends an audit event").
type AuditFunc func(typ types.AuditType, sev types.Severity, summary string, details map[string]any)

// Config wires the runtime's dependencies (spec.md §3 "The TPC runtime
// owns the signer, the nonce store, and the dead-drop manager").
type Config struct {
	Signer        *crypto.Signer
	Scheme        types.Scheme
	Nonces        *nonce.Store
	DeadDrop      *deaddrop.Manager
	MaxMessageAge time.Duration
	Audit         AuditFunc
}

// Runtime is the TPC encode/decode pipeline.
type Runtime struct {
	cfg Config
}

// New creates a Runtime.
func New(cfg Config) *Runtime {
	return &Runtime{cfg: cfg}
}

func (r *Runtime) audit(typ types.AuditType, sev types.Severity, summary string, details map[string]any) {
	if r.cfg.Audit != nil {
		r.cfg.Audit(typ, sev, summary, details)
	}
}

// EncodeResult is the product of Encode: the WAV bytes plus the envelope
// actually sent, for callers that need the message id.
type EncodeResult struct {
	WAV      []byte
	Envelope types.SignedEnvelope
}

// Encode runs the full encode pipeline: build envelope -> sign ->
// JSON-encode -> RS-encode -> AFSK-modulate -> WAV-wrap, optionally
// writing to the dead-drop when mode is ModeFile (spec.md §4.7
// "Pipeline (encode)").
func (r *Runtime) Encode(source, target, payload string, mode Mode) (EncodeResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TPCEncodeDuration)

	env := crypto.NewEnvelope(source, target, payload)
	signed, err := r.cfg.Signer.Sign(env, r.cfg.Scheme)
	if err != nil {
		r.audit(types.AuditSecurityAlert, types.SeverityError, "tpc encode: sign failed", map[string]any{"error": err.Error()})
		return EncodeResult{}, fmt.Errorf("tpc: sign: %w", err)
	}

	jsonBytes, err := json.Marshal(signed)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("tpc: marshal envelope: %w", err)
	}

	encoded, err := rs.Encode(jsonBytes, ECCSymbols)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("tpc: rs encode: %w", err)
	}

	params := paramsFor(mode)
	samples, err := afsk.Modulate(encoded, params)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("tpc: afsk modulate: %w", err)
	}

	wavBytes := wav.Encode(samples, wav.Params{SampleRate: params.SampleRate, Channels: params.Channels})

	if mode == ModeFile && r.cfg.DeadDrop != nil {
		if err := r.cfg.DeadDrop.Write(source, target, env.MessageID, wavBytes); err != nil {
			r.audit(types.AuditDeadDropError, types.SeverityError, "tpc encode: dead-drop write failed", map[string]any{"error": err.Error()})
			return EncodeResult{}, fmt.Errorf("tpc: dead-drop write: %w", err)
		}
	}

	r.audit(types.AuditTPCEncode, types.SeverityInfo, "tpc message encoded", map[string]any{
		"messageId": env.MessageID, "source": source, "target": target, "mode": string(mode),
	})

	return EncodeResult{WAV: wavBytes, Envelope: signed}, nil
}

// DecodeResult carries the three verification booleans (signature valid,
// fresh, nonce unique) plus the payload (spec.md §4.7).
type DecodeResult struct {
	Payload        string
	SignatureValid bool
	Fresh          bool
	NonceUnique    bool
	Envelope       types.SignedEnvelope
}

// Decode runs the full decode pipeline: WAV -> demodulate -> RS-decode ->
// JSON-parse -> verify signature -> check freshness -> check nonce
// uniqueness (spec.md §4.7 "Pipeline (decode)").
func (r *Runtime) Decode(wavBytes []byte, mode Mode, now time.Time) (DecodeResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TPCDecodeDuration)

	params := paramsFor(mode)
	samples, err := wav.Decode(wavBytes, wav.Params{SampleRate: params.SampleRate, Channels: params.Channels})
	if err != nil {
		return DecodeResult{}, fmt.Errorf("tpc: wav decode: %w", err)
	}

	encoded, err := afsk.Demodulate(samples, params)
	if err != nil {
		return DecodeResult{}, fmt.Errorf("tpc: afsk demodulate: %w", err)
	}

	jsonBytes, err := rs.Decode(encoded, ECCSymbols)
	if err != nil {
		return DecodeResult{}, fmt.Errorf("tpc: rs decode: %w", err)
	}

	var signed types.SignedEnvelope
	if err := json.Unmarshal(jsonBytes, &signed); err != nil {
		return DecodeResult{}, fmt.Errorf("tpc: invalid envelope JSON: %w", err)
	}

	res := DecodeResult{Payload: signed.Envelope.Payload, Envelope: signed}

	res.SignatureValid = r.cfg.Signer.Verify(signed)
	if !res.SignatureValid {
		r.audit(types.AuditSignatureFailure, types.SeverityCritical, "tpc decode: signature invalid", map[string]any{"messageId": signed.Envelope.MessageID})
	}

	res.Fresh = crypto.IsFresh(signed.Envelope, r.cfg.MaxMessageAge, now)
	if !res.Fresh {
		r.audit(types.AuditMessageExpired, types.SeverityWarn, "tpc decode: message expired", map[string]any{"messageId": signed.Envelope.MessageID})
	}

	if r.cfg.Nonces != nil {
		res.NonceUnique = r.cfg.Nonces.CheckAndRecord(signed.Envelope.Nonce, now)
		if !res.NonceUnique {
			metrics.NonceReplaysTotal.Inc()
			r.audit(types.AuditNonceReplay, types.SeverityCritical, "tpc decode: nonce replayed", map[string]any{"messageId": signed.Envelope.MessageID})
		}
	} else {
		res.NonceUnique = true
	}

	r.audit(types.AuditTPCDecode, types.SeverityInfo, "tpc message decoded", map[string]any{
		"messageId": signed.Envelope.MessageID, "signatureValid": res.SignatureValid, "fresh": res.Fresh, "nonceUnique": res.NonceUnique,
	})

	return res, nil
}

// ShouldFallbackToText enforces TPC for agent-to-agent traffic when
// enforceForAgentToAgent is set, regardless of an inline override
// (spec.md §4.7 "should_fallback_to_text").
func ShouldFallbackToText(isAgentToAgent, enforceForAgentToAgent, inlineOverride bool) bool {
	if isAgentToAgent && enforceForAgentToAgent {
		return false
	}
	if !isAgentToAgent {
		return true
	}
	return inlineOverride
}

// ShouldFallbackToText is the runtime-wired equivalent of the package-level
// function: it records a text_fallback audit event whenever a message is
// routed to plain text instead of TPC (spec.md §4.7 audit event list).
func (r *Runtime) ShouldFallbackToText(isAgentToAgent, enforceForAgentToAgent, inlineOverride bool) bool {
	fallback := ShouldFallbackToText(isAgentToAgent, enforceForAgentToAgent, inlineOverride)
	if fallback {
		r.audit(types.AuditTextFallback, types.SeverityInfo, "tpc: falling back to text", map[string]any{
			"isAgentToAgent": isAgentToAgent, "enforceForAgentToAgent": enforceForAgentToAgent,
		})
	}
	return fallback
}

// ---------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------

// BreakerState is the circuit breaker's state (spec.md §4.7 "closed ->
// open -> half-open").
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker trips to open after repeated verify failures, and
// transitions to half-open after a cooldown to probe recovery.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and stays open for cooldown before probing.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{state: BreakerClosed, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call should proceed given the breaker's state.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordResult updates the breaker's state given whether the call
// succeeded.
func (b *CircuitBreaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		b.state = BreakerClosed
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ---------------------------------------------------------------------
// Rate limiter (per-agent, max calls per window)
// ---------------------------------------------------------------------

// RateLimiter bounds the number of TPC sends per agent within a rolling
// window (spec.md §4.7 "a rate limiter (RateLimiter with max-per-window
// per agent)").
type RateLimiter struct {
	mu        sync.Mutex
	maxPerWin int
	window    time.Duration
	seen      map[string][]time.Time
	audit     AuditFunc
}

// NewRateLimiter creates a limiter allowing maxPerWindow calls per agent
// within window.
func NewRateLimiter(maxPerWindow int, window time.Duration) *RateLimiter {
	return &RateLimiter{maxPerWin: maxPerWindow, window: window, seen: make(map[string][]time.Time)}
}

// SetAudit wires an audit sink so exhausted budgets produce a
// rate_limited event (spec.md §4.7 audit event list).
func (r *RateLimiter) SetAudit(fn AuditFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = fn
}

// Allow records a call attempt for agentID at now and reports whether it
// is within budget.
func (r *RateLimiter) Allow(agentID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	times := r.seen[agentID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.maxPerWin {
		r.seen[agentID] = kept
		if r.audit != nil {
			r.audit(types.AuditRateLimited, types.SeverityWarn, "tpc: rate limit exceeded", map[string]any{"agentId": agentID, "maxPerWindow": r.maxPerWin})
		}
		return false
	}
	kept = append(kept, now)
	r.seen[agentID] = kept
	return true
}

// ---------------------------------------------------------------------
// Key rotation manager
// ---------------------------------------------------------------------

// acceptedKey is one public key accepted within its grace window.
type acceptedKey struct {
	pub       ed25519.PublicKey
	expiresAt time.Time
}

// KeyRotationManager holds multiple accepted public keys within a grace
// window, so in-flight messages signed by a retiring key still verify
// (spec.md §4.7 "a key rotation manager that holds multiple accepted
// public keys within a grace window").
type KeyRotationManager struct {
	mu    sync.Mutex
	keys  map[string]acceptedKey // keyID -> key
	audit AuditFunc
}

// NewKeyRotationManager creates an empty manager.
func NewKeyRotationManager() *KeyRotationManager {
	return &KeyRotationManager{keys: make(map[string]acceptedKey)}
}

// SetAudit wires an audit sink so every rotation produces a
// key_rotation event (spec.md §4.7 audit event list).
func (k *KeyRotationManager) SetAudit(fn AuditFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.audit = fn
}

// Rotate adds newPub as the active key and keeps oldKeyID (if present)
// valid for graceWindow longer.
func (k *KeyRotationManager) Rotate(newKeyID string, newPub ed25519.PublicKey, oldKeyID string, graceWindow time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[newKeyID] = acceptedKey{pub: newPub, expiresAt: time.Time{}} // zero = never expires while active
	if oldKeyID != "" {
		if old, ok := k.keys[oldKeyID]; ok {
			old.expiresAt = time.Now().Add(graceWindow)
			k.keys[oldKeyID] = old
		}
	}
	log.WithComponent("tpc").Info().Str("new_key_id", newKeyID).Str("old_key_id", oldKeyID).Msg("key rotated")
	if k.audit != nil {
		k.audit(types.AuditKeyRotation, types.SeverityInfo, "tpc: key rotated", map[string]any{"newKeyId": newKeyID, "oldKeyId": oldKeyID})
	}
}

// Accepted reports whether keyID is still valid for verification.
func (k *KeyRotationManager) Accepted(keyID string, now time.Time) (ed25519.PublicKey, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ak, ok := k.keys[keyID]
	if !ok {
		return nil, false
	}
	if !ak.expiresAt.IsZero() && now.After(ak.expiresAt) {
		return nil, false
	}
	return ak.pub, true
}

// Prune removes keys whose grace window has elapsed.
func (k *KeyRotationManager) Prune(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, ak := range k.keys {
		if !ak.expiresAt.IsZero() && now.After(ak.expiresAt) {
			delete(k.keys, id)
		}
	}
}
