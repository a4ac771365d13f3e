package tpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/closedclaw/core/pkg/crypto"
	"github.com/closedclaw/core/pkg/nonce"
	"github.com/closedclaw/core/pkg/types"
)

func newTestRuntime(t *testing.T) *Runtime {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer := crypto.NewEd25519Signer(priv, pub)

	ns, err := nonce.Open(t.TempDir()+"/nonces.json", time.Hour, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ns.Flush() })

	return New(Config{
		Signer:        signer,
		Scheme:        types.SchemeEd25519,
		Nonces:        ns,
		MaxMessageAge: time.Minute,
	})
}

func TestRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)

	enc, err := rt.Encode("master", "research", `CT/1 REQ web_search q="test"`, ModeAudible)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(enc.WAV[0:4]))
	assert.Equal(t, "WAVE", string(enc.WAV[8:12]))
	assert.Greater(t, len(enc.WAV), 44)

	dec, err := rt.Decode(enc.WAV, ModeAudible, time.Now())
	require.NoError(t, err)
	assert.Equal(t, `CT/1 REQ web_search q="test"`, dec.Payload)
	assert.True(t, dec.SignatureValid)
	assert.True(t, dec.Fresh)
	assert.True(t, dec.NonceUnique)
}

func TestReplayDetected(t *testing.T) {
	rt := newTestRuntime(t)

	enc, err := rt.Encode("master", "research", "ping", ModeAudible)
	require.NoError(t, err)

	first, err := rt.Decode(enc.WAV, ModeAudible, time.Now())
	require.NoError(t, err)
	assert.True(t, first.NonceUnique)

	var gotReplay bool
	rt.cfg.Audit = func(typ types.AuditType, sev types.Severity, summary string, details map[string]any) {
		if typ == types.AuditNonceReplay {
			gotReplay = true
		}
	}

	second, err := rt.Decode(enc.WAV, ModeAudible, time.Now())
	require.NoError(t, err)
	assert.False(t, second.NonceUnique)
	assert.True(t, gotReplay)
}

func TestStaleMessageMarkedNotFresh(t *testing.T) {
	rt := newTestRuntime(t)

	enc, err := rt.Encode("master", "research", "ping", ModeAudible)
	require.NoError(t, err)

	dec, err := rt.Decode(enc.WAV, ModeAudible, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, dec.Fresh)
}

func TestTamperedSignatureFailsVerification(t *testing.T) {
	rt := newTestRuntime(t)

	otherPub, otherPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	other := New(Config{
		Signer:        crypto.NewEd25519Signer(otherPriv, otherPub),
		Scheme:        types.SchemeEd25519,
		Nonces:        rt.cfg.Nonces,
		MaxMessageAge: time.Minute,
	})

	enc, err := other.Encode("master", "research", "ping", ModeAudible)
	require.NoError(t, err)

	dec, err := rt.Decode(enc.WAV, ModeAudible, time.Now())
	require.NoError(t, err)
	assert.False(t, dec.SignatureValid)
}

func TestShouldFallbackToText(t *testing.T) {
	assert.False(t, ShouldFallbackToText(true, true, true))
	assert.True(t, ShouldFallbackToText(false, true, true))
	assert.True(t, ShouldFallbackToText(true, false, true))
	assert.False(t, ShouldFallbackToText(true, false, false))
}

func TestRuntimeShouldFallbackToTextRecordsAudit(t *testing.T) {
	var events []types.AuditType
	rt := New(Config{
		Audit: func(typ types.AuditType, sev types.Severity, summary string, details map[string]any) {
			events = append(events, typ)
		},
	})

	assert.False(t, rt.ShouldFallbackToText(true, true, true))
	assert.True(t, rt.ShouldFallbackToText(false, true, true))

	assert.Equal(t, []types.AuditType{types.AuditTextFallback}, events)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, 10*time.Millisecond)
	assert.True(t, b.Allow())

	b.RecordResult(false)
	b.RecordResult(false)
	b.RecordResult(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordResult(true)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestRateLimiterBoundsPerAgent(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Now()
	assert.True(t, rl.Allow("agent-a", now))
	assert.True(t, rl.Allow("agent-a", now))
	assert.False(t, rl.Allow("agent-a", now))
	assert.True(t, rl.Allow("agent-b", now))
}

func TestRateLimiterRecordsAuditOnExceeded(t *testing.T) {
	var events []types.AuditType
	rl := NewRateLimiter(1, time.Minute)
	rl.SetAudit(func(typ types.AuditType, sev types.Severity, summary string, details map[string]any) {
		events = append(events, typ)
	})

	now := time.Now()
	assert.True(t, rl.Allow("agent-a", now))
	assert.False(t, rl.Allow("agent-a", now))
	assert.Equal(t, []types.AuditType{types.AuditRateLimited}, events)
}

func TestKeyRotationGraceWindow(t *testing.T) {
	oldPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	newPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	krm := NewKeyRotationManager()
	krm.Rotate("old", oldPub, "", 0)
	now := time.Now()
	krm.Rotate("new", newPub, "old", 50*time.Millisecond)

	_, ok := krm.Accepted("old", now)
	assert.True(t, ok)
	_, ok = krm.Accepted("new", now)
	assert.True(t, ok)

	krm.Prune(now.Add(100 * time.Millisecond))
	_, ok = krm.Accepted("old", now.Add(100*time.Millisecond))
	assert.False(t, ok)
}

func TestKeyRotationRecordsAudit(t *testing.T) {
	newPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	var events []types.AuditType
	krm := NewKeyRotationManager()
	krm.SetAudit(func(typ types.AuditType, sev types.Severity, summary string, details map[string]any) {
		events = append(events, typ)
	})

	krm.Rotate("new", newPub, "", 0)
	assert.Equal(t, []types.AuditType{types.AuditKeyRotation}, events)
}

func TestRoundTripMultiBlockPayload(t *testing.T) {
	rt := newTestRuntime(t)
	payload := make([]byte, 0, 500)
	for i := 0; i < 500; i++ {
		payload = append(payload, byte('a'+i%26))
	}

	enc, err := rt.Encode("master", "research", string(payload), ModeAudible)
	require.NoError(t, err)
	dec, err := rt.Decode(enc.WAV, ModeAudible, time.Now())
	require.NoError(t, err)
	assert.Equal(t, string(payload), dec.Payload)
}
