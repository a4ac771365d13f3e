package egress

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWildcardMatch(t *testing.T) {
	assert.True(t, Matches("*.example.com", "example.com"))
	assert.True(t, Matches("*.example.com", "api.example.com"))
	assert.False(t, Matches("*.example.com", "notexample.com"))
	assert.True(t, Matches("api.anthropic.com", "api.anthropic.com"))
}

func TestAllowlistDeniesUnlisted(t *testing.T) {
	fw := New(Policy{Mode: ModeAllowlist, Allowed: []string{"*.anthropic.com"}}, 16)

	err := fw.Enforce("https://evil.com/path")
	require.Error(t, err)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Contains(t, blocked.Reason, "not in allowlist")

	err = fw.Enforce("https://api.anthropic.com/v1")
	require.NoError(t, err)
}

func TestBlockedDominatesAllowed(t *testing.T) {
	fw := New(Policy{
		Mode:    ModeAllowlist,
		Allowed: []string{"*.example.com"},
		Blocked: []string{"bad.example.com"},
	}, 16)

	err := fw.Enforce("https://bad.example.com")
	require.Error(t, err)
}

func TestDenylistAllowsByDefault(t *testing.T) {
	fw := New(Policy{Mode: ModeDenylist, Blocked: []string{"evil.com"}}, 16)
	require.NoError(t, fw.Enforce("https://anything.com"))
	require.Error(t, fw.Enforce("https://evil.com"))
}

func TestBlockPrivateIPsRejectsLoopbackAndRFC1918(t *testing.T) {
	fw := New(Policy{Mode: ModeUnrestricted, BlockPrivateIPs: true}, 16)

	require.Error(t, fw.Enforce("http://127.0.0.1:8080/admin"))
	require.Error(t, fw.Enforce("http://192.168.1.1/"))
	require.Error(t, fw.Enforce("http://localhost/"))
	require.NoError(t, fw.Enforce("https://example.com/"))
}

func TestBlockPrivateIPsOffAllowsLoopback(t *testing.T) {
	fw := New(Policy{Mode: ModeUnrestricted, BlockPrivateIPs: false}, 16)
	require.NoError(t, fw.Enforce("http://127.0.0.1/"))
}

func TestRingLogBounded(t *testing.T) {
	fw := New(Policy{Mode: ModeDenylist, Blocked: []string{"evil.com"}, LogAll: true}, 2)
	_ = fw.Enforce("https://a.com")
	_ = fw.Enforce("https://b.com")
	_ = fw.Enforce("https://c.com")

	log := fw.RecentLog(10)
	require.Len(t, log, 2)
	assert.Equal(t, "c.com", log[0].Domain)
	assert.Equal(t, "b.com", log[1].Domain)
}
