package skill

import (
	"crypto/ed25519"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	content := []byte("skill: do the thing\nversion: 1.0.0\n")
	envText := Sign(content, priv, "release-bot", "key-1")

	result := Verify(envText, content, pub)
	assert.True(t, result.Valid)
	assert.Equal(t, "release-bot", result.Signer)
	assert.Equal(t, "key-1", result.KeyID)
}

func TestVerifyDetectsTamperedContent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	content := []byte("original content")
	envText := Sign(content, priv, "author", "key-1")

	result := Verify(envText, []byte("tampered content"), pub)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Error)
}

func TestVerifyDetectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	content := []byte("content")
	envText := Sign(content, priv, "author", "key-1")

	result := Verify(envText, content, otherPub)
	assert.False(t, result.Valid)
}

func TestParseRejectsMalformedEnvelope(t *testing.T) {
	_, ok := Parse("not an envelope at all")
	assert.False(t, ok)

	missingHeader := beginMarker + "\nAlgorithm: ed25519\nSigner: x\n\nQUJD\n" + endMarker
	_, ok = Parse(missingHeader)
	assert.False(t, ok)

	badBase64 := beginMarker + "\nAlgorithm: ed25519\nSigner: x\nKey-ID: k\nTimestamp: 1\n\n***not-base64***\n" + endMarker
	_, ok = Parse(badBase64)
	assert.False(t, ok)
}

func TestParseRejectsUnsupportedAlgorithm(t *testing.T) {
	text := strings.Join([]string{
		beginMarker,
		"Algorithm: rsa",
		"Signer: x",
		"Key-ID: k",
		"Timestamp: 1",
		"",
		"QUJD",
		endMarker,
	}, "\n")
	_, ok := Parse(text)
	assert.False(t, ok)
}

func TestRegistryInstallUninstall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills.db")
	reg, err := OpenRegistry(path)
	require.NoError(t, err)
	defer reg.Close()

	rec := Record{Name: "web-search", Version: "1.0.0", Signer: "release-bot", KeyID: "key-1", InstalledAt: time.Now()}
	require.NoError(t, reg.Install(rec))

	got, found, err := reg.Get("web-search")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1.0.0", got.Version)

	require.NoError(t, reg.Uninstall("web-search"))
	_, found, err = reg.Get("web-search")
	require.NoError(t, err)
	assert.False(t, found)
}
