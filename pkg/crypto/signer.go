// Package crypto implements the TPC envelope signer: canonicalization,
// Ed25519/HMAC signing and verification, and PEM key persistence
// (spec.md §4.4).
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/closedclaw/core/pkg/types"
)

// AuthError is raised when a signature fails verification (spec.md §7).
type AuthError struct{ Reason string }

func (e *AuthError) Error() string { return "crypto: " + e.Reason }

// Canonicalize produces the deterministic byte encoding of an envelope
// signed over by both schemes: version, messageId, timestamp, nonce,
// sourceAgent, targetAgent, compressionVersion?, payload (spec.md §4.4).
func Canonicalize(e types.Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(e.Version))
	buf.WriteByte('|')
	buf.WriteString(e.MessageID)
	buf.WriteByte('|')
	buf.WriteString(strconv.FormatInt(e.Timestamp, 10))
	buf.WriteByte('|')
	buf.WriteString(e.Nonce)
	buf.WriteByte('|')
	buf.WriteString(e.SourceAgent)
	buf.WriteByte('|')
	buf.WriteString(e.TargetAgent)
	buf.WriteByte('|')
	if e.CompressionVersion != nil {
		buf.WriteString(strconv.Itoa(*e.CompressionVersion))
	}
	buf.WriteByte('|')
	buf.WriteString(e.Payload)
	return buf.Bytes()
}

// NewEnvelope builds a fresh envelope with a random UUIDv4 message id and a
// 128-bit random hex nonce, stamped with the current time.
func NewEnvelope(source, target, payload string) types.Envelope {
	var nonce [16]byte
	_, _ = rand.Read(nonce[:])
	return types.Envelope{
		Version:     1,
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now().Unix(),
		Nonce:       hex.EncodeToString(nonce[:]),
		SourceAgent: source,
		TargetAgent: target,
		Payload:     payload,
	}
}

// Signer signs and verifies envelopes under Ed25519 or HMAC-SHA256.
type Signer struct {
	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey
	hmacSecret  []byte
}

// NewEd25519Signer creates a signer backed by an Ed25519 key pair.
func NewEd25519Signer(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Signer {
	return &Signer{ed25519Priv: priv, ed25519Pub: pub}
}

// NewHMACSigner creates a signer backed by a shared HMAC-SHA256 secret.
func NewHMACSigner(secret []byte) *Signer {
	return &Signer{hmacSecret: secret}
}

// Sign produces a SignedEnvelope using scheme.
func (s *Signer) Sign(e types.Envelope, scheme types.Scheme) (types.SignedEnvelope, error) {
	canon := Canonicalize(e)
	switch scheme {
	case types.SchemeEd25519:
		if s.ed25519Priv == nil {
			return types.SignedEnvelope{}, fmt.Errorf("crypto: no ed25519 private key configured")
		}
		sig := ed25519.Sign(s.ed25519Priv, canon)
		return types.SignedEnvelope{Envelope: e, Signature: hex.EncodeToString(sig), Scheme: scheme}, nil
	case types.SchemeHMAC:
		if s.hmacSecret == nil {
			return types.SignedEnvelope{}, fmt.Errorf("crypto: no hmac secret configured")
		}
		mac := hmac.New(sha256.New, s.hmacSecret)
		mac.Write(canon)
		return types.SignedEnvelope{Envelope: e, Signature: hex.EncodeToString(mac.Sum(nil)), Scheme: scheme}, nil
	default:
		return types.SignedEnvelope{}, fmt.Errorf("crypto: unknown scheme %q", scheme)
	}
}

// VerifyWithKey verifies se against an explicit Ed25519 public key,
// dispatching by se.Scheme, and returns a bool rather than raising for
// invalid signatures (spec.md §4.4 "verify() dispatches by scheme").
func (s *Signer) VerifyWithKey(se types.SignedEnvelope, ed25519Pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(se.Signature)
	if err != nil {
		return false
	}
	canon := Canonicalize(se.Envelope)

	switch se.Scheme {
	case types.SchemeEd25519:
		key := ed25519Pub
		if key == nil {
			key = s.ed25519Pub
		}
		if key == nil {
			return false
		}
		return ed25519.Verify(key, canon, sig)
	case types.SchemeHMAC:
		if s.hmacSecret == nil {
			return false
		}
		mac := hmac.New(sha256.New, s.hmacSecret)
		mac.Write(canon)
		expected := mac.Sum(nil)
		return hmac.Equal(expected, sig)
	default:
		return false
	}
}

// Verify verifies se using the signer's own configured keys.
func (s *Signer) Verify(se types.SignedEnvelope) bool {
	return s.VerifyWithKey(se, s.ed25519Pub)
}

// IsFresh reports whether the envelope's timestamp is within maxAge of now.
func IsFresh(e types.Envelope, maxAge time.Duration, now time.Time) bool {
	delta := now.Unix() - e.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return int64(maxAge.Seconds()) >= 0 && delta <= int64(maxAge.Seconds())
}

// --- PEM key persistence (0700 dir / 0600 private / 0644 public), grounded
// in the teacher's certificate-directory idiom generalized to Ed25519. ---

const (
	pemTypePrivate = "ED25519 PRIVATE KEY"
	pemTypePublic  = "ED25519 PUBLIC KEY"
)

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair writes priv and pub as PEM files under dir, creating dir
// with 0700 and the private key file with 0600, the public key with 0644.
func SaveKeyPair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("crypto: create key dir: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: priv})
	if err := os.WriteFile(filepath.Join(dir, "ed25519.key"), privPEM, 0600); err != nil {
		return fmt.Errorf("crypto: write private key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: pub})
	if err := os.WriteFile(filepath.Join(dir, "ed25519.pub"), pubPEM, 0644); err != nil {
		return fmt.Errorf("crypto: write public key: %w", err)
	}
	return nil
}

// LoadKeyPair reads an Ed25519 key pair previously written by SaveKeyPair.
func LoadKeyPair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privBytes, err := os.ReadFile(filepath.Join(dir, "ed25519.key"))
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: read private key: %w", err)
	}
	block, _ := pem.Decode(privBytes)
	if block == nil || block.Type != pemTypePrivate {
		return nil, nil, fmt.Errorf("crypto: malformed private key PEM")
	}
	priv := ed25519.PrivateKey(block.Bytes)

	pubBytes, err := os.ReadFile(filepath.Join(dir, "ed25519.pub"))
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubBytes)
	if pubBlock == nil || pubBlock.Type != pemTypePublic {
		return nil, nil, fmt.Errorf("crypto: malformed public key PEM")
	}
	pub := ed25519.PublicKey(pubBlock.Bytes)

	return pub, priv, nil
}

// KeyExists reports whether a key pair is already persisted under dir.
func KeyExists(dir string) bool {
	_, err1 := os.Stat(filepath.Join(dir, "ed25519.key"))
	_, err2 := os.Stat(filepath.Join(dir, "ed25519.pub"))
	return err1 == nil && err2 == nil
}

// LoadOrCreate loads an existing key pair from dir, or generates and
// persists a new one if none exists (spec.md §4.4 "loadOrCreate").
func LoadOrCreate(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if KeyExists(dir) {
		return LoadKeyPair(dir)
	}
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	if err := SaveKeyPair(dir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// randomNonce128 returns a bare 128-bit hex nonce without building an
// envelope: 8 bytes of the current UnixNano time followed by 8 random
// bytes. It is unexported and nothing in this module calls it.
func randomNonce128() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
	_, _ = rand.Read(b[8:])
	return hex.EncodeToString(b[:])
}
