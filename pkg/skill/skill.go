// Package skill implements detached Ed25519 signing/verification of skill
// content in a PEM-like framing, plus a persisted install registry
// (spec.md §4.10, §6).
package skill

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	beginMarker = "-----BEGIN CLOSEDCLAW SKILL SIGNATURE-----"
	endMarker   = "-----END CLOSEDCLAW SKILL SIGNATURE-----"
	algEd25519  = "ed25519"
)

// Envelope is a parsed detached signature envelope (spec.md §6).
type Envelope struct {
	Algorithm string
	Signer    string
	KeyID     string
	Timestamp int64
	Signature []byte
}

// Sign computes an Ed25519 signature over content and frames it in the
// PEM-like envelope (spec.md §4.10 "Sign computes Ed25519 over raw skill
// bytes").
func Sign(content []byte, priv ed25519.PrivateKey, signer, keyID string) string {
	sig := ed25519.Sign(priv, content)
	ts := time.Now().Unix()

	var b strings.Builder
	b.WriteString(beginMarker)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Algorithm: %s\n", algEd25519)
	fmt.Fprintf(&b, "Signer: %s\n", signer)
	fmt.Fprintf(&b, "Key-ID: %s\n", keyID)
	fmt.Fprintf(&b, "Timestamp: %d\n", ts)
	b.WriteByte('\n')
	b.WriteString(base64.StdEncoding.EncodeToString(sig))
	b.WriteByte('\n')
	b.WriteString(endMarker)
	b.WriteByte('\n')
	return b.String()
}

// Parse parses a PEM-like envelope. It requires the BEGIN/END markers, all
// four required headers, and a supported algorithm; malformed input
// returns (nil, false) rather than an error (spec.md §4.10 "Parsing...
// malformed input returns a null result rather than throwing").
func Parse(text string) (*Envelope, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	start, end := -1, -1
	for i, l := range lines {
		if strings.TrimSpace(l) == beginMarker {
			start = i
		}
		if strings.TrimSpace(l) == endMarker {
			end = i
		}
	}
	if start == -1 || end == -1 || end <= start {
		return nil, false
	}

	headers := map[string]string{}
	bodyStart := -1
	for i := start + 1; i < end; i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			bodyStart = i + 1
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, false
		}
		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if bodyStart == -1 {
		return nil, false
	}

	for _, req := range []string{"Algorithm", "Signer", "Key-ID", "Timestamp"} {
		if _, ok := headers[req]; !ok {
			return nil, false
		}
	}

	alg := strings.ToLower(headers["Algorithm"])
	if alg != algEd25519 {
		return nil, false
	}

	ts, err := strconv.ParseInt(headers["Timestamp"], 10, 64)
	if err != nil {
		return nil, false
	}

	var bodyLines []string
	for i := bodyStart; i < end; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			bodyLines = append(bodyLines, trimmed)
		}
	}
	sig, err := base64.StdEncoding.DecodeString(strings.Join(bodyLines, ""))
	if err != nil {
		return nil, false
	}

	return &Envelope{
		Algorithm: alg,
		Signer:    headers["Signer"],
		KeyID:     headers["Key-ID"],
		Timestamp: ts,
		Signature: sig,
	}, true
}

// VerifyResult classifies the outcome of Verify (spec.md §4.10
// "{valid, signer?, keyId?, error?}").
type VerifyResult struct {
	Valid  bool
	Signer string
	KeyID  string
	Error  string
}

// Verify checks a detached signature envelope in text against content
// using pub. Every failure yields Valid=false with one of two errors: a
// parse failure (invalid PEM framing, missing headers, unsupported
// algorithm, or malformed base-64), or a signature mismatch (tampered
// content or wrong key, which are not told apart) (spec.md §4.10).
func Verify(text string, content []byte, pub ed25519.PublicKey) VerifyResult {
	env, ok := Parse(text)
	if !ok {
		return VerifyResult{Valid: false, Error: "invalid PEM framing or missing headers"}
	}

	if !ed25519.Verify(pub, content, env.Signature) {
		return VerifyResult{
			Valid:  false,
			Signer: env.Signer,
			KeyID:  env.KeyID,
			Error:  "signature does not match content or key (tampered content or wrong key)",
		}
	}

	return VerifyResult{Valid: true, Signer: env.Signer, KeyID: env.KeyID}
}
