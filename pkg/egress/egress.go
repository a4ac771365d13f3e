// Package egress implements the domain allow/deny firewall that gates
// outbound URL access (spec.md §4.9).
package egress

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Mode is the firewall's evaluation mode.
type Mode string

const (
	ModeAllowlist   Mode = "allowlist"
	ModeDenylist    Mode = "denylist"
	ModeUnrestricted Mode = "unrestricted"
)

// Policy configures the egress firewall (spec.md §3 "Egress policy").
type Policy struct {
	Mode            Mode
	Allowed         []string
	Blocked         []string
	BlockPrivateIPs bool
	LogAll          bool
}

// BlockedError is raised when enforce denies a URL (spec.md §7 PolicyError).
type BlockedError struct {
	Domain string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("egress: blocked %s: %s", e.Domain, e.Reason)
}

// Decision records one evaluation, newest first in the Firewall's ring log.
type Decision struct {
	Domain      string
	Allowed     bool
	Reason      string
	MatchedRule string
	Time        time.Time
}

// Firewall evaluates URLs against a Policy and keeps a bounded ring log of
// decisions.
type Firewall struct {
	mu     sync.Mutex
	policy Policy
	log    []Decision
	cap    int
}

// New creates a Firewall with policy and a ring log capacity of logCap
// decisions.
func New(policy Policy, logCap int) *Firewall {
	if logCap <= 0 {
		logCap = 256
	}
	return &Firewall{policy: policy, cap: logCap}
}

// Normalize lowercases a domain and strips a trailing dot
// (spec.md §4.9 "Normalization").
func Normalize(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimSuffix(d, ".")
}

// Matches reports whether pattern matches domain: exact literal equality,
// or a "*.suffix" wildcard that also matches the bare suffix itself
// (spec.md §4.9, §8 "Egress allowlist").
func Matches(pattern, domain string) bool {
	pattern = Normalize(pattern)
	domain = Normalize(domain)

	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		return domain == suffix || strings.HasSuffix(domain, "."+suffix)
	}
	return pattern == domain
}

// isPrivateOrLoopback reports whether domain is a literal IP address (or
// "localhost") in a private, loopback, or link-local range (spec.md §3
// "block-private-IPs flag"). It deliberately does not resolve hostnames via
// DNS: Evaluate must stay a pure, non-blocking policy decision.
func isPrivateOrLoopback(domain string) bool {
	if domain == "localhost" {
		return true
	}
	ip := net.ParseIP(domain)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

func matchAny(patterns []string, domain string) (bool, string) {
	for _, p := range patterns {
		if Matches(p, domain) {
			return true, p
		}
	}
	return false, ""
}

// Evaluate applies the policy to domain without logging
// (spec.md §4.9 "Evaluation order").
func (f *Firewall) Evaluate(domain string) (allowed bool, reason string, matchedRule string) {
	domain = Normalize(domain)

	if f.policy.BlockPrivateIPs && isPrivateOrLoopback(domain) {
		return false, fmt.Sprintf("%s is a private/loopback address", domain), ""
	}

	blocked, blockedRule := matchAny(f.policy.Blocked, domain)

	switch f.policy.Mode {
	case ModeAllowlist:
		if blocked {
			return false, fmt.Sprintf("%s is in the blocklist (%s)", domain, blockedRule), blockedRule
		}
		if ok, rule := matchAny(f.policy.Allowed, domain); ok {
			return true, "matched allowlist", rule
		}
		return false, fmt.Sprintf("%s is not in allowlist", domain), ""
	case ModeDenylist:
		if blocked {
			return false, fmt.Sprintf("%s is in the blocklist (%s)", domain, blockedRule), blockedRule
		}
		return true, "not in denylist", ""
	case ModeUnrestricted:
		if blocked {
			return false, fmt.Sprintf("%s is in the blocklist (%s)", domain, blockedRule), blockedRule
		}
		return true, "unrestricted", ""
	default:
		return false, fmt.Sprintf("unknown egress mode %q", f.policy.Mode), ""
	}
}

// hostOf extracts the hostname from rawURL, accepting bare domains too.
func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("egress: parse url: %w", err)
	}
	if u.Host != "" {
		return u.Hostname(), nil
	}
	// bare domain with no scheme
	return strings.SplitN(rawURL, "/", 2)[0], nil
}

// Enforce extracts the hostname from rawURL, evaluates policy, records the
// decision in the ring log when it is a deny (or always, when
// Policy.LogAll is set), and returns a *BlockedError on deny
// (spec.md §4.9 "enforce").
func (f *Firewall) Enforce(rawURL string) error {
	domain, err := hostOf(rawURL)
	if err != nil {
		return err
	}

	allowed, reason, matched := f.Evaluate(domain)

	f.mu.Lock()
	if !allowed || f.policy.LogAll {
		f.log = append([]Decision{{
			Domain:      domain,
			Allowed:     allowed,
			Reason:      reason,
			MatchedRule: matched,
			Time:        time.Now(),
		}}, f.log...)
		if len(f.log) > f.cap {
			f.log = f.log[:f.cap]
		}
	}
	f.mu.Unlock()

	if !allowed {
		return &BlockedError{Domain: domain, Reason: reason}
	}
	return nil
}

// RecentLog returns up to n of the most recent decisions, newest first.
func (f *Firewall) RecentLog(n int) []Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 || n > len(f.log) {
		n = len(f.log)
	}
	out := make([]Decision, n)
	copy(out, f.log[:n])
	return out
}

// SetPolicy replaces the active policy.
func (f *Firewall) SetPolicy(p Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
}
