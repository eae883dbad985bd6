package types

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of an authorization. The zero value means
// "unknown" and is never stored in the decision cache.
type Verdict uint8

const (
	VerdictUnknown Verdict = iota
	VerdictAllow
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Valid reports whether v is Allow or Deny.
func (v Verdict) Valid() bool {
	return v == VerdictAllow || v == VerdictDeny
}

// ParseVerdict accepts "allow" or "deny" (case-insensitive).
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return VerdictAllow, nil
	case "deny":
		return VerdictDeny, nil
	default:
		return VerdictUnknown, fmt.Errorf("invalid verdict %q", s)
	}
}

// DecisionSource records how the gate arrived at a verdict.
type DecisionSource string

const (
	SourceCache        DecisionSource = "cache"
	SourceDaemon       DecisionSource = "daemon"
	SourceTimeout      DecisionSource = "timeout"
	SourceQueueFull    DecisionSource = "queue_full"
	SourceDisconnected DecisionSource = "disconnected"
	SourceUnattended   DecisionSource = "unattended"
	SourceCancelled    DecisionSource = "cancelled"

	// SourceReport marks a verdict the daemon pushed into the cache,
	// whether or not a request was waiting on it.
	SourceReport DecisionSource = "report"
)

// Authoritative reports whether the verdict came from the daemon (directly
// or through the cache) rather than a fallback.
func (s DecisionSource) Authoritative() bool {
	return s == SourceCache || s == SourceDaemon || s == SourceReport
}

type Decision struct {
	Verdict Verdict
	Source  DecisionSource
}
