// Package alerts holds the alert severity model, the notification
// eligibility rule and the inbound payload codec.
package alerts

import (
	"fmt"
	"strconv"
	"strings"
)

// Severity is the ordered alert classification carried in payloads.
type Severity int

const (
	// SeverityNone means no alert has been recorded for the topic yet.
	SeverityNone     Severity = -1
	SeverityNormal   Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

// Valid reports whether s is a wire severity (Normal, Warning or Critical).
func (s Severity) Valid() bool {
	return s >= SeverityNormal && s <= SeverityCritical
}

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityNormal:
		return "normal"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseSeverity accepts a name ("warning") or a wire code ("1").
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "0":
		return SeverityNormal, nil
	case "warning", "warn", "1":
		return SeverityWarning, nil
	case "critical", "2":
		return SeverityCritical, nil
	default:
		return SeverityNone, fmt.Errorf("unknown severity %q", s)
	}
}

// IsEligible decides whether an incoming alert raises a notification given
// the latest recorded severity for its topic. Repeats are muted and so is
// the Critical to Warning step; every other change notifies, including the
// first alert on a topic.
func IsEligible(prior, incoming Severity) bool {
	if prior == incoming {
		return false
	}
	if prior == SeverityCritical && incoming == SeverityWarning {
		return false
	}
	return true
}
