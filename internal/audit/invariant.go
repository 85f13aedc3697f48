// Package audit enforces structural invariants on detection and alerting
// output and records every suppression or lifecycle decision to a durable,
// append-only ledger.
//
// A structural invariant violation (NaN/Inf in a risk score, a
// timestamp moving backwards, a candidate with no evidence) is itself
// a first-class, always-logged event, never a silently-dropped one.
package audit

import (
	"fmt"
	"math"

	"github.com/sentrystack/siemcore/internal/model"
)

// Violation describes one invariant breach found by Checker.
type Violation struct {
	Kind    string
	Message string
}

func (v Violation) Error() string {
	return fmt.Sprintf("audit: %s: %s", v.Kind, v.Message)
}

// Checker validates ThreatCandidates and Alerts against structural
// invariants before they cross a trust boundary (filter, alertmgr
// persistence). It holds no state of its own beyond what is needed to
// check monotonic time per tenant.
type Checker struct {
	lastEventTime map[string]int64 // tenantID -> last-seen unix nanos
}

// NewChecker constructs an empty Checker.
func NewChecker() *Checker {
	return &Checker{lastEventTime: make(map[string]int64)}
}

// CheckCandidate validates a detection engine's output before it reaches
// the false-positive filter. Returns the first violation found, or nil.
func CheckCandidate(c model.ThreatCandidate) error {
	if math.IsNaN(c.RawRisk) || math.IsInf(c.RawRisk, 0) {
		return Violation{Kind: "nan_inf_risk", Message: fmt.Sprintf("raw_risk=%v for %s/%s", c.RawRisk, c.TenantID, c.SourceIP)}
	}
	if c.RawRisk < 0 || c.RawRisk > 1 {
		return Violation{Kind: "unbounded_risk", Message: fmt.Sprintf("raw_risk=%.4f out of [0,1] for %s/%s", c.RawRisk, c.TenantID, c.SourceIP)}
	}
	if math.IsNaN(c.Confidence) || math.IsInf(c.Confidence, 0) {
		return Violation{Kind: "nan_inf_confidence", Message: fmt.Sprintf("confidence=%v for %s/%s", c.Confidence, c.TenantID, c.SourceIP)}
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return Violation{Kind: "unbounded_confidence", Message: fmt.Sprintf("confidence=%.4f out of [0,1] for %s/%s", c.Confidence, c.TenantID, c.SourceIP)}
	}
	if c.LastSeen.Before(c.FirstSeen) {
		return Violation{Kind: "non_monotonic_window", Message: fmt.Sprintf("last_seen before first_seen for %s/%s", c.TenantID, c.SourceIP)}
	}
	if len(c.Evidence) == 0 {
		return Violation{Kind: "missing_evidence", Message: fmt.Sprintf("candidate %s/%s has no supporting event IDs", c.TenantID, c.SourceIP)}
	}
	if c.TenantID == "" {
		return Violation{Kind: "missing_tenant", Message: "candidate has empty tenant_id"}
	}
	return nil
}

// CheckAlert validates an Alert returned by the alert manager (which has
// already persisted it), before it is pushed.
func CheckAlert(a model.Alert) error {
	if math.IsNaN(a.Risk) || math.IsInf(a.Risk, 0) {
		return Violation{Kind: "nan_inf_risk", Message: fmt.Sprintf("alert %s has risk=%v", a.AlertID, a.Risk)}
	}
	if a.LastSeen.Before(a.FirstSeen) {
		return Violation{Kind: "non_monotonic_window", Message: fmt.Sprintf("alert %s: last_seen before first_seen", a.AlertID)}
	}
	if a.UpdatedAt.Before(a.CreatedAt) {
		return Violation{Kind: "non_monotonic_update", Message: fmt.Sprintf("alert %s: updated_at before created_at", a.AlertID)}
	}
	if a.AlertID == "" {
		return Violation{Kind: "missing_fingerprint", Message: "alert has empty alert_id"}
	}
	return nil
}

// CheckEventOrdering enforces that, within one tenant, the audit stream
// observes non-decreasing event times modulo the clock-skew clamp already
// applied in internal/normalize. Only meant as a coarse trip-wire: a
// single clamped outlier is expected and not itself a violation.
func (c *Checker) CheckEventOrdering(tenantID string, eventTimeUnixNano int64) error {
	last, ok := c.lastEventTime[tenantID]
	c.lastEventTime[tenantID] = eventTimeUnixNano
	if ok && eventTimeUnixNano < last-int64(clockSkewGraceNanos) {
		return Violation{Kind: "non_monotonic_time", Message: fmt.Sprintf("tenant %s: event time regressed by more than grace window", tenantID)}
	}
	return nil
}

// clockSkewGraceNanos is a fixed 5s tolerance, separate from (and smaller
// than) the normalizer's clamp allowance; a regression smaller than this
// is ordinary reordering across shards, not a structural violation.
const clockSkewGraceNanos = int64(5 * 1e9)
