// Package filter implements the ordered false-positive and context
// decision chain. Each ThreatCandidate is evaluated against a fixed
// sequence of rules — static whitelist, maintenance window, dynamic
// whitelist, service-account tolerance, business-hours context, geo
// impossible-travel, default emit — and the first matching rule wins.
//
// Suppression is never silent: every Decide call returns a Result
// recording which rule fired, and the caller is expected to increment
// a per-tenant, per-reason counter — this package never touches
// Prometheus directly so it stays a pure decision function,
// independent of the metrics wiring.
package filter

import (
	"context"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/profile"
)

// Decision is the outcome of evaluating one ThreatCandidate.
type Decision string

const (
	DecisionEmit         Decision = "emit"
	DecisionSuppress     Decision = "suppress"
	DecisionEmitAdjusted Decision = "emit_adjusted"
)

// Suppression reasons and the impossible-travel tag.
const (
	ReasonStaticWhitelist         = "static_whitelist"
	ReasonMaintenanceWindow       = "maintenance_window"
	ReasonDynamicWhitelist        = "dynamic_whitelist"
	ReasonServiceAccountTolerance = "service_account_tolerance"
	ReasonBusinessHours           = "business_hours"
	ReasonDefault                 = "default"
	TagImpossibleTravel           = "impossible_travel"
)

// emitFloor is the adjusted-risk floor below which a
// business-hours-adjusted candidate is suppressed instead of emitted.
const emitFloor = 0.3

const (
	businessHoursRiskMultiplier       = 0.5
	businessHoursConfidenceMultiplier = 0.7
)

// serviceAccountToleranceMultiplier bounds how far a service account's
// failure count may exceed the human brute-force threshold before the
// tolerance rule no longer applies (must stay under 3x).
const serviceAccountToleranceMultiplier = 3

// Result is the outcome of Decide, always carrying the rule that fired.
type Result struct {
	Decision           Decision
	Reason             string
	Tag                string
	AdjustedRisk       float64
	AdjustedConfidence float64
}

// Chain holds every dependency the seven-step decision chain reads
// from. All fields are safe for concurrent use by multiple goroutines
// evaluating different candidates.
type Chain struct {
	Static   *StaticWhitelist
	Dynamic  DynamicChecker
	Profiles *profile.Registry
	Geo      *GeoReader
	History  *GeoHistory

	// HumanBFThreshold is the detection engine's brute-force threshold
	// for a human principal (internal/detect.Config.BFThreshold),
	// needed to evaluate the service-account tolerance multiplier.
	HumanBFThreshold int
}

// NewChain constructs a Chain. geo and history may be nil to disable
// rule 6 entirely (no MMDB configured).
func NewChain(static *StaticWhitelist, dynamic DynamicChecker, profiles *profile.Registry, geo *GeoReader, history *GeoHistory, humanBFThreshold int) *Chain {
	return &Chain{
		Static:           static,
		Dynamic:          dynamic,
		Profiles:         profiles,
		Geo:              geo,
		History:          history,
		HumanBFThreshold: humanBFThreshold,
	}
}

// Decide evaluates one candidate against tenant's configuration and the
// current behavioral profile, returning the first matching rule's Result.
func (c *Chain) Decide(ctx context.Context, candidate model.ThreatCandidate, tenant model.Tenant, username string, now time.Time) Result {
	// 1. Static whitelist.
	if c.Static != nil && c.Static.Matches(tenant.ID, candidate.SourceIP, username) {
		return Result{Decision: DecisionSuppress, Reason: ReasonStaticWhitelist}
	}

	// 2. Maintenance window.
	if inMaintenanceWindow(tenant.MaintenanceWindows, candidate.SourceIP, now) {
		return Result{Decision: DecisionSuppress, Reason: ReasonMaintenanceWindow}
	}

	// 3. Dynamic whitelist (source IP target only).
	if c.Dynamic != nil {
		if ok, _, err := c.Dynamic.IsDynamicallyWhitelisted(ctx, tenant.ID, string(model.TargetIP), candidate.SourceIP); err == nil && ok {
			return Result{Decision: DecisionSuppress, Reason: ReasonDynamicWhitelist}
		}
	}

	principal := username
	if principal == "" {
		principal = candidate.SourceIP
	}
	var snap profile.Snapshot
	if c.Profiles != nil {
		snap = c.Profiles.Classify(ctx, tenant.ID, principal)
	}

	// 4. Service-account tolerance.
	if candidate.Kind == model.ThreatBruteForce &&
		snap.Classification == model.ClassServiceAccount &&
		c.HumanBFThreshold > 0 &&
		len(candidate.Evidence) < serviceAccountToleranceMultiplier*c.HumanBFThreshold {
		return Result{Decision: DecisionSuppress, Reason: ReasonServiceAccountTolerance}
	}

	// 5. Business-hours context.
	if candidate.RawRisk < 0.5 && snap.Classification == model.ClassHuman && !isBusinessHours(tenant.BusinessHours, now) {
		adjustedRisk := candidate.RawRisk * businessHoursRiskMultiplier
		adjustedConfidence := candidate.Confidence * businessHoursConfidenceMultiplier
		if adjustedRisk < emitFloor {
			return Result{Decision: DecisionSuppress, Reason: ReasonBusinessHours}
		}
		return Result{
			Decision:           DecisionEmitAdjusted,
			Reason:             ReasonBusinessHours,
			AdjustedRisk:       adjustedRisk,
			AdjustedConfidence: adjustedConfidence,
		}
	}

	// 6. Geo impossible-travel (force-emit override).
	if c.Geo != nil && c.History != nil && username != "" {
		if point := c.Geo.Lookup(candidate.SourceIP); point != nil {
			if _, impossible := c.History.CheckImpossibleTravel(tenant.ID, username, candidate.SourceIP, now, point); impossible {
				risk := candidate.RawRisk
				if risk < 0.8 {
					risk = 0.8
				}
				return Result{
					Decision:           DecisionEmitAdjusted,
					Reason:             ReasonDefault,
					Tag:                TagImpossibleTravel,
					AdjustedRisk:       risk,
					AdjustedConfidence: candidate.Confidence,
				}
			}
		}
	}

	// 7. Default: emit unchanged.
	return Result{
		Decision:           DecisionEmit,
		Reason:             ReasonDefault,
		AdjustedRisk:       candidate.RawRisk,
		AdjustedConfidence: candidate.Confidence,
	}
}
