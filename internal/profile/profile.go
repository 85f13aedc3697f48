// Package profile implements per-tenant, per-principal behavioral
// profiling.
//
// A principal is a username or a bare source IP, whichever the caller
// observed an authentication event for. Each profile keeps a rolling
// mean and standard deviation of inter-arrival time (computed with
// Welford's online algorithm, so no history buffer is retained) plus an
// EWMA-smoothed off-hours ratio, applied to "was this login off-hours"
// as a rolling P_{t+1} = αP_t + (1-α)A_t update.
//
// One Profile instance per (tenant, principal), updated by exactly one
// goroutine at a time via its own mutex.
package profile

import (
	"math"
	"sync"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
)

// offHoursEWMAAlpha smooths the off-hours ratio across observations.
const offHoursEWMAAlpha = 0.9

// minSamplesForClassification is the sample floor below which a
// profile is never promoted out of ClassUnknown.
const minSamplesForClassification = 20

// serviceAccountCVThreshold and serviceAccountOffHoursThreshold are the
// two other legs of the service_account promotion rule.
const (
	serviceAccountCVThreshold        = 0.1
	serviceAccountOffHoursThreshold  = 0.4
)

// Profile is the rolling behavioral state for one principal.
type Profile struct {
	mu sync.Mutex

	tenantID  string
	principal string

	sampleCount int
	meanInterval float64 // seconds, Welford running mean
	m2           float64 // Welford running sum of squared deviations
	offHoursRatio float64

	lastEventTime time.Time
}

// New creates an empty Profile for (tenantID, principal).
func New(tenantID, principal string) *Profile {
	return &Profile{tenantID: tenantID, principal: principal}
}

// Restore rebuilds a Profile from a persisted snapshot (storage.ProfileSnapshot
// shape, passed as discrete fields so this package has no storage dependency).
func Restore(tenantID, principal string, meanInterval, stddevInterval, offHoursRatio float64, sampleCount int, lastEventTime time.Time) *Profile {
	p := &Profile{
		tenantID:      tenantID,
		principal:     principal,
		sampleCount:   sampleCount,
		meanInterval:  meanInterval,
		offHoursRatio: offHoursRatio,
		lastEventTime: lastEventTime,
	}
	if sampleCount > 2 {
		p.m2 = stddevInterval * stddevInterval * float64(sampleCount-2)
	}
	return p
}

// Observe records one successful login at eventTime. isOffHours is
// evaluated by the caller against the tenant's BusinessHours (this
// package has no notion of timezones or holidays).
func (p *Profile) Observe(eventTime time.Time, isOffHours bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastEventTime.IsZero() && eventTime.After(p.lastEventTime) {
		interval := eventTime.Sub(p.lastEventTime).Seconds()
		p.sampleCount++
		// The first observation carries no interval, so the running mean
		// is over sampleCount-1 intervals.
		intervals := float64(max(p.sampleCount-1, 1))
		delta := interval - p.meanInterval
		p.meanInterval += delta / intervals
		delta2 := interval - p.meanInterval
		p.m2 += delta * delta2
	} else if p.lastEventTime.IsZero() {
		p.sampleCount++
	}

	off := 0.0
	if isOffHours {
		off = 1.0
	}
	if p.sampleCount == 1 {
		p.offHoursRatio = off
	} else {
		p.offHoursRatio = offHoursEWMAAlpha*p.offHoursRatio + (1-offHoursEWMAAlpha)*off
	}

	if eventTime.After(p.lastEventTime) {
		p.lastEventTime = eventTime
	}
}

// stddev returns the sample standard deviation of inter-arrival
// intervals. Requires at least 2 intervals (3 samples); returns 0 otherwise.
func (p *Profile) stddev() float64 {
	n := p.sampleCount
	if n < 3 {
		return 0
	}
	variance := p.m2 / float64(n-2) // n-1 intervals, Bessel-corrected
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// Snapshot is a point-in-time, lock-free copy of a profile's rolling
// statistics plus its derived classification.
type Snapshot struct {
	TenantID       string
	Principal      string
	SampleCount    int
	MeanInterval   float64
	StddevInterval float64
	OffHoursRatio  float64
	Classification model.ProfileClassification
	Confidence     float64
	LastEventTime  time.Time
}

// Classify returns the current Snapshot, including the derived
// classification and a confidence that grows with sample count towards
// 1.0 at the 20-sample floor.
func (p *Profile) Classify() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		TenantID:       p.tenantID,
		Principal:      p.principal,
		SampleCount:    p.sampleCount,
		MeanInterval:   p.meanInterval,
		StddevInterval: p.stddev(),
		OffHoursRatio:  p.offHoursRatio,
		LastEventTime:  p.lastEventTime,
	}

	if p.sampleCount == 0 {
		snap.Classification = model.ClassUnknown
		snap.Confidence = 0
		return snap
	}

	snap.Confidence = math.Min(1.0, float64(p.sampleCount)/float64(minSamplesForClassification))

	cv := 0.0
	if snap.MeanInterval > 0 {
		cv = snap.StddevInterval / snap.MeanInterval
	}

	switch {
	case p.sampleCount >= minSamplesForClassification &&
		cv < serviceAccountCVThreshold &&
		snap.OffHoursRatio > serviceAccountOffHoursThreshold:
		snap.Classification = model.ClassServiceAccount
	case p.sampleCount >= minSamplesForClassification:
		snap.Classification = model.ClassHuman
	default:
		snap.Classification = model.ClassUnknown
	}
	return snap
}

// LastSeen returns the time of the most recent observation, for idle
// eviction by the owning registry.
func (p *Profile) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEventTime
}

// AsSnapshotFields returns the raw fields a caller needs to persist this
// profile (e.g. into storage.ProfileSnapshot) without this package
// importing internal/storage.
func (p *Profile) AsSnapshotFields() (meanInterval, stddevInterval, offHoursRatio float64, sampleCount int, lastEventTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meanInterval, p.stddev(), p.offHoursRatio, p.sampleCount, p.lastEventTime
}
