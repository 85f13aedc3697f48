package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

// failureEntry is one brute-force window observation.
type failureEntry struct {
	at       time.Time
	username string
	eventID  string
}

// portEntry tracks the first/last time a destination port was seen
// within the port-scan window.
type portEntry struct {
	first, last time.Time
	eventID     string
}

// state is the exclusive, per-(tenant, source_ip) detection state.
// Owned by exactly one shard; never accessed from more than one
// goroutine at a time (the shard's mutex is held for the duration of
// any state access).
type state struct {
	tenantID string
	sourceIP string

	failureLog []failureEntry
	successLog []time.Time
	portSet    map[int]portEntry

	// lastFailureSeen is the high-water mark of auth_failure event_time
	// values observed for this state, tracked independently of
	// failureLog's contents so a late (out-of-window) entry logged but
	// excluded from scoring can never corrupt the next event's
	// late/not-late classification.
	lastFailureSeen time.Time

	lastBFCandidate time.Time
	lastPSCandidate time.Time

	lastTouched time.Time
}

func newState(tenantID, sourceIP string) *state {
	return &state{
		tenantID: tenantID,
		sourceIP: sourceIP,
		portSet:  make(map[int]portEntry),
	}
}

// shard owns an exclusive slice of detect state behind one mutex
// guarding every (tenant, source_ip) this shard is responsible for
// (cheaper than one mutex per key at this state size, and still
// lock-free across shards).
type shard struct {
	cfg     Config
	hot     HotStore
	metrics *observability.Metrics
	log     *zap.Logger

	mu     sync.Mutex
	states map[string]*state
}

func newShard(cfg Config, hot HotStore, metrics *observability.Metrics, log *zap.Logger) *shard {
	return &shard{
		cfg:     cfg,
		hot:     hot,
		metrics: metrics,
		log:     log,
		states:  make(map[string]*state),
	}
}

func stateKey(tenantID, sourceIP string) string {
	return tenantID + "\x00" + sourceIP
}

func (sh *shard) get(tenantID, sourceIP string) *state {
	key := stateKey(tenantID, sourceIP)
	st, ok := sh.states[key]
	if !ok {
		st = newState(tenantID, sourceIP)
		sh.states[key] = st
	}
	return st
}

func (sh *shard) count() int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.states)
}

func (sh *shard) evictIdle(now time.Time) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for key, st := range sh.states {
		if now.Sub(st.lastTouched) > sh.cfg.IdleTTL {
			delete(sh.states, key)
		}
	}
}

func (sh *shard) process(ctx context.Context, ev model.SecurityEvent) (model.ThreatCandidate, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.get(ev.TenantID, ev.SourceIP)
	st.lastTouched = ev.EventTime

	switch ev.Kind {
	case model.EventAuthFailure:
		return sh.onAuthFailure(ctx, st, ev)
	case model.EventAuthSuccess:
		sh.onAuthSuccess(st, ev)
		return model.ThreatCandidate{}, false
	case model.EventPortAccess:
		return sh.onPortAccess(ctx, st, ev)
	default:
		return model.ThreatCandidate{}, false
	}
}

// onAuthFailure applies the brute-force window/threshold/re-arm rules
// for one tenant/source_ip pair.
func (sh *shard) onAuthFailure(ctx context.Context, st *state, ev model.SecurityEvent) (model.ThreatCandidate, bool) {
	// Late events (at or before latest_seen - BF_WINDOW) are logged but
	// excluded from scoring entirely — latest_seen is a dedicated
	// high-water-mark field, not the tail of failureLog, so it can never
	// be corrupted by an out-of-order entry.
	if !st.lastFailureSeen.IsZero() && !ev.EventTime.After(st.lastFailureSeen.Add(-sh.cfg.BFWindow)) {
		sh.metrics.DetectionLateEventsTotal.WithLabelValues("brute_force").Inc()
		sh.log.Debug("late auth_failure event dropped from scoring",
			zap.String("tenant_id", ev.TenantID),
			zap.String("source_ip", ev.SourceIP),
			zap.Time("event_time", ev.EventTime),
			zap.Time("latest_seen", st.lastFailureSeen))
		return model.ThreatCandidate{}, false
	}
	if ev.EventTime.After(st.lastFailureSeen) {
		st.lastFailureSeen = ev.EventTime
	}

	st.failureLog = insertFailureSorted(st.failureLog, failureEntry{at: ev.EventTime, username: ev.Username, eventID: ev.EventID})
	cutoff := st.lastFailureSeen.Add(-sh.cfg.BFWindow)
	st.failureLog = pruneFailures(st.failureLog, cutoff)

	degraded := sh.mirrorObservation(ctx, "brute_force", ev, ev.EventID)

	n := len(st.failureLog)
	if n < sh.cfg.BFThreshold {
		return model.ThreatCandidate{}, false
	}

	// Rate limit: at most one candidate per BFWindow/5, unless the
	// failure count has re-escalated to >= 2x threshold since the last
	// emission (re-arm on escalation).
	rearmInterval := sh.cfg.BFWindow / 5
	if !st.lastBFCandidate.IsZero() &&
		ev.EventTime.Sub(st.lastBFCandidate) < rearmInterval &&
		n < 2*sh.cfg.BFThreshold {
		return model.ThreatCandidate{}, false
	}

	st.lastBFCandidate = ev.EventTime
	return buildBruteForceCandidate(st, sh.cfg, degraded), true
}

// insertFailureSorted inserts e into log at its sorted (ascending by
// at) position. Non-late entries normally arrive in order and this is
// just an append, but a small amount of reordering within the window
// (not late enough to be dropped outright) is tolerated, and pruneFailures
// relies on the slice staying sorted to do its early-exit scan.
func insertFailureSorted(log []failureEntry, e failureEntry) []failureEntry {
	i := len(log)
	for i > 0 && log[i-1].at.After(e.at) {
		i--
	}
	log = append(log, failureEntry{})
	copy(log[i+1:], log[i:])
	log[i] = e
	return log
}

func pruneFailures(log []failureEntry, cutoff time.Time) []failureEntry {
	i := 0
	for i < len(log) && !log[i].at.After(cutoff) {
		i++
	}
	return log[i:]
}

func buildBruteForceCandidate(st *state, cfg Config, degraded bool) model.ThreatCandidate {
	distinct := distinctUsernames(st.failureLog)
	n := len(st.failureLog)

	rawRisk := float64(n)/float64(cfg.BFThreshold)*0.7 + float64(distinct)*cfg.BFUserDiversityBonus
	if rawRisk > 1 {
		rawRisk = 1
	}
	confidence := 0.6 + minFloat(0.3, float64(distinct)*0.05)
	if degraded {
		confidence *= 0.5
	}

	evidence := make([]string, 0, n)
	for _, f := range st.failureLog {
		evidence = append(evidence, f.eventID)
	}

	return model.ThreatCandidate{
		TenantID:   st.tenantID,
		SourceIP:   st.sourceIP,
		Kind:       model.ThreatBruteForce,
		FirstSeen:  st.failureLog[0].at,
		LastSeen:   st.failureLog[n-1].at,
		Evidence:   evidence,
		RawRisk:    rawRisk,
		Confidence: confidence,
		Degraded:   degraded,
	}
}

func distinctUsernames(log []failureEntry) int {
	seen := make(map[string]struct{}, len(log))
	for _, f := range log {
		if f.username != "" {
			seen[f.username] = struct{}{}
		}
	}
	return len(seen)
}

// onAuthSuccess feeds the dynamic-whitelist promotion rule: once 5
// successes accumulate, the caller (internal/filter) is expected to
// earn a dynamic whitelist entry. This engine only tracks the count; it
// does not write the whitelist itself (filter owns that store).
func (sh *shard) onAuthSuccess(st *state, ev model.SecurityEvent) {
	st.successLog = append(st.successLog, ev.EventTime)
	// Bound growth: only the most recent 5 are needed to satisfy the
	// >= 5 threshold check; older entries serve no further purpose.
	if len(st.successLog) > 5 {
		st.successLog = st.successLog[len(st.successLog)-5:]
	}
}

// SuccessStreak reports whether st has accumulated >= 5 successes, for
// the caller to decide on earning a dynamic whitelist entry.
func (e *Engine) SuccessStreak(tenantID, sourceIP string) bool {
	sh := e.shardFor(tenantID, sourceIP)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[stateKey(tenantID, sourceIP)]
	return ok && len(st.successLog) >= 5
}

// onPortAccess applies the port-scan window/distinct-port-threshold
// rule for one tenant/source_ip pair.
func (sh *shard) onPortAccess(ctx context.Context, st *state, ev model.SecurityEvent) (model.ThreatCandidate, bool) {
	if ev.DestPort <= 0 {
		return model.ThreatCandidate{}, false
	}

	cutoff := ev.EventTime.Add(-sh.cfg.PSWindow)
	for port, pe := range st.portSet {
		if pe.last.Before(cutoff) || pe.last.Equal(cutoff) {
			delete(st.portSet, port)
		}
	}

	existing, seen := st.portSet[ev.DestPort]
	if seen {
		existing.last = ev.EventTime
		st.portSet[ev.DestPort] = existing
	} else {
		st.portSet[ev.DestPort] = portEntry{first: ev.EventTime, last: ev.EventTime, eventID: ev.EventID}
	}

	degraded := sh.mirrorObservation(ctx, "port_scan", ev, fmt.Sprintf("%d", ev.DestPort))

	distinct := len(st.portSet)
	if distinct < sh.cfg.PSThreshold {
		return model.ThreatCandidate{}, false
	}

	if !st.lastPSCandidate.IsZero() && ev.EventTime.Sub(st.lastPSCandidate) < sh.cfg.PSWindow {
		return model.ThreatCandidate{}, false
	}
	st.lastPSCandidate = ev.EventTime

	return buildPortScanCandidate(st, degraded), true
}

func buildPortScanCandidate(st *state, degraded bool) model.ThreatCandidate {
	distinct := len(st.portSet)
	rawRisk := float64(distinct) / 50
	if rawRisk > 1 {
		rawRisk = 1
	}
	confidence := 0.5 + minFloat(0.4, float64(distinct)/100)
	if degraded {
		confidence *= 0.5
	}

	var first, last time.Time
	evidence := make([]string, 0, distinct)
	for _, pe := range st.portSet {
		if first.IsZero() || pe.first.Before(first) {
			first = pe.first
		}
		if pe.last.After(last) {
			last = pe.last
		}
		evidence = append(evidence, pe.eventID)
	}

	return model.ThreatCandidate{
		TenantID:   st.tenantID,
		SourceIP:   st.sourceIP,
		Kind:       model.ThreatPortScan,
		FirstSeen:  first,
		LastSeen:   last,
		Evidence:   evidence,
		RawRisk:    rawRisk,
		Confidence: confidence,
		Degraded:   degraded,
	}
}

// mirrorObservation best-effort writes the observation through to the
// hot store for cluster warm-failover. Returns true (degraded) if the
// hot store is configured but the write failed — the caller halves
// confidence and tags the resulting candidate as degraded.
func (sh *shard) mirrorObservation(ctx context.Context, kind string, ev model.SecurityEvent, member string) bool {
	if sh.hot == nil {
		return false
	}
	window := sh.cfg.BFWindow
	if kind == "port_scan" {
		window = sh.cfg.PSWindow
	}
	ttl := window * 2
	_, err := sh.hot.RecordObservation(ctx, kind, ev.TenantID, ev.SourceIP, member, ev.EventTime, ev.EventTime.Add(-window), ttl)
	if err != nil {
		sh.metrics.DetectionDegradedTotal.Inc()
		sh.log.Debug("hot store observation mirror failed, continuing in-process", zap.Error(err))
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
