// Package alertmgr implements the alert side: fingerprint dedup,
// severity mapping, correlation grouping, and the 4-state alert
// lifecycle. internal/notify (a sibling package) owns push/email/
// webhook delivery.
//
// Single-writer-per-tenant: every mutating call takes tenant's own
// mutex from a bounded map of tenant mutexes, so a tenant's alert
// index always has exactly one active writer.
package alertmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/audit"
	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

// correlationWindow bounds how recently two alerts for the same
// source_ip, different kind, must both have been seen to be grouped
// under one correlation_group.
const correlationWindow = 30 * time.Minute

// DurableStore is the subset of storage.DB the manager persists through.
type DurableStore interface {
	PutAlert(a model.Alert) error
	GetAlert(tenantID, alertID string) (*model.Alert, error)
	ListAlerts(tenantID string) ([]model.Alert, error)
}

// tenantIndex is one tenant's in-memory alert index: fingerprint ->
// alert, plus a source_ip -> alert IDs index for correlation lookups.
// Guarded by the Manager's per-tenant mutex; never accessed without it.
type tenantIndex struct {
	byFingerprint map[string]*model.Alert
	bySourceIP    map[string][]*model.Alert
}

// Manager owns the alert index for every tenant it has seen, persisting
// every mutation to durable storage before returning.
type Manager struct {
	durable  DurableStore
	metrics  *observability.Metrics
	log      *zap.Logger
	recorder *audit.Recorder // may be nil; audit trail is best-effort

	mu       sync.Mutex // guards tenantMu map membership only
	tenantMu map[string]*sync.Mutex
	indexes  map[string]*tenantIndex
}

// New constructs a Manager. Call Hydrate once per tenant at startup to
// load its existing alerts from durable storage before serving traffic.
// recorder may be nil to skip audit-ledger writes entirely.
func New(durable DurableStore, metrics *observability.Metrics, log *zap.Logger, recorder *audit.Recorder) *Manager {
	return &Manager{
		durable:  durable,
		metrics:  metrics,
		log:      log,
		recorder: recorder,
		tenantMu: make(map[string]*sync.Mutex),
		indexes:  make(map[string]*tenantIndex),
	}
}

func (m *Manager) lockFor(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.tenantMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		m.tenantMu[tenantID] = mu
	}
	return mu
}

func (m *Manager) indexFor(tenantID string) *tenantIndex {
	idx, ok := m.indexes[tenantID]
	if !ok {
		idx = &tenantIndex{
			byFingerprint: make(map[string]*model.Alert),
			bySourceIP:    make(map[string][]*model.Alert),
		}
		m.indexes[tenantID] = idx
	}
	return idx
}

// Hydrate loads tenantID's existing alerts from durable storage into
// the in-memory index. Safe to call more than once; later calls are a
// no-op if the index is already populated.
func (m *Manager) Hydrate(tenantID string) error {
	lock := m.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := m.indexes[tenantID]; ok {
		return nil
	}
	idx := m.indexFor(tenantID)

	alerts, err := m.durable.ListAlerts(tenantID)
	if err != nil {
		return fmt.Errorf("alertmgr: hydrate %q: %w", tenantID, err)
	}
	for i := range alerts {
		a := alerts[i]
		fp := Fingerprint(a.TenantID, a.SourceIP, a.Kind, a.LastSeen)
		idx.byFingerprint[fp] = &a
		idx.bySourceIP[a.SourceIP] = append(idx.bySourceIP[a.SourceIP], &a)
	}
	return nil
}

// Ingest folds one filtered ThreatCandidate into the tenant's alert
// index: creates a new Alert, or updates the existing one sharing its
// fingerprint (extends last_seen, merges evidence, takes max risk,
// re-maps severity, escalates only — severity and risk never
// downgrade on a merge). Returns the resulting Alert and whether it is newly
// created or its severity escalated on this merge (the caller uses this to
// decide whether to notify).
func (m *Manager) Ingest(ctx context.Context, tenantID string, candidate model.ThreatCandidate, risk, confidence float64, tag string) (model.Alert, bool, error) {
	lock := m.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	idx := m.indexFor(tenantID)
	fp := Fingerprint(tenantID, candidate.SourceIP, candidate.Kind, candidate.LastSeen)

	existing, ok := idx.byFingerprint[fp]
	if !ok {
		alert := model.Alert{
			AlertID:   fp,
			TenantID:  tenantID,
			SourceIP:  candidate.SourceIP,
			Kind:      candidate.Kind,
			Status:    model.AlertOpen,
			Severity:  severityFor(risk),
			Risk:      risk,
			Evidence:  append([]string(nil), candidate.Evidence...),
			FirstSeen: candidate.FirstSeen,
			LastSeen:  candidate.LastSeen,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
			Degraded:  candidate.Degraded,
		}
		alert.CorrelationGroup = m.correlate(idx, &alert)

		if err := m.durable.PutAlert(alert); err != nil {
			return model.Alert{}, false, fmt.Errorf("alertmgr: persist new alert: %w", err)
		}
		idx.byFingerprint[fp] = &alert
		idx.bySourceIP[alert.SourceIP] = append(idx.bySourceIP[alert.SourceIP], &alert)
		m.metrics.AlertsCreatedTotal.WithLabelValues(string(alert.Severity)).Inc()
		if m.recorder != nil {
			m.recorder.RecordAlertCreated(tenantID, alert.AlertID, string(alert.Kind))
		}
		return alert, true, nil
	}

	escalated := mergeCandidate(existing, candidate, risk)
	if err := m.durable.PutAlert(*existing); err != nil {
		return model.Alert{}, false, fmt.Errorf("alertmgr: persist merged alert: %w", err)
	}
	m.metrics.AlertsDeduplicatedTotal.Inc()
	return *existing, escalated, nil
}

// mergeCandidate applies a deduplicated candidate update to an existing
// alert in place. Returns true if severity escalated (the caller should
// treat this like a new alert for notification purposes, per §4.5.1:
// "do not re-notify unless severity escalates").
func mergeCandidate(existing *model.Alert, candidate model.ThreatCandidate, risk float64) bool {
	if candidate.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = candidate.LastSeen
	}
	existing.Evidence = mergeEvidence(existing.Evidence, candidate.Evidence)
	if risk > existing.Risk {
		existing.Risk = risk
	}
	existing.Degraded = existing.Degraded || candidate.Degraded
	existing.UpdatedAt = time.Now().UTC()

	newSeverity := severityFor(existing.Risk)
	escalated := severityRank(newSeverity) > severityRank(existing.Severity)
	if escalated {
		existing.Severity = newSeverity
	}
	return escalated
}

func mergeEvidence(existing, fresh []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[e] = struct{}{}
	}
	merged := existing
	for _, e := range fresh {
		if _, ok := seen[e]; !ok {
			merged = append(merged, e)
			seen[e] = struct{}{}
		}
	}
	return merged
}

// correlate assigns a.CorrelationGroup by looking for another recent
// alert in the same tenant sharing source_ip but a different kind
// within correlationWindow. Returns "" if none found — the alert
// starts its own (empty) group until a later alert joins it.
func (m *Manager) correlate(idx *tenantIndex, a *model.Alert) string {
	for _, other := range idx.bySourceIP[a.SourceIP] {
		if other.Kind == a.Kind {
			continue
		}
		if a.LastSeen.Sub(other.LastSeen) > correlationWindow || other.LastSeen.Sub(a.LastSeen) > correlationWindow {
			continue
		}
		if other.CorrelationGroup != "" {
			return other.CorrelationGroup
		}
		other.CorrelationGroup = other.AlertID
		return other.CorrelationGroup
	}
	return ""
}

// Transition applies an operator- or filter-driven lifecycle move.
// Returns an error if the transition is not legal from the alert's
// current status.
func (m *Manager) Transition(ctx context.Context, tenantID, alertID string, to model.AlertStatus) error {
	lock := m.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	idx := m.indexFor(tenantID)
	alert, ok := idx.byFingerprint[alertID]
	if !ok {
		return fmt.Errorf("alertmgr: unknown alert %q for tenant %q", alertID, tenantID)
	}
	if !canTransition(alert.Status, to) {
		return fmt.Errorf("alertmgr: illegal transition %s -> %s for alert %q", alert.Status, to, alertID)
	}
	from := alert.Status
	alert.Status = to
	alert.UpdatedAt = time.Now().UTC()

	if err := m.durable.PutAlert(*alert); err != nil {
		return fmt.Errorf("alertmgr: persist transition: %w", err)
	}
	if from != to {
		m.metrics.AlertTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		if m.recorder != nil {
			m.recorder.RecordAlertTransition(tenantID, alertID, string(from), string(to))
		}
	}
	return nil
}
