package audit

import (
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/observability"
	"github.com/sentrystack/siemcore/internal/storage"
)

// LedgerWriter is the subset of storage.DB the Recorder appends through.
type LedgerWriter interface {
	AppendLedger(entry storage.LedgerEntry) error
}

// Recorder writes every suppression and alert-lifecycle decision to the
// durable audit ledger. A ledger write failure is logged but never
// propagated as a pipeline error — durability of the audit trail is a
// best-effort concern layered on top of the (already-durable) alert
// record itself.
type Recorder struct {
	store   LedgerWriter
	nodeID  string
	log     *zap.Logger
	metrics *observability.Metrics
}

// NewRecorder constructs a Recorder that tags every entry with nodeID
// (this replica's identity, for cluster-sync provenance).
func NewRecorder(store LedgerWriter, nodeID string, log *zap.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{store: store, nodeID: nodeID, log: log, metrics: metrics}
}

func (r *Recorder) append(tenantID, kind, reason, fingerprint, detail string) {
	entry := storage.LedgerEntry{
		Timestamp:   time.Now().UTC(),
		TenantID:    tenantID,
		Kind:        kind,
		Reason:      reason,
		Fingerprint: fingerprint,
		Detail:      detail,
		NodeID:      r.nodeID,
	}
	if err := r.store.AppendLedger(entry); err != nil {
		r.log.Warn("audit: ledger append failed",
			zap.String("tenant_id", tenantID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// RecordSuppression logs a filter-chain suppression decision —
// suppression is never silent.
func (r *Recorder) RecordSuppression(tenantID, reason, fingerprint, detail string) {
	r.append(tenantID, "suppressed", reason, fingerprint, detail)
}

// RecordAlertCreated logs a new alert entering the system.
func (r *Recorder) RecordAlertCreated(tenantID, fingerprint, detail string) {
	r.append(tenantID, "alert_created", "", fingerprint, detail)
}

// RecordAlertTransition logs a lifecycle move (open/investigating/
// resolved/suppressed).
func (r *Recorder) RecordAlertTransition(tenantID, fingerprint, fromStatus, toStatus string) {
	r.append(tenantID, "alert_transition", fromStatus+"->"+toStatus, fingerprint, "")
}

// RecordViolation logs a structural invariant breach found by Checker.
// Unlike the other Record* methods this is always an Error-level log in
// addition to the ledger entry — a violation is itself the signal of a
// bug upstream and must never pass unnoticed.
func (r *Recorder) RecordViolation(tenantID string, v Violation) {
	r.log.Error("audit: invariant violation",
		zap.String("tenant_id", tenantID),
		zap.String("kind", v.Kind),
		zap.String("message", v.Message))
	if r.metrics != nil {
		r.metrics.AuditViolationsTotal.WithLabelValues(v.Kind).Inc()
	}
	r.append(tenantID, "invariant_violation", v.Kind, "", v.Message)
}
