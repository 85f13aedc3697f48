// Package observability — metrics.go
//
// Prometheus metrics for siemcore.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: siemcore_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - tenant_id is NOT used as a label (unbounded across deployments);
//     per-tenant suppression and alert records live in the durable audit
//     ledger, not in Prometheus label cardinality.
//   - source_ip is never used as a label.
//   - Labels are restricted to small closed sets: event kind, engine kind,
//     suppression reason, transport, severity.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for siemcore.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ingestion ────────────────────────────────────────────────────────────

	// EventsReceivedTotal counts raw syslog frames accepted by a listener.
	// Labels: transport (udp, tcp, tls)
	EventsReceivedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts frames dropped before normalization.
	// Labels: reason (queue_full, frame_too_large, malformed, untenanted,
	// unattributed)
	EventsDroppedTotal *prometheus.CounterVec

	// IngestQueueDepth is the current depth of a listener's bounded queue.
	// Labels: transport
	IngestQueueDepth *prometheus.GaugeVec

	// ─── Normalization ────────────────────────────────────────────────────────

	// NormalizeFailuresTotal counts frames that failed classification.
	NormalizeFailuresTotal prometheus.Counter

	// SecurityEventsTotal counts events emitted onto the detection bus.
	// Labels: kind (auth_success, auth_failure, port_access, other)
	SecurityEventsTotal *prometheus.CounterVec

	// ClockSkewClampedTotal counts events whose event_time was clamped to
	// ingest_time for exceeding the configured skew allowance.
	ClockSkewClampedTotal prometheus.Counter

	// ─── Detection ────────────────────────────────────────────────────────────

	// CandidatesEmittedTotal counts threat candidates produced by an engine.
	// Labels: kind (brute_force, port_scan)
	CandidatesEmittedTotal *prometheus.CounterVec

	// DetectionStateTracked is the current number of tracked
	// (tenant, source_ip) detection windows.
	DetectionStateTracked prometheus.Gauge

	// DetectionDegradedTotal counts candidates produced under degraded
	// (hot-store unavailable) conditions.
	DetectionDegradedTotal prometheus.Counter

	// DetectionLateEventsTotal counts events arriving at or before a
	// shard's high-water mark minus the relevant window; logged but
	// excluded from scoring. Labels: kind (brute_force, port_scan)
	DetectionLateEventsTotal *prometheus.CounterVec

	// ─── False-positive filter ────────────────────────────────────────────────

	// SuppressionsTotal counts candidates suppressed before alerting.
	// Labels: reason (static_whitelist, maintenance_window, dynamic_whitelist,
	// service_account_tolerance, business_hours)
	SuppressionsTotal *prometheus.CounterVec

	// WhitelistEntriesActive is the current number of non-expired whitelist
	// entries. Labels: kind (static, dynamic, learned)
	WhitelistEntriesActive *prometheus.GaugeVec

	// ─── Alert manager + notification ─────────────────────────────────────────

	// AlertsCreatedTotal counts newly created (non-duplicate) alerts.
	// Labels: severity
	AlertsCreatedTotal *prometheus.CounterVec

	// AlertsDeduplicatedTotal counts candidates folded into an existing alert.
	AlertsDeduplicatedTotal prometheus.Counter

	// AlertTransitionsTotal counts lifecycle transitions.
	// Labels: from_status, to_status
	AlertTransitionsTotal *prometheus.CounterVec

	// PushSessionsActive is the current number of connected websocket
	// subscribers.
	PushSessionsActive prometheus.Gauge

	// PushDroppedTotal counts push messages dropped due to a full session
	// outbound queue.
	PushDroppedTotal prometheus.Counter

	// NotifyAttemptsTotal counts notifier delivery attempts.
	// Labels: channel, outcome (sent, retried, dead_letter)
	NotifyAttemptsTotal *prometheus.CounterVec

	// ─── Storage ───────────────────────────────────────────────────────────────

	// DurableWriteLatency records BoltDB write transaction latency.
	DurableWriteLatency prometheus.Histogram

	// HotStoreErrorsTotal counts Redis command failures.
	HotStoreErrorsTotal prometheus.Counter

	// ─── Cluster sync (supplemented) ──────────────────────────────────────────

	// ClusterEnvelopesReceivedTotal counts inbound replica-sync envelopes.
	// Labels: accepted (true, false)
	ClusterEnvelopesReceivedTotal *prometheus.CounterVec

	// ClusterEnvelopesSentTotal counts envelopes sent to peer replicas.
	ClusterEnvelopesSentTotal prometheus.Counter

	// ─── Audit (supplemented) ─────────────────────────────────────────────────

	// AuditViolationsTotal counts structural invariant violations caught by
	// internal/audit. Labels: kind
	AuditViolationsTotal *prometheus.CounterVec

	// ─── Agent ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all siemcore Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "ingest",
			Name:      "events_received_total",
			Help:      "Total raw syslog frames accepted by a listener, by transport.",
		}, []string{"transport"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "ingest",
			Name:      "events_dropped_total",
			Help:      "Total frames dropped before normalization, by reason.",
		}, []string{"reason"}),

		IngestQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "siemcore",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Current depth of a listener's bounded ingestion queue.",
		}, []string{"transport"}),

		NormalizeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "normalize",
			Name:      "failures_total",
			Help:      "Total frames that failed classification in the normalizer.",
		}),

		SecurityEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "normalize",
			Name:      "security_events_total",
			Help:      "Total normalized security events emitted, by kind.",
		}, []string{"kind"}),

		ClockSkewClampedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "normalize",
			Name:      "clock_skew_clamped_total",
			Help:      "Total events whose event_time was clamped to ingest_time.",
		}),

		CandidatesEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "detect",
			Name:      "candidates_emitted_total",
			Help:      "Total threat candidates emitted by a detection engine, by kind.",
		}, []string{"kind"}),

		DetectionStateTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "siemcore",
			Subsystem: "detect",
			Name:      "state_tracked",
			Help:      "Current number of tracked (tenant, source_ip) detection windows.",
		}),

		DetectionDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "detect",
			Name:      "degraded_total",
			Help:      "Total candidates produced while the hot store was unavailable.",
		}),

		DetectionLateEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "detect",
			Name:      "late_events_total",
			Help:      "Total events arriving too late to score, logged but dropped, by kind.",
		}, []string{"kind"}),

		SuppressionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "filter",
			Name:      "suppressions_total",
			Help:      "Total candidates suppressed before alerting, by reason.",
		}, []string{"reason"}),

		WhitelistEntriesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "siemcore",
			Subsystem: "filter",
			Name:      "whitelist_entries_active",
			Help:      "Current number of non-expired whitelist entries, by kind.",
		}, []string{"kind"}),

		AlertsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "alertmgr",
			Name:      "alerts_created_total",
			Help:      "Total newly created alerts, by severity.",
		}, []string{"severity"}),

		AlertsDeduplicatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "alertmgr",
			Name:      "alerts_deduplicated_total",
			Help:      "Total candidates folded into an existing open alert.",
		}),

		AlertTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "alertmgr",
			Name:      "transitions_total",
			Help:      "Total alert lifecycle transitions, by from_status and to_status.",
		}, []string{"from_status", "to_status"}),

		PushSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "siemcore",
			Subsystem: "notify",
			Name:      "push_sessions_active",
			Help:      "Current number of connected websocket push subscribers.",
		}),

		PushDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "notify",
			Name:      "push_dropped_total",
			Help:      "Total push messages dropped due to a full session outbound queue.",
		}),

		NotifyAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "Total notifier delivery attempts, by channel and outcome.",
		}, []string{"channel", "outcome"}),

		DurableWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "siemcore",
			Subsystem: "storage",
			Name:      "durable_write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		HotStoreErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "storage",
			Name:      "hot_store_errors_total",
			Help:      "Total Redis command failures observed by the hot store.",
		}),

		ClusterEnvelopesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "cluster",
			Name:      "envelopes_received_total",
			Help:      "Total replica-sync envelopes received, by acceptance status.",
		}, []string{"accepted"}),

		ClusterEnvelopesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "cluster",
			Name:      "envelopes_sent_total",
			Help:      "Total replica-sync envelopes sent to peers.",
		}),

		AuditViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siemcore",
			Subsystem: "audit",
			Name:      "violations_total",
			Help:      "Total structural invariant violations detected, by kind.",
		}, []string{"kind"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "siemcore",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.EventsReceivedTotal,
		m.EventsDroppedTotal,
		m.IngestQueueDepth,
		m.NormalizeFailuresTotal,
		m.SecurityEventsTotal,
		m.ClockSkewClampedTotal,
		m.CandidatesEmittedTotal,
		m.DetectionStateTracked,
		m.DetectionDegradedTotal,
		m.DetectionLateEventsTotal,
		m.SuppressionsTotal,
		m.WhitelistEntriesActive,
		m.AlertsCreatedTotal,
		m.AlertsDeduplicatedTotal,
		m.AlertTransitionsTotal,
		m.PushSessionsActive,
		m.PushDroppedTotal,
		m.NotifyAttemptsTotal,
		m.DurableWriteLatency,
		m.HotStoreErrorsTotal,
		m.ClusterEnvelopesReceivedTotal,
		m.ClusterEnvelopesSentTotal,
		m.AuditViolationsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails. Binds addr (e.g.
// "127.0.0.1:9091") and serves GET /metrics and GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
