// Package detect implements per-(tenant, source_ip) stateful brute
// force and port-scan detection.
//
// Sharding: state is partitioned by hash(tenant_id, source_ip) mod N
// across N shards (default NCPU). Each shard owns its slice of state
// exclusively behind its own mutex — there are no cross-shard locks,
// one owner per (tenant, source_ip) pair. Within a shard, events for
// the same (tenant, source_ip) are processed in arrival order;
// ordering across different source IPs, even within the same shard,
// is not promised.
//
// Degradation: detect optionally mirrors window observations to a hot
// store (internal/storage.HotStore) so a cluster replica picking up a
// tenant's shard after failover has a warm view. A hot-store error never
// blocks detection — the in-process shard state remains authoritative —
// but the resulting candidate is tagged Degraded=true and its confidence
// halved.
package detect

import (
	"context"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

// Config holds the tunable detection parameters.
type Config struct {
	BFWindow             time.Duration
	BFThreshold          int
	BFUserDiversityBonus float64

	PSWindow    time.Duration
	PSThreshold int

	ShardCount int

	// IdleTTL is the duration of inactivity after which a
	// (tenant, source_ip)'s entire state is evicted. Default 2x the
	// larger of BFWindow/PSWindow.
	IdleTTL time.Duration
}

// HotStore is the subset of storage.HotStore the engine writes through
// to for warm cluster failover. Defined here so tests can substitute a
// fake without importing Redis.
type HotStore interface {
	RecordObservation(ctx context.Context, kind, tenantID, sourceIP, member string, at, windowStart time.Time, ttl time.Duration) (int64, error)
	ClearWindow(ctx context.Context, kind, tenantID, sourceIP string) error
}

// Engine owns all detection shards and dispatches SecurityEvents to the
// shard that exclusively owns their (tenant, source_ip) key.
type Engine struct {
	cfg     Config
	shards  []*shard
	hot     HotStore
	metrics *observability.Metrics
	log     *zap.Logger
}

// New constructs an Engine with cfg.ShardCount shards. hot may be nil to
// run fully in-process (no cluster warm-failover, no degradation path
// engaged).
func New(cfg Config, hot HotStore, metrics *observability.Metrics, log *zap.Logger) *Engine {
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	e := &Engine{cfg: cfg, hot: hot, metrics: metrics, log: log}
	e.shards = make([]*shard, cfg.ShardCount)
	for i := range e.shards {
		e.shards[i] = newShard(cfg, hot, metrics, log)
	}
	return e
}

// shardFor returns the shard owning (tenantID, sourceIP).
func (e *Engine) shardFor(tenantID, sourceIP string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(sourceIP))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Process routes ev to its owning shard and returns any ThreatCandidate
// produced. A zero-value, ok=false result means no candidate was emitted
// for this event (the common case).
func (e *Engine) Process(ctx context.Context, ev model.SecurityEvent) (model.ThreatCandidate, bool) {
	return e.shardFor(ev.TenantID, ev.SourceIP).process(ctx, ev)
}

// TrackedCount returns the total number of (tenant, source_ip) states
// currently held across all shards, for the state_tracked gauge.
func (e *Engine) TrackedCount() int {
	n := 0
	for _, s := range e.shards {
		n += s.count()
	}
	return n
}

// EvictIdle sweeps every shard for states idle longer than cfg.IdleTTL.
// Intended to be called periodically (e.g. every minute) by the caller's
// maintenance goroutine.
func (e *Engine) EvictIdle(now time.Time) {
	for _, s := range e.shards {
		s.evictIdle(now)
	}
}
