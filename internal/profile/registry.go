package profile

import (
	"context"
	"sync"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/storage"
)

// HotStore is the subset of storage.HotStore the registry persists
// profiles through, defined locally so tests can substitute a fake.
type HotStore interface {
	SaveProfile(ctx context.Context, tenantID, principal string, snap storage.ProfileSnapshot) error
	LoadProfile(ctx context.Context, tenantID, principal string) (*storage.ProfileSnapshot, error)
}

// Registry owns every tracked Profile, keyed by (tenant, principal),
// guarded by a single RWMutex bounded by the number of distinct
// principals ever observed for a tenant — one bounded map behind one
// mutex, one entry per principal.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile

	hot HotStore
}

// NewRegistry constructs an empty Registry. hot may be nil to run
// fully in-process with no cross-restart persistence.
func NewRegistry(hot HotStore) *Registry {
	return &Registry{profiles: make(map[string]*Profile), hot: hot}
}

func registryKey(tenantID, principal string) string {
	return tenantID + "\x00" + principal
}

// Get returns the Profile for (tenantID, principal), creating (and, if a
// hot store is configured, attempting to restore) it on first access.
func (r *Registry) Get(ctx context.Context, tenantID, principal string) *Profile {
	key := registryKey(tenantID, principal)

	r.mu.RLock()
	p, ok := r.profiles[key]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[key]; ok {
		return p
	}

	p = New(tenantID, principal)
	if r.hot != nil {
		if snap, err := r.hot.LoadProfile(ctx, tenantID, principal); err == nil && snap != nil {
			p = Restore(tenantID, principal, snap.MeanIntervalSeconds, snap.StddevInterval,
				snap.OffHoursRatio, snap.SampleCount, time.Unix(0, snap.LastEventUnixNano).UTC())
		}
	}
	r.profiles[key] = p
	return p
}

// Observe records one successful login and best-effort mirrors the
// updated snapshot to the hot store. Never blocks or fails the caller
// on a hot-store error.
func (r *Registry) Observe(ctx context.Context, tenantID, principal string, eventTime time.Time, isOffHours bool) Snapshot {
	p := r.Get(ctx, tenantID, principal)
	p.Observe(eventTime, isOffHours)
	snap := p.Classify()

	if r.hot != nil {
		mean, stddev, offHours, count, lastSeen := p.AsSnapshotFields()
		_ = r.hot.SaveProfile(ctx, tenantID, principal, storage.ProfileSnapshot{
			MeanIntervalSeconds: mean,
			StddevInterval:      stddev,
			OffHoursRatio:       offHours,
			SampleCount:         count,
			LastEventUnixNano:   lastSeen.UnixNano(),
		})
	}
	return snap
}

// Classify returns the current classification for (tenantID, principal)
// without recording a new observation. Returns ClassUnknown if the
// principal has never been observed.
func (r *Registry) Classify(ctx context.Context, tenantID, principal string) Snapshot {
	r.mu.RLock()
	p, ok := r.profiles[registryKey(tenantID, principal)]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{TenantID: tenantID, Principal: principal, Classification: model.ClassUnknown}
	}
	return p.Classify()
}

// Count returns the number of tracked profiles, for metrics/diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// EvictIdle removes profiles that have not been observed for longer
// than idleTTL.
func (r *Registry) EvictIdle(now time.Time, idleTTL time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.profiles {
		if now.Sub(p.LastSeen()) > idleTTL {
			delete(r.profiles, key)
		}
	}
}
