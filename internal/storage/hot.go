// Package storage — hot.go
//
// Redis-backed "hot state" for siemcore: detection windows (sliding
// failure/port-access observations), behavioral profile counters, and
// dynamic whitelist entries. Everything here is TTL-native and
// high-churn — the opposite of durable.go's BoltDB-backed, rarely-pruned
// data.
//
// Key namespace: "siemcore:" prefix, followed by a data-kind segment and
// a tenant/source_ip-scoped suffix, e.g.:
//
//	siemcore:window:brute_force:<tenant_id>:<source_ip>   sorted set, TTL = window + idle multiplier
//	siemcore:profile:<tenant_id>:<principal>               JSON string, no TTL
//	siemcore:whitelist:dynamic:<tenant_id>:<target>:<value> string, TTL = entry lifetime
//
// Availability: the hot store is a best-effort accelerator, not a
// durability boundary. A detection engine observing a hot-store error
// degrades (internal/detect marks the resulting candidate Degraded=true
// and continues using in-process fallback state) rather than blocking
// ingestion — see internal/detect's package doc for the degradation
// contract this implements.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisAddr is the default Redis endpoint.
const DefaultRedisAddr = "127.0.0.1:6379"

// ErrUnavailable wraps any hot-store error the caller should treat as a
// signal to degrade rather than fail the calling operation.
var ErrUnavailable = errors.New("hot store unavailable")

// HotStore is the Redis-backed accelerator for detection/profile/whitelist
// state.
type HotStore struct {
	rdb *redis.Client
}

// OpenHot connects to Redis at addr and verifies connectivity with a ping.
func OpenHot(addr, password string, db int) (*HotStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}

	return &HotStore{rdb: rdb}, nil
}

// Close shuts down the underlying Redis client.
func (h *HotStore) Close() error {
	return h.rdb.Close()
}

func windowKey(kind, tenantID, sourceIP string) string {
	return fmt.Sprintf("siemcore:window:%s:%s:%s", kind, tenantID, sourceIP)
}

// RecordObservation appends an observation timestamp (score) and an
// opaque member (e.g. an event ID, or event ID + username for brute-force
// diversity accounting) to a detection window sorted set, trims anything
// older than windowStart, and refreshes the key's TTL to ttl.
//
// Returns the number of members remaining in the window after the trim,
// which the caller compares against its threshold.
func (h *HotStore) RecordObservation(ctx context.Context, kind, tenantID, sourceIP string, member string, at time.Time, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := windowKey(kind, tenantID, sourceIP)

	pipe := h.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", windowStart.UnixNano()))
	pipe.Expire(ctx, key, ttl)
	card := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: RecordObservation: %v", ErrUnavailable, err)
	}
	return card.Val(), nil
}

// WindowMembers returns the current members of a detection window, oldest
// first. Used to extract evidence (event IDs) and compute diversity
// bonuses (e.g. distinct usernames attempted).
func (h *HotStore) WindowMembers(ctx context.Context, kind, tenantID, sourceIP string) ([]string, error) {
	key := windowKey(kind, tenantID, sourceIP)
	members, err := h.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: WindowMembers: %v", ErrUnavailable, err)
	}
	return members, nil
}

// ClearWindow deletes a detection window outright, used after a
// candidate has been emitted and the engine re-arms.
func (h *HotStore) ClearWindow(ctx context.Context, kind, tenantID, sourceIP string) error {
	if err := h.rdb.Del(ctx, windowKey(kind, tenantID, sourceIP)).Err(); err != nil {
		return fmt.Errorf("%w: ClearWindow: %v", ErrUnavailable, err)
	}
	return nil
}

// ─── Behavioral profile counters ───────────────────────────────────────────────

func profileKey(tenantID, principal string) string {
	return fmt.Sprintf("siemcore:profile:%s:%s", tenantID, principal)
}

// ProfileSnapshot is the persisted form of a rolling behavioral profile.
type ProfileSnapshot struct {
	MeanIntervalSeconds float64 `json:"mean_interval_seconds"`
	StddevInterval      float64 `json:"stddev_interval_seconds"`
	OffHoursRatio       float64 `json:"off_hours_ratio"`
	SampleCount         int     `json:"sample_count"`
	LastEventUnixNano   int64   `json:"last_event_unix_nano"`
}

// SaveProfile persists a rolling profile snapshot with no expiry — active
// principals are expected to touch their profile often enough that it
// never goes stale; internal/profile is responsible for evicting
// principals it no longer tracks.
func (h *HotStore) SaveProfile(ctx context.Context, tenantID, principal string, snap ProfileSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("SaveProfile marshal: %w", err)
	}
	if err := h.rdb.Set(ctx, profileKey(tenantID, principal), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: SaveProfile: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadProfile retrieves a rolling profile snapshot. Returns (nil, nil) if
// no profile has been recorded yet for this principal.
func (h *HotStore) LoadProfile(ctx context.Context, tenantID, principal string) (*ProfileSnapshot, error) {
	data, err := h.rdb.Get(ctx, profileKey(tenantID, principal)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: LoadProfile: %v", ErrUnavailable, err)
	}
	var snap ProfileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("LoadProfile unmarshal: %w", err)
	}
	return &snap, nil
}

// ─── Dynamic whitelist ──────────────────────────────────────────────────────────

func dynamicWhitelistKey(tenantID, target, value string) string {
	return fmt.Sprintf("siemcore:whitelist:dynamic:%s:%s:%s", tenantID, target, value)
}

// PutDynamicWhitelist writes a TTL'd dynamic whitelist entry (one earned
// by the filter's success-streak rule, or added by the admin socket's
// temporary-allow operation).
func (h *HotStore) PutDynamicWhitelist(ctx context.Context, tenantID, target, value, reason string, ttl time.Duration) error {
	key := dynamicWhitelistKey(tenantID, target, value)
	if err := h.rdb.Set(ctx, key, reason, ttl).Err(); err != nil {
		return fmt.Errorf("%w: PutDynamicWhitelist: %v", ErrUnavailable, err)
	}
	return nil
}

// IsDynamicallyWhitelisted reports whether a dynamic whitelist entry is
// currently in force, and its recorded reason.
func (h *HotStore) IsDynamicallyWhitelisted(ctx context.Context, tenantID, target, value string) (bool, string, error) {
	reason, err := h.rdb.Get(ctx, dynamicWhitelistKey(tenantID, target, value)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("%w: IsDynamicallyWhitelisted: %v", ErrUnavailable, err)
	}
	return true, reason, nil
}

// DeleteDynamicWhitelist removes a dynamic whitelist entry before its TTL
// expires (admin socket unpin operation).
func (h *HotStore) DeleteDynamicWhitelist(ctx context.Context, tenantID, target, value string) error {
	if err := h.rdb.Del(ctx, dynamicWhitelistKey(tenantID, target, value)).Err(); err != nil {
		return fmt.Errorf("%w: DeleteDynamicWhitelist: %v", ErrUnavailable, err)
	}
	return nil
}
