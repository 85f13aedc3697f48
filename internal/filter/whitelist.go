package filter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
)

// DurableStore is the subset of storage.DB the static whitelist is
// refreshed from.
type DurableStore interface {
	ListWhitelistEntries(tenantID string) ([]model.WhitelistEntry, error)
}

// DynamicChecker is the subset of storage.HotStore the dynamic
// whitelist tier reads through to. target is always model.TargetIP's
// string value ("ip") — dynamic whitelisting applies to source IP
// only, never username, to avoid an attacker earning trust by
// guessing a valid username.
type DynamicChecker interface {
	IsDynamicallyWhitelisted(ctx context.Context, tenantID, target, value string) (bool, string, error)
	PutDynamicWhitelist(ctx context.Context, tenantID, target, value, reason string, ttl time.Duration) error
}

// StaticWhitelist is a read-mostly, in-memory mirror of the durable
// static whitelist, refreshed periodically — concurrent readers never
// block on the durable store. A sync.RWMutex-guarded map keyed by
// tenant.
type StaticWhitelist struct {
	durable DurableStore

	mu      sync.RWMutex
	byTenant map[string][]model.WhitelistEntry
}

// NewStaticWhitelist constructs an empty StaticWhitelist backed by durable.
func NewStaticWhitelist(durable DurableStore) *StaticWhitelist {
	return &StaticWhitelist{durable: durable, byTenant: make(map[string][]model.WhitelistEntry)}
}

// Refresh reloads tenantID's static entries from the durable store.
// Intended to be called periodically (e.g. every 30s) and once at
// startup for each known tenant, plus on demand after an admin-socket
// whitelist mutation.
func (s *StaticWhitelist) Refresh(tenantID string) error {
	entries, err := s.durable.ListWhitelistEntries(tenantID)
	if err != nil {
		return fmt.Errorf("filter: refresh static whitelist for %q: %w", tenantID, err)
	}
	var static []model.WhitelistEntry
	for _, e := range entries {
		if e.Kind == model.WhitelistStatic {
			static = append(static, e)
		}
	}
	s.mu.Lock()
	s.byTenant[tenantID] = static
	s.mu.Unlock()
	return nil
}

// Matches reports whether sourceIP or username matches any static entry
// for tenantID.
func (s *StaticWhitelist) Matches(tenantID, sourceIP, username string) bool {
	s.mu.RLock()
	entries := s.byTenant[tenantID]
	s.mu.RUnlock()

	for _, e := range entries {
		switch e.Target {
		case model.TargetIP:
			if e.Value == sourceIP {
				return true
			}
		case model.TargetCIDR:
			if _, ipnet, err := net.ParseCIDR(e.Value); err == nil {
				if ip := net.ParseIP(sourceIP); ip != nil && ipnet.Contains(ip) {
					return true
				}
			}
		case model.TargetUser:
			if username != "" && e.Value == username {
				return true
			}
		case model.TargetUserIP:
			if username != "" && e.Value == username+"@"+sourceIP {
				return true
			}
		}
	}
	return false
}

// cidrListContains reports whether sourceIP falls within any of cidrs.
func cidrListContains(cidrs []string, sourceIP string) bool {
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, c := range cidrs {
		if _, ipnet, err := net.ParseCIDR(c); err == nil && ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
