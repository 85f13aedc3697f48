package filter

import (
	"errors"
	"testing"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
)

type fakeDurableStore struct {
	entries map[string][]model.WhitelistEntry
	err     error
}

func (f *fakeDurableStore) ListWhitelistEntries(tenantID string) ([]model.WhitelistEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[tenantID], nil
}

func TestStaticWhitelist_Refresh_FiltersNonStaticEntries(t *testing.T) {
	durable := &fakeDurableStore{entries: map[string][]model.WhitelistEntry{
		"tenant-a": {
			{TenantID: "tenant-a", Kind: model.WhitelistStatic, Target: model.TargetIP, Value: "203.0.113.5"},
			{TenantID: "tenant-a", Kind: model.WhitelistDynamic, Target: model.TargetIP, Value: "198.51.100.9"},
		},
	}}
	w := NewStaticWhitelist(durable)
	if err := w.Refresh("tenant-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Matches("tenant-a", "203.0.113.5", "") {
		t.Fatal("expected the static entry to match")
	}
	if w.Matches("tenant-a", "198.51.100.9", "") {
		t.Fatal("expected the dynamic entry to be excluded from the static mirror")
	}
}

func TestStaticWhitelist_Refresh_PropagatesStoreError(t *testing.T) {
	durable := &fakeDurableStore{err: errors.New("durable store unavailable")}
	w := NewStaticWhitelist(durable)
	if err := w.Refresh("tenant-a"); err == nil {
		t.Fatal("expected an error when the durable store fails")
	}
}

func TestStaticWhitelist_Matches_CIDR(t *testing.T) {
	durable := &fakeDurableStore{entries: map[string][]model.WhitelistEntry{
		"tenant-a": {{TenantID: "tenant-a", Kind: model.WhitelistStatic, Target: model.TargetCIDR, Value: "203.0.113.0/24"}},
	}}
	w := NewStaticWhitelist(durable)
	_ = w.Refresh("tenant-a")

	if !w.Matches("tenant-a", "203.0.113.200", "") {
		t.Fatal("expected an address within the CIDR to match")
	}
	if w.Matches("tenant-a", "198.51.100.5", "") {
		t.Fatal("did not expect an address outside the CIDR to match")
	}
}

func TestStaticWhitelist_Matches_User(t *testing.T) {
	durable := &fakeDurableStore{entries: map[string][]model.WhitelistEntry{
		"tenant-a": {{TenantID: "tenant-a", Kind: model.WhitelistStatic, Target: model.TargetUser, Value: "svc-backup"}},
	}}
	w := NewStaticWhitelist(durable)
	_ = w.Refresh("tenant-a")

	if !w.Matches("tenant-a", "203.0.113.5", "svc-backup") {
		t.Fatal("expected a matching username to match regardless of source IP")
	}
	if w.Matches("tenant-a", "203.0.113.5", "someone-else") {
		t.Fatal("did not expect a non-matching username to match")
	}
}

func TestStaticWhitelist_Matches_UserIP(t *testing.T) {
	durable := &fakeDurableStore{entries: map[string][]model.WhitelistEntry{
		"tenant-a": {{TenantID: "tenant-a", Kind: model.WhitelistStatic, Target: model.TargetUserIP, Value: "svc-backup@203.0.113.5"}},
	}}
	w := NewStaticWhitelist(durable)
	_ = w.Refresh("tenant-a")

	if !w.Matches("tenant-a", "203.0.113.5", "svc-backup") {
		t.Fatal("expected the exact user@ip pair to match")
	}
	if w.Matches("tenant-a", "198.51.100.9", "svc-backup") {
		t.Fatal("did not expect a mismatched source IP to match")
	}
}

func TestStaticWhitelist_Matches_IsolatedPerTenant(t *testing.T) {
	durable := &fakeDurableStore{entries: map[string][]model.WhitelistEntry{
		"tenant-a": {{TenantID: "tenant-a", Kind: model.WhitelistStatic, Target: model.TargetIP, Value: "203.0.113.5"}},
	}}
	w := NewStaticWhitelist(durable)
	_ = w.Refresh("tenant-a")

	if w.Matches("tenant-b", "203.0.113.5", "") {
		t.Fatal("did not expect tenant-a's whitelist entry to leak into tenant-b")
	}
}

func TestStaticWhitelist_Matches_NoEntriesBeforeRefresh(t *testing.T) {
	w := NewStaticWhitelist(&fakeDurableStore{})
	if w.Matches("tenant-a", "203.0.113.5", "") {
		t.Fatal("did not expect any match before Refresh has been called")
	}
}

func TestStaticWhitelist_Matches_ExpiredEntryStillStatic(t *testing.T) {
	// Static entries never expire (ExpiresAt is only meaningful for
	// dynamic/learned entries); Matches performs no expiry check itself.
	future := time.Now().Add(-time.Hour)
	durable := &fakeDurableStore{entries: map[string][]model.WhitelistEntry{
		"tenant-a": {{TenantID: "tenant-a", Kind: model.WhitelistStatic, Target: model.TargetIP, Value: "203.0.113.5", ExpiresAt: &future}},
	}}
	w := NewStaticWhitelist(durable)
	_ = w.Refresh("tenant-a")
	if !w.Matches("tenant-a", "203.0.113.5", "") {
		t.Fatal("expected Matches to ignore ExpiresAt for static entries")
	}
}
