package model

import (
	"testing"
	"time"
)

func TestWhitelistEntry_Expired(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	static := WhitelistEntry{TenantID: "tenant-a", ExpiresAt: nil}
	if static.Expired(now) {
		t.Fatal("a static entry with no ExpiresAt should never be expired")
	}

	past := now.Add(-time.Hour)
	expired := WhitelistEntry{TenantID: "tenant-a", ExpiresAt: &past}
	if !expired.Expired(now) {
		t.Fatal("expected an entry whose ExpiresAt is before now to be expired")
	}

	future := now.Add(time.Hour)
	notYetExpired := WhitelistEntry{TenantID: "tenant-a", ExpiresAt: &future}
	if notYetExpired.Expired(now) {
		t.Fatal("did not expect an entry whose ExpiresAt is after now to be expired")
	}

	exact := now
	boundary := WhitelistEntry{TenantID: "tenant-a", ExpiresAt: &exact}
	if boundary.Expired(now) {
		t.Fatal("an entry expiring exactly at now should not yet be considered expired")
	}
}
