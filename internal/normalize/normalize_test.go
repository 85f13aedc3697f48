package normalize

import (
	"testing"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

func rawEvent(msg string, receiptTime time.Time) model.RawEvent {
	return model.RawEvent{
		ReceiptTime: receiptTime,
		Bytes:       []byte(msg),
		PeerAddr:    "203.0.113.9:4455",
		Transport:   model.TransportTCP,
		TenantID:    "tenant-a",
	}
}

func TestNormalize_AuthFailure(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	msg := "<34>1 2026-07-31T09:00:00Z myhost sshd 1 - - Failed password for invalid user admin from 203.0.113.5 port 4444 ssh2"
	ev, ok := n.Normalize(rawEvent(msg, now))
	if !ok {
		t.Fatal("expected Normalize to succeed")
	}
	if ev.Kind != model.EventAuthFailure {
		t.Fatalf("expected auth_failure, got %q", ev.Kind)
	}
	if ev.SourceIP != "203.0.113.5" {
		t.Fatalf("expected source IP 203.0.113.5, got %q", ev.SourceIP)
	}
	if ev.Username != "admin" {
		t.Fatalf("expected username admin, got %q", ev.Username)
	}
	if ev.TenantID != "tenant-a" {
		t.Fatalf("expected tenant propagated, got %q", ev.TenantID)
	}
	if ev.EventID == "" {
		t.Fatal("expected a generated event ID")
	}
}

func TestNormalize_AuthSuccess(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Now()
	msg := "<34>1 - myhost sshd 1 - - Accepted password for alice from 203.0.113.5 port 4444 ssh2"
	ev, ok := n.Normalize(rawEvent(msg, now))
	if !ok {
		t.Fatal("expected Normalize to succeed")
	}
	if ev.Kind != model.EventAuthSuccess {
		t.Fatalf("expected auth_success, got %q", ev.Kind)
	}
	if ev.Username != "alice" {
		t.Fatalf("expected username alice, got %q", ev.Username)
	}
}

func TestNormalize_PortAccess(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Now()
	msg := "<4>1 - myhost kernel 1 - - IN=eth0 OUT= src=203.0.113.5 dst=10.0.0.1 proto=TCP dpt=22 connection attempt to port refused"
	ev, ok := n.Normalize(rawEvent(msg, now))
	if !ok {
		t.Fatal("expected Normalize to succeed")
	}
	if ev.Kind != model.EventPortAccess {
		t.Fatalf("expected port_access, got %q", ev.Kind)
	}
	if ev.DestPort != 22 {
		t.Fatalf("expected dest port 22, got %d", ev.DestPort)
	}
}

func TestNormalize_RhostUserPrecedesOtherUserPatterns(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Now()
	msg := "<34>1 - myhost sshd 1 - - pam_unix(sshd:auth): authentication failure; rhost=203.0.113.5 user=bob"
	ev, ok := n.Normalize(rawEvent(msg, now))
	if !ok {
		t.Fatal("expected Normalize to succeed")
	}
	if ev.Username != "bob" {
		t.Fatalf("expected username bob extracted via rhost/user pairing, got %q", ev.Username)
	}
}

func TestNormalize_FallsBackToHostnameIPLiteral(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Now()
	msg := "<34>1 - 203.0.113.5 sshd 1 - - Failed password for root"
	ev, ok := n.Normalize(rawEvent(msg, now))
	if !ok {
		t.Fatal("expected Normalize to succeed using the hostname IP-literal fallback")
	}
	if ev.SourceIP != "203.0.113.5" {
		t.Fatalf("expected source IP from hostname fallback, got %q", ev.SourceIP)
	}
}

func TestNormalize_NoSourceIPDrops(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Now()
	msg := "<34>1 - myhost sshd 1 - - Failed password for root"
	_, ok := n.Normalize(rawEvent(msg, now))
	if ok {
		t.Fatal("expected Normalize to drop an event lacking any extractable source IP")
	}
}

func TestNormalize_UnattributedTenantDrops(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Now()
	raw := rawEvent("<34>1 - myhost sshd 1 - - Failed password for root from 203.0.113.5", now)
	raw.TenantID = ""
	_, ok := n.Normalize(raw)
	if ok {
		t.Fatal("expected Normalize to drop an event with no resolved tenant")
	}
}

func TestNormalize_MalformedFrameDrops(t *testing.T) {
	n := New(0, observability.NewMetrics())
	raw := rawEvent("not a valid syslog frame", time.Now())
	_, ok := n.Normalize(raw)
	if ok {
		t.Fatal("expected Normalize to drop an unparseable frame")
	}
}

func TestNormalize_DestPortOutOfRangeIgnored(t *testing.T) {
	n := New(0, observability.NewMetrics())
	now := time.Now()
	msg := "<4>1 - myhost kernel 1 - - src=203.0.113.5 dpt=70000 deny"
	ev, ok := n.Normalize(rawEvent(msg, now))
	if !ok {
		t.Fatal("expected Normalize to succeed")
	}
	if ev.DestPort != 0 {
		t.Fatalf("expected an out-of-range dpt to be ignored, got %d", ev.DestPort)
	}
}

func TestNormalize_ClockSkewClampsFarFutureTimestamp(t *testing.T) {
	metrics := observability.NewMetrics()
	n := New(time.Minute, metrics)
	receipt := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	future := receipt.Add(time.Hour)
	msg := "<34>1 " + future.Format(time.RFC3339) + " myhost sshd 1 - - Failed password for root from 203.0.113.5"
	ev, ok := n.Normalize(rawEvent(msg, receipt))
	if !ok {
		t.Fatal("expected Normalize to succeed")
	}
	if !ev.Clamped {
		t.Fatal("expected a far-future event_time to be clamped")
	}
	if !ev.EventTime.Equal(receipt) {
		t.Fatalf("expected event_time to be clamped to ingest time, got %v", ev.EventTime)
	}
}

func TestNormalize_WithinAllowanceNotClamped(t *testing.T) {
	n := New(time.Hour, observability.NewMetrics())
	receipt := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	near := receipt.Add(30 * time.Minute)
	msg := "<34>1 " + near.Format(time.RFC3339) + " myhost sshd 1 - - Failed password for root from 203.0.113.5"
	ev, ok := n.Normalize(rawEvent(msg, receipt))
	if !ok {
		t.Fatal("expected Normalize to succeed")
	}
	if ev.Clamped {
		t.Fatal("did not expect an event within the skew allowance to be clamped")
	}
	if !ev.EventTime.Equal(near) {
		t.Fatalf("expected event_time preserved, got %v", ev.EventTime)
	}
}

func TestNormalize_DefaultClockSkewAllowanceAppliedWhenNonPositive(t *testing.T) {
	n := New(-time.Second, observability.NewMetrics())
	if n.clockSkewAllowance != DefaultClockSkewAllowance {
		t.Fatalf("expected non-positive allowance to fall back to the default, got %v", n.clockSkewAllowance)
	}
}
