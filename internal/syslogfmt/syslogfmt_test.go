package syslogfmt

import (
	"testing"
	"time"
)

func TestParse_RFC5424_Basic(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	raw := []byte("<34>1 2026-07-31T09:00:00Z myhost sshd 4521 ID47 - login failure for root")
	msg, err := Parse(raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.RFC5424 {
		t.Fatal("expected RFC5424 to be true")
	}
	if msg.Facility != 4 || msg.Severity != 2 {
		t.Fatalf("expected facility=4 severity=2 from PRI 34, got facility=%d severity=%d", msg.Facility, msg.Severity)
	}
	if !msg.TimestampValid || !msg.Timestamp.Equal(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp: %+v valid=%v", msg.Timestamp, msg.TimestampValid)
	}
	if msg.Hostname != "myhost" || msg.AppName != "sshd" || msg.ProcID != "4521" || msg.MsgID != "ID47" {
		t.Fatalf("unexpected header fields: %+v", msg)
	}
	if msg.StructuredData != nil {
		t.Fatalf("expected nil structured data for \"-\", got %+v", msg.StructuredData)
	}
	if msg.Msg != "login failure for root" {
		t.Fatalf("unexpected message body: %q", msg.Msg)
	}
}

func TestParse_RFC5424_StructuredData(t *testing.T) {
	now := time.Now()
	raw := []byte(`<34>1 2026-07-31T09:00:00Z myhost sshd - - [meta@32473 tenant="tenant-a" ip="203.0.113.5"] login failure`)
	msg, err := Parse(raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sd, ok := msg.StructuredData["meta@32473"]
	if !ok {
		t.Fatalf("expected a meta@32473 structured-data element, got %+v", msg.StructuredData)
	}
	if sd["tenant"] != "tenant-a" || sd["ip"] != "203.0.113.5" {
		t.Fatalf("unexpected structured-data params: %+v", sd)
	}
	if msg.Msg != "login failure" {
		t.Fatalf("unexpected message body: %q", msg.Msg)
	}
}

func TestParse_RFC5424_MultipleStructuredDataElements(t *testing.T) {
	now := time.Now()
	raw := []byte(`<34>1 2026-07-31T09:00:00Z myhost sshd - - [a@1 k="v"][b@2 k2="v2"] msg body`)
	msg, err := Parse(raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.StructuredData["a@1"]["k"] != "v" || msg.StructuredData["b@2"]["k2"] != "v2" {
		t.Fatalf("unexpected multi-element structured data: %+v", msg.StructuredData)
	}
}

func TestParse_RFC5424_NilFieldsUseDash(t *testing.T) {
	now := time.Now()
	raw := []byte("<34>1 - - - - - - -")
	msg, err := Parse(raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TimestampValid {
		t.Fatal("expected a \"-\" timestamp field to leave TimestampValid false")
	}
	if msg.Hostname != "" || msg.AppName != "" || msg.ProcID != "" || msg.MsgID != "" {
		t.Fatalf("expected all dash fields to be empty, got %+v", msg)
	}
}

func TestParse_RFC3164_Basic(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	raw := []byte("<13>Jul 31 09:00:00 myhost sshd[1234]: login failure for root")
	msg, err := Parse(raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.RFC5424 {
		t.Fatal("expected RFC5424 to be false for an RFC3164 frame")
	}
	if msg.Hostname != "myhost" {
		t.Fatalf("unexpected hostname: %q", msg.Hostname)
	}
	if msg.AppName != "sshd" {
		t.Fatalf("unexpected app name: %q", msg.AppName)
	}
	if msg.Msg != "login failure for root" {
		t.Fatalf("unexpected message body: %q", msg.Msg)
	}
	wantTS := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	if !msg.TimestampValid || !msg.Timestamp.Equal(wantTS) {
		t.Fatalf("unexpected timestamp: %+v valid=%v", msg.Timestamp, msg.TimestampValid)
	}
}

func TestParse_RFC3164_YearBoundaryRollsBack(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	// Dec 31 at "now"'s year would land more than 1h in the future relative
	// to now, so the parser should roll the year back by one.
	raw := []byte("<13>Dec 31 23:00:00 myhost sshd: boot message")
	msg, err := Parse(raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Timestamp.Year() != 2025 {
		t.Fatalf("expected the timestamp year to roll back to 2025, got %d", msg.Timestamp.Year())
	}
}

func TestParse_RFC3164_NoTagBracket(t *testing.T) {
	now := time.Now()
	raw := []byte("<13>Jul 31 09:00:00 myhost sshd: login failure")
	msg, err := Parse(raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.AppName != "sshd" {
		t.Fatalf("unexpected app name: %q", msg.AppName)
	}
	if msg.Msg != "login failure" {
		t.Fatalf("unexpected message body: %q", msg.Msg)
	}
}

func TestParse_InvalidPRI(t *testing.T) {
	now := time.Now()
	if _, err := Parse([]byte("no priority here at all"), now); err != ErrInvalidPRI {
		t.Fatalf("expected ErrInvalidPRI, got %v", err)
	}
}

func TestParse_PRIOutOfRange(t *testing.T) {
	now := time.Now()
	if _, err := Parse([]byte("<999>1 2026-07-31T09:00:00Z h a 1 - - msg"), now); err != ErrInvalidPRI {
		t.Fatalf("expected ErrInvalidPRI for an out-of-range PRI, got %v", err)
	}
}

func TestParse_Truncated(t *testing.T) {
	now := time.Now()
	if _, err := Parse([]byte("<3>"), now); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestParse_RFC5424_TruncatedHeader(t *testing.T) {
	now := time.Now()
	if _, err := Parse([]byte("<34>1 2026-07-31T09:00:00Z myhost"), now); err == nil {
		t.Fatal("expected an error for a truncated RFC5424 header")
	}
}

func TestParse_RFC3164_UnparsableTimestampFallsBackToInvalid(t *testing.T) {
	now := time.Now()
	raw := []byte("<13>NotAMonth 31 09:00:00 myhost sshd: msg")
	_, err := Parse(raw, now)
	if err == nil {
		t.Fatal("expected an error when the RFC3164 timestamp prefix cannot be matched")
	}
}
