package audit

import (
	"math"
	"testing"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
)

func validCandidate() model.ThreatCandidate {
	now := time.Now()
	return model.ThreatCandidate{
		TenantID:   "tenant-a",
		SourceIP:   "203.0.113.5",
		Kind:       model.ThreatBruteForce,
		FirstSeen:  now.Add(-time.Minute),
		LastSeen:   now,
		Evidence:   []string{"evt-1", "evt-2"},
		RawRisk:    0.8,
		Confidence: 0.9,
	}
}

func TestCheckCandidate_Valid(t *testing.T) {
	if err := CheckCandidate(validCandidate()); err != nil {
		t.Fatalf("expected no violation, got: %v", err)
	}
}

func TestCheckCandidate_NaNRisk(t *testing.T) {
	c := validCandidate()
	c.RawRisk = math.NaN()

	err := CheckCandidate(c)
	if err == nil {
		t.Fatal("expected violation for NaN risk")
	}
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "nan_inf_risk" {
		t.Errorf("expected nan_inf_risk, got %s", v.Kind)
	}
}

func TestCheckCandidate_UnboundedRisk(t *testing.T) {
	c := validCandidate()
	c.RawRisk = 1.5

	err := CheckCandidate(c)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "unbounded_risk" {
		t.Errorf("expected unbounded_risk, got %s", v.Kind)
	}
}

func TestCheckCandidate_InfConfidence(t *testing.T) {
	c := validCandidate()
	c.Confidence = math.Inf(1)

	err := CheckCandidate(c)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "nan_inf_confidence" {
		t.Errorf("expected nan_inf_confidence, got %s", v.Kind)
	}
}

func TestCheckCandidate_NonMonotonicWindow(t *testing.T) {
	c := validCandidate()
	c.LastSeen = c.FirstSeen.Add(-time.Second)

	err := CheckCandidate(c)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "non_monotonic_window" {
		t.Errorf("expected non_monotonic_window, got %s", v.Kind)
	}
}

func TestCheckCandidate_MissingEvidence(t *testing.T) {
	c := validCandidate()
	c.Evidence = nil

	err := CheckCandidate(c)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "missing_evidence" {
		t.Errorf("expected missing_evidence, got %s", v.Kind)
	}
}

func TestCheckCandidate_MissingTenant(t *testing.T) {
	c := validCandidate()
	c.TenantID = ""

	err := CheckCandidate(c)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "missing_tenant" {
		t.Errorf("expected missing_tenant, got %s", v.Kind)
	}
}

func validAlert() model.Alert {
	now := time.Now()
	return model.Alert{
		AlertID:   "alert-1",
		TenantID:  "tenant-a",
		SourceIP:  "203.0.113.5",
		Kind:      model.ThreatBruteForce,
		Status:    model.AlertOpen,
		Severity:  model.SeverityHigh,
		Risk:      0.8,
		Evidence:  []string{"evt-1"},
		FirstSeen: now.Add(-time.Minute),
		LastSeen:  now,
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now,
	}
}

func TestCheckAlert_Valid(t *testing.T) {
	if err := CheckAlert(validAlert()); err != nil {
		t.Fatalf("expected no violation, got: %v", err)
	}
}

func TestCheckAlert_NaNRisk(t *testing.T) {
	a := validAlert()
	a.Risk = math.NaN()

	err := CheckAlert(a)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "nan_inf_risk" {
		t.Errorf("expected nan_inf_risk, got %s", v.Kind)
	}
}

func TestCheckAlert_NonMonotonicUpdate(t *testing.T) {
	a := validAlert()
	a.UpdatedAt = a.CreatedAt.Add(-time.Second)

	err := CheckAlert(a)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "non_monotonic_update" {
		t.Errorf("expected non_monotonic_update, got %s", v.Kind)
	}
}

func TestCheckAlert_MissingFingerprint(t *testing.T) {
	a := validAlert()
	a.AlertID = ""

	err := CheckAlert(a)
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "missing_fingerprint" {
		t.Errorf("expected missing_fingerprint, got %s", v.Kind)
	}
}

func TestChecker_CheckEventOrdering_Monotonic(t *testing.T) {
	c := NewChecker()
	base := time.Now().UnixNano()

	if err := c.CheckEventOrdering("tenant-a", base); err != nil {
		t.Fatalf("first event should never violate: %v", err)
	}
	if err := c.CheckEventOrdering("tenant-a", base+int64(time.Second)); err != nil {
		t.Fatalf("forward-moving event should not violate: %v", err)
	}
}

func TestChecker_CheckEventOrdering_WithinGrace(t *testing.T) {
	c := NewChecker()
	base := time.Now().UnixNano()

	if err := c.CheckEventOrdering("tenant-a", base); err != nil {
		t.Fatalf("unexpected violation: %v", err)
	}
	// Small regression, within the clock-skew grace window, is tolerated.
	if err := c.CheckEventOrdering("tenant-a", base-int64(time.Second)); err != nil {
		t.Fatalf("expected no violation for small regression: %v", err)
	}
}

func TestChecker_CheckEventOrdering_Regression(t *testing.T) {
	c := NewChecker()
	base := time.Now().UnixNano()

	if err := c.CheckEventOrdering("tenant-a", base); err != nil {
		t.Fatalf("unexpected violation: %v", err)
	}
	err := c.CheckEventOrdering("tenant-a", base-int64(10*time.Second))
	if err == nil {
		t.Fatal("expected violation for large time regression")
	}
	v, ok := err.(Violation)
	if !ok {
		t.Fatalf("expected Violation, got %T", err)
	}
	if v.Kind != "non_monotonic_time" {
		t.Errorf("expected non_monotonic_time, got %s", v.Kind)
	}
}

func TestChecker_CheckEventOrdering_IsolatedPerTenant(t *testing.T) {
	c := NewChecker()
	base := time.Now().UnixNano()

	if err := c.CheckEventOrdering("tenant-a", base); err != nil {
		t.Fatalf("unexpected violation: %v", err)
	}
	// A different tenant starting "earlier" must not trip tenant-a's state.
	if err := c.CheckEventOrdering("tenant-b", base-int64(time.Hour)); err != nil {
		t.Fatalf("expected no cross-tenant violation: %v", err)
	}
}

func TestViolation_Error(t *testing.T) {
	v := Violation{Kind: "nan_inf_risk", Message: "raw_risk=NaN"}
	got := v.Error()
	if got == "" {
		t.Fatal("expected non-empty error string")
	}
}
