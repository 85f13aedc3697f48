package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersWithoutPanic(t *testing.T) {
	// NewMetrics uses a dedicated registry per call; constructing several
	// in the same test process must never hit a duplicate-registration
	// panic the way reusing prometheus.DefaultRegisterer would.
	m1 := NewMetrics()
	m2 := NewMetrics()
	if m1 == m2 {
		t.Fatal("expected distinct Metrics instances")
	}
}

func TestMetrics_CountersIncrement(t *testing.T) {
	m := NewMetrics()

	m.EventsReceivedTotal.WithLabelValues("udp").Inc()
	m.EventsReceivedTotal.WithLabelValues("udp").Inc()
	if got := testutil.ToFloat64(m.EventsReceivedTotal.WithLabelValues("udp")); got != 2 {
		t.Fatalf("expected counter value 2, got %f", got)
	}

	m.CandidatesEmittedTotal.WithLabelValues("brute_force").Inc()
	if got := testutil.ToFloat64(m.CandidatesEmittedTotal.WithLabelValues("brute_force")); got != 1 {
		t.Fatalf("expected counter value 1, got %f", got)
	}
}

func TestMetrics_GaugeSet(t *testing.T) {
	m := NewMetrics()
	m.DetectionStateTracked.Set(42)
	if got := testutil.ToFloat64(m.DetectionStateTracked); got != 42 {
		t.Fatalf("expected gauge value 42, got %f", got)
	}
}

func TestMetrics_ServeMetrics_HealthzAndMetricsEndpoints(t *testing.T) {
	m := NewMetrics()
	m.EventsReceivedTotal.WithLabelValues("tcp").Inc()

	addr := freeLocalAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.ServeMetrics(ctx, addr) }()

	url := fmt.Sprintf("http://%s/healthz", addr)
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("expected /healthz to become reachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	metricsResp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		t.Fatalf("unexpected error fetching /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", metricsResp.StatusCode)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected ServeMetrics to return after context cancellation")
	}
}

func freeLocalAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error finding a free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
