package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

type countingNotifier struct {
	mu       sync.Mutex
	attempts int
	failN    int // fail the first failN attempts, then succeed
	channel  string
}

func (c *countingNotifier) Channel() string {
	if c.channel == "" {
		return "webhook"
	}
	return c.channel
}

func (c *countingNotifier) Send(ctx context.Context, alert model.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.failN {
		return context.DeadlineExceeded
	}
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

type fakeDeadLetterSink struct {
	mu    sync.Mutex
	count int
}

func (f *fakeDeadLetterSink) DeadLetter(channel string, alert model.Alert, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *fakeDeadLetterSink) get() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func TestRetryPool_SucceedsFirstAttempt(t *testing.T) {
	metrics := observability.NewMetrics()
	sink := &fakeDeadLetterSink{}
	pool := NewRetryPool(2, metrics, sink)
	defer pool.Close()

	n := &countingNotifier{}
	pool.Submit(n, model.Alert{AlertID: "a1"})

	waitFor(t, func() bool { return n.count() == 1 })
	if sink.get() != 0 {
		t.Fatalf("expected no dead letters, got %d", sink.get())
	}
}

func TestRetryPool_ExhaustsAndDeadLetters(t *testing.T) {
	metrics := observability.NewMetrics()
	sink := &fakeDeadLetterSink{}
	pool := NewRetryPool(2, metrics, sink)
	defer pool.Close()

	n := &countingNotifier{failN: maxAttempts}
	pool.Submit(n, model.Alert{AlertID: "a2"})

	waitFor(t, func() bool { return sink.get() == 1 })
	if n.count() != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, n.count())
	}
}

func TestRetryPool_RecoversAfterTransientFailure(t *testing.T) {
	metrics := observability.NewMetrics()
	sink := &fakeDeadLetterSink{}
	pool := NewRetryPool(2, metrics, sink)
	defer pool.Close()

	n := &countingNotifier{failN: 1}
	pool.Submit(n, model.Alert{AlertID: "a3"})

	waitFor(t, func() bool { return n.count() == 2 })
	if sink.get() != 0 {
		t.Fatalf("expected no dead letters after eventual success, got %d", sink.get())
	}
}

func TestLogDeadLetterSink_DoesNotPanic(t *testing.T) {
	s := &LogDeadLetterSink{Log: zap.NewNop()}
	s.DeadLetter("email", model.Alert{AlertID: "a4"}, context.DeadlineExceeded)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	// Long enough for the full 1s + 5s (+20% jitter) backoff sequence.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
