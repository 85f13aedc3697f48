package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

// Bounded retry policy for email/webhook delivery: at-least-once,
// three attempts, exponential backoff with jitter.
const (
	maxAttempts    = 3
	backoffBase    = time.Second
	backoffFactor  = 5
	jitterFraction = 0.2
)

// deadLetter is one notification that exhausted its retry budget.
type deadLetter struct {
	Channel string
	Alert   model.Alert
	Err     error
	At      time.Time
}

// DeadLetterSink receives notifications that could not be delivered
// after maxAttempts. The default is a structured log line; an operator
// may supply any sink that satisfies this (durable queue, file, etc.).
type DeadLetterSink interface {
	DeadLetter(channel string, alert model.Alert, err error)
}

// LogDeadLetterSink logs exhausted deliveries via zap. This is the
// default sink — a dead letter is never silently dropped.
type LogDeadLetterSink struct {
	Log *zap.Logger
}

func (l *LogDeadLetterSink) DeadLetter(channel string, alert model.Alert, err error) {
	l.Log.Error("notify: delivery exhausted retries",
		zap.String("channel", channel),
		zap.String("alert_id", alert.AlertID),
		zap.String("tenant_id", alert.TenantID),
		zap.Error(err))
}

// job is one queued delivery attempt.
type job struct {
	notifier Notifier
	alert    model.Alert
	attempt  int
}

// RetryPool drives bounded-retry, at-least-once delivery for a set of
// Notifiers (email, webhook), each job processed by a small pool of
// worker goroutines. Retries are rescheduled on their own timer rather
// than blocking a worker, so a single slow backoff never starves the
// queue.
type RetryPool struct {
	metrics    *observability.Metrics
	deadLetter DeadLetterSink

	jobs   chan job
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewRetryPool starts workers workers draining an internally buffered
// job queue. Call Close to drain in-flight jobs and stop the pool.
func NewRetryPool(workers int, metrics *observability.Metrics, deadLetter DeadLetterSink) *RetryPool {
	if workers <= 0 {
		workers = 1
	}
	p := &RetryPool{
		metrics:    metrics,
		deadLetter: deadLetter,
		jobs:       make(chan job, 1024),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues alert for delivery through n. Non-blocking unless the
// internal queue is saturated, in which case it blocks briefly — the
// queue is sized generously relative to expected alert volume.
func (p *RetryPool) Submit(n Notifier, alert model.Alert) {
	select {
	case p.jobs <- job{notifier: n, alert: alert, attempt: 1}:
	case <-p.stopCh:
	}
}

func (p *RetryPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.attempt(j)
		case <-p.stopCh:
			return
		}
	}
}

func (p *RetryPool) attempt(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	channel := j.notifier.Channel()
	err := j.notifier.Send(ctx, j.alert)
	if err == nil {
		p.metrics.NotifyAttemptsTotal.WithLabelValues(channel, "sent").Inc()
		return
	}

	if j.attempt >= maxAttempts {
		p.metrics.NotifyAttemptsTotal.WithLabelValues(channel, "dead_letter").Inc()
		p.deadLetter.DeadLetter(channel, j.alert, err)
		return
	}

	p.metrics.NotifyAttemptsTotal.WithLabelValues(channel, "retried").Inc()
	delay := backoffDelay(j.attempt)
	next := job{notifier: j.notifier, alert: j.alert, attempt: j.attempt + 1}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case p.jobs <- next:
			case <-p.stopCh:
			}
		case <-p.stopCh:
		}
	}()
}

// backoffDelay returns the delay before the given attempt's retry:
// 1s, 5s, 25s for attempts 1, 2, 3, each jittered by ±20% to avoid
// synchronized retry storms across many alerts.
func backoffDelay(attempt int) time.Duration {
	base := backoffBase
	for i := 1; i < attempt; i++ {
		base *= backoffFactor
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(base) * jitter)
}

// Close stops accepting new work and waits for in-flight jobs (and any
// pending retry timers) to finish or abandon.
func (p *RetryPool) Close() {
	close(p.stopCh)
	p.wg.Wait()
}
