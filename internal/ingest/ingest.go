// Package ingest implements siemcore's syslog receivers: UDP, TCP,
// and TLS listeners that accept syslog frames, attribute them to a
// tenant, and emit model.RawEvent onto a bounded queue for the
// normalizer (internal/normalize) to consume.
//
// Architecture:
//
//	[UDP/TCP/TLS listener goroutine]
//	      ↓  (RawEvent, bounded channel, cap=ListenerQueueCapacity)
//	[Parse worker pool, min(4, NCPU) workers]
//	      ↓
//	[internal/normalize]
//
// Backpressure: each listener owns its own bounded channel, but UDP and
// TCP/TLS react to a full queue differently, per spec. UDP has no
// connection to stall, so a full queue drops the datagram and increments
// siemcore_ingest_events_dropped_total with reason="queue_full" — the
// UDP read loop is never blocked waiting on downstream consumers. TCP
// and TLS instead block the enqueue (and so stop reading the
// connection) when the queue is full: the backpressure is applied at
// the socket, not by dropping frames, and is only interrupted by ctx
// cancellation.
//
// Failure modes are all locally recovered: a malformed frame, an
// unattributable tenant, or a transport error never halts the listener
// or propagates past this package. Every drop is counted.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

// MaxUDPFrameBytes is the maximum accepted UDP datagram size: an 8 KiB
// ceiling. TCP/TLS frames are capped by Config.MaxFrameBytes.
const MaxUDPFrameBytes = 8192

// TenantResolver resolves the owning tenant for a RawEvent using the
// attribution chain described in attribution.go. Implemented by this
// package's staticTenantResolver (NewStaticTenantResolver), built by the
// caller from the tenant registry and injected here to keep this
// package free of a storage dependency.
type TenantResolver interface {
	// ResolveByStructuredData looks up a tenant by an explicit tenant=<id>
	// key found in RFC5424 structured data. Returns "" if absent.
	ResolveByStructuredData(id string) string

	// ResolveBySNI looks up a tenant by TLS SNI hostname. Returns "" if no match.
	ResolveBySNI(sni string) string

	// ResolveByPeerIP performs a longest-prefix CIDR match against every
	// tenant's registered networks. Returns "" if no match.
	ResolveByPeerIP(peerIP string) string
}

// Listener is the common shape of the UDP, TCP, and TLS receivers: each
// owns a bounded output queue and reports drops/acceptances to metrics.
type Listener struct {
	name     string // "udp", "tcp", "tls" — used as the metrics transport label
	queue    chan model.RawEvent
	queueCap int
	metrics  *observability.Metrics
	log      *zap.Logger
}

func newListener(name string, queueCap int, metrics *observability.Metrics, log *zap.Logger) *Listener {
	return &Listener{
		name:     name,
		queue:    make(chan model.RawEvent, queueCap),
		queueCap: queueCap,
		metrics:  metrics,
		log:      log.With(zap.String("listener", name)),
	}
}

// Events returns the channel parse workers should drain.
func (l *Listener) Events() <-chan model.RawEvent {
	return l.queue
}

// enqueue attempts a non-blocking send, dropping and counting on overflow.
// Used by the UDP listener, which has no connection to stall.
func (l *Listener) enqueue(ctx context.Context, ev model.RawEvent) {
	l.metrics.EventsReceivedTotal.WithLabelValues(l.name).Inc()
	l.metrics.IngestQueueDepth.WithLabelValues(l.name).Set(float64(len(l.queue)))

	select {
	case l.queue <- ev:
	case <-ctx.Done():
	default:
		l.metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		l.log.Debug("listener queue full, dropping frame",
			zap.String("peer", ev.PeerAddr))
	}
}

// enqueueBlocking sends on the queue, blocking until there is room. Used
// by the TCP and TLS listeners: a full queue stalls the calling
// connection's read loop instead of dropping the frame, applying
// backpressure at the socket. Only ctx cancellation interrupts the
// block.
func (l *Listener) enqueueBlocking(ctx context.Context, ev model.RawEvent) {
	l.metrics.EventsReceivedTotal.WithLabelValues(l.name).Inc()
	l.metrics.IngestQueueDepth.WithLabelValues(l.name).Set(float64(len(l.queue)))

	select {
	case l.queue <- ev:
	case <-ctx.Done():
	}
}

// frameReadDeadline bounds a single read on a connection-oriented listener.
const frameReadDeadline = 30 * time.Second

// tlsHandshakeDeadline bounds the TLS handshake on the TLS listener.
const tlsHandshakeDeadline = 10 * time.Second
