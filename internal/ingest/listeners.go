package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
	"github.com/sentrystack/siemcore/internal/syslogfmt"
)

// Config configures the three receivers. Mirrors internal/config's
// IngestConfig; kept separate so this package has no config dependency.
type Config struct {
	UDPAddr string
	TCPAddr string
	TLSAddr string

	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	MaxFrameBytes         int
	ListenerQueueCapacity int
	ReadTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
}

// Receivers owns all active listeners and exposes their merged RawEvent
// output to the caller's parse worker pool.
type Receivers struct {
	cfg      Config
	resolver TenantResolver
	metrics  *observability.Metrics
	log      *zap.Logger

	udp *Listener
	tcp *Listener
	tls *Listener
}

// NewReceivers constructs the UDP/TCP/TLS listeners described by cfg.
// A listener is omitted when its address is empty.
func NewReceivers(cfg Config, resolver TenantResolver, metrics *observability.Metrics, log *zap.Logger) *Receivers {
	r := &Receivers{cfg: cfg, resolver: resolver, metrics: metrics, log: log}
	if cfg.UDPAddr != "" {
		r.udp = newListener("udp", cfg.ListenerQueueCapacity, metrics, log)
	}
	if cfg.TCPAddr != "" {
		r.tcp = newListener("tcp", cfg.ListenerQueueCapacity, metrics, log)
	}
	if cfg.TLSAddr != "" {
		r.tls = newListener("tls", cfg.ListenerQueueCapacity, metrics, log)
	}
	return r
}

// Events merges every active listener's output into one channel. Closed
// once ctx is cancelled and all listeners have stopped producing.
func (r *Receivers) Events(ctx context.Context) <-chan model.RawEvent {
	out := make(chan model.RawEvent, r.cfg.ListenerQueueCapacity)
	var active []*Listener
	for _, l := range []*Listener{r.udp, r.tcp, r.tls} {
		if l != nil {
			active = append(active, l)
		}
	}

	done := make(chan struct{}, len(active))
	for _, l := range active {
		l := l
		go func() {
			for ev := range l.Events() {
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			}
			done <- struct{}{}
		}()
	}

	go func() {
		for range active {
			<-done
		}
		close(out)
	}()

	return out
}

// Run starts every configured listener. Blocks until ctx is cancelled;
// each listener goroutine shuts down its socket and closes its queue.
// Returns the first fatal bind error, if any (parse/frame errors never
// reach this return — they are recovered per-connection).
func (r *Receivers) Run(ctx context.Context) error {
	errCh := make(chan error, 3)
	running := 0

	if r.udp != nil {
		running++
		go func() { errCh <- r.runUDP(ctx) }()
	}
	if r.tcp != nil {
		running++
		go func() { errCh <- r.runTCP(ctx) }()
	}
	if r.tls != nil {
		running++
		go func() { errCh <- r.runTLS(ctx) }()
	}

	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

func (r *Receivers) runUDP(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.UDPAddr)
	if err != nil {
		return fmt.Errorf("ingest: resolve udp addr %q: %w", r.cfg.UDPAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("ingest: listen udp %q: %w", r.cfg.UDPAddr, err)
	}
	defer conn.Close()
	defer close(r.udp.queue)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	// One byte of headroom so a datagram over MaxUDPFrameBytes reads as
	// oversized instead of being silently truncated to the limit.
	buf := make([]byte, MaxUDPFrameBytes+1)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(frameReadDeadline))
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			r.log.Warn("udp read error", zap.Error(err))
			continue
		}
		if n > MaxUDPFrameBytes || n > r.cfg.MaxFrameBytes {
			r.metrics.EventsDroppedTotal.WithLabelValues("frame_too_large").Inc()
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		r.dispatch(ctx, r.udp, frame, peer.String(), model.TransportUDP, "")
	}
}

func (r *Receivers) runTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("ingest: listen tcp %q: %w", r.cfg.TCPAddr, err)
	}
	defer ln.Close()
	defer close(r.tcp.queue)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("tcp accept error", zap.Error(err))
			continue
		}
		go r.serveStream(ctx, r.tcp, conn, model.TransportTCP, "")
	}
}

func (r *Receivers) runTLS(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(r.cfg.TLSCertFile, r.cfg.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("ingest: load tls cert/key: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if r.cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(r.cfg.TLSCAFile)
		if err != nil {
			return fmt.Errorf("ingest: read tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("ingest: no certificates in tls ca file %q", r.cfg.TLSCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	ln, err := tls.Listen("tcp", r.cfg.TLSAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("ingest: listen tls %q: %w", r.cfg.TLSAddr, err)
	}
	defer ln.Close()
	defer close(r.tls.queue)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("tls accept error", zap.Error(err))
			continue
		}

		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			_ = conn.Close()
			continue
		}
		go r.serveTLSStream(ctx, tlsConn)
	}
}

// serveTLSStream performs the handshake (to recover the negotiated SNI
// hostname) before handing off to the shared stream-framing loop.
func (r *Receivers) serveTLSStream(ctx context.Context, conn *tls.Conn) {
	_ = conn.SetDeadline(time.Now().Add(tlsHandshakeDeadline))
	if err := conn.HandshakeContext(ctx); err != nil {
		r.log.Debug("tls handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	sni := conn.ConnectionState().ServerName
	r.serveStream(ctx, r.tls, conn, model.TransportTLS, sni)
}

// serveStream reads RFC6587-framed syslog messages from a TCP or TLS
// connection until EOF, a read timeout, or ctx cancellation.
func (r *Receivers) serveStream(ctx context.Context, l *Listener, conn net.Conn, transport model.Transport, sni string) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	peer := conn.RemoteAddr().String()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		frame, err := readFrame(br, r.cfg.MaxFrameBytes)
		if err != nil {
			var tooLarge *ErrFrameTooLarge
			if errors.As(err, &tooLarge) {
				r.metrics.EventsDroppedTotal.WithLabelValues("frame_too_large").Inc()
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				r.log.Debug("stream closed", zap.String("peer", peer), zap.Error(err))
			}
			return
		}
		r.dispatch(ctx, l, frame, peer, transport, sni)
	}
}

// dispatch resolves the tenant and enqueues the RawEvent, or drops and
// counts if the frame fails the minimal malformed-PRI check or cannot be
// attributed to a tenant.
func (r *Receivers) dispatch(ctx context.Context, l *Listener, frame []byte, peer string, transport model.Transport, sni string) {
	now := time.Now().UTC()

	parsed, err := syslogfmt.Parse(frame, now)
	if err != nil {
		r.metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}

	tenantID := attribute(r.resolver, parsed, peer, sni)
	if tenantID == "" {
		r.metrics.EventsDroppedTotal.WithLabelValues("untenanted").Inc()
		return
	}

	ev := model.RawEvent{
		ReceiptTime: now,
		Bytes:       frame,
		PeerAddr:    peer,
		Transport:   transport,
		TenantID:    tenantID,
	}

	// UDP has no connection to stall, so it drops on a full queue; TCP
	// and TLS block (stalling that connection's reads) so the
	// downstream queue's backpressure reaches the socket instead of
	// silently dropping frames.
	if transport == model.TransportUDP {
		l.enqueue(ctx, ev)
	} else {
		l.enqueueBlocking(ctx, ev)
	}
}
