package notify

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

// Registry owns every live push Session, keyed by (tenant_id,
// session_id). Guarded by a single RWMutex — session churn is low
// relative to alert throughput, so a bounded map behind one lock is
// preferred over per-session locking here.
type Registry struct {
	metrics *observability.Metrics
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty push session Registry.
func NewRegistry(metrics *observability.Metrics, log *zap.Logger) *Registry {
	return &Registry{metrics: metrics, log: log, sessions: make(map[string]*Session)}
}

func sessionKey(tenantID, sessionID string) string {
	return tenantID + "\x00" + sessionID
}

// Register adds a newly authenticated websocket connection and starts
// its write loop. The caller has already validated the bearer token
// against the tenant membership claim; Register performs no
// authentication itself.
func (r *Registry) Register(tenantID, sessionID string, conn *websocket.Conn) *Session {
	s := newSession(tenantID, sessionID, conn, r.log)

	r.mu.Lock()
	r.sessions[sessionKey(tenantID, sessionID)] = s
	r.mu.Unlock()

	r.metrics.PushSessionsActive.Inc()
	go func() {
		s.run(r.metrics)
		r.unregister(tenantID, sessionID)
	}()
	return s
}

func (r *Registry) unregister(tenantID, sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionKey(tenantID, sessionID))
	r.mu.Unlock()
	r.metrics.PushSessionsActive.Dec()
}

// Broadcast enqueues msg on every session belonging to tenantID. A
// session whose queue is already full drops its oldest message and the
// overflow is counted (notify.session.overflow / PushDroppedTotal).
func (r *Registry) Broadcast(tenantID string, alert model.Alert) {
	msg := AlertMessageFrom(alert)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.TenantID != tenantID {
			continue
		}
		if s.Enqueue(msg) {
			r.metrics.PushDroppedTotal.Inc()
		}
	}
}

// Close closes every tracked session, for graceful shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}
