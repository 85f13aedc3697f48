// Package notify implements push session
// management and outbound delivery (push/email/webhook), handed
// filtered, deduplicated Alerts by internal/alertmgr.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
)

// pushQueueCapacity is the bounded per-session outbound queue depth.
const pushQueueCapacity = 256

// heartbeatInterval and idleTimeout implement the push session
// lifecycle's liveness contract.
const (
	heartbeatInterval = 30 * time.Second
	idleTimeout       = 90 * time.Second
)

// AlertMessage is the compact JSON payload pushed to subscribers.
type AlertMessage struct {
	AlertID          string    `json:"alert_id"`
	Kind             string    `json:"kind"`
	Severity         string    `json:"severity"`
	Risk             float64   `json:"risk"`
	SourceIP         string    `json:"source_ip"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	CorrelationGroup string    `json:"correlation_group,omitempty"`
}

// AlertMessageFrom builds the wire payload for a.
func AlertMessageFrom(a model.Alert) AlertMessage {
	return AlertMessage{
		AlertID:          a.AlertID,
		Kind:             string(a.Kind),
		Severity:         string(a.Severity),
		Risk:             a.Risk,
		SourceIP:         a.SourceIP,
		FirstSeen:        a.FirstSeen,
		LastSeen:         a.LastSeen,
		CorrelationGroup: a.CorrelationGroup,
	}
}

// Session is one authenticated websocket subscriber. Its outbound
// queue is drop-oldest-on-full: a slow subscriber loses history, never
// the connection itself (the inverse of the ingestion path's
// drop-newest behavior, since here the newest alert is the one most
// worth keeping).
type Session struct {
	TenantID  string
	SessionID string

	conn *websocket.Conn
	log  *zap.Logger

	mu      sync.Mutex
	queue   []AlertMessage
	closeCh chan struct{}
	closed  bool
}

func newSession(tenantID, sessionID string, conn *websocket.Conn, log *zap.Logger) *Session {
	return &Session{
		TenantID:  tenantID,
		SessionID: sessionID,
		conn:      conn,
		log:       log,
		closeCh:   make(chan struct{}),
	}
}

// Enqueue appends msg to the session's outbound queue, dropping the
// oldest queued message if already at capacity. Returns true if an
// older message was dropped (the caller increments
// notify.session.overflow / PushDroppedTotal).
func (s *Session) Enqueue(msg AlertMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := false
	if len(s.queue) >= pushQueueCapacity {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, msg)
	return dropped
}

// drain pops every currently queued message.
func (s *Session) drain() []AlertMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queue
	s.queue = nil
	return msgs
}

// run drives the session's write loop: flush queued messages, send
// heartbeats, and enforce the 90s idle timeout. Returns when the
// connection closes or ctx-equivalent shutdown is signaled via Close.
func (s *Session) run(metrics *observability.Metrics) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	lastActivity := time.Now()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			if time.Since(lastActivity) > idleTimeout {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNoStatusReceived, ""),
					time.Now().Add(5*time.Second))
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
			for _, msg := range s.drain() {
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
				lastActivity = time.Now()
			}
		}
	}
}

// Close stops the session's write loop and closes its connection. Safe
// to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeCh)
}
