package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TenantAuthenticator validates a bearer token against a tenant
// membership claim, returning the tenant_id it grants access to.
type TenantAuthenticator interface {
	Authenticate(token string) (tenantID string, ok bool)
}

// WSServer exposes the push subscription endpoint (GET /v1/alerts/stream)
// as a plain net/http server, matching observability.Metrics.ServeMetrics's
// mux-plus-graceful-shutdown shape rather than a separate framework.
type WSServer struct {
	registry *Registry
	auth     TenantAuthenticator
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewWSServer constructs a WSServer backed by registry.
func NewWSServer(registry *Registry, auth TenantAuthenticator, log *zap.Logger) *WSServer {
	return &WSServer{
		registry: registry,
		auth:     auth,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ListenAndServe binds addr and serves the push endpoint until ctx is
// cancelled.
func (s *WSServer) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/alerts/stream", s.handleStream)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming connection, no fixed write deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.registry.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("notify: push server on %s: %w", addr, err)
	}
	return nil
}

func (s *WSServer) handleStream(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	tenantID, ok := s.auth.Authenticate(token)
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("notify: websocket upgrade failed", zap.Error(err))
		return
	}

	s.registry.Register(tenantID, uuid.NewString(), conn)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
