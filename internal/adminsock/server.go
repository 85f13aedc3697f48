// Package adminsock exposes a minimal local control-plane seam: tenant
// upsert, static whitelist CRUD, and alert ack/resolve — nothing more.
// No HTTP, no auth UI, no dashboard; this is the typed socket protocol
// an external admin surface calls into, not the admin surface itself.
//
// Newline-delimited JSON over a Unix domain socket, 0600/root-only
// permissions, a small connection semaphore, 10s read/write deadlines.
package adminsock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/model"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 8192
	connTimeout        = 10 * time.Second
)

// TenantStore is the subset of storage.DB used for tenant upsert.
type TenantStore interface {
	PutTenant(t model.Tenant) error
	GetTenant(id string) (*model.Tenant, error)
}

// WhitelistStore is the subset of storage.DB used for whitelist CRUD,
// plus the in-memory cache that must be refreshed after a mutation.
type WhitelistStore interface {
	PutWhitelistEntry(e model.WhitelistEntry) error
	DeleteWhitelistEntry(tenantID string, target model.WhitelistTarget, value string) error
	ListWhitelistEntries(tenantID string) ([]model.WhitelistEntry, error)
}

// WhitelistRefresher is notified after a whitelist mutation so the
// in-memory StaticWhitelist cache (internal/filter) stays consistent.
type WhitelistRefresher interface {
	Refresh(tenantID string) error
}

// AlertStore is the subset of alertmgr.Manager used for ack/resolve.
type AlertStore interface {
	Transition(ctx context.Context, tenantID, alertID string, to model.AlertStatus) error
}

// Request is the JSON structure for one admin command.
type Request struct {
	Cmd string `json:"cmd"` // tenant_upsert | whitelist_put | whitelist_delete | whitelist_list | alert_ack | alert_resolve

	Tenant *model.Tenant `json:"tenant,omitempty"`

	TenantID string `json:"tenant_id,omitempty"`
	Target   string `json:"target,omitempty"` // whitelist target kind: ip, cidr, user, user@ip
	Value    string `json:"value,omitempty"`
	Reason   string `json:"reason,omitempty"`
	TTLSecs  int64  `json:"ttl_seconds,omitempty"`

	AlertID string `json:"alert_id,omitempty"`
}

// Response is the JSON structure for one admin command's result.
type Response struct {
	OK        bool                  `json:"ok"`
	Error     string                `json:"error,omitempty"`
	Entries   []model.WhitelistEntry `json:"entries,omitempty"`
}

// Server is the admin Unix domain socket server.
type Server struct {
	socketPath string
	tenants    TenantStore
	whitelist  WhitelistStore
	refresher  WhitelistRefresher
	alerts     AlertStore
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer constructs an admin Server.
func NewServer(socketPath string, tenants TenantStore, whitelist WhitelistStore, refresher WhitelistRefresher, alerts AlertStore, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		tenants:    tenants,
		whitelist:  whitelist,
		refresher:  refresher,
		alerts:     alerts,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the admin socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminsock: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("adminsock: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminsock: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("adminsock: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("adminsock: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("adminsock: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("adminsock: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "tenant_upsert":
		return s.cmdTenantUpsert(req)
	case "whitelist_put":
		return s.cmdWhitelistPut(req)
	case "whitelist_delete":
		return s.cmdWhitelistDelete(req)
	case "whitelist_list":
		return s.cmdWhitelistList(req)
	case "alert_ack":
		return s.cmdAlertTransition(ctx, req, model.AlertInvestigating)
	case "alert_resolve":
		return s.cmdAlertTransition(ctx, req, model.AlertResolved)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdTenantUpsert(req Request) Response {
	if req.Tenant == nil || req.Tenant.ID == "" {
		return Response{OK: false, Error: "tenant (with id) required"}
	}
	if err := s.tenants.PutTenant(*req.Tenant); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("adminsock: tenant upserted", zap.String("tenant_id", req.Tenant.ID))
	return Response{OK: true}
}

func (s *Server) cmdWhitelistPut(req Request) Response {
	if req.TenantID == "" || req.Target == "" || req.Value == "" {
		return Response{OK: false, Error: "tenant_id, target, and value required"}
	}
	entry := model.WhitelistEntry{
		TenantID:  req.TenantID,
		Kind:      model.WhitelistStatic,
		Target:    model.WhitelistTarget(req.Target),
		Value:     req.Value,
		Reason:    req.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if req.TTLSecs > 0 {
		exp := time.Now().UTC().Add(time.Duration(req.TTLSecs) * time.Second)
		entry.ExpiresAt = &exp
	}
	if err := s.whitelist.PutWhitelistEntry(entry); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if s.refresher != nil {
		if err := s.refresher.Refresh(req.TenantID); err != nil {
			s.log.Warn("adminsock: whitelist cache refresh failed", zap.Error(err))
		}
	}
	s.log.Info("adminsock: whitelist entry added",
		zap.String("tenant_id", req.TenantID), zap.String("target", req.Target), zap.String("value", req.Value))
	return Response{OK: true}
}

func (s *Server) cmdWhitelistDelete(req Request) Response {
	if req.TenantID == "" || req.Target == "" || req.Value == "" {
		return Response{OK: false, Error: "tenant_id, target, and value required"}
	}
	if err := s.whitelist.DeleteWhitelistEntry(req.TenantID, model.WhitelistTarget(req.Target), req.Value); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if s.refresher != nil {
		if err := s.refresher.Refresh(req.TenantID); err != nil {
			s.log.Warn("adminsock: whitelist cache refresh failed", zap.Error(err))
		}
	}
	s.log.Info("adminsock: whitelist entry removed",
		zap.String("tenant_id", req.TenantID), zap.String("target", req.Target), zap.String("value", req.Value))
	return Response{OK: true}
}

func (s *Server) cmdWhitelistList(req Request) Response {
	if req.TenantID == "" {
		return Response{OK: false, Error: "tenant_id required"}
	}
	entries, err := s.whitelist.ListWhitelistEntries(req.TenantID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Entries: entries}
}

func (s *Server) cmdAlertTransition(ctx context.Context, req Request, to model.AlertStatus) Response {
	if req.TenantID == "" || req.AlertID == "" {
		return Response{OK: false, Error: "tenant_id and alert_id required"}
	}
	if err := s.alerts.Transition(ctx, req.TenantID, req.AlertID, to); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("adminsock: alert transitioned",
		zap.String("tenant_id", req.TenantID), zap.String("alert_id", req.AlertID), zap.String("to", string(to)))
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
