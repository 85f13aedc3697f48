// Package main — cmd/siemd/main.go
//
// siemd entrypoint: multi-tenant syslog SIEM ingest, detection,
// false-positive filtering, and alert lifecycle management.
//
// Startup sequence:
//  1. Load and validate config from /etc/siemcore/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open BoltDB durable storage; prune stale ledger entries.
//  4. Connect to the Redis hot store.
//  5. Start the Prometheus metrics server.
//  6. Load the tenant registry and hydrate per-tenant alert state.
//  7. Wire ingest -> normalize -> detect -> filter -> alertmgr/notify.
//  8. Start the push-subscription websocket server.
//  9. Start the cluster replica-sync listener/publishers (if enabled).
// 10. Start the admin control-plane socket (if enabled).
// 11. Start the periodic maintenance loop (eviction, pruning, refresh).
// 12. Register SIGHUP handler for config hot-reload.
// 13. Block on SIGINT/SIGTERM for graceful shutdown.
//
// On config validation failure or a storage open failure: exit 1
// immediately (no partial state).
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentrystack/siemcore/internal/adminsock"
	"github.com/sentrystack/siemcore/internal/alertmgr"
	"github.com/sentrystack/siemcore/internal/audit"
	"github.com/sentrystack/siemcore/internal/cluster"
	"github.com/sentrystack/siemcore/internal/config"
	"github.com/sentrystack/siemcore/internal/detect"
	"github.com/sentrystack/siemcore/internal/filter"
	"github.com/sentrystack/siemcore/internal/ingest"
	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/normalize"
	"github.com/sentrystack/siemcore/internal/notify"
	"github.com/sentrystack/siemcore/internal/observability"
	"github.com/sentrystack/siemcore/internal/profile"
	"github.com/sentrystack/siemcore/internal/storage"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/siemcore/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("siemd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("siemcore starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ───────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DurableDBPath, cfg.Storage.DurableRetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DurableDBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DurableDBPath))

	if pruned, err := db.PruneOldLedgerEntries(); err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 4: Redis hot store ───────────────────────────────────────────────
	hot, err := storage.OpenHot(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
	if err != nil {
		log.Fatal("redis connect failed", zap.Error(err), zap.String("addr", cfg.Storage.RedisAddr))
	}
	defer hot.Close() //nolint:errcheck
	log.Info("redis hot store connected", zap.String("addr", cfg.Storage.RedisAddr))

	// ── Step 5: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Tenant registry ───────────────────────────────────────────────
	tenants, err := loadTenants(db)
	if err != nil {
		log.Fatal("tenant registry load failed", zap.Error(err))
	}
	log.Info("tenant registry loaded", zap.Int("count", len(tenants)))

	resolverInput := make(map[string]struct {
		CIDRs []string
		SNI   []string
	}, len(tenants))
	for id, t := range tenants {
		resolverInput[id] = struct {
			CIDRs []string
			SNI   []string
		}{CIDRs: t.CIDRs, SNI: t.SNI}
	}
	tenantResolver := ingest.NewStaticTenantResolver(resolverInput)

	tokenAuth := notify.NewTokenAuthenticator()
	tokenAuth.SetTokens(tokenMap(tenants))

	// ── Step 7: Pipeline construction ─────────────────────────────────────────
	receivers := ingest.NewReceivers(ingest.Config{
		UDPAddr:               cfg.Ingest.UDPAddr,
		TCPAddr:               cfg.Ingest.TCPAddr,
		TLSAddr:               cfg.Ingest.TLSAddr,
		TLSCertFile:           cfg.Ingest.TLSCertFile,
		TLSKeyFile:            cfg.Ingest.TLSKeyFile,
		TLSCAFile:             cfg.Ingest.TLSCAFile,
		MaxFrameBytes:         cfg.Ingest.MaxFrameBytes,
		ListenerQueueCapacity: cfg.Ingest.ListenerQueueCapacity,
		ReadTimeout:           cfg.Ingest.ReadTimeout,
		TLSHandshakeTimeout:   cfg.Ingest.TLSHandshakeTimeout,
	}, tenantResolver, metrics, log)

	normalizer := normalize.New(time.Duration(cfg.Detection.ClockSkewAllowanceSeconds)*time.Second, metrics)

	bfWindow := time.Duration(cfg.Detection.BFWindowSeconds) * time.Second
	psWindow := time.Duration(cfg.Detection.PSWindowSeconds) * time.Second
	idleTTL := bfWindow
	if psWindow > idleTTL {
		idleTTL = psWindow
	}
	idleTTL *= time.Duration(cfg.Detection.IdleTTLMultiplier)

	engine := detect.New(detect.Config{
		BFWindow:             bfWindow,
		BFThreshold:          cfg.Detection.BFThreshold,
		BFUserDiversityBonus: cfg.Detection.BFUserDiversityBonus,
		PSWindow:             psWindow,
		PSThreshold:          cfg.Detection.PSThreshold,
		ShardCount:           cfg.Detection.ShardCount,
		IdleTTL:              idleTTL,
	}, hot, metrics, log)

	staticWhitelist := filter.NewStaticWhitelist(db)
	for id := range tenants {
		if err := staticWhitelist.Refresh(id); err != nil {
			log.Warn("static whitelist refresh failed", zap.String("tenant_id", id), zap.Error(err))
		}
	}

	profiles := profile.NewRegistry(hot)

	var geoReader *filter.GeoReader
	if cfg.Filter.GeoIPDBPath != "" {
		geoReader, err = filter.NewGeoReader(cfg.Filter.GeoIPDBPath)
		if err != nil {
			log.Warn("geoip database load failed — impossible-travel rule disabled", zap.Error(err))
			geoReader = nil
		}
	}
	var geoHistory *filter.GeoHistory
	if geoReader != nil {
		geoHistory = filter.NewGeoHistory()
	}

	chain := filter.NewChain(staticWhitelist, hot, profiles, geoReader, geoHistory, cfg.Detection.BFThreshold)

	recorder := audit.NewRecorder(db, cfg.NodeID, log, metrics)
	checker := audit.NewChecker()

	manager := alertmgr.New(db, metrics, log, recorder)
	for id := range tenants {
		if err := manager.Hydrate(id); err != nil {
			log.Warn("alert manager hydrate failed", zap.String("tenant_id", id), zap.Error(err))
		}
	}

	pushRegistry := notify.NewRegistry(metrics, log)
	deadLetter := &notify.LogDeadLetterSink{Log: log}
	retryPool := notify.NewRetryPool(cfg.Alert.NotifierRetryAttempts+1, metrics, deadLetter)
	defer retryPool.Close()
	hub := notify.NewHub(pushRegistry, retryPool, nil)

	var clusterPublishers []*cluster.Publisher
	var fpStore *cluster.FingerprintStore
	if cfg.Cluster.Enabled {
		fpStore = cluster.NewFingerprintStore(cfg.Cluster.EnvelopeTTL)

		signingKey, err := loadOrGenerateSigningKey()
		if err != nil {
			log.Fatal("cluster signing key unavailable", zap.Error(err))
		}

		// TODO: load trusted peer public keys from the admin control
		// plane instead of starting with an empty, trust-nobody map.
		trustedPeers := map[string]ed25519.PublicKey{}

		clusterSync := cluster.NewSync(cfg.NodeID, trustedPeers, fpStore, metrics, log)
		go func() {
			if err := clusterSync.ListenAndServe(ctx, cfg.Cluster.ListenAddr, cfg.Cluster.TLSCertFile, cfg.Cluster.TLSKeyFile, cfg.Cluster.TLSCAFile); err != nil {
				log.Error("cluster sync server error", zap.Error(err))
			}
		}()
		log.Info("cluster sync listening", zap.String("addr", cfg.Cluster.ListenAddr))

		for _, peerAddr := range cfg.Cluster.Peers {
			pub, err := cluster.NewPublisher(cfg.NodeID, signingKey, peerAddr,
				cfg.Cluster.TLSCertFile, cfg.Cluster.TLSKeyFile, cfg.Cluster.TLSCAFile, metrics, log)
			if err != nil {
				log.Error("cluster publisher init failed", zap.String("peer", peerAddr), zap.Error(err))
				continue
			}
			clusterPublishers = append(clusterPublishers, pub)
		}
	} else {
		log.Info("cluster replica sync disabled (standalone mode)")
	}
	defer func() {
		for _, p := range clusterPublishers {
			p.Close()
		}
	}()

	// ── Step 8: Push subscription server ──────────────────────────────────────
	wsSrv := notify.NewWSServer(pushRegistry, tokenAuth, log)
	go func() {
		if err := wsSrv.ListenAndServe(ctx, cfg.Alert.PushListenAddr); err != nil {
			log.Error("push server error", zap.Error(err))
		}
	}()
	log.Info("push server started", zap.String("addr", cfg.Alert.PushListenAddr))

	// ── Step 10: Admin control-plane socket ───────────────────────────────────
	if cfg.AdminSocket.Enabled {
		adminSrv := adminsock.NewServer(cfg.AdminSocket.SocketPath, db, db, staticWhitelist, manager, log)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil {
				log.Error("admin socket server error", zap.Error(err))
			}
		}()
		log.Info("admin socket listening", zap.String("path", cfg.AdminSocket.SocketPath))
	} else {
		log.Info("admin socket disabled")
	}

	// ── Step 7 (cont.): Run receivers and the detection/alert pipeline ────────
	go func() {
		if err := receivers.Run(ctx); err != nil {
			log.Error("ingest receivers error", zap.Error(err))
		}
	}()

	var tenantsMu sync.RWMutex
	tenantsByID := tenants

	lookupTenant := func(id string) (model.Tenant, bool) {
		tenantsMu.RLock()
		defer tenantsMu.RUnlock()
		t, ok := tenantsByID[id]
		return t, ok
	}

	parseWorkers := cfg.Ingest.ParseWorkers
	if parseWorkers < 1 {
		parseWorkers = 1
	}
	rawEvents := receivers.Events(ctx)
	for i := 0; i < parseWorkers; i++ {
		go runPipelineWorker(ctx, rawEvents, normalizer, engine, chain, manager, hub, recorder, checker, lookupTenant, hot, cfg, clusterPublishers, metrics, log)
	}
	log.Info("pipeline workers started", zap.Int("count", parseWorkers))

	// ── Step 11: Maintenance loop ──────────────────────────────────────────────
	go runMaintenanceLoop(ctx, engine, profiles, staticWhitelist, db, fpStore, tenantsByID, cfg, log)

	// ── Step 12: SIGHUP hot-reload ─────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			config.ApplyHotReload(cfg, newCfg)
			log.Info("config hot-reload successful",
				zap.Int("new_bf_threshold", cfg.Detection.BFThreshold),
				zap.Float64("new_emit_floor", cfg.Filter.EmitFloor))

			refreshed, err := loadTenants(db)
			if err != nil {
				log.Error("tenant registry reload failed", zap.Error(err))
				continue
			}
			tenantsMu.Lock()
			tenantsByID = refreshed
			tenantsMu.Unlock()
			tokenAuth.SetTokens(tokenMap(refreshed))
		}
	}()

	// ── Step 13: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	drained := make(chan struct{})
	go func() {
		for range rawEvents {
		}
		close(drained)
	}()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-drained:
		log.Info("ingest channel drained")
	}

	log.Info("siemcore shutdown complete")
}

// runPipelineWorker consumes raw events through the full
// normalize->detect->filter->alert->notify pipeline.
func runPipelineWorker(
	ctx context.Context,
	rawEvents <-chan model.RawEvent,
	normalizer *normalize.Normalizer,
	engine *detect.Engine,
	chain *filter.Chain,
	manager *alertmgr.Manager,
	hub *notify.Hub,
	recorder *audit.Recorder,
	checker *audit.Checker,
	lookupTenant func(string) (model.Tenant, bool),
	hot *storage.HotStore,
	cfg *config.Config,
	clusterPublishers []*cluster.Publisher,
	metrics *observability.Metrics,
	log *zap.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawEvents:
			if !ok {
				return
			}
			if raw.TenantID == "" {
				metrics.EventsDroppedTotal.WithLabelValues("unattributed").Inc()
				continue
			}

			ev, ok := normalizer.Normalize(raw)
			if !ok {
				continue
			}
			metrics.SecurityEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
			if ev.Clamped {
				metrics.ClockSkewClampedTotal.Inc()
			}

			tenant, ok := lookupTenant(ev.TenantID)
			if !ok {
				continue
			}

			if err := checker.CheckEventOrdering(tenant.ID, ev.EventTime.UnixNano()); err != nil {
				recorder.RecordViolation(tenant.ID, err.(audit.Violation))
			}

			if ev.Kind == model.EventAuthSuccess && engine.SuccessStreak(tenant.ID, ev.SourceIP) {
				if err := hot.PutDynamicWhitelist(ctx, tenant.ID, string(model.TargetIP), ev.SourceIP,
					"earned: 5 consecutive successes with no alert", cfg.Filter.DynamicWhitelistTTL); err != nil {
					log.Warn("dynamic whitelist grant failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
				}
			}

			candidate, ok := engine.Process(ctx, ev)
			if !ok {
				continue
			}
			if err := audit.CheckCandidate(candidate); err != nil {
				recorder.RecordViolation(tenant.ID, err.(audit.Violation))
			}

			result := chain.Decide(ctx, candidate, tenant, ev.Username, time.Now())
			switch result.Decision {
			case filter.DecisionSuppress:
				metrics.SuppressionsTotal.WithLabelValues(result.Reason).Inc()
				recorder.RecordSuppression(tenant.ID, result.Reason,
					alertmgr.Fingerprint(tenant.ID, candidate.SourceIP, candidate.Kind, candidate.LastSeen), string(candidate.Kind))
				continue
			case filter.DecisionEmitAdjusted:
				candidate.RawRisk = result.AdjustedRisk
				candidate.Confidence = result.AdjustedConfidence
			}

			alert, isNewOrEscalated, err := manager.Ingest(ctx, tenant.ID, candidate, result.AdjustedRisk, result.AdjustedConfidence, result.Tag)
			if err != nil {
				log.Error("alert ingest failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
				continue
			}
			if err := audit.CheckAlert(alert); err != nil {
				recorder.RecordViolation(tenant.ID, err.(audit.Violation))
			}

			if isNewOrEscalated {
				hub.Dispatch(tenant.ID, alert)
				for _, pub := range clusterPublishers {
					if err := pub.Publish(tenant.ID, alert.AlertID, string(alert.Severity), alert.CorrelationGroup); err != nil {
						log.Warn("cluster publish failed", zap.Error(err))
					}
				}
			}
		}
	}
}

// runMaintenanceLoop periodically evicts idle detection/profile state,
// refreshes the static whitelist cache, prunes the audit ledger, and
// prunes the cluster fingerprint store.
func runMaintenanceLoop(
	ctx context.Context,
	engine *detect.Engine,
	profiles *profile.Registry,
	staticWhitelist *filter.StaticWhitelist,
	db *storage.DB,
	fpStore *cluster.FingerprintStore,
	tenants map[string]model.Tenant,
	cfg *config.Config,
	log *zap.Logger,
) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			engine.EvictIdle(now)
			idleTTL := time.Duration(cfg.Detection.IdleTTLMultiplier) * time.Hour
			profiles.EvictIdle(now, idleTTL)

			for id := range tenants {
				if err := staticWhitelist.Refresh(id); err != nil {
					log.Warn("periodic whitelist refresh failed", zap.String("tenant_id", id), zap.Error(err))
				}
			}

			if pruned, err := db.PruneOldLedgerEntries(); err != nil {
				log.Warn("periodic ledger prune failed", zap.Error(err))
			} else if pruned > 0 {
				log.Info("ledger pruned", zap.Int("deleted", pruned))
			}

			if fpStore != nil {
				if n := fpStore.Prune(now); n > 0 {
					log.Debug("cluster fingerprint store pruned", zap.Int("count", n))
				}
			}
		}
	}
}

// loadTenants reads the full tenant registry from durable storage into
// an in-memory map keyed by tenant ID.
func loadTenants(db *storage.DB) (map[string]model.Tenant, error) {
	list, err := db.ListTenants()
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	out := make(map[string]model.Tenant, len(list))
	for _, t := range list {
		out[t.ID] = t
	}
	return out, nil
}

// tokenMap builds the push-auth token -> tenant_id map from the tenant
// registry.
func tokenMap(tenants map[string]model.Tenant) map[string]string {
	out := make(map[string]string, len(tenants))
	for id, t := range tenants {
		if t.APIToken != "" {
			out[t.APIToken] = id
		}
	}
	return out
}

// loadOrGenerateSigningKey returns this node's Ed25519 signing key for
// cluster replica-sync envelopes. A full deployment loads a persisted
// key from disk; this generates a fresh one at startup, which is
// sufficient as long as trusted-peer key distribution (also not yet
// wired, see the TODO above) happens out of band.
func loadOrGenerateSigningKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return priv, nil
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
