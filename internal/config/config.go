// Package config provides configuration loading, validation, and hot-reload
// for the siemcore ingestion/detection/alerting pipeline.
//
// Configuration file: /etc/siemcore/config.yaml (default).
// Schema version: 1.
//
// Hot-reload:
//   - The agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (detection thresholds and windows,
//     FP toggle and filter tunables, correlation window, log level).
//   - Destructive changes (listener ports, store paths, cluster TLS material)
//     require a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges are enforced.
//   - Invalid config on startup: the agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for siemcore.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`
	NodeID        string `yaml:"node_id"`

	Ingest        IngestConfig        `yaml:"ingest"`
	Detection     DetectionConfig     `yaml:"detection"`
	Filter        FilterConfig        `yaml:"filter"`
	Alert         AlertConfig         `yaml:"alert"`
	Storage       StorageConfig       `yaml:"storage"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Observability ObservabilityConfig `yaml:"observability"`
	AdminSocket   AdminSocketConfig   `yaml:"admin_socket"`
}

// IngestConfig configures the syslog receivers.
type IngestConfig struct {
	// UDPAddr, TCPAddr, TLSAddr are listen addresses. Empty disables the listener.
	UDPAddr string `yaml:"udp_addr"`
	TCPAddr string `yaml:"tcp_addr"`
	TLSAddr string `yaml:"tls_addr"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"` // optional, enables mutual TLS

	// MaxFrameBytes caps a single syslog frame. Default 8192.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// ListenerQueueCapacity is the bounded MPSC queue depth per listener.
	// Default 65536.
	ListenerQueueCapacity int `yaml:"listener_queue_capacity"`

	// ParseWorkers sizes the CPU-bound parsing pool. Default min(4, NCPU).
	ParseWorkers int `yaml:"parse_workers"`

	// ReadTimeout bounds a single socket read. Default 30s.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// TLSHandshakeTimeout bounds the TLS handshake. Default 10s.
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`
}

// DetectionConfig configures the brute-force and port-scan engines.
type DetectionConfig struct {
	BFWindowSeconds      int     `yaml:"bf_window_seconds"`
	BFThreshold          int     `yaml:"bf_threshold"`
	BFUserDiversityBonus float64 `yaml:"bf_user_diversity_bonus"`

	PSWindowSeconds int `yaml:"ps_window_seconds"`
	PSThreshold     int `yaml:"ps_threshold"`

	// ShardCount is the number of detection shards. Default NCPU.
	ShardCount int `yaml:"shard_count"`

	// ClockSkewAllowanceSeconds bounds acceptable event_time/ingest_time drift.
	ClockSkewAllowanceSeconds int `yaml:"clock_skew_allowance_seconds"`

	// IdleTTLMultiplier: whole per-(tenant,source) state evicted after
	// idle_ttl_multiplier * max(BFWindow, PSWindow). Default 2.
	IdleTTLMultiplier int `yaml:"idle_ttl_multiplier"`
}

// FilterConfig configures the false-positive/context filter.
type FilterConfig struct {
	Enabled bool `yaml:"fp_enabled"`

	// EmitFloor is the minimum adjusted risk below which a business-hours
	// adjustment becomes a suppression. Default 0.3.
	EmitFloor float64 `yaml:"emit_floor"`

	// DynamicWhitelistSuccesses is the success count within DynamicWhitelistWindow
	// required to earn a dynamic whitelist entry. Default 5.
	DynamicWhitelistSuccesses int           `yaml:"dynamic_whitelist_successes"`
	DynamicWhitelistWindow    time.Duration `yaml:"dynamic_whitelist_window"`
	DynamicWhitelistTTL       time.Duration `yaml:"dynamic_whitelist_ttl"`

	// ServiceAccountToleranceMultiplier: brute-force failures < this * human
	// threshold are tolerated for service_account principals. Default 3.
	ServiceAccountToleranceMultiplier float64 `yaml:"service_account_tolerance_multiplier"`

	// ImpossibleTravelKPH is the velocity threshold for geo impossible-travel.
	// Default 900.
	ImpossibleTravelKPH float64 `yaml:"impossible_travel_kph"`

	// GeoIPDBPath is an optional path to a MaxMind GeoLite2-City MMDB
	// file. Empty disables rule 6 (impossible-travel) entirely.
	GeoIPDBPath string `yaml:"geoip_db_path"`
}

// AlertConfig configures dedup, correlation, and push session behaviour.
type AlertConfig struct {
	DedupBucketSeconds       int `yaml:"dedup_bucket_seconds"`
	CorrelationWindowSeconds int `yaml:"correlation_window_seconds"`

	SessionIdleTimeoutSeconds int    `yaml:"session_idle_timeout_seconds"`
	SessionQueueCapacity      int    `yaml:"session_queue_capacity"`
	PushListenAddr            string `yaml:"push_listen_addr"`

	NotifierRetryAttempts int           `yaml:"notifier_retry_attempts"`
	NotifierBaseBackoff   time.Duration `yaml:"notifier_base_backoff"`
	NotifierCallTimeout   time.Duration `yaml:"notifier_call_timeout"`
}

// StorageConfig configures the hot (Redis) and durable (BoltDB) stores.
type StorageConfig struct {
	DurableDBPath        string `yaml:"durable_db_path"`
	DurableRetentionDays int    `yaml:"durable_retention_days"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// ClusterConfig configures the optional Alert Manager replica-sync layer.
type ClusterConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ListenAddr  string        `yaml:"listen_addr"`
	Peers       []string      `yaml:"peers"`
	EnvelopeTTL time.Duration `yaml:"envelope_ttl"`
	TLSCertFile string        `yaml:"tls_cert_file"`
	TLSKeyFile  string        `yaml:"tls_key_file"`
	TLSCAFile   string        `yaml:"tls_ca_file"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// AdminSocketConfig configures the local administrative control-plane seam.
type AdminSocketConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Ingest: IngestConfig{
			UDPAddr:               "0.0.0.0:514",
			TCPAddr:               "0.0.0.0:601",
			TLSAddr:               "0.0.0.0:6514",
			MaxFrameBytes:         8192,
			ListenerQueueCapacity: 65536,
			ParseWorkers:          min(4, runtime.NumCPU()),
			ReadTimeout:           30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
		},
		Detection: DetectionConfig{
			BFWindowSeconds:           300,
			BFThreshold:               5,
			BFUserDiversityBonus:      0.1,
			PSWindowSeconds:           600,
			PSThreshold:               10,
			ShardCount:                runtime.NumCPU(),
			ClockSkewAllowanceSeconds: 300,
			IdleTTLMultiplier:         2,
		},
		Filter: FilterConfig{
			Enabled:                           true,
			EmitFloor:                         0.3,
			DynamicWhitelistSuccesses:         5,
			DynamicWhitelistWindow:            24 * time.Hour,
			DynamicWhitelistTTL:               24 * time.Hour,
			ServiceAccountToleranceMultiplier: 3.0,
			ImpossibleTravelKPH:               900.0,
		},
		Alert: AlertConfig{
			DedupBucketSeconds:        300,
			CorrelationWindowSeconds:  1800,
			SessionIdleTimeoutSeconds: 90,
			SessionQueueCapacity:      256,
			PushListenAddr:            "0.0.0.0:8443",
			NotifierRetryAttempts:     3,
			NotifierBaseBackoff:       time.Second,
			NotifierCallTimeout:       10 * time.Second,
		},
		Storage: StorageConfig{
			DurableDBPath:        "/var/lib/siemcore/siemcore.db",
			DurableRetentionDays: 90,
			RedisAddr:            "127.0.0.1:6379",
			RedisDB:              0,
		},
		Cluster: ClusterConfig{
			Enabled:     false,
			ListenAddr:  "0.0.0.0:7443",
			EnvelopeTTL: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		AdminSocket: AdminSocketConfig{
			Enabled:    true,
			SocketPath: "/run/siemcore/admin.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, collecting every
// violation rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Ingest.MaxFrameBytes < 1 {
		errs = append(errs, "ingest.max_frame_bytes must be >= 1")
	}
	if cfg.Ingest.ListenerQueueCapacity < 1 {
		errs = append(errs, "ingest.listener_queue_capacity must be >= 1")
	}
	if cfg.Ingest.ParseWorkers < 1 {
		errs = append(errs, "ingest.parse_workers must be >= 1")
	}
	if cfg.Ingest.TLSAddr != "" && (cfg.Ingest.TLSCertFile == "" || cfg.Ingest.TLSKeyFile == "") {
		errs = append(errs, "ingest.tls_cert_file and tls_key_file are required when ingest.tls_addr is set")
	}
	if cfg.Detection.BFWindowSeconds < 1 {
		errs = append(errs, "detection.bf_window_seconds must be >= 1")
	}
	if cfg.Detection.BFThreshold < 1 {
		errs = append(errs, "detection.bf_threshold must be >= 1")
	}
	if cfg.Detection.PSWindowSeconds < 1 {
		errs = append(errs, "detection.ps_window_seconds must be >= 1")
	}
	if cfg.Detection.PSThreshold < 1 {
		errs = append(errs, "detection.ps_threshold must be >= 1")
	}
	if cfg.Detection.ShardCount < 1 || cfg.Detection.ShardCount > 1024 {
		errs = append(errs, fmt.Sprintf("detection.shard_count must be in [1,1024], got %d", cfg.Detection.ShardCount))
	}
	if cfg.Detection.ClockSkewAllowanceSeconds < 0 || cfg.Detection.ClockSkewAllowanceSeconds > 300 {
		errs = append(errs, "detection.clock_skew_allowance_seconds must be in [0,300]")
	}
	if cfg.Filter.EmitFloor < 0 || cfg.Filter.EmitFloor > 1 {
		errs = append(errs, "filter.emit_floor must be in [0,1]")
	}
	if cfg.Filter.ServiceAccountToleranceMultiplier <= 0 {
		errs = append(errs, "filter.service_account_tolerance_multiplier must be > 0")
	}
	if cfg.Alert.DedupBucketSeconds < 1 {
		errs = append(errs, "alert.dedup_bucket_seconds must be >= 1")
	}
	if cfg.Alert.CorrelationWindowSeconds < 0 {
		errs = append(errs, "alert.correlation_window_seconds must be >= 0")
	}
	if cfg.Alert.SessionQueueCapacity < 1 {
		errs = append(errs, "alert.session_queue_capacity must be >= 1")
	}
	if cfg.Alert.NotifierRetryAttempts < 0 {
		errs = append(errs, "alert.notifier_retry_attempts must be >= 0")
	}
	if cfg.Storage.DurableDBPath == "" {
		errs = append(errs, "storage.durable_db_path must not be empty")
	}
	if cfg.Storage.DurableRetentionDays < 1 {
		errs = append(errs, "storage.durable_retention_days must be >= 1")
	}
	if cfg.Storage.RedisAddr == "" {
		errs = append(errs, "storage.redis_addr must not be empty")
	}
	if cfg.Cluster.Enabled {
		if cfg.Cluster.TLSCertFile == "" || cfg.Cluster.TLSKeyFile == "" || cfg.Cluster.TLSCAFile == "" {
			errs = append(errs, "cluster.tls_cert_file, tls_key_file, and tls_ca_file are required when cluster.enabled is true")
		}
	}
	if cfg.AdminSocket.Enabled && cfg.AdminSocket.SocketPath == "" {
		errs = append(errs, "admin_socket.socket_path must not be empty when admin_socket.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ApplyHotReload copies only the non-destructive fields of next into cur.
// Destructive fields (listener addresses, store paths, cluster TLS material,
// admin socket path) are left untouched — those require a process restart.
func ApplyHotReload(cur, next *Config) {
	cur.Detection.BFWindowSeconds = next.Detection.BFWindowSeconds
	cur.Detection.BFThreshold = next.Detection.BFThreshold
	cur.Detection.BFUserDiversityBonus = next.Detection.BFUserDiversityBonus
	cur.Detection.PSWindowSeconds = next.Detection.PSWindowSeconds
	cur.Detection.PSThreshold = next.Detection.PSThreshold
	cur.Filter.Enabled = next.Filter.Enabled
	cur.Filter.EmitFloor = next.Filter.EmitFloor
	cur.Filter.ServiceAccountToleranceMultiplier = next.Filter.ServiceAccountToleranceMultiplier
	cur.Filter.ImpossibleTravelKPH = next.Filter.ImpossibleTravelKPH
	cur.Alert.CorrelationWindowSeconds = next.Alert.CorrelationWindowSeconds
	cur.Observability.LogLevel = next.Observability.LogLevel
}
