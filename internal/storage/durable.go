// Package storage — durable.go
//
// BoltDB-backed persistent storage for siemcore: alerts, the static
// whitelist, the tenant registry, and the suppression/decision audit
// ledger. Everything here is durable and rarely read on the hot path;
// high-churn detection state lives in the hot store (hot.go) instead.
//
// Schema (BoltDB bucket layout):
//
//	/alerts
//	    key:   tenant_id + "\x00" + alert_id
//	    value: JSON-encoded model.Alert
//
//	/whitelist
//	    key:   tenant_id + "\x00" + target + "\x00" + value
//	    value: JSON-encoded model.WhitelistEntry   (static entries only;
//	           dynamic/learned entries live in the hot store with a TTL)
//
//	/tenants
//	    key:   tenant_id
//	    value: JSON-encoded model.Tenant
//
//	/audit_ledger
//	    key:   fixed-width RFC3339 (ns) timestamp + "_" + tenant_id   [sortable]
//	    value: JSON-encoded LedgerEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer per bucket (BoltDB does not support
//     concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Audit ledger entries older than RetentionDays are pruned on startup
//     and periodically by the caller's retention goroutine.
//   - Alerts, whitelist entries, and tenants are never automatically
//     pruned (operator action required).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The agent logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The caller logs the
//     error; in-memory state (hot store, detection windows) is preserved.
package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sentrystack/siemcore/internal/model"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/siemcore/siemcore.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default audit ledger retention period.
	DefaultRetentionDays = 90

	bucketAlerts      = "alerts"
	bucketWhitelist   = "whitelist"
	bucketTenants     = "tenants"
	bucketAuditLedger = "audit_ledger"
	bucketMeta        = "meta"
)

// LedgerEntry is a single suppression/decision audit record, appended by
// internal/audit's Recorder whenever a candidate is suppressed, an alert
// is created, or an alert changes status. Stored as JSON in the
// audit_ledger bucket.
type LedgerEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	TenantID    string    `json:"tenant_id"`
	Kind        string    `json:"kind"`        // "suppressed", "alert_created", "alert_transition"
	Reason      string    `json:"reason"`      // e.g. "static_whitelist", "maintenance_window"
	Fingerprint string    `json:"fingerprint"` // candidate/alert fingerprint this decision concerns
	Detail      string    `json:"detail,omitempty"`
	NodeID      string    `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for siemcore's durable data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or the schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAlerts, bucketWhitelist, bucketTenants, bucketAuditLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, siemcore requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Tenant registry ───────────────────────────────────────────────────────────

// PutTenant writes or updates a tenant record.
func (d *DB) PutTenant(t model.Tenant) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("PutTenant marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTenants)).Put([]byte(t.ID), data)
	})
}

// GetTenant retrieves a tenant by ID. Returns (nil, nil) if not found.
func (d *DB) GetTenant(id string) (*model.Tenant, error) {
	var t model.Tenant
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketTenants)).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, fmt.Errorf("GetTenant(%q): %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &t, nil
}

// ListTenants returns every registered tenant.
func (d *DB) ListTenants() ([]model.Tenant, error) {
	var out []model.Tenant
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTenants)).ForEach(func(_, v []byte) error {
			var t model.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// DeleteTenant removes a tenant record.
func (d *DB) DeleteTenant(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTenants)).Delete([]byte(id))
	})
}

// ─── Alert operations ──────────────────────────────────────────────────────────

func alertKey(tenantID, alertID string) []byte {
	return []byte(tenantID + "\x00" + alertID)
}

// PutAlert writes or updates an alert record.
func (d *DB) PutAlert(a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("PutAlert marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlerts)).Put(alertKey(a.TenantID, a.AlertID), data)
	})
}

// GetAlert retrieves an alert by tenant and alert ID. Returns (nil, nil) if
// not found.
func (d *DB) GetAlert(tenantID, alertID string) (*model.Alert, error) {
	var a model.Alert
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketAlerts)).Get(alertKey(tenantID, alertID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, fmt.Errorf("GetAlert(%q,%q): %w", tenantID, alertID, err)
	}
	if !found {
		return nil, nil
	}
	return &a, nil
}

// ListAlerts returns every alert belonging to a tenant, in key order.
func (d *DB) ListAlerts(tenantID string) ([]model.Alert, error) {
	prefix := []byte(tenantID + "\x00")
	var out []model.Alert
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAlerts)).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var a model.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// ─── Whitelist operations (static entries only) ────────────────────────────────

func whitelistKey(e model.WhitelistEntry) []byte {
	return []byte(e.TenantID + "\x00" + string(e.Target) + "\x00" + e.Value)
}

// PutWhitelistEntry writes or updates a static whitelist entry.
func (d *DB) PutWhitelistEntry(e model.WhitelistEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("PutWhitelistEntry marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWhitelist)).Put(whitelistKey(e), data)
	})
}

// DeleteWhitelistEntry removes a static whitelist entry.
func (d *DB) DeleteWhitelistEntry(tenantID string, target model.WhitelistTarget, value string) error {
	key := []byte(tenantID + "\x00" + string(target) + "\x00" + value)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWhitelist)).Delete(key)
	})
}

// ListWhitelistEntries returns every static whitelist entry for a tenant.
func (d *DB) ListWhitelistEntries(tenantID string) ([]model.WhitelistEntry, error) {
	prefix := []byte(tenantID + "\x00")
	var out []model.WhitelistEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketWhitelist)).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var e model.WhitelistEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// ─── Audit ledger operations ───────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key for an audit entry.
// Format: UTC RFC3339 with a fixed nine-digit fraction + "_" + tenant_id.
// The fixed width makes lexicographic sort = chronological.
func ledgerKey(t time.Time, tenantID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), tenantID))
}

// AppendLedger writes a new audit ledger entry. Never returns a "silent
// drop" outcome: a write failure is always surfaced to the caller, which
// is expected to log it (internal/audit's Recorder treats this as a
// best-effort durability concern, not a correctness gate).
func (d *DB) AppendLedger(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.TenantID)

	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketAuditLedger)).Put(key, data); err != nil {
			return fmt.Errorf("AppendLedger bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldLedgerEntries deletes audit ledger entries older than
// retentionDays. Called on startup and periodically by the caller's
// retention goroutine. Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAuditLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns audit ledger entries for a tenant, in chronological
// order. For operational/admin use; not called on the hot path.
func (d *DB) ReadLedger(tenantID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAuditLedger)).ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if tenantID == "" || entry.TenantID == tenantID {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	return entries, err
}
