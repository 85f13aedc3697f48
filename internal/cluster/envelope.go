// Package cluster replicates alert fingerprints between Alert Manager
// replicas: a replica publishes an envelope for each new or escalated
// alert, and every receiving replica records the peer's report in its
// FingerprintStore. The alert manager's own dedup and correlation do not
// read that store.
//
// Envelopes are signed and TTL-bounded, verified against a trusted-peer
// list before being applied. Transport is TLS 1.3 mutual auth plus the
// same octet-counted framing internal/ingest already uses for syslog.
package cluster

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// Envelope is one signed replication message: "alert with this
// fingerprint, of this severity and correlation group, was reported for
// this tenant by this node at this time."
type Envelope struct {
	NodeID           string
	TenantID         string
	Fingerprint      string
	Severity         string
	CorrelationGroup string
	TimestampUnixNs  int64
	Signature        []byte
}

// envelopeTTL bounds how stale a replicated envelope may be before a
// receiver rejects it outright (mirrors gossip's EnvelopeTTL default).
const envelopeTTL = 30 * time.Second

// maxForwardSkew tolerates small clock differences between replicas
// without treating a slightly-future envelope as invalid.
const maxForwardSkew = 5 * time.Second

// signatureMessage builds the canonical byte sequence signed by the
// sender and verified by the receiver. Deterministic; excludes the
// signature field itself.
func signatureMessage(e *Envelope) []byte {
	var buf []byte
	buf = append(buf, []byte(e.NodeID)...)
	buf = append(buf, []byte(e.TenantID)...)
	buf = append(buf, []byte(e.Fingerprint)...)
	buf = append(buf, []byte(e.Severity)...)
	buf = append(buf, []byte(e.CorrelationGroup)...)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(e.TimestampUnixNs))
	buf = append(buf, ts...)
	return buf
}

// Sign populates e.Signature using priv. NodeID/TenantID/Fingerprint/
// Severity/CorrelationGroup/TimestampUnixNs must already be set.
func Sign(e *Envelope, priv ed25519.PrivateKey) {
	e.Signature = ed25519.Sign(priv, signatureMessage(e))
}

// Verify checks e's signature against pub and its timestamp against the
// envelope TTL. Returns a non-nil error naming the specific rejection
// reason (mirrors gossip server's three-step accept/reject sequence).
func Verify(e *Envelope, pub ed25519.PublicKey, now time.Time) error {
	age := now.Sub(time.Unix(0, e.TimestampUnixNs))
	if age > envelopeTTL || age < -maxForwardSkew {
		return fmt.Errorf("cluster: envelope from %q stale or future-dated (age=%s)", e.NodeID, age)
	}
	if !ed25519.Verify(pub, signatureMessage(e), e.Signature) {
		return fmt.Errorf("cluster: envelope from %q failed signature verification", e.NodeID)
	}
	return nil
}
