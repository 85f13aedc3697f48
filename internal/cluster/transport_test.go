package cluster

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentrystack/siemcore/internal/observability"
)

// testCA is a minimal in-memory certificate authority used to mint a
// server and client leaf certificate pair for the mTLS round trip, so
// the transport tests do not depend on any fixture files on disk.
type testCA struct {
	cert    *x509.Certificate
	certDER []byte
	priv    *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}
	return &testCA{cert: cert, certDER: der, priv: priv}
}

func (ca *testCA) pem() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.certDER})
}

// issueLeaf mints a leaf certificate valid for serverName, signed by ca,
// and returns its PEM-encoded cert and key.
func (ca *testCA) issueLeaf(t *testing.T, serverName string) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: serverName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{serverName},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &priv.PublicKey, ca.priv)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal leaf key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// writeTempPEM writes data to name under dir and returns the full path.
func writeTempPEM(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func freePort(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestSyncAndPublisher_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)
	caPath := writeTempPEM(t, dir, "ca.pem", ca.pem())

	serverCertPEM, serverKeyPEM := ca.issueLeaf(t, "siemd-replica-a")
	serverCertPath := writeTempPEM(t, dir, "server.pem", serverCertPEM)
	serverKeyPath := writeTempPEM(t, dir, "server-key.pem", serverKeyPEM)

	clientCertPEM, clientKeyPEM := ca.issueLeaf(t, "siemd-replica-b")
	clientCertPath := writeTempPEM(t, dir, "client.pem", clientCertPEM)
	clientKeyPath := writeTempPEM(t, dir, "client-key.pem", clientKeyPEM)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	metrics := observability.NewMetrics()
	store := NewFingerprintStore(time.Minute)
	trustedPeers := map[string]ed25519.PublicKey{"replica-b": pub}
	sync := NewSync("replica-a", trustedPeers, store, metrics, zap.NewNop())

	addr := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- sync.ListenAndServe(ctx, addr, serverCertPath, serverKeyPath, caPath)
	}()
	// Give the listener a moment to bind before dialing.
	time.Sleep(50 * time.Millisecond)

	publisher, err := NewPublisher("replica-b", priv, addr, clientCertPath, clientKeyPath, caPath, metrics, zap.NewNop())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	if err := publisher.Publish("tenant-a", "fp-1", "high", "grp-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := store.Lookup("tenant-a", "fp-1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	severity, group, ok := store.Lookup("tenant-a", "fp-1")
	if !ok {
		t.Fatal("expected the published envelope to be applied to the fingerprint store")
	}
	if severity != "high" || group != "grp-1" {
		t.Fatalf("unexpected fact: severity=%s group=%s", severity, group)
	}

	cancel()
	select {
	case <-serveErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected ListenAndServe to return after context cancellation")
	}
}

func TestSync_RejectsUntrustedPeer(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)
	caPath := writeTempPEM(t, dir, "ca.pem", ca.pem())

	serverCertPEM, serverKeyPEM := ca.issueLeaf(t, "siemd-replica-a")
	serverCertPath := writeTempPEM(t, dir, "server.pem", serverCertPEM)
	serverKeyPath := writeTempPEM(t, dir, "server-key.pem", serverKeyPEM)

	clientCertPEM, clientKeyPEM := ca.issueLeaf(t, "siemd-replica-c")
	clientCertPath := writeTempPEM(t, dir, "client.pem", clientCertPEM)
	clientKeyPath := writeTempPEM(t, dir, "client-key.pem", clientKeyPEM)

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	metrics := observability.NewMetrics()
	store := NewFingerprintStore(time.Minute)
	// Note: "replica-c" is deliberately absent from trustedPeers.
	sync := NewSync("replica-a", map[string]ed25519.PublicKey{}, store, metrics, zap.NewNop())

	addr := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sync.ListenAndServe(ctx, addr, serverCertPath, serverKeyPath, caPath)
	time.Sleep(50 * time.Millisecond)

	publisher, err := NewPublisher("replica-c", priv, addr, clientCertPath, clientKeyPath, caPath, metrics, zap.NewNop())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	if err := publisher.Publish("tenant-a", "fp-1", "high", "grp-1"); err != nil {
		t.Fatalf("publish transport itself should succeed even though the peer is untrusted: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, _, ok := store.Lookup("tenant-a", "fp-1"); ok {
		t.Fatal("expected envelope from an untrusted peer to be dropped, not applied")
	}
}
