package federation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

type testIdentity struct {
	id   string
	cert tls.Certificate
	leaf *x509.Certificate
	pem  string
}

func newIdentity(t *testing.T, id string) testIdentity {
	t.Helper()
	return issueIdentity(t, id, nil, nil, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
}

// issueIdentity self-signs when parent is nil.
func issueIdentity(t *testing.T, id string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, notBefore, notAfter time.Time) testIdentity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: id, Organization: []string{id}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	signer, signerKey := tmpl, key
	if parent != nil {
		signer, signerKey = parent, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return testIdentity{
		id:   id,
		cert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		leaf: leaf,
		pem:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

func nodeFor(ident testIdentity, endpoint string, enabled bool) contracts.FederationNode {
	return contracts.FederationNode{
		NodeID:         ident.id,
		Endpoint:       endpoint,
		TrustAnchorPEM: ident.pem,
		Enabled:        enabled,
	}
}

type fakeEvaluator struct {
	mu       sync.Mutex
	calls    []DelegatedRequest
	decision *contracts.AuthorizationDecision
	err      error
	block    time.Duration
}

func (f *fakeEvaluator) AuthorizeDelegated(ctx context.Context, req *DelegatedRequest, _ contracts.FederationNode) (*contracts.AuthorizationDecision, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	d, err, block := f.decision, f.err, f.block
	f.mu.Unlock()
	if block > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(block):
		}
	}
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

func (f *fakeEvaluator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// startPeer serves a federation node over mTLS that trusts the given
// callers.
func startPeer(t *testing.T, self testIdentity, eval Evaluator, trusted ...testIdentity) (*httptest.Server, *MemoryNodeStore) {
	t.Helper()
	store := NewMemoryNodeStore()
	for _, id := range trusted {
		require.NoError(t, store.Upsert(context.Background(), nodeFor(id, "https://"+id.id+".invalid", true)))
	}
	srv := NewServer(self.id, store, eval)
	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.TLS = ServerTLSConfig(self.cert)
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts, store
}
