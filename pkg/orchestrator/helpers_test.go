package orchestrator

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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/adapter/adaptertest"
	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/catalog"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
	"github.com/Mindburn-Labs/arbiter/pkg/federation"
	"github.com/Mindburn-Labs/arbiter/pkg/pdp"
)

// scriptedPDP answers from fn and counts calls.
type scriptedPDP struct {
	calls atomic.Int64
	fn    func(ctx context.Context, req *pdp.DecisionRequest) (*pdp.DecisionResponse, error)
}

func allowAll() *scriptedPDP {
	return &scriptedPDP{fn: func(context.Context, *pdp.DecisionRequest) (*pdp.DecisionResponse, error) {
		return &pdp.DecisionResponse{Allow: true, ReasonCode: "ALLOW", PolicyRef: "test:v1"}, nil
	}}
}

func denyAll(code string) *scriptedPDP {
	return &scriptedPDP{fn: func(context.Context, *pdp.DecisionRequest) (*pdp.DecisionResponse, error) {
		return &pdp.DecisionResponse{Allow: false, ReasonCode: code, PolicyRef: "test:v1"}, nil
	}}
}

func (p *scriptedPDP) Evaluate(ctx context.Context, req *pdp.DecisionRequest) (*pdp.DecisionResponse, error) {
	p.calls.Add(1)
	return p.fn(ctx, req)
}

func (p *scriptedPDP) Backend() pdp.Backend { return pdp.BackendCEL }

func (p *scriptedPDP) PolicyHash() string { return "test" }

// countingDelegator records delegations and answers with a fixed outcome.
type countingDelegator struct {
	mu    sync.Mutex
	calls []federation.Delegation
	allow bool
}

func (d *countingDelegator) Delegate(_ context.Context, del federation.Delegation) *federation.Outcome {
	d.mu.Lock()
	d.calls = append(d.calls, del)
	d.mu.Unlock()
	dec := contracts.Deny("remote:deny")
	if d.allow {
		dec = &contracts.AuthorizationDecision{Allow: true, Reason: "remote:allow", FilteredArguments: contracts.CloneMap(del.Request.Arguments)}
	}
	dec.Path = contracts.PathFederated
	dec.EvaluatedBy = "peer"
	return &federation.Outcome{Decision: dec, State: federation.StateDecided, NodeID: "peer", RemoteAuditID: "remote-1"}
}

func (d *countingDelegator) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// fixture is one broker node with a fake "mcp" adapter.
type fixture struct {
	orch    *Orchestrator
	adapter *adaptertest.Fake
	catalog *catalog.Memory
	cache   *decisioncache.Cache
	store   *audit.MemoryStore
	policy  *scriptedPDP
	now     time.Time
}

var (
	resLocal   = contracts.Resource{ID: "r1", Name: "files", Protocol: "mcp", Sensitivity: contracts.SensitivityLow, OwnerOrg: "org-a"}
	resForeign = contracts.Resource{ID: "r2", Name: "warehouse", Protocol: "mcp", Sensitivity: contracts.SensitivityCritical, OwnerOrg: "org-b"}

	capRead  = contracts.Capability{ID: "cap-read", ResourceID: "r1", Name: "read_file", Sensitivity: contracts.SensitivityLow}
	capWrite = contracts.Capability{ID: "cap-write", ResourceID: "r1", Name: "write_file", Sensitivity: contracts.SensitivityCritical,
		Metadata: map[string]any{contracts.MetadataSensitiveFields: []any{"token"}}}
	capDrop = contracts.Capability{ID: "cap-drop", ResourceID: "r2", Name: "drop_table", Sensitivity: contracts.SensitivityCritical}
)

func newFixture(t *testing.T, policy *scriptedPDP, opts ...Option) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{
		adapter: adaptertest.New("mcp"),
		catalog: catalog.NewMemory(),
		store:   audit.NewMemoryStore(),
		policy:  policy,
		now:     now,
	}
	clock := func() time.Time { return f.now }
	f.cache = decisioncache.New(decisioncache.WithClock(clock))

	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(f.adapter))
	require.NoError(t, f.catalog.Put(resLocal, []contracts.Capability{capRead, capWrite}))
	require.NoError(t, f.catalog.Put(resForeign, []contracts.Capability{capDrop}))

	emitter := audit.NewEmitter(f.store, "node-a")
	opts = append([]Option{WithClock(clock)}, opts...)
	f.orch = New("node-a", "org-a", reg, f.catalog, policy, f.cache, emitter, opts...)
	return f
}

func (f *fixture) events() []contracts.AuditEvent {
	recs := f.store.Records()
	out := make([]contracts.AuditEvent, len(recs))
	for i, r := range recs {
		out[i] = r.Event
	}
	return out
}

func request(capID, principal string, args map[string]any) contracts.InvocationRequest {
	return contracts.NewInvocationRequest(capID, principal, args, contracts.RequestContext{})
}

type identity struct {
	id   string
	cert tls.Certificate
	pem  string
}

func newIdentity(t *testing.T, id string) identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: id, Organization: []string{id}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return identity{
		id:   id,
		cert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		pem:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

// streamingFake adds streaming to the fake adapter.
type streamingFake struct {
	*adaptertest.Fake
	chunks []any
}

func (s *streamingFake) InvokeStreaming(_ context.Context, _ contracts.InvocationRequest, fn adapter.ChunkFunc) error {
	for i, c := range s.chunks {
		if err := fn(c); err != nil {
			return &adapter.Error{Kind: adapter.KindStreaming, Adapter: s.Name, ChunksDelivered: i, Err: err}
		}
	}
	return nil
}

// batchingFake adds a native batch path to the fake adapter.
type batchingFake struct {
	*adaptertest.Fake
	mu      sync.Mutex
	batches [][]any
	err     error
}

func (b *batchingFake) InvokeBatch(_ context.Context, reqs []contracts.InvocationRequest) ([]*contracts.InvocationResult, error) {
	ns := make([]any, len(reqs))
	out := make([]*contracts.InvocationResult, len(reqs))
	for i, req := range reqs {
		ns[i] = req.Arguments["n"]
		out[i] = &contracts.InvocationResult{Success: true, Result: req.Arguments["n"]}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, ns)
	if b.err != nil {
		return nil, b.err
	}
	return out, nil
}

func (b *batchingFake) seen() [][]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]any(nil), b.batches...)
}

// failingStore refuses every write.
type failingStore struct {
	*audit.MemoryStore
}

func (failingStore) Append(context.Context, contracts.AuditEvent) (audit.Record, error) {
	return audit.Record{}, errDiskFull
}
