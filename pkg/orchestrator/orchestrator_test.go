package orchestrator

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
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

var errDiskFull = errors.New("disk full")

func TestAuthorize_LocalAllowIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll())

	d, err := f.orch.Authorize(ctx, request("cap-read", "p1", map[string]any{"path": "/etc/motd"}))
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, "policy:allow", d.Reason)
	assert.Equal(t, 300, d.CacheTTL)
	assert.Equal(t, contracts.PathLocal, d.Path)
	assert.Equal(t, map[string]any{"path": "/etc/motd"}, d.FilteredArguments)
	assert.NotEmpty(t, d.AuditID)
	assert.NotEmpty(t, d.CorrelationID)

	f.now = f.now.Add(10 * time.Second)
	again, err := f.orch.Authorize(ctx, request("cap-read", "p1", map[string]any{"path": "/etc/motd"}))
	require.NoError(t, err)
	assert.True(t, again.Allow)
	assert.Equal(t, contracts.PathCache, again.Path)
	assert.Equal(t, "policy:allow", again.Reason)
	assert.Equal(t, 290, again.CacheTTL)
	assert.EqualValues(t, 1, f.policy.calls.Load())

	resp := again.Response()
	require.NotNil(t, resp.AuditID)
	assert.Equal(t, again.AuditID, *resp.AuditID)

	events := f.events()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, contracts.AuditDecision, ev.Kind)
		assert.Equal(t, "node-a", ev.SourceNode)
		assert.Equal(t, "node-a", ev.TargetNode)
		assert.Equal(t, "r1", ev.ResourceID)
	}
	assert.Equal(t, contracts.PathCache, events[1].Path)
}

func TestAuthorize_ExpiredEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll())

	_, err := f.orch.Authorize(ctx, request("cap-read", "p1", map[string]any{"path": "a"}))
	require.NoError(t, err)
	f.now = f.now.Add(301 * time.Second)
	d, err := f.orch.Authorize(ctx, request("cap-read", "p1", map[string]any{"path": "a"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.PathLocal, d.Path)
	assert.EqualValues(t, 2, f.policy.calls.Load())
}

func TestAuthorize_DenyIsNeverCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, denyAll("DENY_RULE:no-writes"))

	for i := 0; i < 2; i++ {
		d, err := f.orch.Authorize(ctx, request("cap-write", "p1", map[string]any{"path": "x"}))
		require.NoError(t, err)
		assert.False(t, d.Allow)
		assert.Equal(t, "policy:deny (DENY_RULE:no-writes)", d.Reason)
		assert.Zero(t, d.CacheTTL)
		assert.Nil(t, d.FilteredArguments)
	}
	assert.EqualValues(t, 2, f.policy.calls.Load())
	assert.Zero(t, f.cache.Len())
}

func TestAuthorize_FilteredArgumentsFromPolicy(t *testing.T) {
	ctx := context.Background()
	policy := &scriptedPDP{fn: func(_ context.Context, req *pdp.DecisionRequest) (*pdp.DecisionResponse, error) {
		filtered := contracts.CloneMap(req.Arguments)
		delete(filtered, "token")
		return &pdp.DecisionResponse{Allow: true, FilteredArguments: filtered}, nil
	}}
	f := newFixture(t, policy)
	require.NoError(t, f.cache.SetTTLPolicy(decisioncache.TTLPolicy{Low: time.Minute, Medium: time.Minute, High: time.Minute, Critical: time.Minute}))

	d, err := f.orch.Authorize(ctx, request("cap-write", "p1", map[string]any{"path": "x", "token": "s3cret"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"path": "x"}, d.FilteredArguments)
	assert.Equal(t, 60, d.CacheTTL)

	// A different token value hits the same entry and is still stripped.
	d, err = f.orch.Authorize(ctx, request("cap-write", "p1", map[string]any{"path": "x", "token": "other"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.PathCache, d.Path)
	assert.Equal(t, map[string]any{"path": "x"}, d.FilteredArguments)
	assert.EqualValues(t, 1, policy.calls.Load())
}

func TestAuthorize_ValidationFailureStopsEarly(t *testing.T) {
	ctx := context.Background()
	del := &countingDelegator{allow: true}
	f := newFixture(t, allowAll(), WithDelegator(del))
	f.adapter.ValidateFunc = func(_ context.Context, req contracts.InvocationRequest) (bool, error) {
		return false, adapter.NewValidationError("mcp", req.CapabilityID, adapter.FieldError{Path: "path", Reason: "is required"})
	}

	for _, capID := range []string{"cap-read", "cap-drop"} {
		d, err := f.orch.Authorize(ctx, request(capID, "p1", nil))
		assert.Nil(t, d)
		require.ErrorIs(t, err, ErrValidation)
		assert.True(t, IsRequestError(err))

		var ae *adapter.Error
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, []adapter.FieldError{{Path: "path", Reason: "is required"}}, ae.Fields)
	}

	assert.Zero(t, f.policy.calls.Load())
	assert.Zero(t, del.count())
	assert.Zero(t, f.cache.Len())
	assert.Zero(t, f.cache.Stats().Misses)

	events := f.events()
	require.Len(t, events, 2)
	assert.Equal(t, contracts.AuditRejected, events[0].Kind)
	assert.False(t, events[0].Allow)
	assert.Equal(t, "validation", events[0].Metadata["error_kind"])
	assert.Contains(t, events[0].Reason, "path is required")
}

func TestAuthorize_ValidateReturningFalse(t *testing.T) {
	f := newFixture(t, allowAll())
	f.adapter.ValidateFunc = func(context.Context, contracts.InvocationRequest) (bool, error) { return false, nil }

	_, err := f.orch.Authorize(context.Background(), request("cap-read", "p1", nil))
	require.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, f.policy.calls.Load())
}

func TestAuthorize_UnknownTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll())

	_, err := f.orch.Authorize(ctx, request("cap-missing", "p1", nil))
	require.ErrorIs(t, err, ErrCapabilityNotFound)
	assert.ErrorIs(t, err, catalog.ErrCapabilityNotFound)

	require.NoError(t, f.catalog.Put(contracts.Resource{ID: "r8", Protocol: "grpc"}, []contracts.Capability{{ID: "cap-grpc"}}))
	_, err = f.orch.Authorize(ctx, request("cap-grpc", "p1", nil))
	require.ErrorIs(t, err, adapter.ErrUnknownProtocol)
	assert.True(t, IsRequestError(err))

	assert.Zero(t, f.policy.calls.Load())
	events := f.events()
	require.Len(t, events, 2)
	assert.Equal(t, "capability_not_found", events[0].Metadata["error_kind"])
	assert.Equal(t, contracts.AuditRejected, events[1].Kind)
}

func TestAuthorize_PolicyTimeoutFailsClosed(t *testing.T) {
	ctx := context.Background()
	slow := &scriptedPDP{fn: func(ctx context.Context, _ *pdp.DecisionRequest) (*pdp.DecisionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, slow, WithPolicyTimeout(20*time.Millisecond))

	for i := 0; i < 2; i++ {
		d, err := f.orch.Authorize(ctx, request("cap-read", "p1", nil))
		require.NoError(t, err)
		assert.False(t, d.Allow)
		assert.Equal(t, "policy: internal error: DENY_TIMEOUT", d.Reason)
		assert.Zero(t, d.CacheTTL)
	}
	assert.EqualValues(t, 2, slow.calls.Load())
	assert.Zero(t, f.cache.Len())
}

func TestAuthorize_PolicyErrorFailsClosed(t *testing.T) {
	broken := &scriptedPDP{fn: func(context.Context, *pdp.DecisionRequest) (*pdp.DecisionResponse, error) {
		return nil, errors.New("connection refused")
	}}
	f := newFixture(t, broken)

	d, err := f.orch.Authorize(context.Background(), request("cap-read", "p1", nil))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.True(t, strings.HasPrefix(d.Reason, "policy: internal error:"), d.Reason)
}

func TestAuthorize_CancelledStillAudits(t *testing.T) {
	policy := &scriptedPDP{fn: func(ctx context.Context, _ *pdp.DecisionRequest) (*pdp.DecisionResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &pdp.DecisionResponse{Allow: true}, nil
	}}
	f := newFixture(t, policy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := f.orch.Authorize(ctx, request("cap-read", "p1", nil))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "policy: internal error: DENY_CANCELLED", d.Reason)
	assert.NotEmpty(t, d.AuditID)

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, d.AuditID, events[0].ID)
}

func TestAuthorize_AuditFailureKeepsDecision(t *testing.T) {
	policy := allowAll()
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adaptertest.New("mcp")))
	cat := catalog.NewMemory()
	require.NoError(t, cat.Put(resLocal, []contracts.Capability{capRead}))
	emitter := audit.NewEmitter(failingStore{audit.NewMemoryStore()}, "node-a", audit.WithWriteRetries(1, 0))

	o := New("node-a", "org-a", reg, cat, policy, decisioncache.New(), emitter)
	d, err := o.Authorize(context.Background(), request("cap-read", "p1", nil))
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.NotEmpty(t, d.AuditID)
}

func TestAuthorize_CorrelationFromContext(t *testing.T) {
	f := newFixture(t, allowAll())
	ctx := federation.WithCorrelationID(context.Background(), "corr-upstream")

	d, err := f.orch.Authorize(ctx, request("cap-read", "p1", nil))
	require.NoError(t, err)
	assert.Equal(t, "corr-upstream", d.CorrelationID)
	assert.Equal(t, "corr-upstream", f.events()[0].CorrelationID)
}

func TestAuthorize_ForeignWithoutFederation(t *testing.T) {
	f := newFixture(t, allowAll())

	d, err := f.orch.Authorize(context.Background(), request("cap-drop", "p2", nil))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "federation: not configured for organization org-b", d.Reason)
	assert.Zero(t, f.policy.calls.Load())
}

func TestAuthorize_ForeignDelegatedAndCached(t *testing.T) {
	ctx := context.Background()
	del := &countingDelegator{allow: true}
	f := newFixture(t, allowAll(), WithDelegator(del))

	d, err := f.orch.Authorize(ctx, request("cap-drop", "p2", map[string]any{"table": "t"}))
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, contracts.PathFederated, d.Path)
	assert.Equal(t, 60, d.CacheTTL)

	ev := f.events()[0]
	assert.Equal(t, "peer", ev.TargetNode)
	assert.Equal(t, "remote-1", ev.Metadata["remote_audit_id"])
	assert.Equal(t, "DECIDED", ev.Metadata["federation_state"])

	d, err = f.orch.Authorize(ctx, request("cap-drop", "p2", map[string]any{"table": "t"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.PathCache, d.Path)
	assert.Equal(t, 1, del.count())
	assert.Zero(t, f.policy.calls.Load())
}

func TestAuthorize_DisabledPeerDeniesWithoutCall(t *testing.T) {
	ctx := context.Background()
	self := newIdentity(t, "node-a")
	n2 := newIdentity(t, "n2")

	nodes := federation.NewMemoryNodeStore(contracts.FederationNode{
		NodeID: "n2", OrgID: "org-b", Endpoint: "https://127.0.0.1:1", TrustAnchorPEM: n2.pem, Enabled: false,
	})
	var mu sync.Mutex
	var transitions []federation.State
	client, err := federation.NewClient("node-a", self.cert, nodes, federation.WithStateHook(func(_ string, _, to federation.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}))
	require.NoError(t, err)

	f := newFixture(t, allowAll(), WithDelegator(client))
	d, err := f.orch.Authorize(ctx, request("cap-drop", "p2", nil))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "federation: node n2 disabled", d.Reason)
	assert.Zero(t, d.CacheTTL)
	assert.Zero(t, f.policy.calls.Load())

	mu.Lock()
	assert.Equal(t, []federation.State{federation.StateRejected}, transitions)
	mu.Unlock()
	assert.Zero(t, f.cache.Len())
}

func TestFederationRoundTrip(t *testing.T) {
	ctx := context.Background()
	idA := newIdentity(t, "node-a")
	idB := newIdentity(t, "node-b")

	// Node B owns r2 and evaluates with its own policy.
	policyB := allowAll()
	catB := catalog.NewMemory()
	require.NoError(t, catB.Put(contracts.Resource{ID: "r2", Protocol: "mcp", OwnerOrg: "org-b"}, []contracts.Capability{capDrop}))
	regB := adapter.NewRegistry()
	require.NoError(t, regB.Register(adaptertest.New("mcp")))
	storeB := audit.NewMemoryStore()
	orchB := New("node-b", "org-b", regB, catB, policyB, decisioncache.New(), audit.NewEmitter(storeB, "node-b"))

	trustB := federation.NewMemoryNodeStore(contracts.FederationNode{
		NodeID: "node-a", OrgID: "org-a", Endpoint: "https://node-a.invalid", TrustAnchorPEM: idA.pem, Enabled: true,
	})
	srv := federation.NewServer("node-b", trustB, orchB)
	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.TLS = federation.ServerTLSConfig(idB.cert)
	ts.StartTLS()
	t.Cleanup(ts.Close)

	// Node A delegates anything owned by org-b.
	trustA := federation.NewMemoryNodeStore(contracts.FederationNode{
		NodeID: "node-b", OrgID: "org-b", Endpoint: ts.URL, TrustAnchorPEM: idB.pem, Enabled: true,
	})
	client, err := federation.NewClient("node-a", idA.cert, trustA)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	fA := newFixture(t, allowAll(), WithDelegator(client))
	d, err := fA.orch.Authorize(ctx, request("cap-drop", "p2", map[string]any{"table": "orders"}))
	require.NoError(t, err)
	require.True(t, d.Allow, d.Reason)
	assert.Equal(t, "policy:allow", d.Reason)
	assert.Equal(t, contracts.PathFederated, d.Path)
	assert.Equal(t, "node-b", d.EvaluatedBy)
	assert.Equal(t, map[string]any{"table": "orders"}, d.FilteredArguments)
	assert.Zero(t, fA.policy.calls.Load())
	assert.EqualValues(t, 1, policyB.calls.Load())

	eventsA := fA.events()
	recsB := storeB.Records()
	require.Len(t, eventsA, 1)
	require.Len(t, recsB, 1)
	evB := recsB[0].Event

	assert.Equal(t, d.CorrelationID, eventsA[0].CorrelationID)
	assert.Equal(t, d.CorrelationID, evB.CorrelationID)
	assert.Equal(t, evB.ID, eventsA[0].Metadata["remote_audit_id"])

	assert.Equal(t, "node-a", eventsA[0].SourceNode)
	assert.Equal(t, "node-b", eventsA[0].TargetNode)
	assert.Equal(t, "node-a", evB.SourceNode)
	assert.Equal(t, "node-b", evB.TargetNode)
	assert.Equal(t, contracts.PathRemote, evB.Path)
}

func TestAuthorizeDelegated_ResourceMismatch(t *testing.T) {
	f := newFixture(t, allowAll())
	_, err := f.orch.AuthorizeDelegated(context.Background(), &federation.DelegatedRequest{
		RequestID: "q1", CorrelationID: "c1", SourceNode: "peer", Principal: "p",
		ResourceID: "r-other", CapabilityID: "cap-read", Timestamp: f.now,
	}, contracts.FederationNode{NodeID: "peer"})
	require.ErrorIs(t, err, ErrResourceNotFound)
	assert.Zero(t, f.policy.calls.Load())
	assert.Equal(t, contracts.AuditRejected, f.events()[0].Kind)
}

func TestAuthorizeDelegated_PrincipalsScopedByPeer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll())
	dr := &federation.DelegatedRequest{RequestID: "q", CapabilityID: "cap-read", Principal: "alice", Timestamp: f.now}

	_, err := f.orch.AuthorizeDelegated(ctx, dr, contracts.FederationNode{NodeID: "peer-1"})
	require.NoError(t, err)
	// Same principal name from another peer is a different principal.
	d, err := f.orch.AuthorizeDelegated(ctx, dr, contracts.FederationNode{NodeID: "peer-2"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PathRemote, d.Path)
	assert.EqualValues(t, 2, f.policy.calls.Load())

	// And both differ from the local alice.
	d, err = f.orch.Authorize(ctx, request("cap-read", "alice", nil))
	require.NoError(t, err)
	assert.Equal(t, contracts.PathLocal, d.Path)
}

func TestTTLMonotonicAcrossSensitivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("allow TTL for critical never exceeds low", prop.ForAll(
		func(a, b, c, d int) bool {
			// Sorted descending gives a valid policy.
			secs := []int{a, b, c, d}
			for i := range secs {
				for j := i + 1; j < len(secs); j++ {
					if secs[j] > secs[i] {
						secs[i], secs[j] = secs[j], secs[i]
					}
				}
			}
			p := decisioncache.TTLPolicy{
				Low:      time.Duration(secs[0]) * time.Second,
				Medium:   time.Duration(secs[1]) * time.Second,
				High:     time.Duration(secs[2]) * time.Second,
				Critical: time.Duration(secs[3]) * time.Second,
			}
			if f.cache.SetTTLPolicy(p) != nil {
				return false
			}
			f.cache.Clear(ctx)
			low, err1 := f.orch.Authorize(ctx, request("cap-read", "p1", nil))
			crit, err2 := f.orch.Authorize(ctx, request("cap-write", "p1", nil))
			return err1 == nil && err2 == nil && low.Allow && crit.Allow &&
				crit.CacheTTL <= low.CacheTTL && low.CacheTTL == secs[0]
		},
		gen.IntRange(0, 3600), gen.IntRange(0, 3600), gen.IntRange(0, 3600), gen.IntRange(0, 3600),
	))

	properties.TestingRun(t)
}
