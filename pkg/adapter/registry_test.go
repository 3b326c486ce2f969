package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/adapter/adaptertest"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	reg := adapter.NewRegistry()
	first := adaptertest.New("MCP")
	second := adaptertest.New("mcp")

	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(second))

	got, err := reg.Get("mcp")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, []string{"mcp"}, reg.Protocols())
}

func TestRegistry_UnknownProtocol(t *testing.T) {
	reg := adapter.NewRegistry()
	_, err := reg.Get("carrier-pigeon")
	assert.ErrorIs(t, err, adapter.ErrUnknownProtocol)
	assert.False(t, reg.Supports("carrier-pigeon"))
}

func TestRegistry_RejectsBadVersion(t *testing.T) {
	reg := adapter.NewRegistry()
	a := adaptertest.New("http")
	a.Version = "latest"
	assert.Error(t, reg.Register(a))
	assert.Error(t, reg.Register(nil))
}

func TestRegistry_LifecycleHooks(t *testing.T) {
	ctx := context.Background()
	reg := adapter.NewRegistry()
	a := adaptertest.New("grpc")
	require.NoError(t, reg.Register(a))

	res := contracts.Resource{ID: "r1", Protocol: "grpc"}
	require.NoError(t, reg.Attach(ctx, res))
	require.NoError(t, reg.Attach(ctx, res))
	assert.Equal(t, []string{"r1"}, a.Registered())

	info := reg.Info()
	require.Len(t, info, 1)
	assert.Equal(t, []string{"r1"}, info[0].Resources)

	require.NoError(t, reg.Unregister(ctx, "grpc"))
	assert.Equal(t, []string{"r1"}, a.Removed())
	assert.False(t, reg.Supports("grpc"))
}

func TestInvokeBatch_FallbackPreservesOrder(t *testing.T) {
	a := adaptertest.New("http")
	a.InvokeFunc = func(_ context.Context, req contracts.InvocationRequest) (*contracts.InvocationResult, error) {
		if req.CapabilityID == "boom" {
			panic("kaboom")
		}
		if req.CapabilityID == "bad" {
			return nil, errors.New("no route")
		}
		return &contracts.InvocationResult{Success: true, Result: req.CapabilityID}, nil
	}

	reqs := []contracts.InvocationRequest{
		contracts.NewInvocationRequest("a", "p", nil, contracts.RequestContext{}),
		contracts.NewInvocationRequest("boom", "p", nil, contracts.RequestContext{}),
		contracts.NewInvocationRequest("bad", "p", nil, contracts.RequestContext{}),
		contracts.NewInvocationRequest("b", "p", nil, contracts.RequestContext{}),
	}
	out := adapter.InvokeBatch(context.Background(), a, reqs)
	require.Len(t, out, 4)
	assert.Equal(t, "a", out[0].Result)
	assert.False(t, out[1].Success)
	assert.Contains(t, out[1].Error, "kaboom")
	assert.False(t, out[2].Success)
	assert.Equal(t, "b", out[3].Result)
}

// batchingFake executes a batch natively and then reports err.
type batchingFake struct {
	*adaptertest.Fake
	executed int
	results  int
	err      error
}

func (b *batchingFake) InvokeBatch(_ context.Context, reqs []contracts.InvocationRequest) ([]*contracts.InvocationResult, error) {
	b.executed += len(reqs)
	out := make([]*contracts.InvocationResult, 0, len(reqs))
	for i := 0; i < b.results && i < len(reqs); i++ {
		out = append(out, &contracts.InvocationResult{Success: true, Result: reqs[i].CapabilityID})
	}
	return out, b.err
}

func TestInvokeBatch_NativeFailureIsNotReplayed(t *testing.T) {
	reqs := []contracts.InvocationRequest{
		contracts.NewInvocationRequest("a", "p", nil, contracts.RequestContext{}),
		contracts.NewInvocationRequest("b", "p", nil, contracts.RequestContext{}),
	}

	tests := []struct {
		name    string
		results int
		err     error
		want    string
	}{
		{"backend error", 2, errors.New("connection reset"), "connection reset"},
		{"short result", 1, nil, "1 results for 2 requests"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := &batchingFake{Fake: adaptertest.New("grpc"), results: tc.results, err: tc.err}
			out := adapter.InvokeBatch(context.Background(), a, reqs)
			require.Len(t, out, 2)
			for _, res := range out {
				assert.False(t, res.Success)
				assert.Contains(t, res.Error, tc.want)
			}
			assert.Equal(t, 2, a.executed)
			assert.Zero(t, a.Invocations.Load(), "requests must not be re-invoked one by one")
		})
	}

	a := &batchingFake{Fake: adaptertest.New("grpc"), results: 2}
	out := adapter.InvokeBatch(context.Background(), a, reqs)
	assert.Equal(t, "a", out[0].Result)
	assert.Equal(t, "b", out[1].Result)
}

type hangingAdapter struct{ *adaptertest.Fake }

func (hangingAdapter) HealthCheck(ctx context.Context, _ contracts.Resource) bool {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return true
}

func TestSafeHealthCheck_Bounded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok := adapter.SafeHealthCheck(ctx, hangingAdapter{adaptertest.New("x")}, contracts.Resource{})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, adapter.SafeHealthCheck(context.Background(), adaptertest.New("x"), contracts.Resource{}))
}

func TestRegistry_HealthCheckCoversAttachedResources(t *testing.T) {
	r := adapter.NewRegistry()
	up, down := adaptertest.New("mcp"), adaptertest.New("grpc")
	down.Healthy = false
	require.NoError(t, r.Register(up))
	require.NoError(t, r.Register(down))
	ctx := context.Background()
	require.NoError(t, r.Attach(ctx, contracts.Resource{ID: "tools-b", Protocol: "mcp"}))
	require.NoError(t, r.Attach(ctx, contracts.Resource{ID: "tools-a", Protocol: "mcp"}))
	require.NoError(t, r.Attach(ctx, contracts.Resource{ID: "billing", Protocol: "grpc"}))

	assert.Equal(t, []adapter.ResourceHealth{
		{Protocol: "grpc", ResourceID: "billing", Healthy: false},
		{Protocol: "mcp", ResourceID: "tools-a", Healthy: true},
		{Protocol: "mcp", ResourceID: "tools-b", Healthy: true},
	}, r.HealthCheck(ctx))

	require.NoError(t, r.Detach(ctx, contracts.Resource{ID: "billing", Protocol: "grpc"}))
	for _, h := range r.HealthCheck(ctx) {
		assert.True(t, h.Healthy, h.ResourceID)
	}
}

func TestError_KindMatching(t *testing.T) {
	err := adapter.NewValidationError("mcp", "fs/read", adapter.FieldError{Path: "path", Reason: "required"})
	wrapped := errors.Join(errors.New("outer"), err)

	assert.ErrorIs(t, wrapped, adapter.ErrValidation)
	assert.NotErrorIs(t, wrapped, adapter.ErrTimeout)
	assert.Equal(t, adapter.KindValidation, adapter.KindOf(wrapped))
	assert.Contains(t, err.Error(), "path required")

	streaming := &adapter.Error{Kind: adapter.KindStreaming, ChunksDelivered: 3}
	assert.Contains(t, streaming.Error(), "after 3 chunks")
}

func TestDetectSensitivity(t *testing.T) {
	cases := map[string]contracts.Sensitivity{
		"decrypt_password": contracts.SensitivityCritical,
		"delete_user":      contracts.SensitivityHigh,
		"update_profile":   contracts.SensitivityMedium,
		"list_files":       contracts.SensitivityLow,
		"ping":             contracts.SensitivityMedium,
	}
	for name, want := range cases {
		assert.Equal(t, want, adapter.DetectSensitivity(name, ""), name)
	}
}
