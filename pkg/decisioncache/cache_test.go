package decisioncache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func allow(reason string) *contracts.AuthorizationDecision {
	return &contracts.AuthorizationDecision{Allow: true, Reason: reason, Path: contracts.PathLocal}
}

func TestCache_StoresOnlyCacheableAllows(t *testing.T) {
	ctx := context.Background()
	c := New()

	assert.False(t, c.Put(ctx, "k1", "p1", contracts.Deny("policy:deny"), contracts.SensitivityLow, nil))
	transient := allow("policy:allow")
	transient.Transient = true
	assert.False(t, c.Put(ctx, "k2", "p1", transient, contracts.SensitivityLow, nil))
	assert.True(t, c.Put(ctx, "k3", "p1", allow("policy:allow"), contracts.SensitivityLow, nil))

	_, ok := c.Lookup(ctx, "k1")
	assert.False(t, ok)
	_, ok = c.Lookup(ctx, "k2")
	assert.False(t, ok)
	e, ok := c.Lookup(ctx, "k3")
	require.True(t, ok)
	assert.Equal(t, "policy:allow", e.Reason)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(2), stats.Rejected)
	assert.InDelta(t, 1.0/3.0, stats.HitRate(), 0.001)
}

func TestCache_ExpiryBySensitivity(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(0, 0)}
	c := New(WithClock(clk.now))

	require.True(t, c.Put(ctx, "low", "p1", allow("ok"), contracts.SensitivityLow, nil))
	require.True(t, c.Put(ctx, "crit", "p1", allow("ok"), contracts.SensitivityCritical, nil))
	require.True(t, c.Put(ctx, "unknown", "p1", allow("ok"), contracts.Sensitivity("???"), nil))

	clk.advance(61 * time.Second)
	_, ok := c.Lookup(ctx, "crit")
	assert.False(t, ok, "critical entries live 60s")
	_, ok = c.Lookup(ctx, "unknown")
	assert.False(t, ok, "unknown sensitivity is treated as critical")
	e, ok := c.Lookup(ctx, "low")
	require.True(t, ok)
	assert.Equal(t, 239, e.Decision(nil, clk.now()).CacheTTL)

	clk.advance(240 * time.Second)
	_, ok = c.Lookup(ctx, "low")
	assert.False(t, ok)
}

func TestCache_ReappliesSuppressionToCurrentArguments(t *testing.T) {
	ctx := context.Background()
	c := New()

	first := map[string]any{"path": "/a", "token": "secret-1"}
	d := allow("policy:allow")
	d.FilteredArguments = map[string]any{"path": "/a"}
	require.True(t, c.Put(ctx, "k", "p1", d, contracts.SensitivityMedium, first))

	e, ok := c.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []string{"token"}, e.Suppressed)

	second := map[string]any{"path": "/b", "token": "secret-2"}
	got := e.Decision(second, time.Now())
	assert.Equal(t, map[string]any{"path": "/b"}, got.FilteredArguments)
	assert.Equal(t, contracts.PathCache, got.Path)
	assert.True(t, got.Allow)
}

func TestCache_SetTTLPolicy(t *testing.T) {
	c := New()
	bad := DefaultTTLPolicy()
	bad.Critical = time.Hour
	assert.Error(t, c.SetTTLPolicy(bad))

	zero := TTLPolicy{Low: time.Minute}
	require.NoError(t, c.SetTTLPolicy(zero))
	assert.False(t, c.Put(context.Background(), "k", "p1", allow("ok"), contracts.SensitivityHigh, nil), "zero ttl disables caching")
	assert.True(t, c.Put(context.Background(), "k", "p1", allow("ok"), contracts.SensitivityLow, nil))
}

func TestCache_EvictsWhenFull(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(0, 0)}
	c := New(WithShards(1, 2), WithClock(clk.now))

	c.Put(ctx, "a", "p1", allow("ok"), contracts.SensitivityCritical, nil)
	c.Put(ctx, "b", "p1", allow("ok"), contracts.SensitivityLow, nil)
	c.Put(ctx, "c", "p1", allow("ok"), contracts.SensitivityLow, nil)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup(ctx, "a")
	assert.False(t, ok, "entry closest to expiry goes first")
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_SweepInvalidateClear(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(0, 0)}
	c := New(WithClock(clk.now))

	c.Put(ctx, "a", "p1", allow("ok"), contracts.SensitivityCritical, nil)
	c.Put(ctx, "b", "p1", allow("ok"), contracts.SensitivityLow, nil)
	c.Put(ctx, "c", "p1", allow("ok"), contracts.SensitivityLow, nil)

	clk.advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep(ctx))

	c.Invalidate(ctx, "b")
	_, ok := c.Lookup(ctx, "b")
	assert.False(t, ok)

	c.Put(ctx, "d", "p2", allow("ok"), contracts.SensitivityLow, nil)
	assert.Equal(t, 1, c.InvalidatePrincipal(ctx, "p1"))
	_, ok = c.Lookup(ctx, "d")
	assert.True(t, ok)

	c.Clear(ctx)
	assert.Zero(t, c.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := Key("p", "cap", map[string]any{"n": i}, nil)
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 100; j++ {
				c.Put(ctx, key, "p1", allow("ok"), contracts.SensitivityLow, nil)
				c.Lookup(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	// All goroutines share one argument shape, hence one key.
	assert.Equal(t, 1, c.Len())
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func (m *memStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) Set(_ context.Context, key string, e Entry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memStore) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]Entry{}
	return nil
}

func TestCache_SharedStoreFillsLocalMiss(t *testing.T) {
	ctx := context.Background()
	shared := &memStore{entries: map[string]Entry{}}
	writer := New(WithStore(shared))
	reader := New(WithStore(shared))

	require.True(t, writer.Put(ctx, "k", "p1", allow("policy:allow"), contracts.SensitivityLow, nil))

	e, ok := reader.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "policy:allow", e.Reason)
	assert.Equal(t, 1, reader.Len())

	reader.Invalidate(ctx, "k")
	_, ok = writer.Lookup(context.Background(), "missing")
	assert.False(t, ok)
	assert.Empty(t, shared.entries)
}

func TestTTLPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultTTLPolicy().Validate())
	assert.Error(t, TTLPolicy{Low: -1}.Validate())
	assert.Equal(t, 60*time.Second, DefaultTTLPolicy().For("bogus"))
}
