// Package decisioncache stores recent allow decisions keyed by a
// value-independent request fingerprint.
//
// Only allows are cached. Denies, transient failures and zero-TTL decisions
// never enter the cache. Entries hold a suppression mask rather than the
// filtered arguments themselves, so a hit re-applies the policy's
// narrowing to the current request's values.
package decisioncache

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

const (
	defaultShards          = 64
	defaultMaxPerShard     = 4096
	defaultSweepInterval   = 30 * time.Second
	metricPrefix           = "arbiter.decision_cache."
	instrumentationLibrary = "github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
)

// Entry is a cached allow decision.
type Entry struct {
	PrincipalID string                 `json:"principal_id"`
	Reason      string                 `json:"reason"`
	PolicyRef   string                 `json:"policy_ref,omitempty"`
	EvaluatedBy string                 `json:"evaluated_by,omitempty"`
	Path        contracts.DecisionPath `json:"path,omitempty"`
	Sensitivity contracts.Sensitivity  `json:"sensitivity"`
	// Suppressed lists argument paths the policy removed.
	Suppressed []string  `json:"suppressed,omitempty"`
	StoredAt   time.Time `json:"stored_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Remaining returns the lifetime left at now.
func (e Entry) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

// Decision rebuilds an allow decision for args from the entry.
func (e Entry) Decision(args map[string]any, now time.Time) *contracts.AuthorizationDecision {
	d := &contracts.AuthorizationDecision{
		Allow:       true,
		Reason:      e.Reason,
		CacheTTL:    int(e.Remaining(now).Round(time.Second) / time.Second),
		Path:        contracts.PathCache,
		EvaluatedBy: e.EvaluatedBy,
		PolicyRef:   e.PolicyRef,
	}
	if len(e.Suppressed) > 0 {
		d.FilteredArguments = contracts.Suppress(args, e.Suppressed)
	} else {
		d.FilteredArguments = contracts.CloneMap(args)
	}
	return d
}

// Store is an optional shared second level, consulted on local misses.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stores    int64 `json:"stores"`
	Rejected  int64 `json:"rejected"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Cache is a sharded, TTL-bounded decision cache. Safe for concurrent use.
type Cache struct {
	shards      []*shard
	maxPerShard int
	ttl         atomic.Pointer[TTLPolicy]
	l2          Store
	now         func() time.Time
	logger      *slog.Logger

	hits, misses, stores, rejected, evictions atomic.Int64

	hitCounter   metric.Int64Counter
	missCounter  metric.Int64Counter
	storeCounter metric.Int64Counter
	evictCounter metric.Int64Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLPolicy sets the initial sensitivity lifetimes.
func WithTTLPolicy(p TTLPolicy) Option {
	return func(c *Cache) { c.ttl.Store(&p) }
}

// WithStore adds a shared second-level store.
func WithStore(s Store) Option {
	return func(c *Cache) { c.l2 = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithShards sets the shard count and per-shard capacity.
func WithShards(n, maxPerShard int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.shards = newShards(n)
		}
		if maxPerShard > 0 {
			c.maxPerShard = maxPerShard
		}
	}
}

// WithMeter records hit, miss, store and eviction counters.
func WithMeter(m metric.Meter) Option {
	return func(c *Cache) { c.initMetrics(m) }
}

// New creates a cache with DefaultTTLPolicy unless overridden.
func New(opts ...Option) *Cache {
	c := &Cache{
		shards:      newShards(defaultShards),
		maxPerShard: defaultMaxPerShard,
		now:         time.Now,
		logger:      slog.Default().With("component", "decision-cache"),
	}
	def := DefaultTTLPolicy()
	c.ttl.Store(&def)
	c.initMetrics(noop.NewMeterProvider().Meter(instrumentationLibrary))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{entries: make(map[string]Entry)}
	}
	return out
}

func (c *Cache) initMetrics(m metric.Meter) {
	c.hitCounter, _ = m.Int64Counter(metricPrefix+"hits", metric.WithDescription("Decision cache hits"))
	c.missCounter, _ = m.Int64Counter(metricPrefix+"misses", metric.WithDescription("Decision cache misses"))
	c.storeCounter, _ = m.Int64Counter(metricPrefix+"stores", metric.WithDescription("Decisions written to the cache"))
	c.evictCounter, _ = m.Int64Counter(metricPrefix+"evictions", metric.WithDescription("Entries evicted or expired"))
}

// Key fingerprints a request. Values of sensitive fields never reach the key.
func Key(principalID, capabilityID string, args map[string]any, sensitiveFields []string) (string, error) {
	return canonicalize.Fingerprint(principalID, capabilityID, args, sensitiveFields)
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// TTLPolicy returns the active lifetimes.
func (c *Cache) TTLPolicy() TTLPolicy { return *c.ttl.Load() }

// SetTTLPolicy swaps lifetimes atomically. Existing entries keep their
// expiry.
func (c *Cache) SetTTLPolicy(p TTLPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.ttl.Store(&p)
	c.logger.Info("ttl policy updated", "low", p.Low, "medium", p.Medium, "high", p.High, "critical", p.Critical)
	return nil
}

// TTLFor returns the lifetime the active policy gives s.
func (c *Cache) TTLFor(s contracts.Sensitivity) time.Duration {
	return c.TTLPolicy().For(s)
}

// Lookup returns a live entry for key. Expired entries count as misses.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	now := c.now()
	sh := c.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if ok && now.Before(e.ExpiresAt) {
		c.hit(ctx)
		return e, true
	}
	if ok {
		sh.mu.Lock()
		if cur, still := sh.entries[key]; still && !now.Before(cur.ExpiresAt) {
			delete(sh.entries, key)
			c.evict(ctx, 1)
		}
		sh.mu.Unlock()
	}

	if c.l2 != nil {
		remote, err := c.l2.Get(ctx, key)
		if err != nil {
			c.logger.WarnContext(ctx, "shared cache lookup failed", "error", err)
		} else if remote != nil && now.Before(remote.ExpiresAt) {
			c.put(ctx, key, *remote)
			c.hit(ctx)
			return *remote, true
		}
	}

	c.misses.Add(1)
	c.missCounter.Add(ctx, 1)
	return Entry{}, false
}

// Put caches d for key when it is cacheable and reports whether it did.
// args are the request arguments d was computed for.
func (c *Cache) Put(ctx context.Context, key, principalID string, d *contracts.AuthorizationDecision, sensitivity contracts.Sensitivity, args map[string]any) bool {
	if d == nil || !d.Allow || d.Transient {
		c.rejected.Add(1)
		return false
	}
	ttl := c.TTLFor(sensitivity)
	if ttl <= 0 {
		c.rejected.Add(1)
		return false
	}

	now := c.now()
	e := Entry{
		PrincipalID: principalID,
		Reason:      d.Reason,
		PolicyRef:   d.PolicyRef,
		EvaluatedBy: d.EvaluatedBy,
		Path:        d.Path,
		Sensitivity: sensitivity.Normalize(),
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	if d.FilteredArguments != nil {
		e.Suppressed = contracts.SuppressedPaths(args, d.FilteredArguments)
	}

	c.put(ctx, key, e)
	c.stores.Add(1)
	c.storeCounter.Add(ctx, 1)

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, e, ttl); err != nil {
			c.logger.WarnContext(ctx, "shared cache write failed", "error", err)
		}
	}
	return true
}

func (c *Cache) put(ctx context.Context, key string, e Entry) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[key]; !exists && len(sh.entries) >= c.maxPerShard {
		c.evictOne(ctx, sh)
	}
	sh.entries[key] = e
}

// evictOne drops an expired entry if any, else the one closest to expiry.
// Caller holds sh.mu.
func (c *Cache) evictOne(ctx context.Context, sh *shard) {
	now := c.now()
	var victim string
	var soonest time.Time
	for k, e := range sh.entries {
		if !now.Before(e.ExpiresAt) {
			victim = k
			break
		}
		if victim == "" || e.ExpiresAt.Before(soonest) {
			victim, soonest = k, e.ExpiresAt
		}
	}
	if victim != "" {
		delete(sh.entries, victim)
		c.evict(ctx, 1)
	}
}

// Invalidate removes key from every level.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "shared cache delete failed", "error", err)
		}
	}
}

// InvalidatePrincipal drops every local entry issued to principalID and
// returns how many it removed. Shared-store copies are deleted by key.
func (c *Cache) InvalidatePrincipal(ctx context.Context, principalID string) int {
	var keys []string
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.PrincipalID == principalID {
				delete(sh.entries, k)
				keys = append(keys, k)
			}
		}
		sh.mu.Unlock()
	}
	if c.l2 != nil {
		for _, k := range keys {
			if err := c.l2.Delete(ctx, k); err != nil {
				c.logger.WarnContext(ctx, "shared cache delete failed", "error", err)
			}
		}
	}
	return len(keys)
}

// Clear empties every level.
func (c *Cache) Clear(ctx context.Context) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]Entry)
		sh.mu.Unlock()
	}
	if c.l2 != nil {
		if err := c.l2.Flush(ctx); err != nil {
			c.logger.WarnContext(ctx, "shared cache flush failed", "error", err)
		}
	}
}

// Sweep drops expired entries and returns how many it removed.
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !now.Before(e.ExpiresAt) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		c.evict(ctx, int64(removed))
	}
	return removed
}

// Run sweeps on interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(ctx); n > 0 {
				c.logger.DebugContext(ctx, "swept expired decisions", "count", n)
			}
		}
	}
}

// Len counts local entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Rejected:  c.rejected.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

func (c *Cache) hit(ctx context.Context) {
	c.hits.Add(1)
	c.hitCounter.Add(ctx, 1)
}

func (c *Cache) evict(ctx context.Context, n int64) {
	c.evictions.Add(n)
	c.evictCounter.Add(ctx, n)
}
