package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/adapter/mcp"
	"github.com/Mindburn-Labs/arbiter/pkg/adapter/rest"
	"github.com/Mindburn-Labs/arbiter/pkg/adapter/rpc"
	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/audit/siem"
	"github.com/Mindburn-Labs/arbiter/pkg/catalog"
	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
	"github.com/Mindburn-Labs/arbiter/pkg/federation"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
	"github.com/Mindburn-Labs/arbiter/pkg/orchestrator"
	"github.com/Mindburn-Labs/arbiter/pkg/pdp"
)

// openDB is a variable so tests can substitute sqlmock.
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }

// node is one running broker: every component wired from a Config.
type node struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	telemetry *observability.Provider
	registry  *adapter.Registry
	catalog   *catalog.Memory
	syncer    *catalog.Syncer
	cache     *decisioncache.Cache
	store     audit.Store
	forwarder *audit.Forwarder
	emitter   *audit.Emitter
	nodes     federation.NodeStore
	limiter   federation.Limiter
	cert      tls.Certificate
	client    *federation.Client
	server    *federation.Server
	orch      *orchestrator.Orchestrator

	rdb *redis.Client
	db  *sql.DB
}

func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) (*node, error) {
	n := &node{cfg: cfg, logger: logger, level: level}
	if err := n.build(ctx); err != nil {
		_ = n.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return n, nil
}

func (n *node) build(ctx context.Context) error {
	cfg, logger := n.cfg, n.logger
	tel, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	n.telemetry = tel.WithSLO(observability.NewSLOTracker(observability.DefaultSLOTargets()...))

	n.registry = adapter.NewRegistry()
	for _, a := range []adapter.Adapter{
		mcp.New(mcp.WithLogger(logger.With("component", "adapter-mcp"))),
		rest.New(rest.WithLogger(logger.With("component", "adapter-http"))),
		rpc.New(rpc.WithLogger(logger.With("component", "adapter-grpc"))),
	} {
		if err := n.registry.Register(a); err != nil {
			return err
		}
	}
	n.catalog = catalog.NewMemory()
	n.syncer = catalog.NewSyncer(n.registry, n.catalog)

	if cfg.Cache.Shared {
		n.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	cacheOpts := []decisioncache.Option{
		decisioncache.WithTTLPolicy(cfg.Cache.TTL),
		decisioncache.WithMeter(n.telemetry.Meter()),
		decisioncache.WithShards(cfg.Cache.Shards, cfg.Cache.MaxPerShard),
	}
	if n.rdb != nil {
		cacheOpts = append(cacheOpts, decisioncache.WithStore(decisioncache.NewRedisStoreFromClient(n.rdb, "arbiter:cache:")))
	}
	n.cache = decisioncache.New(cacheOpts...)

	policy, err := buildPolicy(cfg.Policy)
	if err != nil {
		return err
	}
	if err := n.buildAudit(ctx); err != nil {
		return err
	}
	if err := n.buildFederation(ctx); err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithTelemetry(n.telemetry),
		orchestrator.WithPolicyTimeout(cfg.Policy.Timeout),
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
	}
	if n.client != nil {
		opts = append(opts, orchestrator.WithDelegator(n.client))
	}
	n.orch = orchestrator.New(cfg.Node.ID, cfg.Node.Org, n.registry, n.catalog, policy, n.cache, n.emitter, opts...)

	if n.client != nil {
		n.server = federation.NewServer(cfg.Node.ID, n.nodes, n.orch,
			federation.WithServerLimiter(n.limiter),
			federation.WithReplayGuard(federation.NewReplayGuard(cfg.Federation.ReplayWindow)),
			federation.WithServerMaxHops(cfg.Federation.MaxHops),
			federation.WithServerLogger(logger.With("component", "federation-server")),
		)
	}
	return nil
}

func buildPolicy(cfg config.PolicyConfig) (pdp.PolicyDecisionPoint, error) {
	switch strings.ToLower(cfg.Backend) {
	case "opa":
		return pdp.NewOPAPDP(cfg.OPA), nil
	case "cedar":
		return pdp.NewCedarPDP(cfg.Cedar), nil
	case "cel", "":
		p, err := pdp.NewCELPDP(cfg.CEL.Version, cfg.CEL.Rules)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("policy: unknown backend %q", cfg.Backend)
	}
}

func (n *node) buildAudit(ctx context.Context) error {
	cfg := n.cfg.Audit
	switch cfg.Store {
	case "sqlite":
		s, err := audit.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		n.store = s
	default:
		n.store = audit.NewMemoryStore()
	}

	opts := []audit.EmitterOption{
		audit.WithWriteRetries(cfg.WriteRetries, 0),
		audit.WithLogger(n.logger.With("component", "audit")),
	}
	if len(cfg.Sinks) > 0 {
		sinks, err := siem.NewAll(ctx, cfg.Sinks)
		if err != nil {
			return err
		}
		fcfg := audit.DefaultForwarderConfig()
		if cfg.BatchSize > 0 {
			fcfg.BatchSize = cfg.BatchSize
		}
		if cfg.FlushInterval > 0 {
			fcfg.FlushInterval = cfg.FlushInterval
		}
		if cfg.SpoolDir != "" {
			if fcfg.Spool, err = audit.NewSpool(cfg.SpoolDir); err != nil {
				return fmt.Errorf("audit spool: %w", err)
			}
		}
		n.forwarder = audit.NewForwarder(fcfg, sinks...).WithLogger(n.logger.With("component", "audit-forwarder"))
		n.forwarder.Start()
		opts = append(opts, audit.WithForwarder(n.forwarder))
	}
	n.emitter = audit.NewEmitter(n.store, n.cfg.Node.ID, opts...)
	return nil
}

func (n *node) buildFederation(ctx context.Context) error {
	cfg := n.cfg.Federation
	switch cfg.NodeStore {
	case "postgres":
		db, err := openDB(n.cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("node store: %w", err)
		}
		n.db = db
		ps := federation.NewPostgresNodeStore(db)
		if err := ps.Init(ctx); err != nil {
			return err
		}
		n.nodes = ps
	default:
		n.nodes = federation.NewMemoryNodeStore()
	}
	if err := syncPeers(ctx, n.nodes, nil, cfg.Peers); err != nil {
		return err
	}

	// Shared by client and server; each keeps its own direction.
	if n.rdb != nil {
		n.limiter = federation.NewRedisLimiter(n.rdb)
	} else {
		n.limiter = federation.NewLocalLimiter()
	}

	if !n.cfg.FederationEnabled() {
		n.logger.InfoContext(ctx, "federation disabled: no tls identity configured")
		return nil
	}
	cert, err := federation.LoadKeyPair(n.cfg.TLS.CertFile, n.cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("federation identity: %w", err)
	}
	n.cert = cert
	n.client, err = federation.NewClient(n.cfg.Node.ID, cert, n.nodes,
		federation.WithLimiter(n.limiter),
		federation.WithHopTimeout(cfg.HopTimeout),
		federation.WithMaxHops(cfg.MaxHops),
		federation.WithClientLogger(n.logger.With("component", "federation-client")),
	)
	return err
}

// syncPeers upserts configured peers. Peers present in prev but gone from
// next are disabled, not deleted, so their audit records keep resolving.
func syncPeers(ctx context.Context, store federation.NodeStore, prev, next []config.PeerConfig) error {
	keep := make(map[string]bool, len(next))
	for _, p := range next {
		node, err := p.Node()
		if err != nil {
			return err
		}
		if existing, err := store.Get(ctx, node.NodeID); err == nil {
			node.CreatedAt = existing.CreatedAt
			node.LastTrustedAt = existing.LastTrustedAt
		}
		if err := store.Upsert(ctx, node); err != nil {
			return fmt.Errorf("peer %s: %w", node.NodeID, err)
		}
		keep[node.NodeID] = true
	}
	for _, p := range prev {
		if keep[p.NodeID] {
			continue
		}
		if err := store.SetEnabled(ctx, p.NodeID, false); err != nil && !errors.Is(err, federation.ErrNodeNotFound) {
			return fmt.Errorf("peer %s: %w", p.NodeID, err)
		}
	}
	return nil
}

// discover loads every configured backend into the catalog. One failing
// backend does not stop the others.
func (n *node) discover(ctx context.Context) {
	for _, t := range n.cfg.Adapters {
		res, err := n.syncer.Discover(ctx, t.Protocol, adapter.DiscoveryConfig(t.Config))
		if err != nil {
			n.logger.ErrorContext(ctx, "discovery failed", "protocol", t.Protocol, "error", err)
			continue
		}
		n.logger.InfoContext(ctx, "discovered resources", "protocol", t.Protocol, "count", len(res))
	}
}

// reload applies the parts of next that can change at runtime: sensitivity
// TTLs, peers and their rate limits, and the log level.
func (n *node) reload(ctx context.Context, prev, next *config.Config) error {
	if next.Node.ID != prev.Node.ID || next.Node.Org != prev.Node.Org {
		return errors.New("node identity cannot change without a restart")
	}
	if err := n.cache.SetTTLPolicy(next.Cache.TTL); err != nil {
		return err
	}
	if err := syncPeers(ctx, n.nodes, prev.Federation.Peers, next.Federation.Peers); err != nil {
		return err
	}
	if n.level != nil {
		n.level.Set(next.SlogLevel())
	}
	return nil
}

func (n *node) close(ctx context.Context) error {
	var errs []error
	switch {
	case n.orch != nil:
		errs = append(errs, n.orch.Close(ctx))
	case n.registry != nil:
		errs = append(errs, n.registry.Close(ctx))
	}
	if n.forwarder != nil {
		errs = append(errs, n.forwarder.Close(ctx))
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.telemetry != nil {
		errs = append(errs, n.telemetry.Shutdown(ctx))
	}
	if n.rdb != nil {
		errs = append(errs, n.rdb.Close())
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
	}
	return errors.Join(errs...)
}
