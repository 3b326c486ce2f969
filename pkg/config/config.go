package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/arbiter/pkg/audit/siem"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
	"github.com/Mindburn-Labs/arbiter/pkg/pdp"
)

// Config holds broker configuration.
type Config struct {
	Node       NodeConfig           `yaml:"node"`
	TLS        TLSConfig            `yaml:"tls"`
	Listen     ListenConfig         `yaml:"listen"`
	LogLevel   string               `yaml:"log_level"`
	LogFormat  string               `yaml:"log_format"` // json | text
	Cache      CacheConfig          `yaml:"cache"`
	Policy     PolicyConfig         `yaml:"policy"`
	Federation FederationConfig     `yaml:"federation"`
	Audit      AuditConfig          `yaml:"audit"`
	Adapters   []DiscoveryTarget    `yaml:"adapters"`
	Redis      RedisConfig          `yaml:"redis"`
	Postgres   PostgresConfig       `yaml:"postgres"`
	Telemetry  observability.Config `yaml:"telemetry"`
}

type NodeConfig struct {
	ID  string `yaml:"id"`
	Org string `yaml:"org"`
}

// TLSConfig points at the node's federation identity.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ListenConfig struct {
	Federation string `yaml:"federation"`
	Health     string `yaml:"health"`
}

type CacheConfig struct {
	TTL decisioncache.TTLPolicy `yaml:"ttl"`
	// Zero keeps the cache's own sizing.
	Shards        int           `yaml:"shards"`
	MaxPerShard   int           `yaml:"max_per_shard"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Shared stores entries in Redis as well, so replicas see each other's
	// allows.
	Shared bool `yaml:"shared"`
}

// PolicyConfig selects one backend. Only the section matching Backend is read.
type PolicyConfig struct {
	Backend string          `yaml:"backend"` // cel | opa | cedar
	Timeout time.Duration   `yaml:"timeout"`
	CEL     CELConfig       `yaml:"cel"`
	OPA     pdp.OPAConfig   `yaml:"opa"`
	Cedar   pdp.CedarConfig `yaml:"cedar"`
}

type CELConfig struct {
	Version string        `yaml:"version"`
	Rules   []pdp.CELRule `yaml:"rules"`
}

type FederationConfig struct {
	HopTimeout   time.Duration `yaml:"hop_timeout"`
	MaxHops      int           `yaml:"max_hops"`
	ReplayWindow time.Duration `yaml:"replay_window"`
	// NodeStore is "memory" (peers from this file) or "postgres".
	NodeStore string       `yaml:"node_store"`
	Peers     []PeerConfig `yaml:"peers"`
}

// PeerConfig declares one federation peer. TrustAnchor may hold PEM text or
// a path to a PEM file.
type PeerConfig struct {
	NodeID           string `yaml:"node_id"`
	Name             string `yaml:"name"`
	Org              string `yaml:"org"`
	Endpoint         string `yaml:"endpoint"`
	TrustAnchor      string `yaml:"trust_anchor"`
	RateLimitPerHour int    `yaml:"rate_limit_per_hour"`
	Disabled         bool   `yaml:"disabled"`
}

// Node resolves the peer into a registry entry.
func (p PeerConfig) Node() (contracts.FederationNode, error) {
	anchor := p.TrustAnchor
	if anchor != "" && !strings.Contains(anchor, "-----BEGIN") {
		b, err := os.ReadFile(anchor)
		if err != nil {
			return contracts.FederationNode{}, fmt.Errorf("config: peer %s trust anchor: %w", p.NodeID, err)
		}
		anchor = string(b)
	}
	name := p.Name
	if name == "" {
		name = p.NodeID
	}
	return contracts.FederationNode{
		NodeID:           p.NodeID,
		Name:             name,
		OrgID:            p.Org,
		Endpoint:         p.Endpoint,
		TrustAnchorPEM:   anchor,
		Enabled:          !p.Disabled,
		RateLimitPerHour: p.RateLimitPerHour,
	}, nil
}

type AuditConfig struct {
	Store         string        `yaml:"store"` // memory | sqlite
	Path          string        `yaml:"path"`
	SpoolDir      string        `yaml:"spool_dir"`
	WriteRetries  int           `yaml:"write_retries"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Sinks         []siem.Config `yaml:"sinks"`
}

// DiscoveryTarget is one backend to discover at startup.
type DiscoveryTarget struct {
	Protocol string         `yaml:"protocol"`
	Config   map[string]any `yaml:"config"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns a single-node configuration that needs no external
// services.
func Default() *Config {
	tel := observability.DefaultConfig()
	return &Config{
		Node:      NodeConfig{ID: "arbiter-local"},
		Listen:    ListenConfig{Federation: ":8443", Health: ":8080"},
		LogLevel:  "INFO",
		LogFormat: "json",
		Cache: CacheConfig{
			TTL:           decisioncache.DefaultTTLPolicy(),
			SweepInterval: time.Minute,
		},
		Policy: PolicyConfig{Backend: "cel", Timeout: pdp.DefaultTimeout},
		Federation: FederationConfig{
			HopTimeout:   5 * time.Second,
			MaxHops:      3,
			ReplayWindow: 5 * time.Minute,
			NodeStore:    "memory",
		},
		Audit: AuditConfig{
			Store:         "memory",
			WriteRetries:  3,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Postgres:  PostgresConfig{DSN: "postgres://arbiter@localhost:5432/arbiter?sslmode=disable"},
		Telemetry: *tel,
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides and validates the result. Unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes the way LoadFile does.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Node.ID, "ARBITER_NODE_ID")
	setString(&c.Node.Org, "ARBITER_ORG")
	setString(&c.LogLevel, "ARBITER_LOG_LEVEL")
	setString(&c.LogFormat, "ARBITER_LOG_FORMAT")
	setString(&c.Listen.Federation, "ARBITER_FEDERATION_ADDR")
	setString(&c.Listen.Health, "ARBITER_HEALTH_ADDR")
	setString(&c.TLS.CertFile, "ARBITER_TLS_CERT")
	setString(&c.TLS.KeyFile, "ARBITER_TLS_KEY")
	setString(&c.Policy.Backend, "ARBITER_POLICY_BACKEND")
	setString(&c.Policy.OPA.URL, "OPA_URL")
	setString(&c.Policy.Cedar.URL, "CEDAR_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Postgres.DSN, "DATABASE_URL")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := os.Getenv("ARBITER_TELEMETRY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Enabled = b
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the broker cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if err := c.Cache.TTL.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Policy.Backend) {
	case "cel":
	case "opa":
		if c.Policy.OPA.URL == "" {
			errs = append(errs, errors.New("policy.opa.url is required for the opa backend"))
		}
	case "cedar":
		if c.Policy.Cedar.URL == "" {
			errs = append(errs, errors.New("policy.cedar.url is required for the cedar backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("policy.backend %q is not one of cel, opa, cedar", c.Policy.Backend))
	}
	switch c.Federation.NodeStore {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("federation.node_store %q is not one of memory, postgres", c.Federation.NodeStore))
	}
	seen := make(map[string]bool, len(c.Federation.Peers))
	for i, p := range c.Federation.Peers {
		switch {
		case p.NodeID == "":
			errs = append(errs, fmt.Errorf("federation.peers[%d]: node_id is required", i))
		case p.NodeID == c.Node.ID:
			errs = append(errs, fmt.Errorf("federation.peers[%d]: %s is this node", i, p.NodeID))
		case seen[p.NodeID]:
			errs = append(errs, fmt.Errorf("federation.peers[%d]: duplicate node %s", i, p.NodeID))
		}
		seen[p.NodeID] = true
		if p.RateLimitPerHour < 0 {
			errs = append(errs, fmt.Errorf("federation.peers[%d]: rate_limit_per_hour is negative", i))
		}
	}
	switch c.Audit.Store {
	case "memory":
	case "sqlite":
		if c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.store %q is not one of memory, sqlite", c.Audit.Store))
	}
	for i, t := range c.Adapters {
		if t.Protocol == "" {
			errs = append(errs, fmt.Errorf("adapters[%d]: protocol is required", i))
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// FederationEnabled reports whether the node can talk to peers.
func (c *Config) FederationEnabled() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(c.LogLevel)))); err != nil {
		return slog.LevelInfo
	}
	return l
}
