package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ARBITER_NODE_ID", "ARBITER_ORG", "ARBITER_LOG_LEVEL", "ARBITER_LOG_FORMAT",
		"ARBITER_FEDERATION_ADDR", "ARBITER_HEALTH_ADDR", "ARBITER_TLS_CERT", "ARBITER_TLS_KEY",
		"ARBITER_POLICY_BACKEND", "OPA_URL", "CEDAR_URL", "REDIS_ADDR", "REDIS_PASSWORD",
		"DATABASE_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "ARBITER_TELEMETRY_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

// The broker must boot on defaults alone.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "arbiter-local", cfg.Node.ID)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "cel", cfg.Policy.Backend)
	assert.Equal(t, decisioncache.DefaultTTLPolicy(), cfg.Cache.TTL)
	assert.Contains(t, cfg.Postgres.DSN, "localhost")
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, *observability.DefaultConfig(), cfg.Telemetry)
	assert.False(t, cfg.FederationEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARBITER_NODE_ID", "node-7")
	t.Setenv("ARBITER_LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("ARBITER_TELEMETRY_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "node-7", cfg.Node.ID)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "postgres://production:5432/db", cfg.Postgres.DSN)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.True(t, cfg.Telemetry.Enabled)
}

const sample = `
node:
  id: node-a
  org: org-a
tls:
  cert_file: /etc/arbiter/tls.crt
  key_file: /etc/arbiter/tls.key
log_level: warn
cache:
  ttl:
    low: 10m
    medium: 5m
    high: 1m
    critical: 30s
policy:
  backend: cel
  cel:
    version: v3
    rules:
      - name: readers
        expression: capability.sensitivity == "low"
        effect: allow
federation:
  peers:
    - node_id: node-b
      org: org-b
      endpoint: https://node-b:8443
      trust_anchor: |
        -----BEGIN CERTIFICATE-----
        MIIB
        -----END CERTIFICATE-----
      rate_limit_per_hour: 500
audit:
  store: sqlite
  path: /var/lib/arbiter/audit.db
  sinks:
    - type: splunk
      endpoint: https://splunk:8088
      token: env:SPLUNK_TOKEN
adapters:
  - protocol: mcp
    config:
      transport: stdio
      command: ./tools
`

func TestParse_Sample(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL.Low)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Critical)
	require.Len(t, cfg.Policy.CEL.Rules, 1)
	assert.Equal(t, "allow", cfg.Policy.CEL.Rules[0].Effect)
	assert.True(t, cfg.FederationEnabled())
	require.Len(t, cfg.Audit.Sinks, 1)
	assert.Equal(t, "env:SPLUNK_TOKEN", cfg.Audit.Sinks[0].Token)
	require.Len(t, cfg.Adapters, 1)
	assert.Equal(t, "stdio", cfg.Adapters[0].Config["transport"])

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Federation.MaxHops)
	assert.Equal(t, "memory", cfg.Federation.NodeStore)

	node, err := cfg.Federation.Peers[0].Node()
	require.NoError(t, err)
	assert.Equal(t, "node-b", node.Name)
	assert.Equal(t, "org-b", node.Org())
	assert.True(t, node.Enabled)
	assert.Equal(t, 500, node.HourlyLimit())
	assert.Contains(t, node.TrustAnchorPEM, "BEGIN CERTIFICATE")
}

func TestParse_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARBITER_NODE_ID", "from-env")

	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Node.ID)
}

func TestParse_Rejects(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"unknown key":          "nodes: {}",
		"increasing ttl":       "cache: {ttl: {low: 1m, medium: 1m, high: 1m, critical: 2m}}",
		"unknown backend":      "policy: {backend: rego}",
		"opa without url":      "policy: {backend: opa}",
		"peer is self":         "node: {id: n1}\nfederation: {peers: [{node_id: n1}]}",
		"duplicate peer":       "federation: {peers: [{node_id: n2}, {node_id: n2}]}",
		"sqlite without path":  "audit: {store: sqlite}",
		"half a tls pair":      "tls: {cert_file: a.crt}",
		"adapter w/o protocol": "adapters: [{config: {}}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestPeerTrustAnchorFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.pem")
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN CERTIFICATE-----\nX\n-----END CERTIFICATE-----\n"), 0o600))

	node, err := config.PeerConfig{NodeID: "n2", TrustAnchor: path}.Node()
	require.NoError(t, err)
	assert.Contains(t, node.TrustAnchorPEM, "BEGIN CERTIFICATE")

	_, err = config.PeerConfig{NodeID: "n3", TrustAnchor: filepath.Join(dir, "missing.pem")}.Node()
	assert.Error(t, err)
}

func TestSlogLevelFallsBackToInfo(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "chatty"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
