package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter/adaptertest"
	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
	"github.com/Mindburn-Labs/arbiter/pkg/pdp"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"arbiter"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// writeIdentity writes a self-signed certificate and key for id into dir.
func writeIdentity(t *testing.T, dir, id string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: id},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, id+".crt")
	keyFile = filepath.Join(dir, id+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "arbiter dev")
	assert.Contains(t, out, "federation protocol")
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := run(t, "launch")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestHealthCommand(t *testing.T) {
	status := "ok"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, HealthPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(healthReport{
			Status: status, NodeID: "node-a", Version: "1.2.3", ProtocolVersion: "1.0.0",
			Cache: decisioncache.Stats{Entries: 4, Hits: 10, Misses: 2},
		})
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	code, out, _ := run(t, "health", "--addr", addr)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "node-a: ok")
	assert.Contains(t, out, "4 entries, 10 hits, 2 misses")

	status = "degraded"
	code, _, errOut := run(t, "health", "--addr", addr)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "node is degraded")
}

func TestHealthCommand_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	code, _, errOut := run(t, "health", "--addr", addr, "--timeout", "500ms")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "health check failed")
}

func mockNodeDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	prev := openDB
	openDB = func(string) (*sql.DB, error) { return db, nil }
	t.Cleanup(func() { openDB = prev })
	return mock
}

func TestNodesList(t *testing.T) {
	mock := mockNodeDB(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"node_id", "name", "org_id", "endpoint", "trust_anchor_pem", "enabled",
		"rate_limit_per_hour", "last_trusted_at", "metadata", "created_at", "updated_at"}).
		AddRow("n2", "Node 2", "org-b", "https://n2:8443", "PEM", true, 0, nil, []byte("{}"), now, now).
		AddRow("n3", "Node 3", "", "https://n3:8443", "PEM", false, 50, now, []byte("{}"), now, now)
	mock.ExpectQuery(`SELECT .+ FROM federation_nodes ORDER BY node_id`).WillReturnRows(rows)
	mock.ExpectClose()

	code, out, errOut := run(t, "nodes", "list", "--dsn", "postgres://test")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "NODE")
	assert.Regexp(t, `n2\s+org-b\s+https://n2:8443\s+true\s+10000\s+never`, out)
	assert.Regexp(t, `n3\s+n3\s+https://n3:8443\s+false\s+50\s+2026-05-01T09:00:00Z`, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodesDisable(t *testing.T) {
	mock := mockNodeDB(t)
	mock.ExpectExec(`UPDATE federation_nodes SET enabled`).
		WithArgs("n2", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	code, out, errOut := run(t, "nodes", "disable", "n2", "--dsn", "postgres://test")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Node n2 disabled")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodesAdd_RequiresAnchor(t *testing.T) {
	code, _, errOut := run(t, "nodes", "add", "--id", "n2", "--endpoint", "https://n2:8443")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "anchor")
}

func seedAudit(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.OpenSQLite(ctx, path)
	require.NoError(t, err)
	em := audit.NewEmitter(store, "node-a")
	for _, kind := range []contracts.AuditKind{contracts.AuditDecision, contracts.AuditInvocation} {
		_, err := em.Emit(ctx, contracts.AuditEvent{Kind: kind, CorrelationID: "corr-1", PrincipalID: "p1", CapabilityID: "cap-read", Allow: true})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())
	return path
}

func TestAuditVerify(t *testing.T) {
	path := seedAudit(t)

	code, out, errOut := run(t, "audit", "verify", "--db", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Chain OK: 2 records")

	code, _, errOut = run(t, "audit", "verify", "--db", filepath.Join(t.TempDir(), "missing.db"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "audit store")
}

func TestAuditExport(t *testing.T) {
	path := seedAudit(t)
	out := filepath.Join(t.TempDir(), "pack.zip")

	code, stdout, errOut := run(t, "audit", "export", "--db", path, "--correlation-id", "corr-1", "--out", out)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, stdout, "sha256")
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	code, _, errOut = run(t, "audit", "export", "--db", path, "--since", "yesterday")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--since")
}

func TestBuildNode_Standalone(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Node.Org = "org-a"
	level := new(slog.LevelVar)

	n, err := buildNode(ctx, cfg, quietLogger(), level)
	require.NoError(t, err)
	defer n.close(ctx)

	assert.Nil(t, n.server)
	assert.Nil(t, n.client)

	rec := httptest.NewRecorder()
	newHealthHandler(n, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rep healthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, "arbiter-local", rep.NodeID)
	assert.False(t, rep.Federation)
	assert.Len(t, rep.Adapters, 3)
	assert.NotEmpty(t, rep.SLO)

	next := config.Default()
	next.Node.Org = "org-a"
	next.LogLevel = "debug"
	next.Cache.TTL = decisioncache.TTLPolicy{Low: time.Minute, Medium: 30 * time.Second, High: 10 * time.Second, Critical: time.Second}
	require.NoError(t, n.reload(ctx, cfg, next))
	assert.Equal(t, time.Minute, n.cache.TTLPolicy().Low)
	assert.Equal(t, slog.LevelDebug, level.Level())

	moved := config.Default()
	moved.Node.Org = "org-z"
	require.Error(t, n.reload(ctx, next, moved))
}

func TestHealthHandler_UnhealthyResourceDegrades(t *testing.T) {
	ctx := context.Background()
	n, err := buildNode(ctx, config.Default(), quietLogger(), new(slog.LevelVar))
	require.NoError(t, err)
	defer n.close(ctx)

	backend := adaptertest.New("queue")
	require.NoError(t, n.registry.Register(backend))
	require.NoError(t, n.registry.Attach(ctx, contracts.Resource{ID: "jobs", Protocol: "queue"}))

	check := func() healthReport {
		rec := httptest.NewRecorder()
		newHealthHandler(n, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var rep healthReport
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
		return rep
	}

	rep := check()
	assert.Equal(t, "ok", rep.Status)
	require.Len(t, rep.Resources, 1)
	assert.True(t, rep.Resources[0].Healthy)

	backend.Healthy = false
	rep = check()
	assert.Equal(t, "degraded", rep.Status)
	require.Len(t, rep.Resources, 1)
	assert.Equal(t, "jobs", rep.Resources[0].ResourceID)
	assert.False(t, rep.Resources[0].Healthy)
}

func TestBuildNode_Federated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	certFile, keyFile := writeIdentity(t, dir, "node-a")
	peerCert, _ := writeIdentity(t, dir, "node-b")

	cfg := config.Default()
	cfg.Node = config.NodeConfig{ID: "node-a", Org: "org-a"}
	cfg.TLS = config.TLSConfig{CertFile: certFile, KeyFile: keyFile}
	cfg.Federation.Peers = []config.PeerConfig{{NodeID: "node-b", Org: "org-b", Endpoint: "https://localhost:9443", TrustAnchor: peerCert, RateLimitPerHour: 100}}
	require.NoError(t, cfg.Validate())

	n, err := buildNode(ctx, cfg, quietLogger(), nil)
	require.NoError(t, err)
	defer n.close(ctx)

	require.NotNil(t, n.client)
	require.NotNil(t, n.server)
	peer, err := n.nodes.Get(ctx, "node-b")
	require.NoError(t, err)
	assert.True(t, peer.Enabled)
	assert.Equal(t, 100, peer.HourlyLimit())

	// Raising the limit and then dropping the peer from the file.
	raised := *cfg
	raised.Federation.Peers = []config.PeerConfig{cfg.Federation.Peers[0]}
	raised.Federation.Peers[0].RateLimitPerHour = 900
	require.NoError(t, n.reload(ctx, cfg, &raised))
	peer, err = n.nodes.Get(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, 900, peer.HourlyLimit())

	dropped := raised
	dropped.Federation.Peers = nil
	require.NoError(t, n.reload(ctx, &raised, &dropped))
	peer, err = n.nodes.Get(ctx, "node-b")
	require.NoError(t, err)
	assert.False(t, peer.Enabled)
}

func TestBuildNode_BadPolicyCleansUp(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.CEL.Rules = []pdp.CELRule{{Name: "broken", Expression: "principal.", Effect: "allow"}}
	_, err := buildNode(context.Background(), cfg, quietLogger(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestServe_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbiter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: {id: n1}\nlisten: {health: \"127.0.0.1:0\"}\nlog_format: text\n"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, runServe(ctx, path, io.Discard))
}
