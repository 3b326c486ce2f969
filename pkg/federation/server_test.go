package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

type serverFixture struct {
	srv    *Server
	store  *MemoryNodeStore
	eval   *fakeEvaluator
	caller testIdentity
	signer *Signer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	caller := newIdentity(t, "n1")
	store := NewMemoryNodeStore()
	require.NoError(t, store.Upsert(context.Background(), nodeFor(caller, "https://n1.invalid", true)))
	eval := &fakeEvaluator{decision: &contracts.AuthorizationDecision{Allow: true, Reason: "policy:allow", AuditID: "a-1"}}
	signer, err := NewSigner("n1", caller.cert.PrivateKey)
	require.NoError(t, err)
	return &serverFixture{
		srv:    NewServer("n2", store, eval),
		store:  store,
		eval:   eval,
		caller: caller,
		signer: signer,
	}
}

func (f *serverFixture) request(t *testing.T, body DelegatedRequest, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	sig, err := f.signer.Sign(body.RequestID, "n2", raw, time.Now().Add(time.Minute))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, AuthorizePath, bytes.NewReader(raw))
	r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{f.caller.leaf}}
	r.Header.Set(HeaderSignature, sig)
	r.Header.Set(HeaderProtocolVersion, ProtocolVersion)
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func validBody(id string) DelegatedRequest {
	return DelegatedRequest{
		RequestID:     id,
		CorrelationID: "corr-9",
		SourceNode:    "n1",
		Principal:     "p1",
		ResourceID:    "r1",
		CapabilityID:  "cap-read",
		Action:        "read",
		Hops:          1,
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eb))
	return eb.Error
}

func TestServer_Authorize(t *testing.T) {
	f := newServerFixture(t)
	w := f.request(t, validBody("req-1"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp DelegatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Allow)
	assert.Equal(t, "n2", resp.EvaluatedBy)
	assert.Equal(t, "a-1", resp.AuditID)
	assert.Equal(t, "corr-9", resp.CorrelationID)
}

func TestServer_RejectsBeforeBusinessLogic(t *testing.T) {
	stranger := newIdentity(t, "n3")

	tests := []struct {
		name   string
		body   DelegatedRequest
		mutate func(*http.Request)
		status int
		msg    string
	}{
		{
			name:   "no client certificate",
			body:   validBody("a"),
			mutate: func(r *http.Request) { r.TLS = nil },
			status: http.StatusUnauthorized,
			msg:    "client certificate required",
		},
		{
			name: "unknown certificate",
			body: validBody("b"),
			mutate: func(r *http.Request) {
				r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{stranger.leaf}}
			},
			status: http.StatusForbidden,
			msg:    "untrusted peer",
		},
		{
			name:   "incompatible protocol",
			body:   validBody("c"),
			mutate: func(r *http.Request) { r.Header.Set(HeaderProtocolVersion, "2.0.0") },
			status: http.StatusBadRequest,
			msg:    "unsupported protocol version",
		},
		{
			name:   "tampered signature",
			body:   validBody("d"),
			mutate: func(r *http.Request) { r.Header.Set(HeaderSignature, "e30.e30.AAAA") },
			status: http.StatusUnauthorized,
		},
		{
			name: "source node spoofed",
			body: func() DelegatedRequest {
				b := validBody("e")
				b.SourceNode = "n7"
				return b
			}(),
			status: http.StatusForbidden,
			msg:    "source_node does not match client certificate",
		},
		{
			name: "hop limit",
			body: func() DelegatedRequest {
				b := validBody("f")
				b.Hops = DefaultMaxHops + 1
				return b
			}(),
			status: http.StatusBadRequest,
			msg:    "hop limit exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t)
			w := f.request(t, tt.body, tt.mutate)
			assert.Equal(t, tt.status, w.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, decodeError(t, w))
			}
			assert.Zero(t, f.eval.count())
		})
	}
}

func TestServer_DisabledPeer(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.store.SetEnabled(context.Background(), "n1", false))
	w := f.request(t, validBody("req-1"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "node n1 disabled", decodeError(t, w))
}

func TestServer_ReplayRejected(t *testing.T) {
	f := newServerFixture(t)
	require.Equal(t, http.StatusOK, f.request(t, validBody("req-1"), nil).Code)
	w := f.request(t, validBody("req-1"), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, f.eval.count())
}

func TestServer_InboundRateLimit(t *testing.T) {
	f := newServerFixture(t)
	n, err := f.store.Get(context.Background(), "n1")
	require.NoError(t, err)
	n.RateLimitPerHour = 1
	require.NoError(t, f.store.Upsert(context.Background(), *n))

	require.Equal(t, http.StatusOK, f.request(t, validBody("req-1"), nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.request(t, validBody("req-2"), nil).Code)
}

func TestServer_EvaluatorError(t *testing.T) {
	f := newServerFixture(t)
	f.eval.err = errors.New("capability not found")
	w := f.request(t, validBody("req-1"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "capability not found", decodeError(t, w))
}

func TestServer_Health(t *testing.T) {
	f := newServerFixture(t)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var h HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "n2", h.NodeID)
	assert.Equal(t, ProtocolVersion, h.ProtocolVersion)
}

func TestCompatibleProtocol(t *testing.T) {
	assert.True(t, compatibleProtocol("1.0.0"))
	assert.True(t, compatibleProtocol("1.4.2"))
	assert.False(t, compatibleProtocol("2.0.0"))
	assert.False(t, compatibleProtocol("0.9.0"))
	assert.False(t, compatibleProtocol(""))
	assert.False(t, compatibleProtocol("banana"))
}
