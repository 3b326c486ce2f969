package federation

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Evaluator decides delegated requests on the receiving node with its own
// policy, cache and audit trail.
type Evaluator interface {
	AuthorizeDelegated(ctx context.Context, req *DelegatedRequest, peer contracts.FederationNode) (*contracts.AuthorizationDecision, error)
}

// Server answers delegated authorization requests from trusted peers.
// Peers are identified by their client certificate before any request
// field is read.
type Server struct {
	self    string
	nodes   NodeStore
	eval    Evaluator
	limiter Limiter
	replay  *ReplayGuard
	maxHops int
	now     func() time.Time
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLimiter(l Limiter) ServerOption { return func(s *Server) { s.limiter = l } }

func WithReplayGuard(g *ReplayGuard) ServerOption { return func(s *Server) { s.replay = g } }

func WithServerMaxHops(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxHops = n
		}
	}
}

func WithServerClock(now func() time.Time) ServerOption { return func(s *Server) { s.now = now } }

func WithServerLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

func NewServer(self string, nodes NodeStore, eval Evaluator, opts ...ServerOption) *Server {
	s := &Server{
		self:    self,
		nodes:   nodes,
		eval:    eval,
		limiter: NewLocalLimiter(),
		replay:  NewReplayGuard(0),
		maxHops: DefaultMaxHops,
		now:     time.Now,
		logger:  slog.Default().With("component", "federation-server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = directed(s.limiter, inbound)
	return s
}

// Handler routes the federation endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+AuthorizePath, s.handleAuthorize)
	mux.HandleFunc("GET "+HealthPath, s.HandleHealth)
	return mux
}

// HandleHealth reports liveness. It needs no client certificate and can be
// mounted on a plain listener.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:          "ok",
		NodeID:          s.self,
		ProtocolVersion: ProtocolVersion,
		Time:            s.now().UTC(),
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		s.reject(w, r, http.StatusUnauthorized, "", "client certificate required")
		return
	}
	chain := r.TLS.PeerCertificates

	peer, status, msg := s.identify(ctx, chain)
	if peer == nil {
		s.reject(w, r, status, "", msg)
		return
	}

	if !compatibleProtocol(r.Header.Get(HeaderProtocolVersion)) {
		s.reject(w, r, http.StatusBadRequest, peer.NodeID, "unsupported protocol version")
		return
	}

	allowed, err := s.limiter.Allow(ctx, peer.NodeID, peer.HourlyLimit())
	if err != nil {
		s.logger.ErrorContext(ctx, "inbound limiter failed", "node", peer.NodeID, "error", err)
		s.reject(w, r, http.StatusServiceUnavailable, peer.NodeID, "rate limiter unavailable")
		return
	}
	if !allowed {
		s.reject(w, r, http.StatusTooManyRequests, peer.NodeID, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.reject(w, r, http.StatusRequestEntityTooLarge, peer.NodeID, "request body too large")
		return
	}
	var req DelegatedRequest
	if err := json.Unmarshal(body, &req); err != nil || req.RequestID == "" || req.CapabilityID == "" {
		s.reject(w, r, http.StatusBadRequest, peer.NodeID, "malformed request")
		return
	}
	if req.SourceNode != peer.NodeID {
		s.reject(w, r, http.StatusForbidden, peer.NodeID, "source_node does not match client certificate")
		return
	}
	if err := VerifyRequestSignature(r.Header.Get(HeaderSignature), chain[0].PublicKey, peer.NodeID, s.self, req.RequestID, body, s.now()); err != nil {
		s.reject(w, r, http.StatusUnauthorized, peer.NodeID, err.Error())
		return
	}
	if !s.replay.Check(peer.NodeID + "/" + req.RequestID) {
		s.reject(w, r, http.StatusConflict, peer.NodeID, "replayed request")
		return
	}
	if req.Hops > s.maxHops {
		s.reject(w, r, http.StatusBadRequest, peer.NodeID, "hop limit exceeded")
		return
	}

	if v := r.Header.Get(HeaderDeadline); v != "" {
		if dl, err := time.Parse(time.RFC3339Nano, v); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, dl)
			defer cancel()
		}
	}
	req.CorrelationID = EnsureCorrelationID(req.CorrelationID)
	ctx = WithCorrelationID(ctx, req.CorrelationID)

	d, err := s.eval.AuthorizeDelegated(ctx, &req, *peer)
	if err != nil {
		s.reject(w, r, http.StatusUnprocessableEntity, peer.NodeID, err.Error())
		return
	}

	if err := s.nodes.MarkTrusted(context.WithoutCancel(ctx), peer.NodeID, s.now()); err != nil {
		s.logger.WarnContext(ctx, "failed to record peer trust", "node", peer.NodeID, "error", err)
	}
	s.logger.InfoContext(ctx, "answered delegated request",
		"peer", peer.NodeID, "correlation_id", req.CorrelationID, "allow", d.Allow, "audit_id", d.AuditID)

	writeJSON(w, http.StatusOK, DelegatedResponse{
		Allow:             d.Allow,
		Reason:            d.Reason,
		EvaluatedBy:       s.self,
		AuditID:           d.AuditID,
		FilteredArguments: d.FilteredArguments,
		CorrelationID:     req.CorrelationID,
	})
}

// identify matches a client chain against the registry. Disabled nodes
// are refused even when their certificate matches.
func (s *Server) identify(ctx context.Context, chain []*x509.Certificate) (*contracts.FederationNode, int, string) {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "node lookup failed", "error", err)
		return nil, http.StatusServiceUnavailable, "node registry unavailable"
	}
	now := s.now()
	var disabled *contracts.FederationNode
	for i := range nodes {
		n := &nodes[i]
		anchor, err := CheckAnchor(n.NodeID, n.TrustAnchorPEM, now)
		if err != nil {
			continue
		}
		if VerifyPeer(n.NodeID, anchor, chain, x509.ExtKeyUsageClientAuth, now) != nil {
			continue
		}
		if n.Enabled {
			return n, 0, ""
		}
		disabled = n
	}
	if disabled != nil {
		return nil, http.StatusForbidden, "node " + disabled.NodeID + " disabled"
	}
	return nil, http.StatusForbidden, "untrusted peer"
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, nodeID, msg string) {
	s.logger.WarnContext(r.Context(), "rejected delegated request",
		"peer", nodeID, "status", status, "reason", msg, "remote_addr", r.RemoteAddr)
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
