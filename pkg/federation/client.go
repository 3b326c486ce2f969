package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/util/resiliency"
)

const (
	// DefaultHopTimeout bounds one delegated call.
	DefaultHopTimeout = 3 * time.Second
	// DefaultMaxHops caps how many brokers a request may cross.
	DefaultMaxHops = 3

	// hopReserve is kept back from the caller's deadline so a timed out
	// hop still leaves room to audit and answer.
	hopReserve = 50 * time.Millisecond
)

// State is the stage a delegated call has reached.
type State int

const (
	StateIdle State = iota
	StateTrustVerified
	StateSent
	StateDecided
	StateTimedOut
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTrustVerified:
		return "TRUST_VERIFIED"
	case StateSent:
		return "SENT"
	case StateDecided:
		return "DECIDED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateRejected:
		return "REJECTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateDecided || s == StateTimedOut || s == StateRejected
}

// Delegation describes an authorization to hand to the owning node.
type Delegation struct {
	Request    contracts.InvocationRequest
	Resource   contracts.Resource
	Capability contracts.Capability
	// Hops is the number of brokers already crossed; zero when this node
	// originates the request.
	Hops int
}

// Outcome is the result of one delegated call. Decision is never nil.
type Outcome struct {
	Decision      *contracts.AuthorizationDecision
	State         State
	NodeID        string
	RequestID     string
	CorrelationID string
	RemoteAuditID string
}

// Client sends delegated authorization requests to peer nodes.
type Client struct {
	self       string
	cert       tls.Certificate
	nodes      NodeStore
	limiter    Limiter
	breakers   *resiliency.BreakerGroup
	signer     *Signer
	hopTimeout time.Duration
	maxHops    int
	now        func() time.Time
	logger     *slog.Logger
	onState    func(nodeID string, from, to State)

	mu    sync.Mutex
	peers map[string]*peerClient
}

type peerClient struct {
	anchor string
	http   *resiliency.EnhancedClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithLimiter(l Limiter) ClientOption { return func(c *Client) { c.limiter = l } }

func WithBreakers(g *resiliency.BreakerGroup) ClientOption {
	return func(c *Client) { c.breakers = g }
}

// WithHopTimeout bounds each delegated call. The caller's deadline still
// wins when it is sooner.
func WithHopTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.hopTimeout = d
		}
	}
}

func WithMaxHops(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxHops = n
		}
	}
}

func WithClientClock(now func() time.Time) ClientOption { return func(c *Client) { c.now = now } }

func WithClientLogger(l *slog.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// WithStateHook observes every state transition.
func WithStateHook(fn func(nodeID string, from, to State)) ClientOption {
	return func(c *Client) { c.onState = fn }
}

// NewClient builds a client that authenticates as self with cert.
func NewClient(self string, cert tls.Certificate, nodes NodeStore, opts ...ClientOption) (*Client, error) {
	signer, err := NewSigner(self, cert.PrivateKey)
	if err != nil {
		return nil, err
	}
	c := &Client{
		self:       self,
		cert:       cert,
		nodes:      nodes,
		limiter:    NewLocalLimiter(),
		breakers:   resiliency.NewBreakerGroup(resiliency.DefaultBreakerConfig()),
		signer:     signer,
		hopTimeout: DefaultHopTimeout,
		maxHops:    DefaultMaxHops,
		now:        time.Now,
		logger:     slog.Default().With("component", "federation-client"),
		peers:      make(map[string]*peerClient),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.limiter = directed(c.limiter, outbound)
	signer.now = c.now
	return c, nil
}

// NodeID returns this node's identity.
func (c *Client) NodeID() string { return c.self }

// Breakers exposes per-node circuit state.
func (c *Client) Breakers() *resiliency.BreakerGroup { return c.breakers }

type call struct {
	c     *Client
	ctx   context.Context
	state State
	out   *Outcome
}

func (k *call) to(s State) {
	from := k.state
	k.state = s
	k.out.State = s
	k.c.logger.DebugContext(k.ctx, "federation call transition",
		"node", k.out.NodeID, "request_id", k.out.RequestID, "from", from.String(), "to", s.String())
	if k.c.onState != nil {
		k.c.onState(k.out.NodeID, from, s)
	}
}

func (k *call) fail(s State, transient bool, format string, args ...any) *Outcome {
	d := contracts.Deny(fmt.Sprintf(format, args...))
	d.Transient = transient
	d.Path = contracts.PathFederated
	d.EvaluatedBy = k.out.NodeID
	d.CorrelationID = k.out.CorrelationID
	k.out.Decision = d.Normalize()
	k.to(s)
	k.c.logger.WarnContext(k.ctx, "federation call denied",
		"node", k.out.NodeID, "correlation_id", k.out.CorrelationID, "state", s.String(), "reason", d.Reason)
	return k.out
}

// Delegate asks the node owning d.Resource for a decision. It never
// returns an error: every failure is a deny whose reason names the stage.
func (c *Client) Delegate(ctx context.Context, d Delegation) *Outcome {
	k := &call{c: c, ctx: ctx, out: &Outcome{
		RequestID:     uuid.NewString(),
		CorrelationID: EnsureCorrelationID(d.Request.Context.CorrelationID),
	}}

	hops := d.Hops + 1
	if hops > c.maxHops {
		return k.fail(StateRejected, false, "federation: hop limit %d exceeded", c.maxHops)
	}

	node, reason, transient := c.resolve(ctx, d.Resource.OwnerOrg)
	if node == nil {
		return k.fail(StateRejected, transient, "%s", reason)
	}
	k.out.NodeID = node.NodeID

	now := c.now()
	if _, err := CheckAnchor(node.NodeID, node.TrustAnchorPEM, now); err != nil {
		return k.fail(StateRejected, false, "%s", err.Error())
	}
	k.to(StateTrustVerified)

	allowed, err := c.limiter.Allow(ctx, node.NodeID, node.HourlyLimit())
	if err != nil {
		return k.fail(StateRejected, true, "federation: node %s rate limiter unavailable", node.NodeID)
	}
	if !allowed {
		return k.fail(StateRejected, true, "federation: node %s rate limit exceeded", node.NodeID)
	}

	budget := c.hopTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl) - hopReserve; rem < budget {
			budget = rem
		}
	}
	if budget <= 0 {
		return k.fail(StateTimedOut, true, "federation: node %s timed out", node.NodeID)
	}
	deadline := time.Now().Add(budget)
	hopCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(DelegatedRequest{
		RequestID:     k.out.RequestID,
		CorrelationID: k.out.CorrelationID,
		SourceNode:    c.self,
		Principal:     d.Request.PrincipalID,
		ResourceID:    d.Resource.ID,
		CapabilityID:  d.Capability.ID,
		Action:        d.Capability.Name,
		Context:       d.Request.Context.Attributes,
		Arguments:     d.Request.Arguments,
		Hops:          hops,
		Timestamp:     now.UTC(),
	})
	if err != nil {
		return k.fail(StateRejected, false, "federation: encode request: %v", err)
	}
	sig, err := c.signer.Sign(k.out.RequestID, node.NodeID, body, deadline)
	if err != nil {
		return k.fail(StateRejected, true, "federation: sign request: %v", err)
	}

	peer, err := c.peer(*node)
	if err != nil {
		return k.fail(StateRejected, false, "federation: node %s trust verification failed: %v", node.NodeID, err)
	}

	req, err := http.NewRequestWithContext(hopCtx, http.MethodPost, strings.TrimRight(node.Endpoint, "/")+AuthorizePath, bytes.NewReader(body))
	if err != nil {
		return k.fail(StateRejected, false, "federation: node %s bad endpoint", node.NodeID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderProtocolVersion, ProtocolVersion)
	req.Header.Set(HeaderDeadline, deadline.UTC().Format(time.RFC3339Nano))
	req.Header.Set(HeaderCorrelationID, k.out.CorrelationID)

	k.to(StateSent)
	resp, err := peer.http.Do(req)
	if err != nil {
		return c.transportFailure(k, hopCtx, node.NodeID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return c.transportFailure(k, hopCtx, node.NodeID, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return k.fail(StateRejected, true, "federation: node %s rate limited this node", node.NodeID)
	case resp.StatusCode >= 500:
		return k.fail(StateRejected, true, "federation: node %s error (status %d)", node.NodeID, resp.StatusCode)
	default:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return k.fail(StateRejected, false, "federation: node %s rejected request (status %d): %s", node.NodeID, resp.StatusCode, eb.Error)
	}

	var dr DelegatedResponse
	if err := json.Unmarshal(raw, &dr); err != nil || dr.Reason == "" {
		return k.fail(StateRejected, true, "federation: node %s sent an invalid response", node.NodeID)
	}

	evaluatedBy := dr.EvaluatedBy
	if evaluatedBy == "" {
		evaluatedBy = node.NodeID
	}
	k.out.RemoteAuditID = dr.AuditID
	k.out.Decision = (&contracts.AuthorizationDecision{
		Allow:             dr.Allow,
		Reason:            dr.Reason,
		FilteredArguments: dr.FilteredArguments,
		Path:              contracts.PathFederated,
		EvaluatedBy:       evaluatedBy,
		CorrelationID:     k.out.CorrelationID,
	}).Normalize()
	if dr.Allow && dr.FilteredArguments == nil {
		k.out.Decision.FilteredArguments = contracts.CloneMap(d.Request.Arguments)
	}
	k.to(StateDecided)

	if err := c.nodes.MarkTrusted(context.WithoutCancel(ctx), node.NodeID, c.now()); err != nil {
		c.logger.WarnContext(ctx, "failed to record peer trust", "node", node.NodeID, "error", err)
	}
	c.logger.InfoContext(ctx, "federated decision",
		"node", node.NodeID, "correlation_id", k.out.CorrelationID, "allow", dr.Allow, "remote_audit_id", dr.AuditID)
	return k.out
}

// resolve picks the node for org. With several candidates the first
// enabled one wins; with none enabled the answer names the first.
func (c *Client) resolve(ctx context.Context, org string) (*contracts.FederationNode, string, bool) {
	if org == "" {
		return nil, "federation: resource has no owning organization", false
	}
	nodes, err := c.nodes.ByOrg(ctx, org)
	if err != nil {
		c.logger.ErrorContext(ctx, "node lookup failed", "org", org, "error", err)
		return nil, "federation: node registry unavailable", true
	}
	if len(nodes) == 0 {
		return nil, fmt.Sprintf("federation: no node for organization %s", org), false
	}
	for i := range nodes {
		if nodes[i].Enabled {
			return &nodes[i], "", false
		}
	}
	return nil, fmt.Sprintf("federation: node %s disabled", nodes[0].NodeID), false
}

func (c *Client) transportFailure(k *call, hopCtx context.Context, nodeID string, err error) *Outcome {
	var ne net.Error
	switch {
	case errors.Is(err, resiliency.ErrCircuitOpen):
		return k.fail(StateRejected, true, "federation: node %s circuit open", nodeID)
	case errors.Is(err, ErrUntrustedPeer):
		var te *TrustError
		if errors.As(err, &te) {
			return k.fail(StateRejected, false, "%s", te.Error())
		}
		return k.fail(StateRejected, false, "federation: node %s trust verification failed", nodeID)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(hopCtx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()):
		return k.fail(StateTimedOut, true, "federation: node %s timed out", nodeID)
	case errors.Is(err, context.Canceled):
		return k.fail(StateRejected, true, "federation: node %s call cancelled", nodeID)
	}
	c.logger.WarnContext(k.ctx, "federation transport error", "node", nodeID, "error", err)
	return k.fail(StateRejected, true, "federation: node %s unreachable", nodeID)
}

// peer returns the HTTP client pinned to node's current anchor, building
// a new one when the anchor changed.
func (c *Client) peer(node contracts.FederationNode) (*peerClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[node.NodeID]; ok && p.anchor == node.TrustAnchorPEM {
		return p, nil
	}
	cfg, err := ClientTLSConfig(c.cert, node, c.now)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig:     cfg,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	p := &peerClient{
		anchor: node.TrustAnchorPEM,
		http: resiliency.NewEnhancedClient(
			resiliency.WithHTTPClient(&http.Client{Transport: transport}),
			resiliency.WithRetries(0, 0),
			resiliency.WithBreaker(c.breakers.Get(node.NodeID)),
		),
	}
	if old, ok := c.peers[node.NodeID]; ok {
		if t, ok := old.http.HTTPClient().Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	c.peers[node.NodeID] = p
	return p, nil
}

// Close drops idle peer connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.peers {
		if t, ok := p.http.HTTPClient().Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
		delete(c.peers, id)
	}
}
