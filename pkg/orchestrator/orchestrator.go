// Package orchestrator is the broker's authorization and invocation core.
//
// For every request it resolves the target capability, has the owning
// adapter validate the arguments, then obtains a decision from the
// decision cache, the local policy decision point or the peer node that
// owns the resource. Every outcome is audited. Invocation only follows an
// allow, and always with the arguments the policy let through.
//
// Failures on the authorization path never surface as errors: they become
// denies whose reason names the stage that failed. Only request-shape
// problems (unknown capability, unknown resource, invalid arguments) are
// returned to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/catalog"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
	"github.com/Mindburn-Labs/arbiter/pkg/federation"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
	"github.com/Mindburn-Labs/arbiter/pkg/pdp"
)

const (
	// DefaultInvokeTimeout bounds one adapter call.
	DefaultInvokeTimeout = 30 * time.Second
	// DefaultBatchLimit caps concurrent requests inside one batch.
	DefaultBatchLimit = 8
)

// Request-shape errors. They match with errors.Is against any adapter
// error of the same kind.
var (
	ErrCapabilityNotFound = adapter.ErrCapabilityNotFound
	ErrResourceNotFound   = adapter.ErrResourceNotFound
	ErrValidation         = adapter.ErrValidation
)

// Delegator hands an authorization to the node that owns a resource.
// *federation.Client implements it.
type Delegator interface {
	Delegate(ctx context.Context, d federation.Delegation) *federation.Outcome
}

// Orchestrator coordinates adapters, policy, cache, federation and audit.
// It is safe for concurrent use.
type Orchestrator struct {
	nodeID   string
	org      string
	registry *adapter.Registry
	catalog  catalog.Catalog
	policy   pdp.PolicyDecisionPoint
	cache    *decisioncache.Cache
	emitter  *audit.Emitter

	delegator     Delegator
	telemetry     *observability.Provider
	policyTimeout time.Duration
	invokeTimeout time.Duration
	batchLimit    int
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDelegator enables federation. Without one, requests for resources
// owned by another organization are denied.
func WithDelegator(d Delegator) Option { return func(o *Orchestrator) { o.delegator = d } }

func WithTelemetry(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.telemetry = p }
}

// WithPolicyTimeout bounds each policy evaluation.
func WithPolicyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.policyTimeout = d }
}

// WithInvokeTimeout bounds each adapter call. The caller's deadline still
// wins when it is sooner.
func WithInvokeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.invokeTimeout = d
		}
	}
}

func WithBatchLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchLimit = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New builds an orchestrator for node nodeID of organization org. The
// policy decision point is wrapped so that every failure is a deny.
func New(nodeID, org string, reg *adapter.Registry, cat catalog.Catalog, policy pdp.PolicyDecisionPoint, cache *decisioncache.Cache, emitter *audit.Emitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		nodeID:        nodeID,
		org:           org,
		registry:      reg,
		catalog:       cat,
		cache:         cache,
		emitter:       emitter,
		invokeTimeout: DefaultInvokeTimeout,
		batchLimit:    DefaultBatchLimit,
		now:           time.Now,
		logger:        slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if g, ok := policy.(*pdp.Guarded); ok {
		o.policy = g
	} else {
		o.policy = pdp.NewGuarded(policy, o.policyTimeout)
	}
	if o.telemetry == nil {
		o.telemetry, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return o
}

// NodeID returns the identity recorded as source node in audit events.
func (o *Orchestrator) NodeID() string { return o.nodeID }

// target is a request bound to its resolved resource, capability and
// adapter.
type target struct {
	req     contracts.InvocationRequest
	res     contracts.Resource
	cap     contracts.Capability
	adapter adapter.Adapter
}

// origin describes who asked. It is zero for requests made at this node.
type origin struct {
	peer string
	hops int
}

// Authorize decides whether req may run. The returned decision always has
// a reason and, when audit succeeded, an audit id. A non-nil error means
// the request itself was malformed or names something unknown.
func (o *Orchestrator) Authorize(ctx context.Context, req contracts.InvocationRequest) (d *contracts.AuthorizationDecision, err error) {
	req = o.correlate(ctx, req)
	ctx = federation.WithCorrelationID(ctx, req.Context.CorrelationID)
	ctx, finish := o.telemetry.TrackOperation(ctx, "arbiter.authorize",
		observability.RequestAttributes(req.PrincipalID, req.CapabilityID)...)
	defer func() { finish(err) }()

	start := o.now()
	t, err := o.prepare(ctx, req, origin{}, start)
	if err != nil {
		return nil, err
	}
	return o.decide(ctx, t, origin{}, start), nil
}

// AuthorizeDelegated evaluates a request a peer forwarded because this
// node owns the resource. It implements federation.Evaluator.
func (o *Orchestrator) AuthorizeDelegated(ctx context.Context, dr *federation.DelegatedRequest, peer contracts.FederationNode) (d *contracts.AuthorizationDecision, err error) {
	attrs := contracts.CloneMap(dr.Context)
	if attrs == nil {
		attrs = make(map[string]any)
	}
	attrs["source_node"] = peer.NodeID
	attrs["source_org"] = peer.Org()
	req := contracts.NewInvocationRequest(dr.CapabilityID, dr.Principal, dr.Arguments, contracts.RequestContext{
		Timestamp:     dr.Timestamp,
		CorrelationID: federation.EnsureCorrelationID(dr.CorrelationID),
		Attributes:    attrs,
	})
	ctx = federation.WithCorrelationID(ctx, req.Context.CorrelationID)
	ctx, finish := o.telemetry.TrackOperation(ctx, "arbiter.authorize_delegated",
		observability.AttrPeerNode.String(peer.NodeID), observability.AttrHops.Int(dr.Hops))
	defer func() { finish(err) }()

	from := origin{peer: peer.NodeID, hops: dr.Hops}
	start := o.now()
	t, err := o.prepare(ctx, req, from, start)
	if err != nil {
		return nil, err
	}
	if dr.ResourceID != "" && dr.ResourceID != t.res.ID {
		err = &adapter.Error{Kind: adapter.KindResourceNotFound, ResourceID: dr.ResourceID, CapabilityID: dr.CapabilityID,
			Message: fmt.Sprintf("capability belongs to %s", t.res.ID)}
		o.reject(ctx, t.req, from, err, start)
		return nil, err
	}
	return o.decide(ctx, t, from, start), nil
}

// correlate fills the correlation id from ctx or mints one.
func (o *Orchestrator) correlate(ctx context.Context, req contracts.InvocationRequest) contracts.InvocationRequest {
	if req.Context.CorrelationID == "" {
		req.Context.CorrelationID = federation.EnsureCorrelationID(federation.CorrelationID(ctx))
	}
	if req.Context.Timestamp.IsZero() {
		req.Context.Timestamp = o.now().UTC()
	}
	return req
}

// prepare resolves and validates req. Every failure is audited as a
// rejection before it is returned.
func (o *Orchestrator) prepare(ctx context.Context, req contracts.InvocationRequest, from origin, start time.Time) (*target, error) {
	t, err := o.resolve(ctx, req)
	if err == nil {
		err = o.validate(ctx, t)
	}
	if err != nil {
		o.reject(ctx, req, from, err, start)
		return nil, err
	}
	return t, nil
}

func (o *Orchestrator) resolve(ctx context.Context, req contracts.InvocationRequest) (*target, error) {
	c, err := o.catalog.Capability(ctx, req.CapabilityID)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.KindCapabilityNotFound, CapabilityID: req.CapabilityID, Err: err}
	}
	res, err := o.catalog.Resource(ctx, c.ResourceID)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.KindResourceNotFound, ResourceID: c.ResourceID, CapabilityID: c.ID, Err: err}
	}
	a, err := o.registry.Get(res.Protocol)
	if err != nil {
		return nil, err
	}
	return &target{req: req.WithTarget(res, c), res: res, cap: c, adapter: a}, nil
}

func (o *Orchestrator) validate(ctx context.Context, t *target) error {
	ok, err := t.adapter.ValidateRequest(ctx, t.req)
	if err != nil {
		var ae *adapter.Error
		if errors.As(err, &ae) {
			return err
		}
		return adapter.Wrap(adapter.KindValidation, t.adapter.Protocol(), err, "validate %s", t.cap.ID)
	}
	if !ok {
		return &adapter.Error{Kind: adapter.KindValidation, Adapter: t.adapter.Protocol(), CapabilityID: t.cap.ID, Message: "request rejected by adapter"}
	}
	return nil
}

// decide runs the cache, policy and federation steps and audits the
// result. It never fails.
func (o *Orchestrator) decide(ctx context.Context, t *target, from origin, start time.Time) *contracts.AuthorizationDecision {
	req := t.req
	sensitivity := t.cap.Sensitivity.Normalize()
	observability.SetSpanAttributes(ctx, observability.TargetAttributes(t.res.ID, t.res.Protocol, string(sensitivity))...)

	key, err := decisioncache.Key(req.PrincipalID+principalScope(from), t.cap.ID, req.Arguments, t.cap.SensitiveFields())
	if err != nil {
		o.logger.WarnContext(ctx, "request not fingerprintable, cache bypassed",
			"capability", t.cap.ID, "correlation_id", req.Context.CorrelationID, "error", err)
		key = ""
	}

	var (
		d       *contracts.AuthorizationDecision
		outcome *federation.Outcome
	)
	if key != "" {
		if e, ok := o.cache.Lookup(ctx, key); ok {
			d = e.Decision(req.Arguments, o.now())
			observability.AddSpanEvent(ctx, "cache.hit")
		}
	}
	if d == nil {
		if t.res.IsLocal(o.org) {
			d = o.evaluate(ctx, t, from)
		} else {
			d, outcome = o.delegate(ctx, t, from)
		}
		if d.Allow {
			d.CacheTTL = int(o.cache.TTLFor(sensitivity) / time.Second)
			if key != "" {
				o.cache.Put(ctx, key, req.PrincipalID, d, sensitivity, req.Arguments)
			}
		}
	}
	d.CorrelationID = req.Context.CorrelationID
	d.Normalize()

	ev := o.event(contracts.AuditDecision, req, from, start)
	ev.ResourceID = t.res.ID
	ev.Sensitivity = sensitivity
	ev.Allow = d.Allow
	ev.Reason = d.Reason
	ev.Path = d.Path
	ev.Metadata = map[string]any{"cache_ttl": d.CacheTTL}
	if d.PolicyRef != "" {
		ev.Metadata["policy_ref"] = d.PolicyRef
	}
	if d.EvaluatedBy != "" {
		ev.Metadata["evaluated_by"] = d.EvaluatedBy
	}
	if outcome != nil {
		if outcome.NodeID != "" {
			ev.TargetNode = outcome.NodeID
		}
		ev.Metadata["federation_state"] = outcome.State.String()
		ev.Metadata["federation_request_id"] = outcome.RequestID
		if outcome.RemoteAuditID != "" {
			ev.Metadata["remote_audit_id"] = outcome.RemoteAuditID
		}
	}
	d.AuditID = o.emit(ctx, ev)

	observability.SetSpanAttributes(ctx, observability.DecisionAttributes(d.Allow, string(d.Path), d.CorrelationID)...)
	o.logger.InfoContext(ctx, "authorization decided",
		"principal", req.PrincipalID, "capability", t.cap.ID, "allow", d.Allow, "reason", d.Reason,
		"path", d.Path, "correlation_id", d.CorrelationID, "audit_id", d.AuditID)
	return d
}

// principalScope keeps principals of different peers apart in the cache.
func principalScope(from origin) string {
	if from.peer == "" {
		return ""
	}
	return "@" + from.peer
}

// evaluate asks the local policy decision point.
func (o *Orchestrator) evaluate(ctx context.Context, t *target, from origin) *contracts.AuthorizationDecision {
	resp, _ := o.policy.Evaluate(ctx, pdp.NewDecisionRequest(t.req, t.res, t.cap))

	path := contracts.PathLocal
	if from.peer != "" {
		path = contracts.PathRemote
	}
	d := &contracts.AuthorizationDecision{
		Allow:       resp.Allow,
		Reason:      policyReason(resp),
		Path:        path,
		EvaluatedBy: o.nodeID,
		PolicyRef:   resp.PolicyRef,
		Transient:   resp.Transient,
	}
	if resp.Allow {
		if resp.FilteredArguments != nil {
			d.FilteredArguments = contracts.CloneMap(resp.FilteredArguments)
		} else {
			d.FilteredArguments = contracts.CloneMap(t.req.Arguments)
		}
	}
	return d
}

func policyReason(resp *pdp.DecisionResponse) string {
	switch {
	case resp.Allow:
		return "policy:allow"
	case resp.Transient:
		return "policy: internal error: " + resp.ReasonCode
	case resp.ReasonCode == "":
		return "policy:deny"
	default:
		return fmt.Sprintf("policy:deny (%s)", resp.ReasonCode)
	}
}

// delegate hands the request to the owning node.
func (o *Orchestrator) delegate(ctx context.Context, t *target, from origin) (*contracts.AuthorizationDecision, *federation.Outcome) {
	if o.delegator == nil {
		d := contracts.Deny(fmt.Sprintf("federation: not configured for organization %s", t.res.OwnerOrg))
		d.Path = contracts.PathFederated
		return d, nil
	}
	out := o.delegator.Delegate(ctx, federation.Delegation{
		Request:    t.req,
		Resource:   t.res,
		Capability: t.cap,
		Hops:       from.hops,
	})
	if out == nil || out.Decision == nil {
		d := contracts.Deny("federation: no decision")
		d.Path = contracts.PathFederated
		d.Transient = true
		return d, out
	}
	return out.Decision, out
}

// reject audits a request that never reached a decision.
func (o *Orchestrator) reject(ctx context.Context, req contracts.InvocationRequest, from origin, cause error, start time.Time) {
	ev := o.event(contracts.AuditRejected, req, from, start)
	ev.Reason = "rejected: " + cause.Error()
	ev.Error = cause.Error()
	if req.Resource != nil {
		ev.ResourceID = req.Resource.ID
	}
	if req.Capability != nil {
		ev.Sensitivity = req.Capability.Sensitivity.Normalize()
	}
	if kind := adapter.KindOf(cause); kind != "" {
		ev.Metadata = map[string]any{"error_kind": string(kind)}
		var ae *adapter.Error
		if errors.As(cause, &ae) && ae.ResourceID != "" && ev.ResourceID == "" {
			ev.ResourceID = ae.ResourceID
		}
	}
	o.emit(ctx, ev)
	o.logger.WarnContext(ctx, "request rejected",
		"principal", req.PrincipalID, "capability", req.CapabilityID, "correlation_id", req.Context.CorrelationID, "error", cause)
}

func (o *Orchestrator) event(kind contracts.AuditKind, req contracts.InvocationRequest, from origin, start time.Time) contracts.AuditEvent {
	ev := contracts.AuditEvent{
		Kind:          kind,
		CorrelationID: req.Context.CorrelationID,
		PrincipalID:   req.PrincipalID,
		CapabilityID:  req.CapabilityID,
		SourceNode:    o.nodeID,
		Duration:      o.now().Sub(start),
	}
	if from.peer != "" {
		ev.SourceNode = from.peer
		ev.TargetNode = o.nodeID
	}
	return ev
}

// emit writes ev. A failed write is logged and never changes the outcome
// it describes; the id is still returned so callers can reference it.
func (o *Orchestrator) emit(ctx context.Context, ev contracts.AuditEvent) string {
	if o.emitter == nil {
		return ""
	}
	id, err := o.emitter.Emit(ctx, ev)
	if err != nil {
		o.logger.ErrorContext(ctx, "audit write failed",
			"kind", ev.Kind, "correlation_id", ev.CorrelationID, "event_id", id, "error", err)
	}
	return id
}

// Close tears down adapters.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.registry.Close(ctx)
}
