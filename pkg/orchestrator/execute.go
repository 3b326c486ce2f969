package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/federation"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
)

// Execution is the outcome of Execute. Result is nil when the request was
// denied.
type Execution struct {
	Decision *contracts.AuthorizationDecision `json:"decision"`
	Result   *contracts.InvocationResult      `json:"result,omitempty"`
	// AuditID identifies the invocation record; the decision record has
	// its own id on Decision.
	AuditID string `json:"audit_id,omitempty"`
}

// Execute authorizes req and, on allow, invokes the capability with the
// filtered arguments. Backend failures come back as an unsuccessful
// Result; they are neither retried nor turned into denies.
func (o *Orchestrator) Execute(ctx context.Context, req contracts.InvocationRequest) (x *Execution, err error) {
	req = o.correlate(ctx, req)
	ctx = federation.WithCorrelationID(ctx, req.Context.CorrelationID)
	ctx, finish := o.telemetry.TrackOperation(ctx, "arbiter.execute",
		observability.RequestAttributes(req.PrincipalID, req.CapabilityID)...)
	defer func() { finish(err) }()

	start := o.now()
	t, err := o.prepare(ctx, req, origin{}, start)
	if err != nil {
		return nil, err
	}
	d := o.decide(ctx, t, origin{}, start)
	x = &Execution{Decision: d}
	if !d.Allow {
		return x, nil
	}

	x.Result, x.AuditID = o.invoke(ctx, t, d)
	return x, nil
}

// invoke calls the backend once with the filtered arguments and audits the
// outcome. Duration covers the backend call only.
func (o *Orchestrator) invoke(ctx context.Context, t *target, d *contracts.AuthorizationDecision) (*contracts.InvocationResult, string) {
	invokeCtx, cancel := context.WithTimeout(ctx, o.invokeTimeout)
	defer cancel()
	began := o.now()
	res, err := adapter.SafeInvoke(invokeCtx, t.adapter, t.req.WithArguments(d.FilteredArguments))
	if err != nil {
		res = contracts.Failed(err.Error(), o.now().Sub(began))
	}
	return res, o.auditInvocation(ctx, t, d, res.Success, res.Error, res.Duration, nil)
}

// ExecuteStreaming is Execute for streaming adapters: chunks go to fn as
// they arrive. It returns the decision; a stream failure is returned as
// the adapter's KindStreaming error, carrying the number of chunks fn
// received.
func (o *Orchestrator) ExecuteStreaming(ctx context.Context, req contracts.InvocationRequest, fn adapter.ChunkFunc) (d *contracts.AuthorizationDecision, err error) {
	req = o.correlate(ctx, req)
	ctx = federation.WithCorrelationID(ctx, req.Context.CorrelationID)
	ctx, finish := o.telemetry.TrackOperation(ctx, "arbiter.execute_streaming",
		observability.RequestAttributes(req.PrincipalID, req.CapabilityID)...)
	defer func() { finish(err) }()

	start := o.now()
	t, err := o.prepare(ctx, req, origin{}, start)
	if err != nil {
		return nil, err
	}
	sa, ok := t.adapter.(adapter.StreamingAdapter)
	if !ok {
		err = &adapter.Error{Kind: adapter.KindProtocol, Adapter: t.adapter.Protocol(), CapabilityID: t.cap.ID, Message: "adapter does not stream"}
		o.reject(ctx, t.req, origin{}, err, start)
		return nil, err
	}
	d = o.decide(ctx, t, origin{}, start)
	if !d.Allow {
		return d, nil
	}

	chunks := 0
	invokeCtx, cancel := context.WithTimeout(ctx, o.invokeTimeout)
	defer cancel()
	began := o.now()
	serr := sa.InvokeStreaming(invokeCtx, t.req.WithArguments(d.FilteredArguments), func(chunk any) error {
		chunks++
		return fn(chunk)
	})
	msg := ""
	if serr != nil {
		msg = serr.Error()
	}
	o.auditInvocation(ctx, t, d, serr == nil, msg, o.now().Sub(began), map[string]any{"chunks": chunks})
	return d, serr
}

func (o *Orchestrator) auditInvocation(ctx context.Context, t *target, d *contracts.AuthorizationDecision, success bool, errMsg string, took time.Duration, extra map[string]any) string {
	ev := o.event(contracts.AuditInvocation, t.req, origin{}, o.now())
	ev.ResourceID = t.res.ID
	ev.Sensitivity = t.cap.Sensitivity.Normalize()
	ev.Allow = true
	ev.Reason = d.Reason
	ev.Path = d.Path
	ev.Success = &success
	ev.Error = errMsg
	ev.Duration = took
	ev.Metadata = map[string]any{"decision_audit_id": d.AuditID, "protocol": t.res.Protocol}
	for k, v := range extra {
		ev.Metadata[k] = v
	}
	if !t.res.IsLocal(o.org) && d.EvaluatedBy != "" {
		ev.Metadata["evaluated_by"] = d.EvaluatedBy
	}
	if !success {
		o.logger.WarnContext(ctx, "invocation failed",
			"capability", t.cap.ID, "correlation_id", t.req.Context.CorrelationID, "error", errMsg)
	}
	return o.emit(ctx, ev)
}

// BatchDecision pairs a decision with the request-shape error that
// prevented one.
type BatchDecision struct {
	Decision *contracts.AuthorizationDecision `json:"decision,omitempty"`
	Err      error                            `json:"-"`
}

// AuthorizeBatch authorizes reqs concurrently. Results line up with reqs
// by index and one failure never stops the rest.
func (o *Orchestrator) AuthorizeBatch(ctx context.Context, reqs []contracts.InvocationRequest) []BatchDecision {
	out := make([]BatchDecision, len(reqs))
	o.fanOut(len(reqs), func(i int) {
		d, err := o.Authorize(ctx, reqs[i])
		out[i] = BatchDecision{Decision: d, Err: err}
	})
	return out
}

// BatchExecution pairs an execution with the request-shape error that
// prevented one.
type BatchExecution struct {
	Execution *Execution `json:"execution,omitempty"`
	Err       error      `json:"-"`
}

// ExecuteBatch executes reqs concurrently, preserving order. Allowed
// requests bound for an adapter with a native batch path are sent to it in
// one call per adapter; the rest are invoked individually.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, reqs []contracts.InvocationRequest) []BatchExecution {
	ctx, finish := o.telemetry.TrackOperation(ctx, "arbiter.execute_batch")
	defer finish(nil)

	out := make([]BatchExecution, len(reqs))
	var (
		mu      sync.Mutex
		batched = make(map[string][]batchItem)
	)
	o.fanOut(len(reqs), func(i int) {
		ictx, t, d, err := o.admit(ctx, reqs[i])
		if err != nil {
			out[i] = BatchExecution{Err: err}
			return
		}
		x := &Execution{Decision: d}
		out[i] = BatchExecution{Execution: x}
		if !d.Allow {
			return
		}
		if _, ok := t.adapter.(adapter.BatchAdapter); ok {
			mu.Lock()
			batched[t.adapter.Protocol()] = append(batched[t.adapter.Protocol()], batchItem{index: i, ctx: ictx, t: t, d: d})
			mu.Unlock()
			return
		}
		x.Result, x.AuditID = o.invoke(ictx, t, d)
	})

	groups := make([][]batchItem, 0, len(batched))
	for _, items := range batched {
		groups = append(groups, items)
	}
	o.fanOut(len(groups), func(g int) {
		o.invokeBatch(ctx, groups[g], out)
	})
	return out
}

type batchItem struct {
	index int
	ctx   context.Context
	t     *target
	d     *contracts.AuthorizationDecision
}

// admit resolves, validates and decides req for ExecuteBatch.
func (o *Orchestrator) admit(ctx context.Context, req contracts.InvocationRequest) (context.Context, *target, *contracts.AuthorizationDecision, error) {
	req = o.correlate(ctx, req)
	ctx = federation.WithCorrelationID(ctx, req.Context.CorrelationID)
	start := o.now()
	t, err := o.prepare(ctx, req, origin{}, start)
	if err != nil {
		return ctx, nil, nil, err
	}
	return ctx, t, o.decide(ctx, t, origin{}, start), nil
}

// invokeBatch sends items, all for one adapter, as a single batch and
// audits each outcome.
func (o *Orchestrator) invokeBatch(ctx context.Context, items []batchItem, out []BatchExecution) {
	sort.Slice(items, func(a, b int) bool { return items[a].index < items[b].index })
	calls := make([]contracts.InvocationRequest, len(items))
	for k, it := range items {
		calls[k] = it.t.req.WithArguments(it.d.FilteredArguments)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, o.invokeTimeout)
	defer cancel()
	results := adapter.InvokeBatch(invokeCtx, items[0].t.adapter, calls)

	for k, it := range items {
		res := results[k]
		x := out[it.index].Execution
		x.Result = res
		x.AuditID = o.auditInvocation(it.ctx, it.t, it.d, res.Success, res.Error, res.Duration,
			map[string]any{"batch_size": len(items)})
	}
}

func (o *Orchestrator) fanOut(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(o.batchLimit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// IsRequestError reports whether err is a request-shape error rather than
// an internal failure.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrCapabilityNotFound) || errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrValidation) || errors.Is(err, adapter.ErrUnknownProtocol) ||
		errors.Is(err, adapter.ErrProtocol)
}
