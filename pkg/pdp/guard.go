package pdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a single policy evaluation.
const DefaultTimeout = 2 * time.Second

// Guarded wraps a PolicyDecisionPoint so that timeouts, errors, panics and
// nil responses all become transient denies. Callers can rely on Evaluate
// always returning a response and a nil error.
type Guarded struct {
	inner   PolicyDecisionPoint
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuarded wraps p. A zero timeout means DefaultTimeout.
func NewGuarded(p PolicyDecisionPoint, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guarded{
		inner:   p,
		timeout: timeout,
		logger:  slog.Default().With("component", "pdp", "backend", string(p.Backend())),
	}
}

type evalResult struct {
	resp *DecisionResponse
	err  error
}

// Evaluate implements PolicyDecisionPoint.
func (g *Guarded) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("policy backend panic: %v", r)}
			}
		}()
		resp, err := g.inner.Evaluate(ctx, req)
		done <- evalResult{resp: resp, err: err}
	}()

	var out evalResult
	select {
	case out = <-done:
	case <-ctx.Done():
		out = evalResult{err: ctx.Err()}
	}

	switch {
	case out.err != nil && errors.Is(out.err, context.DeadlineExceeded):
		g.logger.WarnContext(ctx, "policy evaluation timed out", "timeout", g.timeout)
		return g.deny("DENY_TIMEOUT"), nil
	case out.err != nil && errors.Is(out.err, context.Canceled):
		return g.deny("DENY_CANCELLED"), nil
	case out.err != nil:
		g.logger.ErrorContext(ctx, "policy evaluation failed", "error", out.err)
		return g.deny("DENY_BACKEND_ERROR"), nil
	case out.resp == nil:
		return g.deny("DENY_NO_RESPONSE"), nil
	}
	return out.resp, nil
}

// Backend implements PolicyDecisionPoint.
func (g *Guarded) Backend() Backend { return g.inner.Backend() }

// PolicyHash implements PolicyDecisionPoint.
func (g *Guarded) PolicyHash() string { return g.inner.PolicyHash() }

func (g *Guarded) deny(reason string) *DecisionResponse {
	return denyResponse(reason, fmt.Sprintf("%s:guard", g.inner.Backend()), true)
}
