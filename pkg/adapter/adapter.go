// Package adapter defines the contract every protocol adapter satisfies and
// the registry the broker uses to pick one by protocol name.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// HealthTimeout bounds every health check.
const HealthTimeout = 5 * time.Second

// DiscoveryConfig is protocol-specific discovery input, usually decoded
// from YAML or JSON.
type DiscoveryConfig map[string]any

// String returns the value at key, or "".
func (c DiscoveryConfig) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the value at key, or false.
func (c DiscoveryConfig) Bool(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// Strings returns the value at key as a string slice.
func (c DiscoveryConfig) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Map returns the nested map at key.
func (c DiscoveryConfig) Map(key string) map[string]any {
	m, _ := c[key].(map[string]any)
	return m
}

// Adapter speaks one protocol. Implementations must be safe for concurrent use.
//
// Invoke reports ordinary backend failures inside the result. It returns a
// Go error only for adapter defects such as an unresolvable target.
type Adapter interface {
	Protocol() string
	ProtocolVersion() string
	DiscoverResources(ctx context.Context, cfg DiscoveryConfig) ([]contracts.Resource, error)
	GetCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error)
	ValidateRequest(ctx context.Context, req contracts.InvocationRequest) (bool, error)
	Invoke(ctx context.Context, req contracts.InvocationRequest) (*contracts.InvocationResult, error)
	HealthCheck(ctx context.Context, res contracts.Resource) bool
}

// CapabilityRefresher is implemented by adapters that cache capability
// lists and can re-read them on demand.
type CapabilityRefresher interface {
	RefreshCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error)
}

// ChunkFunc receives streamed chunks in order. Returning an error stops the stream.
type ChunkFunc func(chunk any) error

// StreamingAdapter delivers results incrementally. A failure after the first
// chunk is reported as a KindStreaming error carrying the delivered count.
type StreamingAdapter interface {
	InvokeStreaming(ctx context.Context, req contracts.InvocationRequest, fn ChunkFunc) error
}

// BatchAdapter invokes many requests in one round trip. Results line up
// with requests by index.
type BatchAdapter interface {
	InvokeBatch(ctx context.Context, reqs []contracts.InvocationRequest) ([]*contracts.InvocationResult, error)
}

// LifecycleHooks lets an adapter warm up or tear down per-resource state.
type LifecycleHooks interface {
	OnResourceRegistered(ctx context.Context, res contracts.Resource) error
	OnResourceUnregistered(ctx context.Context, res contracts.Resource) error
}

// InvokeBatch runs reqs through a's native batch path when it has one and
// through SafeInvoke one by one otherwise. Results line up with reqs by
// index. A failed native batch is never replayed, since the backend may
// have executed part of it: every request is reported failed instead.
func InvokeBatch(ctx context.Context, a Adapter, reqs []contracts.InvocationRequest) []*contracts.InvocationResult {
	if b, ok := a.(BatchAdapter); ok {
		return nativeBatch(ctx, a.Protocol(), b, reqs)
	}
	out := make([]*contracts.InvocationResult, len(reqs))
	for i, req := range reqs {
		res, err := SafeInvoke(ctx, a, req)
		if err != nil {
			res = contracts.Failed(err.Error(), 0)
		}
		out[i] = res
	}
	return out
}

func nativeBatch(ctx context.Context, protocol string, b BatchAdapter, reqs []contracts.InvocationRequest) (out []*contracts.InvocationResult) {
	start := time.Now()
	failAll := func(msg string) []*contracts.InvocationResult {
		took := time.Since(start)
		all := make([]*contracts.InvocationResult, len(reqs))
		for i := range all {
			all[i] = contracts.Failed(msg, took)
		}
		return all
	}
	defer func() {
		if r := recover(); r != nil {
			out = failAll(fmt.Sprintf("%s batch: adapter panic: %v", protocol, r))
		}
	}()

	results, err := b.InvokeBatch(ctx, reqs)
	switch {
	case err != nil:
		return failAll(fmt.Sprintf("%s batch: %v", protocol, err))
	case len(results) != len(reqs):
		return failAll(fmt.Sprintf("%s batch: %d results for %d requests", protocol, len(results), len(reqs)))
	}
	took := time.Since(start)
	for i, res := range results {
		if res == nil {
			results[i] = contracts.Failed(protocol+" batch: no result", took)
		} else if res.Duration == 0 {
			res.Duration = took
		}
	}
	return results
}

// SafeInvoke calls a.Invoke and converts a panic into a KindInvocation error.
func SafeInvoke(ctx context.Context, a Adapter, req contracts.InvocationRequest) (res *contracts.InvocationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &Error{Kind: KindInvocation, Adapter: a.Protocol(), CapabilityID: req.CapabilityID, Message: fmt.Sprintf("adapter panic: %v", r)}
		}
	}()
	start := time.Now()
	res, err = a.Invoke(ctx, req)
	if err == nil && res == nil {
		return nil, &Error{Kind: KindInvocation, Adapter: a.Protocol(), CapabilityID: req.CapabilityID, Message: "adapter returned no result"}
	}
	if res != nil && res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, err
}

// SafeHealthCheck bounds a.HealthCheck by HealthTimeout and reports
// unhealthy on timeout or panic.
func SafeHealthCheck(ctx context.Context, a Adapter, res contracts.Resource) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- false
			}
		}()
		done <- a.HealthCheck(ctx, res)
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}
