// Package adaptertest provides an in-memory adapter for tests.
package adaptertest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Fake is a scriptable adapter. Zero values give a healthy adapter that
// accepts every request and echoes its arguments.
type Fake struct {
	Name    string
	Version string

	Resources    []contracts.Resource
	Capabilities map[string][]contracts.Capability // resource ID -> capabilities

	ValidateFunc func(ctx context.Context, req contracts.InvocationRequest) (bool, error)
	InvokeFunc   func(ctx context.Context, req contracts.InvocationRequest) (*contracts.InvocationResult, error)
	Healthy      bool

	Invocations atomic.Int64

	mu         sync.Mutex
	registered []string
	removed    []string
}

var (
	_ adapter.Adapter        = (*Fake)(nil)
	_ adapter.LifecycleHooks = (*Fake)(nil)
)

// New returns a healthy fake for protocol.
func New(protocol string) *Fake {
	return &Fake{Name: protocol, Version: "1.0.0", Healthy: true, Capabilities: map[string][]contracts.Capability{}}
}

func (f *Fake) Protocol() string { return f.Name }

func (f *Fake) ProtocolVersion() string { return f.Version }

func (f *Fake) DiscoverResources(_ context.Context, _ adapter.DiscoveryConfig) ([]contracts.Resource, error) {
	return append([]contracts.Resource(nil), f.Resources...), nil
}

func (f *Fake) GetCapabilities(_ context.Context, res contracts.Resource) ([]contracts.Capability, error) {
	return append([]contracts.Capability(nil), f.Capabilities[res.ID]...), nil
}

func (f *Fake) ValidateRequest(ctx context.Context, req contracts.InvocationRequest) (bool, error) {
	if f.ValidateFunc != nil {
		return f.ValidateFunc(ctx, req)
	}
	return true, nil
}

func (f *Fake) Invoke(ctx context.Context, req contracts.InvocationRequest) (*contracts.InvocationResult, error) {
	f.Invocations.Add(1)
	if f.InvokeFunc != nil {
		return f.InvokeFunc(ctx, req)
	}
	return &contracts.InvocationResult{Success: true, Result: req.Arguments}, nil
}

func (f *Fake) HealthCheck(_ context.Context, _ contracts.Resource) bool { return f.Healthy }

func (f *Fake) OnResourceRegistered(_ context.Context, res contracts.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, res.ID)
	return nil
}

func (f *Fake) OnResourceUnregistered(_ context.Context, res contracts.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, res.ID)
	return nil
}

// Registered returns resource IDs passed to OnResourceRegistered.
func (f *Fake) Registered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.registered...)
}

// Removed returns resource IDs passed to OnResourceUnregistered.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}
