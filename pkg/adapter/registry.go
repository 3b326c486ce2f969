package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Info describes a registered adapter.
type Info struct {
	Protocol  string   `json:"protocol"`
	Version   string   `json:"version"`
	Streaming bool     `json:"streaming"`
	Batch     bool     `json:"batch"`
	Resources []string `json:"resources,omitempty"`
}

// Registry maps protocol names to adapters. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]Adapter
	resources map[string]map[string]contracts.Resource // protocol -> id -> resource
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[string]Adapter),
		resources: make(map[string]map[string]contracts.Resource),
		logger:    slog.Default().With("component", "adapter-registry"),
	}
}

// Register adds a. Registering a protocol that is already present keeps the
// existing instance and returns nil.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter: nil adapter")
	}
	proto := normalizeProtocol(a.Protocol())
	if proto == "" {
		return errors.New("adapter: empty protocol name")
	}
	if _, err := semver.NewVersion(a.ProtocolVersion()); err != nil {
		return fmt.Errorf("adapter %s: invalid protocol version %q: %w", proto, a.ProtocolVersion(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[proto]; exists {
		return nil
	}
	r.adapters[proto] = a
	r.logger.Info("adapter registered", "protocol", proto, "version", a.ProtocolVersion())
	return nil
}

// Unregister removes the adapter for protocol, running teardown hooks for
// every resource still attached to it.
func (r *Registry) Unregister(ctx context.Context, protocol string) error {
	proto := normalizeProtocol(protocol)

	r.mu.Lock()
	a, ok := r.adapters[proto]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	attached := r.resources[proto]
	delete(r.adapters, proto)
	delete(r.resources, proto)
	r.mu.Unlock()

	var errs []error
	if hooks, ok := a.(LifecycleHooks); ok {
		for _, res := range attached {
			if err := hooks.OnResourceUnregistered(ctx, res); err != nil {
				errs = append(errs, fmt.Errorf("teardown %s: %w", res.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Get returns the adapter for protocol.
func (r *Registry) Get(protocol string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalizeProtocol(protocol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return a, nil
}

// Supports reports whether protocol has an adapter.
func (r *Registry) Supports(protocol string) bool {
	_, err := r.Get(protocol)
	return err == nil
}

// Protocols lists registered protocol names in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Info describes every registered adapter.
func (r *Registry) Info() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.adapters))
	for p, a := range r.adapters {
		_, streaming := a.(StreamingAdapter)
		_, batch := a.(BatchAdapter)
		info := Info{Protocol: p, Version: a.ProtocolVersion(), Streaming: streaming, Batch: batch}
		for id := range r.resources[p] {
			info.Resources = append(info.Resources, id)
		}
		sort.Strings(info.Resources)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

// Attach records res against its protocol's adapter and runs the adapter's
// registration hook. Attaching the same resource twice is a no-op.
func (r *Registry) Attach(ctx context.Context, res contracts.Resource) error {
	a, err := r.Get(res.Protocol)
	if err != nil {
		return err
	}
	proto := normalizeProtocol(res.Protocol)

	r.mu.Lock()
	if _, ok := r.resources[proto][res.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	if r.resources[proto] == nil {
		r.resources[proto] = make(map[string]contracts.Resource)
	}
	r.resources[proto][res.ID] = res
	r.mu.Unlock()

	if hooks, ok := a.(LifecycleHooks); ok {
		if err := hooks.OnResourceRegistered(ctx, res); err != nil {
			r.mu.Lock()
			delete(r.resources[proto], res.ID)
			r.mu.Unlock()
			return fmt.Errorf("adapter %s: register %s: %w", proto, res.ID, err)
		}
	}
	return nil
}

// Detach reverses Attach.
func (r *Registry) Detach(ctx context.Context, res contracts.Resource) error {
	a, err := r.Get(res.Protocol)
	if err != nil {
		return err
	}
	proto := normalizeProtocol(res.Protocol)

	r.mu.Lock()
	_, ok := r.resources[proto][res.ID]
	delete(r.resources[proto], res.ID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if hooks, ok := a.(LifecycleHooks); ok {
		return hooks.OnResourceUnregistered(ctx, res)
	}
	return nil
}

// ResourceHealth is one attached resource's health check outcome.
type ResourceHealth struct {
	Protocol   string `json:"protocol"`
	ResourceID string `json:"resource_id"`
	Healthy    bool   `json:"healthy"`
}

// HealthCheck runs SafeHealthCheck against every attached resource in
// parallel. Results are ordered by protocol, then resource id.
func (r *Registry) HealthCheck(ctx context.Context) []ResourceHealth {
	type target struct {
		a   Adapter
		res contracts.Resource
	}
	r.mu.RLock()
	var targets []target
	for proto, byID := range r.resources {
		a, ok := r.adapters[proto]
		if !ok {
			continue
		}
		for _, res := range byID {
			targets = append(targets, target{a: a, res: res})
		}
	}
	r.mu.RUnlock()

	out := make([]ResourceHealth, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = ResourceHealth{
				Protocol:   normalizeProtocol(t.res.Protocol),
				ResourceID: t.res.ID,
				Healthy:    SafeHealthCheck(ctx, t.a, t.res),
			}
			if !out[i].Healthy {
				r.logger.WarnContext(ctx, "resource unhealthy", "protocol", out[i].Protocol, "resource_id", t.res.ID)
			}
		}()
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

// Close tears down every attached resource on every adapter.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, p := range r.Protocols() {
		if err := r.Unregister(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeProtocol(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
