// Package catalog holds the resources and capabilities the broker governs
// and keeps them in step with adapter discovery.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

var (
	ErrResourceNotFound   = errors.New("catalog: resource not found")
	ErrCapabilityNotFound = errors.New("catalog: capability not found")
)

// Catalog resolves capability and resource identifiers.
type Catalog interface {
	Resource(ctx context.Context, id string) (contracts.Resource, error)
	Capability(ctx context.Context, id string) (contracts.Capability, error)
}

// Memory is a thread-safe in-memory Catalog.
type Memory struct {
	mu           sync.RWMutex
	resources    map[string]contracts.Resource
	capabilities map[string]contracts.Capability
	byResource   map[string][]string
	now          func() time.Time
}

var _ Catalog = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		resources:    make(map[string]contracts.Resource),
		capabilities: make(map[string]contracts.Capability),
		byResource:   make(map[string][]string),
		now:          time.Now,
	}
}

// Put stores res and replaces its capability set with caps.
func (m *Memory) Put(res contracts.Resource, caps []contracts.Capability) error {
	if res.ID == "" {
		return errors.New("catalog: resource id is required")
	}
	res.Sensitivity = res.Sensitivity.Normalize()
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.resources[res.ID]; ok && !prev.CreatedAt.IsZero() {
		res.CreatedAt = prev.CreatedAt
	} else if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	m.resources[res.ID] = res

	for _, id := range m.byResource[res.ID] {
		delete(m.capabilities, id)
	}
	ids := make([]string, 0, len(caps))
	for _, c := range caps {
		if c.ID == "" {
			return fmt.Errorf("catalog: capability of %s has no id", res.ID)
		}
		c.ResourceID = res.ID
		c.Sensitivity = c.Sensitivity.Normalize()
		m.capabilities[c.ID] = c
		ids = append(ids, c.ID)
	}
	m.byResource[res.ID] = ids
	return nil
}

// Remove drops a resource and its capabilities.
func (m *Memory) Remove(id string) (contracts.Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[id]
	if !ok {
		return contracts.Resource{}, false
	}
	for _, cid := range m.byResource[id] {
		delete(m.capabilities, cid)
	}
	delete(m.byResource, id)
	delete(m.resources, id)
	return res, true
}

func (m *Memory) Resource(_ context.Context, id string) (contracts.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.resources[id]
	if !ok {
		return contracts.Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	return res, nil
}

func (m *Memory) Capability(_ context.Context, id string) (contracts.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.capabilities[id]
	if !ok {
		return contracts.Capability{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, id)
	}
	return c, nil
}

// Resources lists every resource sorted by ID.
func (m *Memory) Resources() []contracts.Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Capabilities lists the capabilities of one resource sorted by ID.
func (m *Memory) Capabilities(resourceID string) []contracts.Capability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Capability, 0, len(m.byResource[resourceID]))
	for _, id := range m.byResource[resourceID] {
		out = append(out, m.capabilities[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search matches query against capability names and descriptions.
func (m *Memory) Search(query string) []contracts.Capability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)
	var out []contracts.Capability
	for _, c := range m.capabilities {
		if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(c.Description), q) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Syncer loads adapter discovery results into a catalog.
type Syncer struct {
	registry *adapter.Registry
	catalog  *Memory
	logger   *slog.Logger
}

func NewSyncer(reg *adapter.Registry, cat *Memory) *Syncer {
	return &Syncer{
		registry: reg,
		catalog:  cat,
		logger:   slog.Default().With("component", "catalog"),
	}
}

// Discover runs discovery for protocol, stores every resource found with
// its capabilities and attaches it to the adapter.
func (s *Syncer) Discover(ctx context.Context, protocol string, cfg adapter.DiscoveryConfig) ([]contracts.Resource, error) {
	a, err := s.registry.Get(protocol)
	if err != nil {
		return nil, err
	}
	resources, err := a.DiscoverResources(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var errs []error
	for i := range resources {
		res := &resources[i]
		if res.Protocol == "" {
			res.Protocol = a.Protocol()
		}
		if owner := cfg.String("owner_org"); owner != "" && res.OwnerOrg == "" {
			res.OwnerOrg = owner
		}
		caps, err := a.GetCapabilities(ctx, *res)
		if err != nil {
			errs = append(errs, fmt.Errorf("capabilities of %s: %w", res.ID, err))
			continue
		}
		if err := s.catalog.Put(*res, caps); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.registry.Attach(ctx, *res); err != nil {
			errs = append(errs, err)
		}
		s.logger.InfoContext(ctx, "resource discovered",
			"protocol", protocol, "resource", res.ID, "capabilities", len(caps))
	}
	return resources, errors.Join(errs...)
}

// Refresh re-reads the capabilities of one resource, bypassing adapter caches
// where the adapter supports it.
func (s *Syncer) Refresh(ctx context.Context, resourceID string) ([]contracts.Capability, error) {
	res, err := s.catalog.Resource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	a, err := s.registry.Get(res.Protocol)
	if err != nil {
		return nil, err
	}
	var caps []contracts.Capability
	if r, ok := a.(adapter.CapabilityRefresher); ok {
		caps, err = r.RefreshCapabilities(ctx, res)
	} else {
		caps, err = a.GetCapabilities(ctx, res)
	}
	if err != nil {
		return nil, err
	}
	return caps, s.catalog.Put(res, caps)
}

// Forget detaches and removes a resource.
func (s *Syncer) Forget(ctx context.Context, resourceID string) error {
	res, ok := s.catalog.Remove(resourceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}
	if !s.registry.Supports(res.Protocol) {
		return nil
	}
	return s.registry.Detach(ctx, res)
}
