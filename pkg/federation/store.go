package federation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

var (
	ErrNodeNotFound = errors.New("federation: node not found")
	ErrInvalidNode  = errors.New("federation: invalid node")
)

// NodeStore persists the peer registry. Disabled nodes stay in the store so
// past audit records keep resolving.
type NodeStore interface {
	Get(ctx context.Context, nodeID string) (*contracts.FederationNode, error)
	// ByOrg returns every node answering for org, enabled or not.
	ByOrg(ctx context.Context, org string) ([]contracts.FederationNode, error)
	List(ctx context.Context) ([]contracts.FederationNode, error)
	Upsert(ctx context.Context, n contracts.FederationNode) error
	SetEnabled(ctx context.Context, nodeID string, enabled bool) error
	MarkTrusted(ctx context.Context, nodeID string, at time.Time) error
}

func validateNode(n contracts.FederationNode) error {
	switch {
	case n.NodeID == "":
		return errors.Join(ErrInvalidNode, errors.New("node_id is required"))
	case n.Endpoint == "":
		return errors.Join(ErrInvalidNode, errors.New("endpoint is required"))
	case n.TrustAnchorPEM == "":
		return errors.Join(ErrInvalidNode, errors.New("trust anchor is required"))
	}
	if _, err := ParseTrustAnchor(n.TrustAnchorPEM); err != nil {
		return errors.Join(ErrInvalidNode, err)
	}
	return nil
}

// MemoryNodeStore keeps nodes in process memory.
type MemoryNodeStore struct {
	mu    sync.RWMutex
	nodes map[string]contracts.FederationNode
	now   func() time.Time
}

func NewMemoryNodeStore(nodes ...contracts.FederationNode) *MemoryNodeStore {
	s := &MemoryNodeStore{nodes: make(map[string]contracts.FederationNode), now: time.Now}
	for _, n := range nodes {
		s.nodes[n.NodeID] = n
	}
	return s
}

func (s *MemoryNodeStore) Get(_ context.Context, nodeID string) (*contracts.FederationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return &n, nil
}

func (s *MemoryNodeStore) ByOrg(_ context.Context, org string) ([]contracts.FederationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.FederationNode
	for _, n := range s.nodes {
		if n.Org() == org {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out, nil
}

func (s *MemoryNodeStore) List(_ context.Context) ([]contracts.FederationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.FederationNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sortNodes(out)
	return out, nil
}

// Upsert validates and stores n. CreatedAt survives updates.
func (s *MemoryNodeStore) Upsert(_ context.Context, n contracts.FederationNode) error {
	if err := validateNode(n); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if prev, ok := s.nodes[n.NodeID]; ok {
		n.CreatedAt = prev.CreatedAt
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	s.nodes[n.NodeID] = n
	return nil
}

func (s *MemoryNodeStore) SetEnabled(_ context.Context, nodeID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.Enabled = enabled
	n.UpdatedAt = s.now().UTC()
	s.nodes[nodeID] = n
	return nil
}

func (s *MemoryNodeStore) MarkTrusted(_ context.Context, nodeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.LastTrustedAt = at.UTC()
	s.nodes[nodeID] = n
	return nil
}

func sortNodes(ns []contracts.FederationNode) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].NodeID < ns[j].NodeID })
}
