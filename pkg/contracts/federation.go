package contracts

import "time"

// DefaultNodeRateLimitPerHour applies when a node does not set its own limit.
const DefaultNodeRateLimitPerHour = 10000

// FederationNode is a peer broker run by another organization.
type FederationNode struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
	// OrgID is the owner_org value of resources this node governs.
	// Empty means the node ID doubles as the org ID.
	OrgID    string `json:"org_id,omitempty"`
	Endpoint string `json:"endpoint"`
	// TrustAnchorPEM is the pinned certificate (or issuing CA) the peer
	// must present.
	TrustAnchorPEM   string            `json:"trust_anchor_pem"`
	Enabled          bool              `json:"enabled"`
	RateLimitPerHour int               `json:"rate_limit_per_hour"`
	LastTrustedAt    time.Time         `json:"last_trusted_at,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Org returns the organization identifier this node answers for.
func (n FederationNode) Org() string {
	if n.OrgID != "" {
		return n.OrgID
	}
	return n.NodeID
}

// HourlyLimit returns the configured limit or the default.
func (n FederationNode) HourlyLimit() int {
	if n.RateLimitPerHour <= 0 {
		return DefaultNodeRateLimitPerHour
	}
	return n.RateLimitPerHour
}
