package contracts

// DecisionPath records where an authorization decision came from.
type DecisionPath string

const (
	PathLocal     DecisionPath = "local"
	PathCache     DecisionPath = "cache"
	PathFederated DecisionPath = "federated"
	// PathRemote marks a decision this node made for a peer.
	PathRemote DecisionPath = "remote"
)

// AuthorizationDecision is the broker's answer to an authorization request.
//
// A deny never carries filtered arguments and always has CacheTTL 0.
type AuthorizationDecision struct {
	Allow             bool           `json:"allow"`
	Reason            string         `json:"reason"`
	FilteredArguments map[string]any `json:"filtered_arguments"`
	// CacheTTL is in seconds.
	CacheTTL      int          `json:"cache_ttl"`
	AuditID       string       `json:"audit_id,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Path          DecisionPath `json:"path,omitempty"`
	EvaluatedBy   string       `json:"evaluated_by,omitempty"`
	PolicyRef     string       `json:"policy_ref,omitempty"`
	// Transient marks denies caused by infrastructure failure rather than
	// policy. They are never cached.
	Transient bool `json:"-"`
}

// Deny builds a deny decision.
func Deny(reason string) *AuthorizationDecision {
	return &AuthorizationDecision{Allow: false, Reason: reason}
}

// Normalize enforces the deny invariants in place and returns d.
func (d *AuthorizationDecision) Normalize() *AuthorizationDecision {
	if !d.Allow {
		d.FilteredArguments = nil
		d.CacheTTL = 0
	}
	return d
}

// AuthorizationResponse is the wire form of a decision.
type AuthorizationResponse struct {
	Allow             bool           `json:"allow"`
	Reason            string         `json:"reason"`
	FilteredArguments map[string]any `json:"filtered_arguments"`
	AuditID           *string        `json:"audit_id"`
	CacheTTL          int            `json:"cache_ttl"`
}

// Response renders d in wire form.
func (d *AuthorizationDecision) Response() AuthorizationResponse {
	resp := AuthorizationResponse{
		Allow:             d.Allow,
		Reason:            d.Reason,
		FilteredArguments: d.FilteredArguments,
		CacheTTL:          d.CacheTTL,
	}
	if d.AuditID != "" {
		id := d.AuditID
		resp.AuditID = &id
	}
	return resp
}
