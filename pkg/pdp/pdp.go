// Package pdp defines the Policy Decision Point abstraction.
//
// The broker never decides on its own: it asks a pluggable PDP backend
// (OPA/Rego, Cedar or local CEL rules) and enforces the answer.
//
// Every PDP implementation MUST:
//   - Be fail-closed (deny on error/timeout)
//   - Produce deterministic decision hashes (JCS canonical JSON → SHA-256)
//   - Return a stable PolicyRef for audit binding
package pdp

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Backend identifies the policy engine.
type Backend string

const (
	BackendOPA   Backend = "opa"
	BackendCedar Backend = "cedar"
	BackendCEL   Backend = "cel"
)

// PrincipalInput identifies who is asking.
type PrincipalInput struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ResourceInput is the policy view of a resource.
type ResourceInput struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Protocol    string                `json:"protocol"`
	Sensitivity contracts.Sensitivity `json:"sensitivity"`
	OwnerOrg    string                `json:"owner_org,omitempty"`
}

// CapabilityInput is the policy view of a capability.
type CapabilityInput struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Sensitivity     contracts.Sensitivity `json:"sensitivity"`
	SensitiveFields []string              `json:"sensitive_fields,omitempty"`
}

// DecisionRequest is the canonical structured input to a policy evaluation.
type DecisionRequest struct {
	Principal  PrincipalInput  `json:"principal"`
	Action     string          `json:"action"`
	Resource   ResourceInput   `json:"resource"`
	Capability CapabilityInput `json:"capability"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Context    map[string]any  `json:"context,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewDecisionRequest builds the policy input for an invocation request.
func NewDecisionRequest(req contracts.InvocationRequest, res contracts.Resource, c contracts.Capability) *DecisionRequest {
	ctx := contracts.CloneMap(req.Context.Attributes)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	ctx["timestamp"] = req.Context.Timestamp.UTC().Format(time.RFC3339Nano)
	if req.Context.CorrelationID != "" {
		ctx["correlation_id"] = req.Context.CorrelationID
	}
	var attrs map[string]any
	if a, ok := req.Context.Attributes["principal"].(map[string]any); ok {
		attrs = contracts.CloneMap(a)
	}
	return &DecisionRequest{
		Principal: PrincipalInput{ID: req.PrincipalID, Attributes: attrs},
		Action:    c.Name,
		Resource: ResourceInput{
			ID:          res.ID,
			Name:        res.Name,
			Protocol:    res.Protocol,
			Sensitivity: res.Sensitivity.Normalize(),
			OwnerOrg:    res.OwnerOrg,
		},
		Capability: CapabilityInput{
			ID:              c.ID,
			Name:            c.Name,
			Sensitivity:     c.Sensitivity.Normalize(),
			SensitiveFields: c.SensitiveFields(),
		},
		Arguments: contracts.CloneMap(req.Arguments),
		Context:   ctx,
		Timestamp: req.Context.Timestamp,
	}
}

// DecisionResponse is the canonical output of a policy evaluation.
type DecisionResponse struct {
	Allow      bool   `json:"allow"`
	ReasonCode string `json:"reason_code"`
	// FilteredArguments is the narrowed argument set on allow. Nil means
	// the request arguments pass through unchanged.
	FilteredArguments map[string]any `json:"filtered_arguments,omitempty"`
	PolicyRef         string         `json:"policy_ref"`
	DecisionHash      string         `json:"decision_hash"` // SHA-256 of JCS-canonical decision
	// Transient is set on denies caused by an unreachable or failing
	// backend rather than by policy.
	Transient bool `json:"transient,omitempty"`
}

// PolicyDecisionPoint is the stable interface for policy evaluation.
type PolicyDecisionPoint interface {
	// Evaluate runs the policy evaluation. MUST be fail-closed.
	Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error)

	// Backend returns the backend identifier.
	Backend() Backend

	// PolicyHash returns a content-addressed hash of the active policy set.
	PolicyHash() string
}

// ComputeDecisionHash produces a deterministic SHA-256 hash of the decision
// using JCS canonicalization.
func ComputeDecisionHash(resp *DecisionResponse) (string, error) {
	hashInput := struct {
		Allow      bool           `json:"allow"`
		ReasonCode string         `json:"reason_code"`
		PolicyRef  string         `json:"policy_ref"`
		Filtered   map[string]any `json:"filtered,omitempty"`
	}{
		Allow:      resp.Allow,
		ReasonCode: resp.ReasonCode,
		PolicyRef:  resp.PolicyRef,
		Filtered:   canonicalize.Shape(resp.FilteredArguments, nil),
	}
	if resp.FilteredArguments == nil {
		hashInput.Filtered = nil
	}

	h, err := canonicalize.PrefixedHash(hashInput)
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash canonicalization failed: %w", err)
	}
	return h, nil
}

func sealDecision(resp *DecisionResponse) *DecisionResponse {
	if !resp.Allow {
		resp.FilteredArguments = nil
	}
	hash, _ := ComputeDecisionHash(resp)
	resp.DecisionHash = hash
	return resp
}

func denyResponse(reason, policyRef string, transient bool) *DecisionResponse {
	return sealDecision(&DecisionResponse{
		Allow:      false,
		ReasonCode: reason,
		PolicyRef:  policyRef,
		Transient:  transient,
	})
}
