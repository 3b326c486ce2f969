package contracts

import (
	"encoding/json"
	"time"
)

// RequestContext carries caller-supplied facts about an invocation.
type RequestContext struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// InvocationRequest asks for a capability to be invoked on behalf of a
// principal. Values are treated as immutable once built: use
// NewInvocationRequest and WithArguments rather than editing fields in place.
type InvocationRequest struct {
	CapabilityID string         `json:"capability_id"`
	PrincipalID  string         `json:"principal_id"`
	Arguments    map[string]any `json:"arguments"`
	Context      RequestContext `json:"context"`

	// Resolved target, filled by the orchestrator before an adapter sees
	// the request.
	Resource   *Resource   `json:"-"`
	Capability *Capability `json:"-"`
}

// NewInvocationRequest builds a request with a private deep copy of args.
func NewInvocationRequest(capabilityID, principalID string, args map[string]any, rc RequestContext) InvocationRequest {
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now().UTC()
	}
	rc.Attributes = CloneMap(rc.Attributes)
	return InvocationRequest{
		CapabilityID: capabilityID,
		PrincipalID:  principalID,
		Arguments:    CloneMap(args),
		Context:      rc,
	}
}

// WithArguments returns a copy of r carrying args in place of its arguments.
func (r InvocationRequest) WithArguments(args map[string]any) InvocationRequest {
	r.Arguments = CloneMap(args)
	return r
}

// WithTarget returns a copy of r bound to a resolved resource and capability.
func (r InvocationRequest) WithTarget(res Resource, c Capability) InvocationRequest {
	r.Resource = &res
	r.Capability = &c
	return r
}

// InvocationResult is the outcome of an adapter call. Ordinary backend
// failures come back here with Success false, not as Go errors.
type InvocationResult struct {
	Success  bool           `json:"success"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"-"`
}

// MarshalJSON renders Duration as duration_ms.
func (r InvocationResult) MarshalJSON() ([]byte, error) {
	type alias InvocationResult
	return json.Marshal(struct {
		alias
		DurationMS float64 `json:"duration_ms"`
	}{alias(r), float64(r.Duration.Microseconds()) / 1000})
}

// Failed builds an unsuccessful result.
func Failed(msg string, d time.Duration) *InvocationResult {
	return &InvocationResult{Success: false, Error: msg, Duration: d}
}

// CloneMap deep-copies JSON-like maps and slices. Other values are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
