package pdp

import (
	"context"
	"strconv"
	"time"
)

const (
	defaultCedarTimeout = 2 * time.Second
	defaultCedarPath    = "/decide"
)

// CedarConfig points at a Cedar agent. Cedar has no Go evaluator, so
// policies run in a separate process reached over HTTP.
type CedarConfig struct {
	URL string `json:"url" yaml:"url"`
	// DecidePath defaults to /decide.
	DecidePath    string        `json:"decide_path,omitempty" yaml:"decide_path"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	PolicyVersion string        `json:"policy_version,omitempty" yaml:"policy_version"`
}

// CedarPDP maps a DecisionRequest onto Cedar's principal/action/resource
// triple. Sensitivities and protocol travel in the Cedar context.
type CedarPDP struct {
	sidecar
	ref  string
	hash string
}

func NewCedarPDP(cfg CedarConfig) *CedarPDP {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCedarTimeout
	}
	if cfg.DecidePath == "" {
		cfg.DecidePath = defaultCedarPath
	}
	return &CedarPDP{
		sidecar: newSidecar("CEDAR", cfg.URL, cfg.DecidePath, cfg.Timeout),
		ref:     "cedar:" + cfg.PolicyVersion,
		hash:    "sha256:cedar:" + cfg.PolicyVersion,
	}
}

type cedarRequest struct {
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
}

type cedarResponse struct {
	Decision    string `json:"decision"` // Allow | Deny
	Diagnostics struct {
		Reason []string `json:"reason,omitempty"`
		Errors []string `json:"errors,omitempty"`
	} `json:"diagnostics,omitempty"`
}

// entityUID renders Type::"id".
func entityUID(typ, id string) string {
	return typ + "::" + strconv.Quote(id)
}

func (c *CedarPDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	if req == nil {
		return denyResponse("DENY_NIL_REQUEST", c.ref, false), nil
	}
	attrs := make(map[string]any, len(req.Context)+3)
	for k, v := range req.Context {
		attrs[k] = v
	}
	attrs["resource_sensitivity"] = string(req.Resource.Sensitivity)
	attrs["capability_sensitivity"] = string(req.Capability.Sensitivity)
	attrs["protocol"] = req.Resource.Protocol

	in := cedarRequest{
		Principal: entityUID("Principal", req.Principal.ID),
		Action:    entityUID("Action", req.Action),
		Resource:  entityUID("Resource", req.Resource.ID),
		Context:   attrs,
	}
	var out cedarResponse
	if code, transient := c.call(ctx, in, &out); code != "" {
		return denyResponse(code, c.ref, transient), nil
	}
	// A policy that failed to evaluate is not a deny the author wrote.
	if len(out.Diagnostics.Errors) > 0 {
		return denyResponse("DENY_CEDAR_EVAL_ERROR", c.ref, false), nil
	}

	resp := &DecisionResponse{Allow: out.Decision == "Allow", ReasonCode: "ALLOW", PolicyRef: c.ref}
	if !resp.Allow {
		resp.ReasonCode = "DENY_POLICY"
		if len(out.Diagnostics.Reason) > 0 {
			resp.ReasonCode = out.Diagnostics.Reason[0]
		}
	}
	return sealDecision(resp), nil
}

func (c *CedarPDP) Backend() Backend { return BackendCedar }

func (c *CedarPDP) PolicyHash() string { return c.hash }
