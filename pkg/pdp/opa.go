package pdp

import (
	"context"
	"time"
)

const (
	defaultOPATimeout = 2 * time.Second
	defaultOPAPath    = "/v1/data/arbiter/authz"
)

// OPAConfig points at an OPA server's data API.
type OPAConfig struct {
	URL string `json:"url" yaml:"url"`
	// PolicyPath defaults to /v1/data/arbiter/authz.
	PolicyPath    string        `json:"policy_path,omitempty" yaml:"policy_path"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	PolicyVersion string        `json:"policy_version,omitempty" yaml:"policy_version"`
	BearerToken   string        `json:"-" yaml:"bearer_token"`
}

// OPAPDP asks a remote OPA for decisions. The whole DecisionRequest is
// sent as input; the policy answers with allow, a reason and optionally
// narrowed arguments.
type OPAPDP struct {
	sidecar
	ref  string
	hash string
}

func NewOPAPDP(cfg OPAConfig) *OPAPDP {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultOPAPath
	}
	sc := newSidecar("OPA", cfg.URL, cfg.PolicyPath, cfg.Timeout)
	sc.token = cfg.BearerToken
	return &OPAPDP{
		sidecar: sc,
		ref:     "opa:" + cfg.PolicyVersion + ":" + cfg.PolicyPath,
		hash:    "sha256:opa:" + cfg.PolicyVersion,
	}
}

type opaRequest struct {
	Input *DecisionRequest `json:"input"`
}

// opaResponse has a nil Result when the rule is undefined.
type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow             bool           `json:"allow"`
	Reason            string         `json:"reason,omitempty"`
	ReasonCode        string         `json:"reason_code,omitempty"`
	FilteredArguments map[string]any `json:"filtered_arguments,omitempty"`
}

func (o *OPAPDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	if req == nil {
		return denyResponse("DENY_NIL_REQUEST", o.ref, false), nil
	}
	var out opaResponse
	if code, transient := o.call(ctx, opaRequest{Input: req}, &out); code != "" {
		return denyResponse(code, o.ref, transient), nil
	}
	if out.Result == nil {
		return denyResponse("DENY_OPA_NO_RESULT", o.ref, false), nil
	}

	r := out.Result
	code := firstNonEmpty(r.ReasonCode, r.Reason)
	if code == "" {
		code = "DENY_POLICY"
		if r.Allow {
			code = "ALLOW"
		}
	}
	return sealDecision(&DecisionResponse{
		Allow:             r.Allow,
		ReasonCode:        code,
		FilteredArguments: r.FilteredArguments,
		PolicyRef:         o.ref,
	}), nil
}

func (o *OPAPDP) Backend() Backend { return BackendOPA }

func (o *OPAPDP) PolicyHash() string { return o.hash }

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
