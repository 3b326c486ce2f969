package pdp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Rule effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// CELRule is one local policy rule. Expression must evaluate to a bool over
// the variables principal, resource, capability, arguments and context.
type CELRule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	Effect     string `json:"effect" yaml:"effect"`
	Reason     string `json:"reason,omitempty" yaml:"reason"`
	// Suppress lists dotted argument paths removed when this allow rule matches.
	Suppress []string `json:"suppress,omitempty" yaml:"suppress"`
}

type compiledRule struct {
	CELRule
	prg cel.Program
}

// CELPDP evaluates rules in-process. Any matching deny rule wins; otherwise
// at least one allow rule must match. No match is a deny.
type CELPDP struct {
	version    string
	rules      []compiledRule
	policyHash string
}

// NewCELPDP compiles rules. A rule that fails to compile is an error: a
// broken policy set must not load.
func NewCELPDP(version string, rules []CELRule) (*CELPDP, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("capability", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		effect := strings.ToLower(r.Effect)
		if effect != EffectAllow && effect != EffectDeny {
			return nil, fmt.Errorf("pdp: rule %q: unknown effect %q", r.Name, r.Effect)
		}
		r.Effect = effect
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("pdp: rule %q: %w", r.Name, issues.Err())
		}
		if t := ast.OutputType(); !reflect.DeepEqual(t, cel.BoolType) && !reflect.DeepEqual(t, cel.DynType) {
			return nil, fmt.Errorf("pdp: rule %q must return bool, got %s", r.Name, t)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("pdp: rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{CELRule: r, prg: prg})
	}

	hash, err := canonicalize.PrefixedHash(struct {
		Version string    `json:"version"`
		Rules   []CELRule `json:"rules"`
	}{version, rules})
	if err != nil {
		return nil, err
	}
	return &CELPDP{version: version, rules: compiled, policyHash: hash}, nil
}

// Evaluate implements PolicyDecisionPoint.
func (p *CELPDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	if req == nil {
		return p.deny("DENY_NIL_REQUEST"), nil
	}
	if err := ctx.Err(); err != nil {
		return denyResponse("DENY_CANCELLED", p.ref(), true), nil
	}

	vars := map[string]any{
		"principal": map[string]any{"id": req.Principal.ID, "attributes": orEmpty(req.Principal.Attributes)},
		"resource": map[string]any{
			"id":          req.Resource.ID,
			"name":        req.Resource.Name,
			"protocol":    req.Resource.Protocol,
			"sensitivity": string(req.Resource.Sensitivity),
			"owner_org":   req.Resource.OwnerOrg,
		},
		"capability": map[string]any{
			"id":               req.Capability.ID,
			"name":             req.Capability.Name,
			"sensitivity":      string(req.Capability.Sensitivity),
			"sensitive_fields": toAnySlice(req.Capability.SensitiveFields),
		},
		"arguments": orEmpty(req.Arguments),
		"context":   orEmpty(req.Context),
	}

	var allowed []compiledRule
	for _, r := range p.rules {
		matched, err := evalBool(r.prg, vars)
		if err != nil {
			return p.deny("DENY_RULE_ERROR:" + r.Name), nil
		}
		if !matched {
			continue
		}
		if r.Effect == EffectDeny {
			return p.deny(reasonFor(r, "DENY_RULE:")), nil
		}
		allowed = append(allowed, r)
	}
	if len(allowed) == 0 {
		return p.deny("DENY_NO_MATCHING_RULE"), nil
	}

	var suppress []string
	for _, r := range allowed {
		suppress = append(suppress, r.Suppress...)
	}
	sort.Strings(suppress)

	resp := &DecisionResponse{
		Allow:      true,
		ReasonCode: reasonFor(allowed[0], "ALLOW_RULE:"),
		PolicyRef:  p.ref(),
	}
	if len(suppress) > 0 {
		resp.FilteredArguments = contracts.Suppress(req.Arguments, suppress)
	}
	return sealDecision(resp), nil
}

// Backend implements PolicyDecisionPoint.
func (p *CELPDP) Backend() Backend { return BackendCEL }

// PolicyHash implements PolicyDecisionPoint.
func (p *CELPDP) PolicyHash() string { return p.policyHash }

func (p *CELPDP) ref() string { return "cel:" + p.version }

func (p *CELPDP) deny(reason string) *DecisionResponse {
	return denyResponse(reason, p.ref(), false)
}

func evalBool(prg cel.Program, vars map[string]any) (bool, error) {
	val, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, errors.New("rule did not produce a bool")
	}
	return b, nil
}

func reasonFor(r compiledRule, prefix string) string {
	if r.Reason != "" {
		return r.Reason
	}
	return prefix + r.Name
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
