package contracts

import (
	"strings"
	"time"
)

// Sensitivity classifies how much harm a capability can do when misused.
// The ordering low < medium < high < critical drives cache lifetimes.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// ParseSensitivity maps a label to a Sensitivity. Anything it does not
// recognise is treated as critical.
func ParseSensitivity(s string) Sensitivity {
	switch Sensitivity(strings.ToLower(strings.TrimSpace(s))) {
	case SensitivityLow:
		return SensitivityLow
	case SensitivityMedium:
		return SensitivityMedium
	case SensitivityHigh:
		return SensitivityHigh
	default:
		return SensitivityCritical
	}
}

// Normalize returns s, or critical when s is not a known level.
func (s Sensitivity) Normalize() Sensitivity {
	return ParseSensitivity(string(s))
}

// Rank orders sensitivities from 0 (low) to 3 (critical).
func (s Sensitivity) Rank() int {
	switch s.Normalize() {
	case SensitivityLow:
		return 0
	case SensitivityMedium:
		return 1
	case SensitivityHigh:
		return 2
	default:
		return 3
	}
}

// Max returns the more sensitive of s and o.
func (s Sensitivity) Max(o Sensitivity) Sensitivity {
	if o.Rank() > s.Rank() {
		return o.Normalize()
	}
	return s.Normalize()
}

// Sensitivities lists every level from least to most sensitive.
func Sensitivities() []Sensitivity {
	return []Sensitivity{SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical}
}

// Resource is a governed endpoint reachable through one protocol adapter.
type Resource struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Protocol    string         `json:"protocol"`
	Endpoint    string         `json:"endpoint"`
	Sensitivity Sensitivity    `json:"sensitivity"`
	OwnerOrg    string         `json:"owner_org,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsLocal reports whether the resource belongs to org. Resources with no
// owner are always local.
func (r Resource) IsLocal(org string) bool {
	return r.OwnerOrg == "" || r.OwnerOrg == org
}

// Capability is a single invocable action exposed by a Resource.
type Capability struct {
	ID           string         `json:"id"`
	ResourceID   string         `json:"resource_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Sensitivity  Sensitivity    `json:"sensitivity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MetadataSensitiveFields is the metadata key listing argument paths that
// must never reach a cache key or a forwarded audit record.
const MetadataSensitiveFields = "sensitive_fields"

// SensitiveFields returns the dotted argument paths declared under
// Metadata["sensitive_fields"].
func (c Capability) SensitiveFields() []string {
	raw, ok := c.Metadata[MetadataSensitiveFields]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	default:
		return nil
	}
}
