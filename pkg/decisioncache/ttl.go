package decisioncache

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// TTLPolicy maps sensitivity to cache lifetime. More sensitive levels must
// never outlive less sensitive ones.
type TTLPolicy struct {
	Low      time.Duration `json:"low" yaml:"low"`
	Medium   time.Duration `json:"medium" yaml:"medium"`
	High     time.Duration `json:"high" yaml:"high"`
	Critical time.Duration `json:"critical" yaml:"critical"`
}

// DefaultTTLPolicy returns the stock lifetimes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Low:      300 * time.Second,
		Medium:   180 * time.Second,
		High:     120 * time.Second,
		Critical: 60 * time.Second,
	}
}

// For returns the lifetime for s. Unknown levels get the critical lifetime.
func (p TTLPolicy) For(s contracts.Sensitivity) time.Duration {
	switch s.Normalize() {
	case contracts.SensitivityLow:
		return p.Low
	case contracts.SensitivityMedium:
		return p.Medium
	case contracts.SensitivityHigh:
		return p.High
	default:
		return p.Critical
	}
}

// Validate checks that lifetimes are non-negative and non-increasing with
// sensitivity.
func (p TTLPolicy) Validate() error {
	levels := []struct {
		name string
		d    time.Duration
	}{{"low", p.Low}, {"medium", p.Medium}, {"high", p.High}, {"critical", p.Critical}}
	for i, l := range levels {
		if l.d < 0 {
			return fmt.Errorf("decisioncache: %s ttl is negative", l.name)
		}
		if i > 0 && l.d > levels[i-1].d {
			return fmt.Errorf("decisioncache: %s ttl (%s) exceeds %s ttl (%s)", l.name, l.d, levels[i-1].name, levels[i-1].d)
		}
	}
	return nil
}
