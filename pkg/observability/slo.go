package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a service level objective for one tracked operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id" yaml:"id"`
	Operation   string        `json:"operation" yaml:"operation"`
	LatencyP99  time.Duration `json:"latency_p99" yaml:"latency_p99"`
	SuccessRate float64       `json:"success_rate" yaml:"success_rate"` // 0-1
	Window      time.Duration `json:"window" yaml:"window"`
}

// DefaultSLOTargets covers the broker's request paths.
func DefaultSLOTargets() []SLOTarget {
	return []SLOTarget{
		{SLOID: "authorize-latency", Operation: "arbiter.authorize", LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour},
		{SLOID: "execute-latency", Operation: "arbiter.execute", LatencyP99: 5 * time.Second, SuccessRate: 0.99, Window: time.Hour},
		{SLOID: "delegated-latency", Operation: "arbiter.authorize_delegated", LatencyP99: 500 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour},
	}
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors SLOs across operations. Observations older than the
// target window are dropped as new ones arrive.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with the given targets.
func NewSLOTracker(targets ...SLOTarget) *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
	for i := range targets {
		t.SetTarget(targets[i])
	}
	return t
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets the SLO for target.Operation.
func (t *SLOTracker) SetTarget(target SLOTarget) {
	if target.Window <= 0 {
		target.Window = time.Hour
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = &target
}

// Record records an observation. Operations without a target are ignored.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[obs.Operation]
	if !ok {
		return
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	kept := t.windowed(obs.Operation, obs.Timestamp.Add(-target.Window))
	t.observations[obs.Operation] = append(kept, obs)
}

func (t *SLOTracker) windowed(operation string, start time.Time) []SLOObservation {
	all := t.observations[operation]
	i := sort.Search(len(all), func(i int) bool { return all[i].Timestamp.After(start) })
	return all[i:]
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	windowed := t.windowed(operation, t.clock().Add(-target.Window))
	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate, budgetLeft float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
	} else if errorRate == 0 {
		budgetLeft = 100.0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}

// Statuses reports every target, sorted by operation.
func (t *SLOTracker) Statuses() []SLOStatus {
	t.mu.Lock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	sort.Strings(ops)

	out := make([]SLOStatus, 0, len(ops))
	for _, op := range ops {
		if s, err := t.Status(op); err == nil {
			out = append(out, *s)
		}
	}
	return out
}
