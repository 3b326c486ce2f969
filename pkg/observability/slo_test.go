package observability

import (
	"testing"
	"time"
)

func TestSLOSetTarget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(SLOTarget{
		SLOID:       "slo-1",
		Operation:   "arbiter.authorize",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.999,
		Window:      24 * time.Hour,
	})

	status, err := tracker.Status("arbiter.authorize")
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(SLOTarget{
		SLOID:       "slo-1",
		Operation:   "arbiter.execute",
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99,
		Window:      time.Hour,
	})

	// Add 100 successful observations under latency target
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: "arbiter.execute", Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status("arbiter.execute")
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(SLOTarget{
		SLOID:       "slo-1",
		Operation:   "arbiter.authorize_delegated",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		Window:      time.Hour,
	})

	// Add 90 success + 10 failures = 90% (below 99% target)
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: "arbiter.authorize_delegated", Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: "arbiter.authorize_delegated", Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("arbiter.authorize_delegated")
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(SLOTarget{
		SLOID:       "slo-1",
		Operation:   "arbiter.authorize",
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99, // 1% error budget
		Window:      time.Hour,
	})

	// 5% error rate → burn rate = 5x
	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Operation: "arbiter.authorize", Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Operation: "arbiter.authorize", Latency: 10 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("arbiter.authorize")
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
}

func TestSLONoTarget(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestSLOWindowDropsOldObservations(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker(SLOTarget{SLOID: "a", Operation: "arbiter.authorize", LatencyP99: time.Second, SuccessRate: 0.9, Window: time.Hour}).
		WithClock(func() time.Time { return now })

	tracker.Record(SLOObservation{Operation: "arbiter.authorize", Success: false, Timestamp: now.Add(-2 * time.Hour)})
	tracker.Record(SLOObservation{Operation: "arbiter.authorize", Success: true, Timestamp: now.Add(-time.Minute)})
	tracker.Record(SLOObservation{Operation: "untracked", Success: false})

	status, err := tracker.Status("arbiter.authorize")
	if err != nil {
		t.Fatal(err)
	}
	if status.ObservationCount != 1 || !status.InCompliance {
		t.Fatalf("expected one compliant observation, got %+v", status)
	}
	if got := len(tracker.observations["arbiter.authorize"]); got != 1 {
		t.Fatalf("expected stale observation pruned, %d kept", got)
	}
	if _, ok := tracker.observations["untracked"]; ok {
		t.Fatal("observations without a target must be ignored")
	}
}

func TestSLOStatusesSorted(t *testing.T) {
	tracker := NewSLOTracker(DefaultSLOTargets()...)
	statuses := tracker.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i-1].Operation > statuses[i].Operation {
			t.Fatalf("statuses not sorted: %v", statuses)
		}
	}
}
