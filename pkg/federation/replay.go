package federation

import (
	"sync"
	"time"
)

// ReplayGuard remembers request ids until they could no longer be
// accepted anyway.
type ReplayGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewReplayGuard(window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &ReplayGuard{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// Check records id and reports whether it is fresh.
func (g *ReplayGuard) Check(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if exp, ok := g.seen[id]; ok && now.Before(exp) {
		return false
	}
	if len(g.seen) > 0 && len(g.seen)%1024 == 0 {
		g.sweepLocked(now)
	}
	g.seen[id] = now.Add(g.window)
	return true
}

func (g *ReplayGuard) sweepLocked(now time.Time) {
	for id, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, id)
		}
	}
}
