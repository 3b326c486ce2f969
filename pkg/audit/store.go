package audit

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Store is the durable, append-only audit log.
type Store interface {
	Append(ctx context.Context, e contracts.AuditEvent) (Record, error)
	Get(ctx context.Context, eventID string) (Record, error)
	ByCorrelation(ctx context.Context, correlationID string) ([]Record, error)
	// Range returns records with from <= timestamp < to. Zero bounds are open.
	Range(ctx context.Context, from, to time.Time) ([]Record, error)
	// Verify walks the whole chain.
	Verify(ctx context.Context) (int, error)
	Head(ctx context.Context) (seq uint64, hash string, err error)
	Close() error
}

// MemoryStore keeps the chain in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Append(_ context.Context, e contracts.AuditEvent) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := GenesisHash
	if n := len(s.records); n > 0 {
		prev = s.records[n-1].EntryHash
	}
	r, err := seal(uint64(len(s.records))+1, prev, e)
	if err != nil {
		return Record{}, err
	}
	s.records = append(s.records, r)
	s.byID[e.ID] = len(s.records) - 1
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[eventID]
	if !ok {
		return Record{}, ErrEventNotFound
	}
	return s.records[i], nil
}

func (s *MemoryStore) ByCorrelation(_ context.Context, correlationID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Event.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Range(_ context.Context, from, to time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if inRange(r.Event.Timestamp, from, to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	return to.IsZero() || ts.Before(to)
}

func (s *MemoryStore) Verify(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := VerifyRecords(s.records); err != nil {
		return 0, err
	}
	return len(s.records), nil
}

func (s *MemoryStore) Head(_ context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return 0, GenesisHash, nil
	}
	last := s.records[len(s.records)-1]
	return last.Sequence, last.EntryHash, nil
}

// Records returns a copy of the chain.
func (s *MemoryStore) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

func (s *MemoryStore) Close() error { return nil }
