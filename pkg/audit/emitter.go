package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/util/resiliency"
)

const (
	defaultWriteAttempts = 3
	defaultWriteBackoff  = 20 * time.Millisecond
	defaultWriteTimeout  = 5 * time.Second
)

// Emitter records every decision and invocation outcome. The store write is
// synchronous and detached from caller cancellation; forwarding is queued.
type Emitter struct {
	store     Store
	forwarder *Forwarder
	nodeID    string
	attempts  int
	backoff   time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type EmitterOption func(*Emitter)

// WithForwarder ships each stored event to external sinks.
func WithForwarder(f *Forwarder) EmitterOption {
	return func(e *Emitter) { e.forwarder = f }
}

// WithWriteRetries sets how many times a failed store write is attempted.
func WithWriteRetries(attempts int, backoff time.Duration) EmitterOption {
	return func(e *Emitter) {
		if attempts > 0 {
			e.attempts = attempts
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

func WithEmitterClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

func WithLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

func NewEmitter(store Store, nodeID string, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		store:    store,
		nodeID:   nodeID,
		attempts: defaultWriteAttempts,
		backoff:  defaultWriteBackoff,
		timeout:  defaultWriteTimeout,
		now:      time.Now,
		logger:   slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NodeID is the node recorded as source for local events.
func (e *Emitter) NodeID() string { return e.nodeID }

// Emit stores ev and queues it for forwarding. It returns the event id even
// when the write fails so the caller can still reference the attempt; a
// failed write never changes the decision it describes.
func (e *Emitter) Emit(ctx context.Context, ev contracts.AuditEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if ev.SourceNode == "" {
		ev.SourceNode = e.nodeID
	}
	if ev.TargetNode == "" {
		ev.TargetNode = ev.SourceNode
	}

	// The caller may already be cancelled; the record is still owed.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(writeCtx, resiliency.Backoff(e.backoff, attempt-1)); serr != nil {
				break
			}
		}
		if _, err = e.store.Append(writeCtx, ev); err == nil {
			break
		}
		e.logger.WarnContext(ctx, "audit write failed",
			"event_id", ev.ID, "correlation_id", ev.CorrelationID, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "audit event not persisted",
			"event_id", ev.ID, "correlation_id", ev.CorrelationID, "kind", ev.Kind, "error", err)
		return ev.ID, fmt.Errorf("audit: persist event %s: %w", ev.ID, err)
	}

	if e.forwarder != nil {
		e.forwarder.Enqueue(ev.Payload())
	}
	return ev.ID, nil
}

// ByCorrelation returns the local records of one request, in order.
func (e *Emitter) ByCorrelation(ctx context.Context, correlationID string) ([]Record, error) {
	return e.store.ByCorrelation(ctx, correlationID)
}

// Verify checks the full hash chain of the underlying store.
func (e *Emitter) Verify(ctx context.Context) (int, error) {
	return e.store.Verify(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
