package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/util/resiliency"
)

// Sink receives batches of forwarded audit payloads.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch []contracts.ForwardPayload) error
}

// ForwarderConfig tunes batching and failure handling.
type ForwarderConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	SendTimeout   time.Duration
	Breaker       resiliency.BreakerConfig
	// Spool keeps batches a sink could not take. Without it they are dropped.
	Spool *Spool
}

func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		QueueSize:     10000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		SendTimeout:   10 * time.Second,
		Breaker:       resiliency.DefaultBreakerConfig(),
	}
}

// ForwarderStats counts payloads, per payload, across all sinks.
type ForwarderStats struct {
	Enqueued uint64 `json:"enqueued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Spooled  uint64 `json:"spooled"`
	Dropped  uint64 `json:"dropped"`
	Replayed uint64 `json:"replayed"`
}

// Forwarder batches payloads to every sink in the background. Enqueue never
// blocks: a full queue spills to the spool.
type Forwarder struct {
	cfg      ForwarderConfig
	sinks    []Sink
	breakers *resiliency.BreakerGroup
	queue    chan contracts.ForwardPayload
	flushReq chan chan struct{}
	logger   *slog.Logger

	enqueued, sent, failed, spooled, dropped, replayed atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewForwarder(cfg ForwarderConfig, sinks ...Sink) *Forwarder {
	def := DefaultForwarderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Breaker == (resiliency.BreakerConfig{}) {
		cfg.Breaker = def.Breaker
	}
	return &Forwarder{
		cfg:      cfg,
		sinks:    sinks,
		breakers: resiliency.NewBreakerGroup(cfg.Breaker),
		queue:    make(chan contracts.ForwardPayload, cfg.QueueSize),
		flushReq: make(chan chan struct{}),
		logger:   slog.Default().With("component", "audit-forwarder"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithLogger replaces the forwarder's logger.
func (f *Forwarder) WithLogger(l *slog.Logger) *Forwarder {
	f.logger = l
	return f
}

// Breakers exposes per-sink circuit state.
func (f *Forwarder) Breakers() *resiliency.BreakerGroup { return f.breakers }

// Start launches the delivery loop.
func (f *Forwarder) Start() {
	f.startOnce.Do(func() { go f.run() })
}

// Enqueue queues p for all sinks.
func (f *Forwarder) Enqueue(p contracts.ForwardPayload) {
	if len(f.sinks) == 0 {
		return
	}
	select {
	case f.queue <- p:
		f.enqueued.Add(1)
	default:
		f.logger.Warn("audit forward queue full", "event_id", p.EventID)
		for _, s := range f.sinks {
			f.park(s, []contracts.ForwardPayload{p})
		}
	}
}

// Flush delivers whatever is queued and waits for it.
func (f *Forwarder) Flush(ctx context.Context) error {
	f.Start()
	ack := make(chan struct{})
	select {
	case f.flushReq <- ack:
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the loop.
func (f *Forwarder) Close(ctx context.Context) error {
	f.Start()
	f.closeOnce.Do(func() { close(f.stop) })
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Enqueued: f.enqueued.Load(),
		Sent:     f.sent.Load(),
		Failed:   f.failed.Load(),
		Spooled:  f.spooled.Load(),
		Dropped:  f.dropped.Load(),
		Replayed: f.replayed.Load(),
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]contracts.ForwardPayload, 0, f.cfg.BatchSize)
	flush := func() {
		if len(batch) > 0 {
			f.deliver(batch)
			batch = make([]contracts.ForwardPayload, 0, f.cfg.BatchSize)
		}
	}
	drain := func() {
		for {
			select {
			case p := <-f.queue:
				batch = append(batch, p)
				if len(batch) >= f.cfg.BatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case p := <-f.queue:
			batch = append(batch, p)
			if len(batch) >= f.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-f.flushReq:
			drain()
			close(ack)
		case <-f.stop:
			drain()
			return
		}
	}
}

func (f *Forwarder) deliver(batch []contracts.ForwardPayload) {
	for _, s := range f.sinks {
		cb := f.breakers.Get(s.Name())
		if !cb.Allow() {
			f.park(s, batch)
			continue
		}
		if err := f.send(s, batch); err != nil {
			cb.Failure()
			f.failed.Add(uint64(len(batch)))
			f.logger.Warn("audit sink send failed", "sink", s.Name(), "batch", len(batch), "error", err)
			f.park(s, batch)
			continue
		}
		cb.Success()
		f.sent.Add(uint64(len(batch)))
		f.replay(s, cb)
	}
}

func (f *Forwarder) send(s Sink, batch []contracts.ForwardPayload) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.SendTimeout)
	defer cancel()
	return s.Send(ctx, batch)
}

// park spools a batch for s, or drops it when there is no spool.
func (f *Forwarder) park(s Sink, batch []contracts.ForwardPayload) {
	if f.cfg.Spool == nil {
		f.dropped.Add(uint64(len(batch)))
		return
	}
	if err := f.cfg.Spool.Append(s.Name(), batch); err != nil {
		f.dropped.Add(uint64(len(batch)))
		f.logger.Error("audit spool write failed", "sink", s.Name(), "error", err)
		return
	}
	f.spooled.Add(uint64(len(batch)))
}

// replay resends spooled payloads after s accepted a live batch.
func (f *Forwarder) replay(s Sink, cb *resiliency.CircuitBreaker) {
	if f.cfg.Spool == nil {
		return
	}
	pending, err := f.cfg.Spool.Drain(s.Name())
	if err != nil {
		f.logger.Error("audit spool read failed", "sink", s.Name(), "error", err)
		return
	}
	for start := 0; start < len(pending); start += f.cfg.BatchSize {
		end := min(start+f.cfg.BatchSize, len(pending))
		if err := f.send(s, pending[start:end]); err != nil {
			cb.Failure()
			f.logger.Warn("audit spool replay failed", "sink", s.Name(), "remaining", len(pending)-start, "error", err)
			if serr := f.cfg.Spool.Append(s.Name(), pending[start:]); serr != nil {
				f.dropped.Add(uint64(len(pending) - start))
			}
			return
		}
		f.replayed.Add(uint64(end - start))
	}
}
