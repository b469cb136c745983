package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
)

var ErrEventNotFound = errors.New("event not found")

// HandlerFunc processes one event type. It must be idempotent.
type HandlerFunc func(ctx context.Context, ev model.InboundEvent) error

type Outcome string

const (
	OutcomeProcessed   Outcome = "processed"
	OutcomeUnknownType Outcome = "unknown"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
)

type ReplayResult string

const (
	Replayed         ReplayResult = "replayed"
	AlreadyProcessed ReplayResult = "already_processed"
)

type Config struct {
	MaxAttempts    int           // e.g. 3
	PendingGrace   time.Duration // pending events older than this are re-dispatched
	BatchSize      int           // max events per retry pass
	HandlerTimeout time.Duration // per-event budget, detached from the caller
}

// SweepStats summarises one retry pass.
type SweepStats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type Dispatcher struct {
	events repository.EventsRepository
	log    *zap.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewDispatcher(events repository.EventsRepository, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Dispatcher{
		events:   events,
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]HandlerFunc),
	}
}

// WithClock overrides the clock used for processed_at.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Register binds a handler to an event type, replacing any previous one.
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

func (d *Dispatcher) handler(eventType string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// Dispatch routes ev to its handler and records the outcome. The returned
// error is non-nil only when the outcome could not be stored.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.InboundEvent) (Outcome, error) {
	log := d.log.With(zap.String("event_id", ev.ID), zap.String("type", ev.Type))

	if ev.State == model.StateProcessed {
		metrics.EventsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	h, ok := d.handler(ev.Type)
	if !ok {
		log.Info("no handler for event type, marking processed")
		if err := d.events.MarkProcessed(ctx, nil, ev.ID, d.now()); err != nil {
			return "", fmt.Errorf("mark processed: %w", err)
		}
		metrics.EventsTotal.WithLabelValues(string(OutcomeUnknownType)).Inc()
		return OutcomeUnknownType, nil
	}

	if herr := d.invoke(ctx, h, ev); herr != nil {
		log.Warn("handler failed", zap.Int("retry_count", ev.RetryCount), zap.Error(herr))
		if err := d.events.MarkFailed(ctx, nil, ev.ID, herr.Error()); err != nil {
			return "", fmt.Errorf("mark failed: %w", err)
		}
		metrics.EventsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return OutcomeFailed, nil
	}

	if err := d.events.MarkProcessed(ctx, nil, ev.ID, d.now()); err != nil {
		return "", fmt.Errorf("mark processed: %w", err)
	}
	metrics.EventsTotal.WithLabelValues(string(OutcomeProcessed)).Inc()
	log.Debug("event processed")
	return OutcomeProcessed, nil
}

// DispatchByID loads the stored event and dispatches it.
func (d *Dispatcher) DispatchByID(ctx context.Context, id string) (Outcome, error) {
	ev, err := d.load(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Dispatch(ctx, ev)
}

// Replay re-dispatches an event that is not processed yet. Processed events
// are never run again.
func (d *Dispatcher) Replay(ctx context.Context, id string) (ReplayResult, Outcome, error) {
	ev, err := d.load(ctx, id)
	if err != nil {
		return "", "", err
	}
	if ev.State == model.StateProcessed {
		return AlreadyProcessed, "", nil
	}

	reset, err := d.events.ResetForReplay(ctx, nil, id)
	if errors.Is(err, repository.ErrNotFound) {
		return "", "", fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return "", "", fmt.Errorf("reset event: %w", err)
	}
	if !reset {
		return AlreadyProcessed, "", nil
	}

	ev, err = d.load(ctx, id)
	if err != nil {
		return "", "", err
	}
	d.log.Info("replaying event", zap.String("event_id", id), zap.String("type", ev.Type))

	outcome, err := d.Dispatch(ctx, ev)
	if err != nil {
		return "", "", err
	}
	return Replayed, outcome, nil
}

// RunRetryPass re-dispatches failed events with budget left and pending
// events older than the grace period. It stops between events when ctx is
// cancelled.
func (d *Dispatcher) RunRetryPass(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	batch, err := d.events.ListRetryable(ctx, d.cfg.MaxAttempts, now.Add(-d.cfg.PendingGrace), d.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list retryable events: %w", err)
	}

	for _, ev := range batch {
		if ctx.Err() != nil {
			break
		}
		stats.Attempted++

		outcome, err := d.dispatchDetached(ctx, ev)
		switch {
		case err != nil:
			stats.Failed++
			d.log.Error("retry dispatch failed", zap.String("event_id", ev.ID), zap.Error(err))
		case outcome == OutcomeFailed:
			stats.Failed++
		default:
			stats.Succeeded++
		}
	}

	d.log.Info("event retry pass done",
		zap.Int("attempted", stats.Attempted),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// dispatchDetached finishes the event even if ctx is cancelled mid-way.
func (d *Dispatcher) dispatchDetached(ctx context.Context, ev model.InboundEvent) (Outcome, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.HandlerTimeout)
	defer cancel()
	return d.Dispatch(rctx, ev)
}

func (d *Dispatcher) load(ctx context.Context, id string) (model.InboundEvent, error) {
	ev, err := d.events.Get(ctx, nil, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.InboundEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return model.InboundEvent{}, fmt.Errorf("load event: %w", err)
	}
	return ev, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, ev model.InboundEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
