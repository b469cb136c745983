package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/billing-reconciler/internal/dispatcher"
	"github.com/jmehdipour/billing-reconciler/internal/kafka"
	"github.com/jmehdipour/billing-reconciler/internal/model"
)

type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type EventDispatcher interface {
	DispatchByID(ctx context.Context, id string) (dispatcher.Outcome, error)
}

// DispatchWorker consumes event envelopes and dispatches the stored event.
// Messages with the same key always go to the same processor, so one
// subscription's events are handled one at a time, in partition order.
type DispatchWorker struct {
	Consumer Fetcher
	Dispatch EventDispatcher
	Workers  int
	Log      *zap.Logger
}

func NewDispatchWorker(consumer Fetcher, dispatch EventDispatcher, workers int, log *zap.Logger) *DispatchWorker {
	if workers <= 0 {
		workers = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DispatchWorker{Consumer: consumer, Dispatch: dispatch, Workers: workers, Log: log}
}

// Run blocks until ctx is cancelled. Buffered, unprocessed messages are not
// committed and will be redelivered.
func (w *DispatchWorker) Run(ctx context.Context) error {
	lanes := make([]chan kafka.Message, w.Workers)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 8)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		for {
			m, err := w.Consumer.Fetch(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case lanes[w.lane(m.Key)] <- m:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := range lanes {
		in := lanes[i]
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case m, ok := <-in:
					if !ok {
						return nil
					}
					w.processOne(gctx, m)
				}
			}
		})
	}

	return g.Wait()
}

func (w *DispatchWorker) lane(key []byte) int {
	return int(xxhash.Sum64(key) % uint64(w.Workers))
}

// processOne always commits: the event is already durable in the store and
// anything left pending or failed is picked up by the event retry sweep.
func (w *DispatchWorker) processOne(ctx context.Context, m kafka.Message) {
	dctx := context.WithoutCancel(ctx)
	defer func() {
		if err := w.Consumer.Commit(dctx, m); err != nil {
			w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}()

	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.EventID == "" {
		w.Log.Warn("poison envelope skipped",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		return
	}

	log := w.Log.With(zap.String("event_id", env.EventID), zap.String("type", env.Type))
	outcome, err := w.Dispatch.DispatchByID(dctx, env.EventID)
	switch {
	case errors.Is(err, dispatcher.ErrEventNotFound):
		log.Warn("envelope for unknown event")
	case err != nil:
		log.Error("dispatch failed", zap.Error(err))
	default:
		log.Debug("event dispatched", zap.String("outcome", string(outcome)))
	}
}
