package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/kafka"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
)

type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Relay moves outbox rows to Kafka. A row is marked published only after
// the broker acknowledged it, so a crash in between republishes it.
type Relay struct {
	Outbox    repository.OutboxRepository
	Publisher Publisher
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Log       *zap.Logger
}

func NewRelay(outbox repository.OutboxRepository, pub Publisher, interval time.Duration, batchSize int, log *zap.Logger) *Relay {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		Outbox:    outbox,
		Publisher: pub,
		Interval:  interval,
		BatchSize: batchSize,
		Now:       time.Now,
		Log:       log,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one.
func (r *Relay) Run(ctx context.Context) error {
	tick := time.NewTicker(r.Interval)
	defer tick.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.Log.Error("outbox relay failed", zap.Error(err))
		}
		if err == nil && n >= r.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many rows it published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	rows, err := r.Outbox.FetchUnpublished(ctx, r.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, kafka.Message{
			Topic: row.Topic,
			Key:   []byte(row.PartitionKey),
			Value: row.Payload,
			Headers: []kafka.Header{
				{Key: "aggregate", Value: []byte(row.Aggregate)},
				{Key: "aggregate_id", Value: []byte(row.AggregateID)},
			},
		})
		ids = append(ids, row.ID)
	}

	if err := r.Publisher.Publish(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("publish %d outbox rows: %w", len(msgs), err)
	}
	if err := r.Outbox.MarkPublished(ctx, ids, r.Now().UTC()); err != nil {
		return 0, fmt.Errorf("mark outbox published: %w", err)
	}
	r.Log.Debug("outbox relayed", zap.Int("rows", len(rows)))
	return len(rows), nil
}
