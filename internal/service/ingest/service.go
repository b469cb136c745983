package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
)

const (
	BillingEventsKafkaTopic = "billing.events"
	outboxAggregate         = "inbound_event"
)

// Service makes inbound events durable. A new event and its outbox row are
// written in one transaction, committed before the webhook is acknowledged.
type Service struct {
	tx     repository.Transactor
	events repository.EventsRepository
	outbox repository.OutboxRepository
	topic  string
}

// New constructs the ingest service. An empty topic uses billing.events.
func New(
	tx repository.Transactor,
	eventsRepo repository.EventsRepository,
	outboxRepo repository.OutboxRepository,
	topic string,
) *Service {
	if topic == "" {
		topic = BillingEventsKafkaTopic
	}
	return &Service{
		tx:     tx,
		events: eventsRepo,
		outbox: outboxRepo,
		topic:  topic,
	}
}

// RecordIfNew inserts ev unless its id was seen before. For a duplicate it
// returns isNew=false with the stored record and writes nothing.
func (s *Service) RecordIfNew(ctx context.Context, ev model.InboundEvent) (bool, model.InboundEvent, error) {
	env := model.Envelope{
		EventID:        ev.ID,
		Type:           ev.Type,
		SubscriptionID: ev.SubscriptionID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return false, model.InboundEvent{}, fmt.Errorf("marshal envelope: %w", err)
	}

	key := ev.SubscriptionID
	if key == "" {
		key = ev.ID
	}

	var (
		isNew  bool
		stored model.InboundEvent
	)
	err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := s.events.InsertIfAbsent(ctx, tx, ev)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if !inserted {
			stored, err = s.events.Get(ctx, tx, ev.ID)
			if err != nil {
				return fmt.Errorf("load existing event: %w", err)
			}
			return nil
		}

		if err := s.outbox.Insert(ctx, tx, model.OutboxEvent{
			Aggregate:    outboxAggregate,
			AggregateID:  ev.ID,
			Topic:        s.topic,
			PartitionKey: key,
			Payload:      payload,
			CreatedAt:    ev.ReceivedAt,
		}); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}

		isNew = true
		stored = ev
		stored.State = model.StatePending
		return nil
	})
	if err != nil {
		return false, model.InboundEvent{}, err
	}
	return isNew, stored, nil
}
