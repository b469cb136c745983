package model

import "time"

type OutboxEvent struct {
	ID           int64      `db:"id"`
	Aggregate    string     `db:"aggregate"`    // e.g. "inbound_event"
	AggregateID  string     `db:"aggregate_id"` // InboundEvent.ID
	Topic        string     `db:"topic"`
	PartitionKey string     `db:"partition_key"` // subscription id, keeps per-subscription order
	Payload      []byte     `db:"payload"`
	CreatedAt    time.Time  `db:"created_at"`
	PublishedAt  *time.Time `db:"published_at"`
}
