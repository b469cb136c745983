package model

// Envelope is the payload published to Kafka by the outbox relay. It only
// points at the stored event; the payload is always read from the store.
type Envelope struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}
