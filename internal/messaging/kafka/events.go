package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "orderhub.order.events"
	TopicDeadLetterQueue = "orderhub.order.events.dlq"
)

// Заголовки сообщений о событиях заказа.
const (
	HeaderEventType = "x-event-type"
	HeaderOutboxID  = "x-outbox-id"
)

// OutboxEnvelope — формат сообщения в топике событий заказа.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOutboxEnvelope заворачивает outbox-сообщение для публикации.
func NewOutboxEnvelope(msg domain.OutboxMessage, publishedAt time.Time) OutboxEnvelope {
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   publishedAt.UTC(),
	}
}

// PartitionKey — ключ партиционирования: все события одного заказа
// попадают в одну партицию и читаются в порядке публикации.
func (e OutboxEnvelope) PartitionKey() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}
