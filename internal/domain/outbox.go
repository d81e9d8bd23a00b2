package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOutboxMessageNotFound возвращается при обновлении несуществующего сообщения outbox.
var ErrOutboxMessageNotFound = errors.New("outbox message not found")

// AggregateTypeOrder — тип агрегата для событий заказа.
const AggregateTypeOrder = "order"

// Типы событий заказа, публикуемых через outbox.
const (
	EventTypeOrderCreated   = "order.created"
	EventTypeOrderPaid      = "order.paid"
	EventTypeOrderCancelled = "order.cancelled"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OrderEvent — полезная нагрузка событий заказа.
type OrderEvent struct {
	EventType   string          `json:"event_type"`
	OrderID     int64           `json:"order_id"`
	CustomerID  int64           `json:"customer_id"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// EventTypeForStatus возвращает тип события для статуса заказа.
func EventTypeForStatus(status OrderStatus) string {
	switch status {
	case OrderStatusPaid:
		return EventTypeOrderPaid
	case OrderStatusCancelled:
		return EventTypeOrderCancelled
	default:
		return EventTypeOrderCreated
	}
}

// NewOrderOutboxMessage формирует outbox-сообщение о текущем состоянии заказа.
func NewOrderOutboxMessage(order Order, occurredAt time.Time) (OutboxMessage, error) {
	event := OrderEvent{
		EventType:   EventTypeForStatus(order.Status),
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		OccurredAt:  occurredAt.UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		AggregateType: AggregateTypeOrder,
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     event.EventType,
		Payload:       payload,
	}, nil
}
