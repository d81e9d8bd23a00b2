package domain

import "time"

// Типы событий жизненного цикла заказа.
const (
	TimelineOrderCreated   = "OrderCreated"
	TimelineOrderPaid      = "OrderPaid"
	TimelineOrderCancelled = "OrderCancelled"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  int64
	Type     string
	Reason   string
	Occurred time.Time
}

// TimelineTypeForStatus возвращает тип события для перехода в статус.
func TimelineTypeForStatus(status OrderStatus) string {
	switch status {
	case OrderStatusPaid:
		return TimelineOrderPaid
	case OrderStatusCancelled:
		return TimelineOrderCancelled
	default:
		return TimelineOrderCreated
	}
}
