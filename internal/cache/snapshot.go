package cache

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// orderSnapshot — формат заказа в Redis. Отделён от domain.Order,
// чтобы изменения доменной модели не ломали уже записанные снимки.
type orderSnapshot struct {
	ID             int64           `json:"id"`
	CustomerID     int64           `json:"customer_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Version        int64           `json:"version"`
	Items          []itemSnapshot  `json:"items"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type itemSnapshot struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

func toSnapshot(order domain.Order) orderSnapshot {
	snap := orderSnapshot{
		ID:             order.ID,
		CustomerID:     order.CustomerID,
		TotalAmount:    order.TotalAmount,
		Status:         string(order.Status),
		IdempotencyKey: order.IdempotencyKey,
		Version:        order.Version,
		Items:          make([]itemSnapshot, 0, len(order.Items)),
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
	for _, item := range order.Items {
		snap.Items = append(snap.Items, itemSnapshot{
			ID:        item.ID,
			ProductID: item.ProductID,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal,
		})
	}
	return snap
}

func (s orderSnapshot) toDomain() domain.Order {
	order := domain.Order{
		ID:             s.ID,
		CustomerID:     s.CustomerID,
		TotalAmount:    s.TotalAmount,
		Status:         domain.OrderStatus(s.Status),
		IdempotencyKey: s.IdempotencyKey,
		Version:        s.Version,
		Items:          make([]domain.OrderItem, 0, len(s.Items)),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	for _, item := range s.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:        item.ID,
			OrderID:   s.ID,
			ProductID: item.ProductID,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal,
		})
	}
	return order
}
