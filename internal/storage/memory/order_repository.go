package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// orderRepository работает с заказами внутри транзакции.
type orderRepository struct {
	st *state
}

// Create присваивает заказу и позициям идентификаторы и сохраняет копию.
func (r orderRepository) Create(ctx context.Context, order *domain.Order) error {
	if len(order.Items) == 0 {
		return domain.NewValidationError("items", "order must contain at least one item")
	}

	// Повторяет уникальный индекс orders.idempotency_key из postgres.
	if _, found, _ := r.FindByIdempotencyKey(ctx, order.IdempotencyKey); found && order.IdempotencyKey != "" {
		return fmt.Errorf("order with idempotency key %q already exists: %w", order.IdempotencyKey, domain.ErrIdempotencyInFlight)
	}

	r.st.nextOrderID++
	order.ID = r.st.nextOrderID
	for i := range order.Items {
		r.st.nextItemID++
		order.Items[i].ID = r.st.nextItemID
		order.Items[i].OrderID = order.ID
	}

	r.st.orders[order.ID] = order.Clone()
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r orderRepository) Get(_ context.Context, id int64) (domain.Order, error) {
	order, ok := r.st.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: id=%d", domain.ErrOrderNotFound, id)
	}
	return order.Clone(), nil
}

// FindByIdempotencyKey ищет заказ по ключу идемпотентности.
func (r orderRepository) FindByIdempotencyKey(_ context.Context, key string) (domain.Order, bool, error) {
	for _, order := range r.st.orders {
		if order.IdempotencyKey == key {
			return order.Clone(), true, nil
		}
	}
	return domain.Order{}, false, nil
}

// GetForUpdate совпадает с Get: транзакция и так держит эксклюзивный доступ.
func (r orderRepository) GetForUpdate(ctx context.Context, id int64) (domain.Order, error) {
	return r.Get(ctx, id)
}

// List возвращает заказы от новых к старым с фильтром по клиенту.
func (r orderRepository) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	filter = filter.Normalize()

	matched := make([]domain.Order, 0, len(r.st.orders))
	for _, order := range r.st.orders {
		if filter.CustomerID != 0 && order.CustomerID != filter.CustomerID {
			continue
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return []domain.Order{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	page := make([]domain.Order, 0, end-start)
	for _, order := range matched[start:end] {
		page = append(page, order.Clone())
	}
	return page, total, nil
}

// UpdateStatus меняет статус, проверяя версию (optimistic locking).
func (r orderRepository) UpdateStatus(_ context.Context, id, expectedVersion int64, status domain.OrderStatus, at time.Time) (domain.Order, error) {
	order, ok := r.st.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: id=%d", domain.ErrOrderNotFound, id)
	}
	if order.Version != expectedVersion {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	order.Status = status
	order.Version++
	order.UpdatedAt = at
	r.st.orders[id] = order
	return order.Clone(), nil
}

var _ domain.OrderRepository = orderRepository{}
