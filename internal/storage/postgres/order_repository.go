package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

const orderColumns = `id, customer_id, total_amount, status, idempotency_key, version, created_at, updated_at`

type orderRepository struct {
	q queryer
}

func (r orderRepository) Create(ctx context.Context, order *domain.Order) error {
	if order == nil || len(order.Items) == 0 {
		return domain.NewValidationError("items", "order must contain at least one item")
	}
	if order.Version == 0 {
		order.Version = 1
	}

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO orders (
			customer_id, total_amount, status, idempotency_key, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`,
		order.CustomerID, order.TotalAmount, string(order.Status), order.IdempotencyKey,
		order.Version, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			// Заказ с этим ключом уже закоммичен конкурентом: повтор увидит его в журнале.
			return fmt.Errorf("order with idempotency key %q already exists: %w", order.IdempotencyKey, domain.ErrIdempotencyInFlight)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := r.q.QueryRowContext(ctx, `
			INSERT INTO order_items (
				order_id, product_id, unit_price, quantity, line_total
			) VALUES ($1,$2,$3,$4,$5)
			RETURNING id
		`,
			order.ID, item.ProductID, item.UnitPrice, item.Quantity, item.LineTotal,
		).Scan(&item.ID); err != nil {
			if isUniqueViolation(err) {
				return domain.NewValidationError("items", fmt.Sprintf("duplicate product %d in one order", item.ProductID))
			}
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

func (r orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	return r.get(ctx, id, false)
}

// GetForUpdate блокирует строку заказа до конца транзакции.
func (r orderRepository) GetForUpdate(ctx context.Context, id int64) (domain.Order, error) {
	return r.get(ctx, id, true)
}

// FindByIdempotencyKey ищет заказ по уникальному ключу идемпотентности.
func (r orderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, bool, error) {
	order, err := r.selectOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, fmt.Errorf("select order by idempotency key: %w", err)
	}
	return order, true, nil
}

func (r orderRepository) get(ctx context.Context, id int64, forUpdate bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	order, err := r.selectOne(ctx, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("%w: id=%d", domain.ErrOrderNotFound, id)
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

// selectOne читает одну строку заказа и подгружает её позиции.
func (r orderRepository) selectOne(ctx context.Context, query string, arg any) (domain.Order, error) {
	order, err := scanOrder(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		return domain.Order{}, err
	}

	items, err := r.loadItems(ctx, []int64{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func (r orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	filter = filter.Normalize()

	where := ""
	args := []any{}
	if filter.CustomerID > 0 {
		where = " WHERE customer_id = $1"
		args = append(args, filter.CustomerID)
	}

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	if total == 0 {
		return []domain.Order{}, 0, nil
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, n+1, n+2)
	rows, err := r.q.QueryContext(ctx, query, append(args, filter.PageSize, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, filter.PageSize)
	ids := make([]int64, 0, filter.PageSize)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, 0, fmt.Errorf("close order rows: %w", err)
	}

	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, total, nil
}

func (r orderRepository) UpdateStatus(ctx context.Context, id, expectedVersion int64, status domain.OrderStatus, at time.Time) (domain.Order, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    version = version + 1,
		    updated_at = $2
		WHERE id = $3
		  AND version = $4
	`, string(status), at, id, expectedVersion)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.get(ctx, id, false); err != nil {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("%w: id=%d expected_version=%d", domain.ErrOrderVersionConflict, id, expectedVersion)
	}

	return r.get(ctx, id, false)
}

// loadItems загружает позиции нескольких заказов одним запросом.
func (r orderRepository) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	result := make(map[int64][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(orderIDs))
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, product_id, unit_price, quantity, line_total
		FROM order_items
		WHERE order_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY order_id, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	if err := row.Scan(
		&order.ID, &order.CustomerID, &order.TotalAmount, &status,
		&order.IdempotencyKey, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	if !order.Status.Valid() {
		return domain.Order{}, fmt.Errorf("invalid order status %q for order %d", status, order.ID)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = orderRepository{}
