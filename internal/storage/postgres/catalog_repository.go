package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

type customerRepository struct {
	q queryer
}

func (r customerRepository) Get(ctx context.Context, id int64) (domain.Customer, error) {
	var c domain.Customer
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, email, document, is_active, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Document, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Customer{}, fmt.Errorf("%w: id=%d", domain.ErrCustomerNotFound, id)
		}
		return domain.Customer{}, fmt.Errorf("select customer: %w", err)
	}
	return c, nil
}

type productRepository struct {
	q queryer
}

func (r productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	var p domain.Product
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, sku, price, stock_qty, is_active, created_at, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("%w: id=%d", domain.ErrProductNotFound, id)
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

// ReserveStock списывает остаток одним условным UPDATE. Строка товара
// остаётся заблокированной до конца транзакции, поэтому конкурентные
// покупатели не могут списать больше, чем есть на складе.
func (r productRepository) ReserveStock(ctx context.Context, id int64, qty int) error {
	if qty <= 0 {
		return domain.NewValidationError("quantity", "must be greater than zero")
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty - $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND stock_qty >= $2
	`, id, qty)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve stock rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var available int
	err = r.q.QueryRowContext(ctx, `SELECT stock_qty FROM products WHERE id = $1`, id).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id=%d", domain.ErrProductNotFound, id)
		}
		return fmt.Errorf("read available stock: %w", err)
	}
	return &domain.InsufficientStockError{ProductID: id, Requested: qty, Available: available}
}

var (
	_ domain.CustomerRepository = customerRepository{}
	_ domain.ProductRepository  = productRepository{}
)
