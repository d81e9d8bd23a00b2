package postgres

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// EnsureCustomer добавляет клиента, если клиента с таким email или документом ещё нет.
func (s *Store) EnsureCustomer(ctx context.Context, c domain.Customer) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (name, email, document, is_active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT DO NOTHING
	`, c.Name, c.Email, c.Document, c.Active)
	if err != nil {
		return false, fmt.Errorf("insert customer %s: %w", c.Email, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("customer rows affected: %w", err)
	}
	return affected == 1, nil
}

// EnsureProduct добавляет товар, если товара с таким SKU ещё нет.
// Цена и остаток существующего товара не меняются.
func (s *Store) EnsureProduct(ctx context.Context, p domain.Product) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (name, sku, price, stock_qty, is_active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (sku) DO NOTHING
	`, p.Name, p.SKU, p.Price, p.Stock, p.Active)
	if err != nil {
		return false, fmt.Errorf("insert product %s: %w", p.SKU, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("product rows affected: %w", err)
	}
	return affected == 1, nil
}
