package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

type customerRepository struct {
	st *state
}

// Get возвращает клиента или ErrCustomerNotFound.
func (r customerRepository) Get(_ context.Context, id int64) (domain.Customer, error) {
	c, ok := r.st.customers[id]
	if !ok {
		return domain.Customer{}, fmt.Errorf("%w: id=%d", domain.ErrCustomerNotFound, id)
	}
	return c, nil
}

type productRepository struct {
	st *state
}

// Get возвращает текущие цену и остаток товара.
func (r productRepository) Get(_ context.Context, id int64) (domain.Product, error) {
	p, ok := r.st.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: id=%d", domain.ErrProductNotFound, id)
	}
	return p, nil
}

// ReserveStock уменьшает остаток, только если его хватает.
func (r productRepository) ReserveStock(_ context.Context, id int64, qty int) error {
	p, ok := r.st.products[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", domain.ErrProductNotFound, id)
	}
	if qty <= 0 {
		return domain.NewValidationError("quantity", "must be greater than zero")
	}
	if p.Stock < qty {
		return &domain.InsufficientStockError{ProductID: id, Requested: qty, Available: p.Stock}
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now().UTC()
	r.st.products[id] = p
	return nil
}

var (
	_ domain.CustomerRepository = customerRepository{}
	_ domain.ProductRepository  = productRepository{}
)
