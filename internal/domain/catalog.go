package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product — данные каталога, которые нужны для оформления заказа.
type Product struct {
	ID        int64
	Name      string
	SKU       string
	Price     decimal.Decimal
	Stock     int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Customer — данные клиента, которые нужны для оформления заказа.
type Customer struct {
	ID        int64
	Name      string
	Email     string
	Document  string
	Active    bool
	CreatedAt time.Time
}
