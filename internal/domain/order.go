package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusCreated — начальный статус, выставляется при создании.
	OrderStatusCreated OrderStatus = "CREATED"
	// OrderStatusPaid — заказ отмечен оплаченным. Терминальный статус.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusCancelled — заказ отменён. Терминальный статус.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// allowedTransitions задаёт машину состояний заказа.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {OrderStatusPaid, OrderStatusCancelled},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// CanTransitionTo проверяет, разрешён ли переход в статус target.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range allowedTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// MaxAmount — наибольшая сумма, которую хранилище держит в NUMERIC(12,2).
// Ограничивает и сумму позиции, и итог заказа.
var MaxAmount = decimal.RequireFromString("9999999999.99")

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ID        int64
	OrderID   int64
	ProductID int64
	// UnitPrice — копия цены товара на момент создания заказа.
	UnitPrice decimal.Decimal
	Quantity  int
	// LineTotal = UnitPrice * Quantity.
	LineTotal decimal.Decimal
}

// NewOrderItem фиксирует цену товара и считает сумму позиции.
func NewOrderItem(productID int64, unitPrice decimal.Decimal, qty int) OrderItem {
	return OrderItem{
		ProductID: productID,
		UnitPrice: unitPrice,
		Quantity:  qty,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID             int64
	CustomerID     int64
	TotalAmount    decimal.Decimal
	Status         OrderStatus
	IdempotencyKey string
	Items          []OrderItem
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SumItems возвращает сумму позиций заказа.
func SumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal)
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID <= 0 {
		errs = append(errs, NewValidationError("customer_id", "must be positive"))
	}
	if len(o.Items) == 0 {
		errs = append(errs, NewValidationError("items", "order must contain at least one item"))
	}
	if !o.Status.Valid() {
		errs = append(errs, NewValidationError("status", "unknown status "+string(o.Status)))
	}

	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, NewValidationError("quantity", "must be greater than zero"))
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, NewValidationError("unit_price", "must be non-negative"))
		}
		if !item.LineTotal.Equal(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
			errs = append(errs, NewValidationError("line_total", "does not match unit_price * quantity"))
		}
		if item.LineTotal.GreaterThan(MaxAmount) {
			errs = append(errs, NewValidationError("line_total",
				fmt.Sprintf("product %d: %s exceeds maximum %s", item.ProductID, item.LineTotal.StringFixed(2), MaxAmount.StringFixed(2))))
		}
	}
	if !o.TotalAmount.Equal(SumItems(o.Items)) {
		errs = append(errs, NewValidationError("total_amount", "does not match items sum"))
	}
	if o.TotalAmount.GreaterThan(MaxAmount) {
		errs = append(errs, NewValidationError("total_amount",
			fmt.Sprintf("%s exceeds maximum %s", o.TotalAmount.StringFixed(2), MaxAmount.StringFixed(2))))
	}

	return errs
}

// Requested восстанавливает позиции запроса, по которому создан заказ.
func (o Order) Requested() []RequestedItem {
	out := make([]RequestedItem, 0, len(o.Items))
	for _, item := range o.Items {
		out = append(out, RequestedItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

// Clone возвращает копию заказа с собственным срезом позиций.
func (o Order) Clone() Order {
	cp := o
	if o.Items != nil {
		cp.Items = append([]OrderItem(nil), o.Items...)
	}
	return cp
}

// OrderFilter задаёт выборку заказов со страничной навигацией.
type OrderFilter struct {
	// CustomerID = 0 означает "все клиенты".
	CustomerID int64
	Page       int
	PageSize   int
}

const (
	// DefaultPageSize — размер страницы по умолчанию.
	DefaultPageSize = 20
	// MaxPageSize — максимальный размер страницы.
	MaxPageSize = 100
)

// Normalize подставляет значения по умолчанию и ограничивает размер страницы.
func (f OrderFilter) Normalize() OrderFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset возвращает смещение первой записи страницы.
func (f OrderFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// OrderPage — страница результатов выборки заказов.
type OrderPage struct {
	Orders   []Order
	Total    int
	Page     int
	PageSize int
}

// TotalPages возвращает количество страниц.
func (p OrderPage) TotalPages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// RequestedItem — позиция запроса на создание заказа: товар и количество.
type RequestedItem struct {
	ProductID int64
	Quantity  int
}
