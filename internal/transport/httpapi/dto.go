package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// CreateOrderRequest — тело POST /api/v1/orders.
type CreateOrderRequest struct {
	CustomerID int64                    `json:"customer_id" validate:"required,gt=0"`
	Items      []CreateOrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

// CreateOrderItemRequest — позиция запроса.
type CreateOrderItemRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

// OrderResponse — представление заказа в API. Суммы передаются строками
// с двумя знаками после запятой, чтобы не терять точность.
type OrderResponse struct {
	ID          int64               `json:"id"`
	CustomerID  int64               `json:"customer_id"`
	Status      string              `json:"status"`
	TotalAmount string              `json:"total_amount"`
	Items       []OrderItemResponse `json:"items"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// OrderItemResponse — позиция заказа в API.
type OrderItemResponse struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

// OrderListResponse — страница заказов.
type OrderListResponse struct {
	Orders     []OrderResponse `json:"orders"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

// TimelineEventResponse — событие истории заказа.
type TimelineEventResponse struct {
	Type       string    `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ErrorResponse — тело ответа об ошибке.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (r CreateOrderRequest) toItems() []domain.RequestedItem {
	items := make([]domain.RequestedItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.RequestedItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return items
}

func mapOrder(order domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:          order.ID,
		CustomerID:  order.CustomerID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount.StringFixed(2),
		Items:       make([]OrderItemResponse, 0, len(order.Items)),
		Version:     order.Version,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, OrderItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			LineTotal: item.LineTotal.StringFixed(2),
		})
	}
	return resp
}

func mapPage(page domain.OrderPage) OrderListResponse {
	resp := OrderListResponse{
		Orders:     make([]OrderResponse, 0, len(page.Orders)),
		Total:      page.Total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: page.TotalPages(),
	}
	for _, order := range page.Orders {
		resp.Orders = append(resp.Orders, mapOrder(order))
	}
	return resp
}

func mapTimeline(events []domain.TimelineEvent) []TimelineEventResponse {
	resp := make([]TimelineEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, TimelineEventResponse{
			Type:       event.Type,
			Reason:     event.Reason,
			OccurredAt: event.Occurred,
		})
	}
	return resp
}
