package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
	"github.com/vladislavdragonenkov/orderhub/internal/service/order"
)

const (
	// HeaderIdempotencyKey — ключ идемпотентности запроса на создание.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplayed выставляется, если заказ возвращён из журнала.
	HeaderIdempotentReplayed = "Idempotent-Replayed"

	maxRequestBodyBytes = 1 << 20
)

// OrderService — операции, которые HTTP API вызывает у сервиса заказов.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd order.CreateOrderCommand) (order.CreateOrderResult, error)
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error)
	OrderTimeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error)
	PayOrder(ctx context.Context, id int64) (domain.Order, error)
	CancelOrder(ctx context.Context, id int64) (domain.Order, error)
}

// Handler обрабатывает запросы к заказам.
type Handler struct {
	orders   OrderService
	validate *validator.Validate
	logger   *log.Entry
}

// NewHandler создаёт обработчик поверх сервиса заказов.
func NewHandler(orders OrderService, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{
		orders:   orders,
		validate: newValidator(),
		logger:   logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// В сообщениях об ошибках используем имена полей из JSON.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateOrder обрабатывает POST /api/v1/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, validationMessage(err))
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, HeaderIdempotencyKey+" header is required")
		return
	}

	result, err := h.orders.CreateOrder(r.Context(), order.CreateOrderCommand{
		CustomerID:     req.CustomerID,
		Items:          req.toItems(),
		IdempotencyKey: key,
	})
	if err != nil {
		h.logFailure(r, "create order", err)
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/orders/%d", result.Order.ID))
	if result.Replayed {
		w.Header().Set(HeaderIdempotentReplayed, "true")
		writeJSON(w, http.StatusOK, mapOrder(result.Order))
		return
	}
	writeJSON(w, http.StatusCreated, mapOrder(result.Order))
}

// GetOrder обрабатывает GET /api/v1/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	o, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.logFailure(r, "get order", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrder(o))
}

// ListOrders обрабатывает GET /api/v1/orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter domain.OrderFilter
	var err error
	if filter.CustomerID, err = int64Query(query.Get("customer_id")); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "customer_id: "+err.Error())
		return
	}
	if filter.Page, err = intQuery(query.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "page: "+err.Error())
		return
	}
	if filter.PageSize, err = intQuery(query.Get("page_size")); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "page_size: "+err.Error())
		return
	}

	page, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		h.logFailure(r, "list orders", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page))
}

// OrderTimeline обрабатывает GET /api/v1/orders/{id}/timeline.
func (h *Handler) OrderTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	events, err := h.orders.OrderTimeline(r.Context(), id)
	if err != nil {
		h.logFailure(r, "order timeline", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapTimeline(events))
}

// PayOrder обрабатывает POST /api/v1/orders/{id}/pay.
func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pay order", h.orders.PayOrder)
}

// CancelOrder обрабатывает POST /api/v1/orders/{id}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel order", h.orders.CancelOrder)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, operation string, fn func(context.Context, int64) (domain.Order, error)) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	o, err := fn(r.Context(), id)
	if err != nil {
		h.logFailure(r, operation, err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrder(o))
}

// logFailure пишет в лог только сбои: отказы по бизнес-правилам ожидаемы.
func (h *Handler) logFailure(r *http.Request, operation string, err error) {
	status, _ := errorStatus(err)
	if status < http.StatusInternalServerError {
		return
	}
	h.logger.WithError(err).WithFields(log.Fields{
		"operation":  operation,
		"request_id": middleware.GetReqID(r.Context()),
	}).Error("request failed")
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, fmt.Sprintf("invalid order id %q", raw))
		return 0, false
	}
	return id, true
}

func int64Query(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return v, nil
}

func intQuery(raw string) (int, error) {
	v, err := int64Query(raw)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
