package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
	"github.com/vladislavdragonenkov/orderhub/internal/service/idempotency"
)

const (
	// maxIdempotencyKeyLength ограничивает длину ключа (колонка VARCHAR(255)).
	maxIdempotencyKeyLength = 255
	// maxItemQuantity — верхняя граница количества (колонка INTEGER).
	maxItemQuantity = math.MaxInt32
)

// CreateOrderCommand — запрос на создание заказа.
type CreateOrderCommand struct {
	CustomerID     int64
	Items          []domain.RequestedItem
	IdempotencyKey string
}

// CreateOrderResult — созданный или ранее сохранённый заказ.
type CreateOrderResult struct {
	Order domain.Order
	// Replayed = true, если заказ возвращён из журнала идемпотентности.
	Replayed bool
}

// validate проверяет форму запроса до обращения к хранилищу.
func (c CreateOrderCommand) validate() error {
	key := strings.TrimSpace(c.IdempotencyKey)
	if key == "" {
		return domain.NewValidationError("idempotency_key", "is required")
	}
	if len(key) > maxIdempotencyKeyLength {
		return domain.NewValidationError("idempotency_key", fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLength))
	}
	if c.CustomerID <= 0 {
		return domain.NewValidationError("customer_id", "must be positive")
	}
	if len(c.Items) == 0 {
		return domain.NewValidationError("items", "must contain at least one item")
	}

	seen := make(map[int64]struct{}, len(c.Items))
	for i, item := range c.Items {
		if item.ProductID <= 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "must be positive")
		}
		if item.Quantity <= 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be greater than zero")
		}
		if item.Quantity > maxItemQuantity {
			return domain.NewValidationError(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("must be at most %d", maxItemQuantity))
		}
		if _, dup := seen[item.ProductID]; dup {
			return domain.NewValidationError(fmt.Sprintf("items[%d].product_id", i),
				fmt.Sprintf("duplicate product %d in one request", item.ProductID))
		}
		seen[item.ProductID] = struct{}{}
	}
	return nil
}

// CreateOrder создаёт заказ идемпотентно и атомарно.
// Повтор с тем же ключом и тем же запросом возвращает ранее созданный заказ,
// с тем же ключом и другим запросом завершается ErrIdempotencyConflict.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	started := time.Now()
	s.metrics.RecordCreateStarted()
	defer func() { s.metrics.RecordCreateFinished(time.Since(started)) }()

	cmd.IdempotencyKey = strings.TrimSpace(cmd.IdempotencyKey)
	logger := s.logger.WithFields(log.Fields{
		"idempotency_key": cmd.IdempotencyKey,
		"customer_id":     cmd.CustomerID,
	})

	if err := cmd.validate(); err != nil {
		s.recordCreateFailure(logger, err)
		return CreateOrderResult{}, err
	}
	fingerprint := idempotency.Fingerprint(cmd.CustomerID, cmd.Items)

	var result CreateOrderResult
	err := s.retry.do(ctx, "create_order", func(ctx context.Context) error {
		return s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			resolution, err := s.ledger.Resolve(ctx, tx.Idempotency(), tx.Orders(), cmd.IdempotencyKey, fingerprint)
			if err != nil {
				return err
			}

			if resolution.Outcome == idempotency.OutcomeReplay {
				stored, err := tx.Orders().Get(ctx, resolution.OrderID)
				if err != nil {
					return fmt.Errorf("load order %d for idempotency key: %w", resolution.OrderID, err)
				}
				result = CreateOrderResult{Order: stored, Replayed: true}
				return nil
			}

			created, err := s.placeOrder(ctx, tx, cmd)
			if err != nil {
				return err
			}
			result = CreateOrderResult{Order: created}
			return nil
		})
	})
	if err != nil {
		s.recordCreateFailure(logger, err)
		return CreateOrderResult{}, err
	}

	logger = logger.WithField("order_id", result.Order.ID)
	if result.Replayed {
		s.metrics.RecordOrderReplayed()
		logger.Info("create order replayed from idempotency ledger")
		return result, nil
	}

	units := 0
	for _, item := range result.Order.Items {
		units += item.Quantity
	}
	s.metrics.RecordOrderCreated(units)
	logger.WithFields(log.Fields{
		"items":        len(result.Order.Items),
		"total_amount": result.Order.TotalAmount.StringFixed(2),
	}).Info("order created")

	return result, nil
}

// placeOrder выполняет проверки и запись заказа внутри транзакции.
// Любая ошибка откатывает транзакцию целиком.
func (s *Service) placeOrder(ctx context.Context, tx domain.Tx, cmd CreateOrderCommand) (domain.Order, error) {
	customer, err := tx.Customers().Get(ctx, cmd.CustomerID)
	if err != nil {
		return domain.Order{}, err
	}
	if !customer.Active {
		return domain.Order{}, domain.NewValidationError("customer_id", fmt.Sprintf("customer %d is inactive", customer.ID))
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, requested := range cmd.Items {
		product, err := tx.Products().Get(ctx, requested.ProductID)
		if err != nil {
			return domain.Order{}, err
		}
		if !product.Active {
			return domain.Order{}, domain.NewValidationError("product_id", fmt.Sprintf("product %d is inactive", product.ID))
		}
		if product.Stock < requested.Quantity {
			return domain.Order{}, &domain.InsufficientStockError{
				ProductID: product.ID,
				Requested: requested.Quantity,
				Available: product.Stock,
			}
		}
		items = append(items, domain.NewOrderItem(product.ID, product.Price, requested.Quantity))
	}

	now := s.now()
	order := domain.Order{
		CustomerID:     cmd.CustomerID,
		TotalAmount:    domain.SumItems(items),
		Status:         domain.OrderStatusCreated,
		IdempotencyKey: cmd.IdempotencyKey,
		Items:          items,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	if err := tx.Orders().Create(ctx, &order); err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	// Списываем по возрастанию product_id: одинаковый порядок блокировок
	// у конкурентных транзакций исключает взаимоблокировки.
	reservations := append([]domain.RequestedItem(nil), cmd.Items...)
	sort.Slice(reservations, func(i, j int) bool { return reservations[i].ProductID < reservations[j].ProductID })
	for _, r := range reservations {
		if err := tx.Products().ReserveStock(ctx, r.ProductID, r.Quantity); err != nil {
			return domain.Order{}, err
		}
	}

	if err := s.ledger.Complete(ctx, tx.Idempotency(), cmd.IdempotencyKey, order.ID); err != nil {
		return domain.Order{}, err
	}
	if err := s.recordLifecycle(ctx, tx, order, now, ""); err != nil {
		return domain.Order{}, err
	}

	return order, nil
}

// recordLifecycle пишет событие timeline и outbox в той же транзакции.
func (s *Service) recordLifecycle(ctx context.Context, tx domain.Tx, order domain.Order, at time.Time, reason string) error {
	if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelineTypeForStatus(order.Status),
		Reason:   reason,
		Occurred: at,
	}); err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}

	msg, err := domain.NewOrderOutboxMessage(order, at)
	if err != nil {
		return fmt.Errorf("build outbox message: %w", err)
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	return nil
}

func (s *Service) recordCreateFailure(logger *log.Entry, err error) {
	reason := failureReason(err)
	s.metrics.RecordCreateFailed(reason)

	entry := logger.WithError(err).WithField("reason", reason)
	if isBusinessError(err) {
		entry.Info("create order rejected")
		return
	}
	entry.Error("create order failed")
}
