package order

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// TransitionOrder переводит заказ в статус target по машине состояний.
// Заказ читается с блокировкой строки, запись идёт с проверкой версии,
// поэтому устаревший запрос не может перевести отменённый заказ в оплаченный.
func (s *Service) TransitionOrder(ctx context.Context, orderID int64, target domain.OrderStatus) (domain.Order, error) {
	logger := s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"target":   target,
	})

	if orderID <= 0 {
		err := domain.NewValidationError("order_id", "must be positive")
		s.recordTransitionFailure(logger, target, err)
		return domain.Order{}, err
	}
	if !target.Valid() || target == domain.OrderStatusCreated {
		err := domain.NewValidationError("status", fmt.Sprintf("unsupported target status %q", target))
		s.recordTransitionFailure(logger, target, err)
		return domain.Order{}, err
	}

	var updated domain.Order
	err := s.retry.do(ctx, "transition_order", func(ctx context.Context) error {
		return s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			current, err := tx.Orders().GetForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if !current.Status.CanTransitionTo(target) {
				return &domain.InvalidTransitionError{OrderID: current.ID, From: current.Status, To: target}
			}

			now := s.now()
			updated, err = tx.Orders().UpdateStatus(ctx, current.ID, current.Version, target, now)
			if err != nil {
				return err
			}
			return s.recordLifecycle(ctx, tx, updated, now, "")
		})
	})
	if err != nil {
		s.recordTransitionFailure(logger, target, err)
		return domain.Order{}, err
	}

	s.metrics.RecordTransition(string(target), "ok")
	s.cacheOrder(ctx, updated)
	logger.WithField("version", updated.Version).Info("order status changed")
	return updated, nil
}

// PayOrder отмечает заказ оплаченным.
func (s *Service) PayOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	return s.TransitionOrder(ctx, orderID, domain.OrderStatusPaid)
}

// CancelOrder отменяет заказ. Остатки товаров не возвращаются.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	return s.TransitionOrder(ctx, orderID, domain.OrderStatusCancelled)
}

func (s *Service) recordTransitionFailure(logger *log.Entry, target domain.OrderStatus, err error) {
	reason := failureReason(err)
	s.metrics.RecordTransition(string(target), reason)

	entry := logger.WithError(err).WithField("reason", reason)
	if isBusinessError(err) {
		entry.Info("order transition rejected")
		return
	}
	entry.Error("order transition failed")
}
