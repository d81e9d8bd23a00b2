package order

import (
	"context"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	if id <= 0 {
		return domain.Order{}, domain.NewValidationError("order_id", "must be positive")
	}

	if cached, ok := s.cachedOrder(ctx, id); ok {
		return cached, nil
	}

	var order domain.Order
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		order, err = tx.Orders().Get(ctx, id)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.cacheOrder(ctx, order)
	return order, nil
}

// ListOrders возвращает страницу заказов, новые первыми.
func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	if filter.CustomerID < 0 {
		return domain.OrderPage{}, domain.NewValidationError("customer_id", "must be positive")
	}
	filter = filter.Normalize()

	page := domain.OrderPage{Page: filter.Page, PageSize: filter.PageSize}
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		orders, total, err := tx.Orders().List(ctx, filter)
		if err != nil {
			return err
		}
		page.Orders = orders
		page.Total = total
		return nil
	})
	if err != nil {
		return domain.OrderPage{}, err
	}
	return page, nil
}

// OrderTimeline возвращает историю заказа в хронологическом порядке.
func (s *Service) OrderTimeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error) {
	if id <= 0 {
		return nil, domain.NewValidationError("order_id", "must be positive")
	}

	var events []domain.TimelineEvent
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Orders().Get(ctx, id); err != nil {
			return err
		}
		var err error
		events, err = tx.Timeline().List(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// cachedOrder читает заказ из кэша. Ошибки кэша только логируются.
func (s *Service) cachedOrder(ctx context.Context, id int64) (domain.Order, bool) {
	if s.cache == nil {
		return domain.Order{}, false
	}

	order, ok, err := s.cache.Get(ctx, id)
	switch {
	case err != nil:
		s.metrics.RecordCacheLookup("error")
		s.logger.WithError(err).WithField("order_id", id).Warn("order cache lookup failed")
		return domain.Order{}, false
	case !ok:
		s.metrics.RecordCacheLookup("miss")
		return domain.Order{}, false
	default:
		s.metrics.RecordCacheLookup("hit")
		return order, true
	}
}

// cacheOrder кладёт в кэш только заказы в терминальном статусе:
// они больше не меняются, и снимок не может устареть.
func (s *Service) cacheOrder(ctx context.Context, order domain.Order) {
	if s.cache == nil || !order.Status.Terminal() {
		return
	}
	if err := s.cache.Set(ctx, order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("order cache update failed")
	}
}
