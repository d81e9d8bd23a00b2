package order

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
	"github.com/vladislavdragonenkov/orderhub/internal/metrics"
	"github.com/vladislavdragonenkov/orderhub/internal/service/idempotency"
)

// Cache — кэш снимков заказов. Промах или ошибка кэша никогда не влияют
// на результат: источником истины остаётся хранилище.
type Cache interface {
	Get(ctx context.Context, id int64) (domain.Order, bool, error)
	Set(ctx context.Context, order domain.Order) error
}

// Service реализует создание заказов и смену их статусов.
type Service struct {
	uow     domain.UnitOfWork
	ledger  *idempotency.Ledger
	cache   Cache
	metrics *metrics.OrderMetrics
	retry   retrier
	logger  *log.Entry
	now     func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics задаёт метрики сервиса.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLedger задаёт журнал идемпотентности.
func WithLedger(ledger *idempotency.Ledger) Option {
	return func(s *Service) {
		if ledger != nil {
			s.ledger = ledger
		}
	}
}

// WithCache подключает кэш заказов.
func WithCache(cache Cache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithRetry задаёт повторы при временных сбоях хранилища.
func WithRetry(config RetryConfig) Option {
	return func(s *Service) {
		s.retry.config = config.normalize()
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис заказов поверх транзакционного хранилища.
func NewService(uow domain.UnitOfWork, options ...Option) *Service {
	s := &Service{
		uow:    uow,
		ledger: idempotency.NewLedger(0),
		retry:  retrier{config: DefaultRetryConfig()},
		logger: log.WithField("component", "order-service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())
	}
	s.retry.logger = s.logger
	return s
}

// failureReason сводит ошибку к метке reason для метрик.
func failureReason(err error) string {
	switch {
	case domain.IsValidation(err):
		return metrics.ReasonValidation
	case domain.IsNotFound(err):
		return metrics.ReasonNotFound
	case domain.IsInsufficientStock(err):
		return metrics.ReasonInsufficientStock
	case domain.IsIdempotencyConflict(err):
		return metrics.ReasonIdempotencyConflict
	case domain.IsInvalidTransition(err):
		return metrics.ReasonInvalidTransition
	case domain.IsTransient(err):
		return metrics.ReasonTransient
	default:
		return metrics.ReasonInternal
	}
}

// isBusinessError отличает отказ по бизнес-правилу от сбоя инфраструктуры.
func isBusinessError(err error) bool {
	switch failureReason(err) {
	case metrics.ReasonTransient, metrics.ReasonInternal:
		return false
	default:
		return true
	}
}
