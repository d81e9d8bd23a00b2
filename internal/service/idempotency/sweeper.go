package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

const (
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepBatchSize = 500
)

var (
	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderhub_idempotency_sweeps_total",
		Help: "Idempotency ledger retention sweeps grouped by result.",
	}, []string{"result"})
	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderhub_idempotency_sweep_deleted_total",
		Help: "Ledger records removed after their retention period.",
	})
)

// SweepReport — итог одного прохода очистки.
type SweepReport struct {
	// Cutoff — удалены записи с expires_at <= Cutoff.
	Cutoff  time.Time
	Deleted int
	Batches int
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger задаёт логгер.
func WithSweepLogger(logger *log.Entry) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepInterval задаёт паузу между проходами.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweepBatchSize ограничивает число записей, удаляемых одним запросом.
func WithSweepBatchSize(size int) SweeperOption {
	return func(s *Sweeper) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// Sweeper удаляет записи журнала, чей срок хранения истёк.
// Работает только при включённом сроке хранения: бессрочные записи хранилище не отдаёт.
// Повтор запроса после удаления записи по-прежнему возвращает исходный заказ:
// Ledger.Resolve восстанавливает запись по orders.idempotency_key.
type Sweeper struct {
	repo      domain.IdempotencyJanitor
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweeper создаёт Sweeper поверх хранилища журнала.
func NewSweeper(repo domain.IdempotencyJanitor, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repo:      repo,
		logger:    log.WithField("component", "idempotency-sweeper"),
		interval:  defaultSweepInterval,
		batchSize: defaultSweepBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет проходы очистки до отмены ctx. Первый проход — сразу при старте.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("idempotency sweeper is disabled: no ledger storage")
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	report, err := s.Sweep(ctx, s.now())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		sweepsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).WithField("deleted", report.Deleted).Warn("idempotency sweep failed")
		return
	}

	sweepsTotal.WithLabelValues("ok").Inc()
	if report.Deleted == 0 {
		return
	}
	s.logger.WithFields(log.Fields{
		"deleted": report.Deleted,
		"batches": report.Batches,
		"cutoff":  report.Cutoff.Format(time.RFC3339),
	}).Info("expired idempotency records removed")
}

// Sweep удаляет порциями все завершённые записи с expires_at <= now.
// Частичный результат возвращается и при ошибке.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	if now.IsZero() {
		now = s.now()
	}
	report := SweepReport{Cutoff: now}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		deleted, err := s.repo.DeleteExpired(ctx, now, s.batchSize)
		if err != nil {
			return report, err
		}
		report.Batches++
		report.Deleted += deleted
		sweepDeletedTotal.Add(float64(deleted))

		if deleted < s.batchSize {
			return report, nil
		}
	}
}
