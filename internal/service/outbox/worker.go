package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Причины попадания события в DLQ.
const (
	ReasonPublishFailed    = "publish_failed"
	ReasonMalformedPayload = "malformed_payload"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderhub_outbox_deliveries_total",
		Help: "Order event deliveries grouped by event type and result.",
	}, []string{"event_type", "result"})
	pendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderhub_outbox_pending_records",
		Help: "Order events waiting in the transactional outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderhub_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest unpublished order event.",
	})
)

// DeadLetter — сообщение DLQ: исходное событие заказа и причина отказа.
// Payload хранит исходные байты без изменений, чтобы dlq-reprocess мог
// опубликовать событие повторно.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	// Order заполнен, если payload удалось разобрать.
	Order          *domain.OrderEvent `json:"order,omitempty"`
	Reason         string             `json:"reason"`
	Attempts       int                `json:"attempts"`
	PublishError   string             `json:"publish_error"`
	DLQPublishedAt time.Time          `json:"dlq_published_at"`
}

// Report — итог одного прохода по outbox.
type Report struct {
	Delivered    int
	DeadLettered int
	// Failed — события, помеченные failed без копии в DLQ.
	Failed int
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт publisher для событий, которые не удалось доставить.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) {
		w.dlq = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithBatchSize задаёт число событий, забираемых за один проход.
func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации перед DLQ.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; далее она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay < 0 {
			delay = 0
		}
		w.retryBaseDelay = delay
	}
}

// Worker доставляет события заказов из outbox в брокер.
// Доставка at-least-once: событие помечается sent только после подтверждения брокера.
// События одного прохода публикуются строго в порядке записи.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce забирает порцию pending событий и доставляет их по очереди.
func (w *Worker) ProcessOnce(ctx context.Context) Report {
	var report Report
	if ctx.Err() != nil {
		return report
	}

	w.refreshBacklog(ctx)
	defer w.refreshBacklog(ctx)

	pending, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending order events")
		return report
	}

	for _, msg := range pending {
		if ctx.Err() != nil {
			break
		}
		switch w.deliver(ctx, msg) {
		case deliverySent:
			report.Delivered++
		case deliveryDeadLettered:
			report.DeadLettered++
		case deliveryFailed:
			report.Failed++
		}
	}
	return report
}

type delivery int

const (
	deliveryInterrupted delivery = iota
	deliverySent
	deliveryDeadLettered
	deliveryFailed
)

// deliver публикует одно событие. Неразборчивый payload сразу уходит в DLQ:
// повторная публикация его не исправит.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) delivery {
	event, decodeErr := decodeOrderEvent(msg)
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"order_id":   msg.AggregateID,
	})

	if decodeErr != nil {
		deliveriesTotal.WithLabelValues(msg.EventType, "malformed").Inc()
		logger.WithError(decodeErr).Error("order event payload is malformed")
		return w.bury(ctx, logger, DeadLetter{
			Reason:       ReasonMalformedPayload,
			PublishError: decodeErr.Error(),
		}, msg)
	}

	logger = logger.WithField("status", event.Status)
	attempts, err := w.publish(ctx, msg)
	if err == nil {
		deliveriesTotal.WithLabelValues(msg.EventType, "sent").Inc()
		if markErr := w.repo.MarkSent(ctx, msg.ID); markErr != nil {
			// Событие уйдёт повторно; потребители идемпотентны по outbox_id.
			logger.WithError(markErr).Warn("failed to mark order event as sent")
		}
		return deliverySent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return deliveryInterrupted
	}

	logger.WithError(err).WithField("attempts", attempts).Error("order event delivery failed")
	return w.bury(ctx, logger, DeadLetter{
		Order:        &event,
		Reason:       ReasonPublishFailed,
		Attempts:     attempts,
		PublishError: err.Error(),
	}, msg)
}

// publish делает до maxAttempts попыток с удвоением паузы.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(ctx, msg); lastErr == nil {
			return attempt, nil
		}
		deliveriesTotal.WithLabelValues(msg.EventType, "retry").Inc()

		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryDelay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return w.maxAttempts, fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// bury отправляет событие в DLQ и помечает его failed.
func (w *Worker) bury(ctx context.Context, logger *log.Entry, letter DeadLetter, msg domain.OutboxMessage) delivery {
	result := deliveryFailed
	if w.dlq != nil {
		letter.OutboxID = msg.ID
		letter.AggregateType = msg.AggregateType
		letter.AggregateID = msg.AggregateID
		letter.EventType = msg.EventType
		letter.Payload = rawPayload(msg.Payload)
		letter.DLQPublishedAt = w.now()

		if err := w.publishDeadLetter(ctx, letter); err != nil {
			deliveriesTotal.WithLabelValues(msg.EventType, "dlq_failed").Inc()
			logger.WithError(err).Warn("failed to publish order event to DLQ")
		} else {
			deliveriesTotal.WithLabelValues(msg.EventType, "dead_lettered").Inc()
			result = deliveryDeadLettered
		}
	}

	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("failed to mark order event as failed")
	}
	return result
}

func (w *Worker) publishDeadLetter(ctx context.Context, letter DeadLetter) error {
	payload, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	err = w.dlq.Publish(ctx, domain.OutboxMessage{
		ID:            letter.OutboxID,
		AggregateType: letter.AggregateType,
		AggregateID:   letter.AggregateID,
		EventType:     letter.EventType,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	pendingEvents.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}

// decodeOrderEvent разбирает payload и сверяет его с метаданными сообщения.
func decodeOrderEvent(msg domain.OutboxMessage) (domain.OrderEvent, error) {
	var event domain.OrderEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return domain.OrderEvent{}, fmt.Errorf("decode order event: %w", err)
	}
	if event.OrderID <= 0 {
		return domain.OrderEvent{}, errors.New("order event has no order_id")
	}
	if !event.Status.Valid() {
		return domain.OrderEvent{}, fmt.Errorf("order event has unknown status %q", event.Status)
	}
	if event.EventType != msg.EventType {
		return domain.OrderEvent{}, fmt.Errorf("order event type %q does not match message type %q", event.EventType, msg.EventType)
	}
	return event, nil
}

// rawPayload сохраняет исходные байты в DLQ; невалидный JSON кодируется строкой.
func rawPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return json.RawMessage(quoted)
}
