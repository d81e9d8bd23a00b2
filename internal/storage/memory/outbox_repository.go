package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	status     string
	attemptCnt int
	createdAt  time.Time
	updatedAt  time.Time
}

func (r outboxRecord) clone() outboxRecord {
	cp := r
	cp.msg.Payload = append([]byte(nil), r.msg.Payload...)
	return cp
}

func enqueue(st *state, msg domain.OutboxMessage) domain.OutboxMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	st.outbox[msg.ID] = outboxRecord{
		msg:       msg,
		status:    outboxStatusPending,
		createdAt: now,
		updatedAt: now,
	}
	st.outboxSeq = append(st.outboxSeq, msg.ID)
	return msg
}

// outboxWriter пишет события в outbox в рамках транзакции заказа.
type outboxWriter struct {
	st *state
}

// Enqueue сохраняет событие со статусом `pending`.
func (w outboxWriter) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return enqueue(w.st, msg), nil
}

// outboxRepository — доступ outbox worker-а к сообщениям вне транзакций заказа.
type outboxRepository struct {
	store *Store
}

// Outbox возвращает репозиторий outbox для воркера публикации.
func (s *Store) Outbox() domain.OutboxRepository {
	return &outboxRepository{store: s}
}

func (r *outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return enqueue(r.store.st, msg), nil
}

// PullPending возвращает до limit сообщений `pending` в порядке постановки.
func (r *outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]domain.OutboxMessage, 0, limit)
	for _, id := range r.store.st.outboxSeq {
		rec := r.store.st.outbox[id]
		if rec.status != outboxStatusPending {
			continue
		}
		result = append(result, rec.clone().msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *outboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var stats domain.OutboxStats
	for _, rec := range r.store.st.outbox {
		if rec.status != outboxStatusPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.createdAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.createdAt
		}
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.markStatus(id, outboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.markStatus(id, outboxStatusFailed)
}

func (r *outboxRepository) markStatus(id, status string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, ok := r.store.st.outbox[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOutboxMessageNotFound, id)
	}
	record.status = status
	record.attemptCnt++
	record.updatedAt = time.Now().UTC()
	r.store.st.outbox[id] = record
	return nil
}

var (
	_ domain.OutboxWriter     = outboxWriter{}
	_ domain.OutboxRepository = (*outboxRepository)(nil)
)
