package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

type idempotencyRepository struct {
	st *state
}

// Reserve создаёт запись processing или возвращает уже существующую.
func (r idempotencyRepository) Reserve(_ context.Context, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, bool, error) {
	if existing, ok := r.st.idempotency[key]; ok {
		return existing, false, nil
	}

	now := time.Now().UTC()
	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.st.idempotency[key] = record
	return record, true, nil
}

// Complete переводит запись в done. Завершённая запись больше не меняется.
func (r idempotencyRepository) Complete(_ context.Context, key string, orderID int64) error {
	record, ok := r.st.idempotency[key]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrIdempotencyKeyNotFound, key)
	}
	if record.Status == domain.IdempotencyStatusDone {
		return fmt.Errorf("idempotency key %s is already completed", key)
	}

	record.Status = domain.IdempotencyStatusDone
	record.OrderID = orderID
	record.UpdatedAt = time.Now().UTC()
	r.st.idempotency[key] = record
	return nil
}

var _ domain.IdempotencyRepository = idempotencyRepository{}
