package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

type idempotencyRepository struct {
	q queryer
}

// Reserve вставляет запись processing через ON CONFLICT DO NOTHING.
// Конкурентная транзакция с тем же ключом ждёт на первичном ключе,
// пока первая не завершится, и затем видит её итог.
// Нулевой expiresAt пишется как NULL: такую запись очистка не удаляет.
func (r idempotencyRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, bool, error) {
	now := time.Now().UTC()
	expires := sql.NullTime{Time: expiresAt, Valid: !expiresAt.IsZero()}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (key) DO NOTHING
	`, key, requestHash, string(domain.IdempotencyStatusProcessing), expires, now)
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 1 {
		return domain.IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			Status:      domain.IdempotencyStatusProcessing,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, true, nil
	}

	record, err := r.get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return record, false, nil
}

func (r idempotencyRepository) Complete(ctx context.Context, key string, orderID int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1,
		    order_id = $2,
		    updated_at = NOW()
		WHERE key = $3
		  AND status = $4
	`, string(domain.IdempotencyStatusDone), orderID, key, string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: key=%s", domain.ErrIdempotencyKeyNotFound, key)
	}
	return nil
}

func (r idempotencyRepository) get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	var (
		record  domain.IdempotencyRecord
		status  string
		orderID sql.NullInt64
		expires sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT key, request_hash, status, order_id, expires_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(
		&record.Key, &record.RequestHash, &status, &orderID,
		&expires, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, fmt.Errorf("%w: key=%s", domain.ErrIdempotencyKeyNotFound, key)
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", status, key)
	}
	if orderID.Valid {
		record.OrderID = orderID.Int64
	}
	if expires.Valid {
		record.ExpiresAt = expires.Time.UTC()
	}
	return record, nil
}

// DeleteExpired удаляет завершённые записи журнала с expires_at <= before.
// Записи processing не трогаются: их держит живая транзакция.
// Бессрочные записи (expires_at IS NULL) под условие не попадают.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE key IN (
				SELECT key
				FROM idempotency_keys
				WHERE expires_at IS NOT NULL
				  AND expires_at <= $1
				  AND status = $2
				ORDER BY expires_at ASC
				LIMIT $3
			)
		`, before, string(domain.IdempotencyStatusDone), limit)
	} else {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE expires_at IS NOT NULL
			  AND expires_at <= $1
			  AND status = $2
		`, before, string(domain.IdempotencyStatusDone))
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

var (
	_ domain.IdempotencyRepository = idempotencyRepository{}
	_ domain.IdempotencyJanitor    = (*Store)(nil)
)
