package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// Outcome — результат сверки ключа с журналом.
type Outcome int

const (
	// OutcomeFresh — ключ новый и занят текущей транзакцией.
	OutcomeFresh Outcome = iota + 1
	// OutcomeReplay — запрос уже выполнен, нужно вернуть сохранённый заказ.
	OutcomeReplay
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFresh:
		return "fresh"
	case OutcomeReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// Resolution описывает решение журнала по ключу.
type Resolution struct {
	Outcome Outcome
	// OrderID заполнен для OutcomeReplay.
	OrderID int64
}

// OrderLookup находит заказ, созданный с данным ключом.
// Нужен, чтобы пережить удаление записи журнала по сроку хранения.
type OrderLookup interface {
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, bool, error)
}

// Ledger — журнал идемпотентности поверх транзакционного хранилища.
// Сам журнал состояния не держит: источник истины только хранилище.
type Ledger struct {
	retention time.Duration
	now       func() time.Time
}

// NewLedger создаёт журнал. retention > 0 проставляет записям срок хранения,
// после которого их может удалить Sweeper; retention <= 0 хранит записи бессрочно.
func NewLedger(retention time.Duration) *Ledger {
	if retention < 0 {
		retention = 0
	}
	return &Ledger{
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Retention возвращает срок хранения записей; 0 — бессрочно.
func (l *Ledger) Retention() time.Duration {
	return l.retention
}

func (l *Ledger) expiresAt() time.Time {
	if l.retention == 0 {
		return time.Time{}
	}
	return l.now().Add(l.retention)
}

// Resolve сверяет ключ с журналом в рамках транзакции repo.
// Для нового ключа запись резервируется, и вызывающий обязан вызвать Complete
// в той же транзакции. Если записи нет, но заказ с этим ключом уже существует
// (запись удалена по сроку хранения), запись восстанавливается по заказу.
func (l *Ledger) Resolve(ctx context.Context, repo domain.IdempotencyRepository, orders OrderLookup, key, fingerprint string) (Resolution, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Resolution{}, domain.NewValidationError("idempotency_key", "is required")
	}
	if fingerprint == "" {
		return Resolution{}, domain.NewValidationError("fingerprint", "is required")
	}

	record, created, err := repo.Reserve(ctx, key, fingerprint, l.expiresAt())
	if err != nil {
		return Resolution{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if created {
		return l.restore(ctx, repo, orders, key, fingerprint)
	}

	if record.RequestHash != fingerprint {
		return Resolution{}, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyConflict)
	}
	if !record.Completed() {
		return Resolution{}, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyInFlight)
	}

	return Resolution{Outcome: OutcomeReplay, OrderID: record.OrderID}, nil
}

// restore проверяет, не создан ли заказ с ключом раньше, чем появилась запись.
func (l *Ledger) restore(ctx context.Context, repo domain.IdempotencyRepository, orders OrderLookup, key, fingerprint string) (Resolution, error) {
	if orders == nil {
		return Resolution{Outcome: OutcomeFresh}, nil
	}

	existing, found, err := orders.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return Resolution{}, fmt.Errorf("find order by idempotency key: %w", err)
	}
	if !found {
		return Resolution{Outcome: OutcomeFresh}, nil
	}

	if Fingerprint(existing.CustomerID, existing.Requested()) != fingerprint {
		return Resolution{}, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyConflict)
	}
	if err := l.Complete(ctx, repo, key, existing.ID); err != nil {
		return Resolution{}, err
	}
	return Resolution{Outcome: OutcomeReplay, OrderID: existing.ID}, nil
}

// Complete связывает зарезервированный ключ с созданным заказом.
func (l *Ledger) Complete(ctx context.Context, repo domain.IdempotencyRepository, key string, orderID int64) error {
	if err := repo.Complete(ctx, strings.TrimSpace(key), orderID); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Fingerprint считает отпечаток запроса: клиент и мультимножество позиций.
// Порядок позиций в запросе на результат не влияет.
func Fingerprint(customerID int64, items []domain.RequestedItem) string {
	sorted := append([]domain.RequestedItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ProductID != sorted[j].ProductID {
			return sorted[i].ProductID < sorted[j].ProductID
		}
		return sorted[i].Quantity < sorted[j].Quantity
	})

	var b strings.Builder
	b.WriteString("customer=")
	b.WriteString(strconv.FormatInt(customerID, 10))
	b.WriteString(";items=")
	for _, item := range sorted {
		b.WriteString(strconv.FormatInt(item.ProductID, 10))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(item.Quantity))
		b.WriteByte(',')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
