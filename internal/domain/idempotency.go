package domain

import "time"

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что ключ зарезервирован текущей транзакцией.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что заказ по ключу создан и запись больше не меняется.
	IdempotencyStatusDone IdempotencyStatus = "done"
)

// IdempotencyRecord связывает ключ идемпотентности с отпечатком запроса и созданным заказом.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      IdempotencyStatus
	// OrderID заполняется вместе с переходом в done.
	OrderID   int64
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone:
		return true
	default:
		return false
	}
}

// Completed сообщает, что запись уже указывает на созданный заказ.
func (r IdempotencyRecord) Completed() bool {
	return r.Status == IdempotencyStatusDone && r.OrderID > 0
}
