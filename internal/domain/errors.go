package domain

import (
	"errors"
	"fmt"
)

// Категории ошибок. Конкретные ошибки оборачивают одну из них,
// поэтому вызывающая сторона проверяет категорию через errors.Is.
var (
	// ErrValidation — некорректный ввод клиента.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound — сущность, на которую ссылается запрос, не существует.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock — остатка товара не хватает для запрошенного количества.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrIdempotencyConflict — ключ идемпотентности переиспользован с другим запросом.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrInvalidTransition — переход статуса из терминального состояния.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrTransient — инфраструктурный сбой без бизнес-смысла, запрос можно повторить
	// с тем же ключом идемпотентности.
	ErrTransient = errors.New("transient failure")
)

var (
	// ErrCustomerNotFound возвращается, если клиент не найден.
	ErrCustomerNotFound = fmt.Errorf("customer %w", ErrNotFound)
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrIdempotencyKeyNotFound возвращается, если запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = fmt.Errorf("idempotency key %w", ErrNotFound)

	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = fmt.Errorf("order version conflict: %w", ErrTransient)
	// ErrIdempotencyInFlight — запрос с тем же ключом ещё обрабатывается.
	ErrIdempotencyInFlight = fmt.Errorf("idempotency key is being processed: %w", ErrTransient)
)

// ValidationError описывает конкретное нарушение входных данных.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is относит ошибку к категории ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError создаёт ошибку валидации для поля.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientStockError называет товар и соотношение запрошено/доступно.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Is относит ошибку к категории ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidTransitionError описывает запрещённый переход статуса заказа.
type InvalidTransitionError struct {
	OrderID int64
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %d: cannot transition from %s to %s", e.OrderID, e.From, e.To)
}

// Is относит ошибку к категории ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsValidation проверяет, является ли ошибка ошибкой валидации.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound проверяет, ссылается ли ошибка на отсутствующую сущность.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInsufficientStock проверяет нехватку остатка.
func IsInsufficientStock(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

// IsIdempotencyConflict проверяет повторное использование ключа с другим запросом.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyConflict)
}

// IsInvalidTransition проверяет запрещённый переход статуса.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsTransient проверяет, что ошибка временная и запрос можно повторить.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// MarkTransient оборачивает инфраструктурную ошибку категорией ErrTransient.
func MarkTransient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
