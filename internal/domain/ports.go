package domain

import (
	"context"
	"time"
)

// UnitOfWork выполняет fn в одной транзакции хранилища.
// Если fn возвращает ошибку, все изменения откатываются.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx даёт доступ к репозиториям в рамках одной транзакции.
type Tx interface {
	Customers() CustomerRepository
	Products() ProductRepository
	Orders() OrderRepository
	Idempotency() IdempotencyRepository
	Timeline() TimelineRepository
	Outbox() OutboxWriter
}

// CustomerRepository — данные клиентов, нужные для оформления заказа.
type CustomerRepository interface {
	// Get возвращает клиента или ErrCustomerNotFound.
	Get(ctx context.Context, id int64) (Customer, error)
}

// ProductRepository — данные каталога, нужные для оформления заказа.
type ProductRepository interface {
	// Get возвращает текущие цену и остаток товара или ErrProductNotFound.
	Get(ctx context.Context, id int64) (Product, error)
	// ReserveStock атомарно уменьшает остаток на qty, если его хватает.
	// При нехватке возвращает *InsufficientStockError, остаток не меняется.
	ReserveStock(ctx context.Context, id int64, qty int) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет заказ с позициями и проставляет идентификаторы.
	Create(ctx context.Context, order *Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id int64) (Order, error)
	// FindByIdempotencyKey ищет заказ по ключу идемпотентности, с которым он создан.
	FindByIdempotencyKey(ctx context.Context, key string) (order Order, found bool, err error)
	// GetForUpdate возвращает заказ и блокирует его до конца транзакции.
	GetForUpdate(ctx context.Context, id int64) (Order, error)
	// List возвращает страницу заказов и общее количество по фильтру.
	List(ctx context.Context, filter OrderFilter) ([]Order, int, error)
	// UpdateStatus меняет статус с учётом optimistic locking: запись обновляется,
	// только если её версия равна expectedVersion. Иначе ErrOrderVersionConflict.
	UpdateStatus(ctx context.Context, id, expectedVersion int64, status OrderStatus, at time.Time) (Order, error)
}

// IdempotencyRepository хранит записи журнала идемпотентности.
type IdempotencyRepository interface {
	// Reserve создаёт запись processing для ключа либо возвращает существующую.
	// created=true означает, что ключ занят текущей транзакцией.
	// Нулевой expiresAt — запись хранится бессрочно.
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (record IdempotencyRecord, created bool, err error)
	// Complete связывает ключ с созданным заказом и переводит запись в done.
	Complete(ctx context.Context, key string, orderID int64) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID int64) ([]TimelineEvent, error)
}

// OutboxWriter сохраняет события для последующей публикации.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// OutboxRepository используется outbox worker-ом вне транзакций заказа.
type OutboxRepository interface {
	OutboxWriter
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// IdempotencyJanitor удаляет завершённые записи журнала с истёкшим сроком хранения.
// Бессрочные записи (без expires_at) не удаляются никогда.
type IdempotencyJanitor interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
