package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// state — полный снимок данных in-memory хранилища.
type state struct {
	customers   map[int64]domain.Customer
	products    map[int64]domain.Product
	orders      map[int64]domain.Order
	idempotency map[string]domain.IdempotencyRecord
	timeline    map[int64][]domain.TimelineEvent
	outbox      map[string]outboxRecord
	outboxSeq   []string

	nextCustomerID int64
	nextProductID  int64
	nextOrderID    int64
	nextItemID     int64
}

func newState() *state {
	return &state{
		customers:   make(map[int64]domain.Customer),
		products:    make(map[int64]domain.Product),
		orders:      make(map[int64]domain.Order),
		idempotency: make(map[string]domain.IdempotencyRecord),
		timeline:    make(map[int64][]domain.TimelineEvent),
		outbox:      make(map[string]outboxRecord),
	}
}

// clone делает глубокую копию состояния для транзакции.
func (s *state) clone() *state {
	cp := &state{
		customers:      make(map[int64]domain.Customer, len(s.customers)),
		products:       make(map[int64]domain.Product, len(s.products)),
		orders:         make(map[int64]domain.Order, len(s.orders)),
		idempotency:    make(map[string]domain.IdempotencyRecord, len(s.idempotency)),
		timeline:       make(map[int64][]domain.TimelineEvent, len(s.timeline)),
		outbox:         make(map[string]outboxRecord, len(s.outbox)),
		outboxSeq:      append([]string(nil), s.outboxSeq...),
		nextCustomerID: s.nextCustomerID,
		nextProductID:  s.nextProductID,
		nextOrderID:    s.nextOrderID,
		nextItemID:     s.nextItemID,
	}
	for id, c := range s.customers {
		cp.customers[id] = c
	}
	for id, p := range s.products {
		cp.products[id] = p
	}
	for id, o := range s.orders {
		cp.orders[id] = o.Clone()
	}
	for key, r := range s.idempotency {
		cp.idempotency[key] = r
	}
	for id, events := range s.timeline {
		cp.timeline[id] = append([]domain.TimelineEvent(nil), events...)
	}
	for id, r := range s.outbox {
		cp.outbox[id] = r.clone()
	}
	return cp
}

// Store — in-memory хранилище для локальной разработки и тестов.
// Транзакции сериализуются одним мьютексом и работают на копии состояния,
// которая заменяет текущую только при успешном завершении.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{st: newState()}
}

// WithinTx выполняет fn атомарно: либо применяются все изменения, либо ни одно.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.MarkTransient(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &txView{st: work}); err != nil {
		return err
	}
	// Вызывающий мог отказаться от запроса до фиксации.
	if err := ctx.Err(); err != nil {
		return domain.MarkTransient(err)
	}

	s.st = work
	return nil
}

// Ping всегда успешен: хранилище живёт в памяти процесса.
func (s *Store) Ping(context.Context) error {
	return nil
}

// AddCustomer добавляет клиента и возвращает его с присвоенным ID.
func (s *Store) AddCustomer(c domain.Customer) domain.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addCustomer(c)
}

func (s *Store) addCustomer(c domain.Customer) domain.Customer {
	if c.ID == 0 {
		s.st.nextCustomerID++
		c.ID = s.st.nextCustomerID
	} else if c.ID > s.st.nextCustomerID {
		s.st.nextCustomerID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.st.customers[c.ID] = c
	return c
}

// AddProduct добавляет товар и возвращает его с присвоенным ID.
func (s *Store) AddProduct(p domain.Product) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addProduct(p)
}

func (s *Store) addProduct(p domain.Product) domain.Product {
	if p.ID == 0 {
		s.st.nextProductID++
		p.ID = s.st.nextProductID
	} else if p.ID > s.st.nextProductID {
		s.st.nextProductID = p.ID
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.st.products[p.ID] = p
	return p
}

// Product возвращает снимок товара вне транзакции.
func (s *Store) Product(id int64) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.products[id]
	return p, ok
}

// SetProductPrice меняет цену товара. Уже созданные заказы это не затрагивает.
func (s *Store) SetProductPrice(id int64, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.st.products[id]; ok {
		p.Price = price
		p.UpdatedAt = time.Now().UTC()
		s.st.products[id] = p
	}
}

// Counts возвращает число заказов и записей журнала идемпотентности.
func (s *Store) Counts() (orders, ledgerRecords int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.st.orders), len(s.st.idempotency)
}

// DeleteExpired удаляет завершённые записи журнала с expires_at <= before.
// Записи без срока хранения не трогает.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, record := range s.st.idempotency {
		if record.ExpiresAt.IsZero() || record.ExpiresAt.After(before) || !record.Completed() {
			continue
		}
		delete(s.st.idempotency, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

// txView предоставляет репозитории поверх копии состояния транзакции.
type txView struct {
	st *state
}

func (t *txView) Customers() domain.CustomerRepository { return customerRepository{st: t.st} }
func (t *txView) Products() domain.ProductRepository { return productRepository{st: t.st} }
func (t *txView) Orders() domain.OrderRepository { return orderRepository{st: t.st} }
func (t *txView) Idempotency() domain.IdempotencyRepository { return idempotencyRepository{st: t.st} }
func (t *txView) Timeline() domain.TimelineRepository { return timelineRepository{st: t.st} }
func (t *txView) Outbox() domain.OutboxWriter { return outboxWriter{st: t.st} }

var (
	_ domain.UnitOfWork         = (*Store)(nil)
	_ domain.IdempotencyJanitor = (*Store)(nil)
	_ domain.Tx                 = (*txView)(nil)
)

// EnsureCustomer добавляет клиента, если клиента с таким email или документом ещё нет.
func (s *Store) EnsureCustomer(ctx context.Context, c domain.Customer) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.st.customers {
		if existing.Email == c.Email || (c.Document != "" && existing.Document == c.Document) {
			return false, nil
		}
	}
	c.ID = 0
	s.addCustomer(c)
	return true, nil
}

// EnsureProduct добавляет товар, если товара с таким SKU ещё нет.
func (s *Store) EnsureProduct(ctx context.Context, p domain.Product) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.st.products {
		if existing.SKU == p.SKU {
			return false, nil
		}
	}
	p.ID = 0
	s.addProduct(p)
	return true, nil
}
