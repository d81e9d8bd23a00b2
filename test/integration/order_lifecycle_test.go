package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
	"github.com/vladislavdragonenkov/orderhub/internal/metrics"
	"github.com/vladislavdragonenkov/orderhub/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderhub/internal/service/order"
	"github.com/vladislavdragonenkov/orderhub/internal/service/outbox"
	"github.com/vladislavdragonenkov/orderhub/internal/storage/memory"
)

// OrderLifecycleTestSuite тестирует полный жизненный цикл заказов.
type OrderLifecycleTestSuite struct {
	suite.Suite
	store     *memory.Store
	service   *order.Service
	events    *recordingPublisher
	worker    *outbox.Worker
	customer  domain.Customer
	product   domain.Product
	secondary domain.Product
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	entry := logger.WithField("component", "integration")

	s.store = memory.NewStore()
	s.customer = s.store.AddCustomer(domain.Customer{Name: "C1", Email: "c1@example.com", Document: "000", Active: true})
	s.product = s.store.AddProduct(domain.Product{Name: "P1", SKU: "P1", Price: decimal.RequireFromString("10.00"), Stock: 5, Active: true})
	s.secondary = s.store.AddProduct(domain.Product{Name: "P2", SKU: "P2", Price: decimal.RequireFromString("2.50"), Stock: 3, Active: true})

	s.service = order.NewService(s.store,
		order.WithLogger(entry),
		order.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
		order.WithRetry(order.RetryConfig{MaxAttempts: 1}),
	)
	s.events = &recordingPublisher{}
	s.worker = outbox.NewWorker(s.store.Outbox(), s.events,
		outbox.WithLogger(entry),
		outbox.WithRetryBaseDelay(0),
	)
}

func (s *OrderLifecycleTestSuite) create(key string, items ...domain.RequestedItem) (order.CreateOrderResult, error) {
	return s.service.CreateOrder(context.Background(), order.CreateOrderCommand{
		CustomerID:     s.customer.ID,
		Items:          items,
		IdempotencyKey: key,
	})
}

func (s *OrderLifecycleTestSuite) stock(id int64) int {
	p, ok := s.store.Product(id)
	s.Require().True(ok, "product %d must exist", id)
	return p.Stock
}

func (s *OrderLifecycleTestSuite) TestCreateAndPay() {
	ctx := context.Background()

	res, err := s.create("T1", domain.RequestedItem{ProductID: s.product.ID, Quantity: 2})
	s.Require().NoError(err)
	s.False(res.Replayed)
	s.Equal(domain.OrderStatusCreated, res.Order.Status)
	s.True(res.Order.TotalAmount.Equal(decimal.RequireFromString("20.00")))
	s.Equal(3, s.stock(s.product.ID))

	paid, err := s.service.PayOrder(ctx, res.Order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPaid, paid.Status)
	s.Equal(res.Order.Version+1, paid.Version)

	timeline, err := s.service.OrderTimeline(ctx, res.Order.ID)
	s.Require().NoError(err)
	s.Require().Len(timeline, 2)
	s.Equal(domain.TimelineOrderCreated, timeline[0].Type)
	s.Equal(domain.TimelineOrderPaid, timeline[1].Type)

	s.worker.ProcessOnce(ctx)
	published := s.events.published()
	s.Require().Len(published, 2)
	s.Equal(domain.EventTypeOrderCreated, published[0].EventType)
	s.Equal(domain.EventTypeOrderPaid, published[1].EventType)
	s.Equal(fmt.Sprint(res.Order.ID), published[1].AggregateID)

	var payload map[string]any
	s.Require().NoError(json.Unmarshal(published[1].Payload, &payload))
	s.Equal(string(domain.OrderStatusPaid), payload["status"])
}

func (s *OrderLifecycleTestSuite) TestCancelledOrderIsTerminal() {
	ctx := context.Background()

	res, err := s.create("cancel", domain.RequestedItem{ProductID: s.product.ID, Quantity: 1})
	s.Require().NoError(err)

	cancelled, err := s.service.CancelOrder(ctx, res.Order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)

	_, err = s.service.PayOrder(ctx, res.Order.ID)
	s.True(domain.IsInvalidTransition(err), "got %v", err)

	_, err = s.service.CancelOrder(ctx, res.Order.ID)
	s.True(domain.IsInvalidTransition(err), "repeated cancel must be rejected, got %v", err)

	// Отмена не возвращает товар на склад.
	s.Equal(4, s.stock(s.product.ID))

	got, err := s.service.GetOrder(ctx, res.Order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, got.Status)
}

func (s *OrderLifecycleTestSuite) TestReplayReturnsSameOrder() {
	item := domain.RequestedItem{ProductID: s.product.ID, Quantity: 2}

	first, err := s.create("T1", item)
	s.Require().NoError(err)
	second, err := s.create("T1", item)
	s.Require().NoError(err)

	s.True(second.Replayed)
	s.Equal(first.Order.ID, second.Order.ID)
	s.True(first.Order.TotalAmount.Equal(second.Order.TotalAmount))
	s.Equal(3, s.stock(s.product.ID))

	orders, records := s.store.Counts()
	s.Equal(1, orders)
	s.Equal(1, records)
}

func (s *OrderLifecycleTestSuite) TestReusedKeyWithDifferentPayloadConflicts() {
	_, err := s.create("T1", domain.RequestedItem{ProductID: s.product.ID, Quantity: 2})
	s.Require().NoError(err)

	cases := map[string][]domain.RequestedItem{
		"quantity": {{ProductID: s.product.ID, Quantity: 1}},
		"product":  {{ProductID: s.secondary.ID, Quantity: 2}},
		"items": {
			{ProductID: s.product.ID, Quantity: 2},
			{ProductID: s.secondary.ID, Quantity: 1},
		},
	}
	for name, items := range cases {
		_, err := s.create("T1", items...)
		s.ErrorIs(err, domain.ErrIdempotencyConflict, name)
	}

	other := s.store.AddCustomer(domain.Customer{Name: "C2", Email: "c2@example.com", Document: "001", Active: true})
	_, err = s.service.CreateOrder(context.Background(), order.CreateOrderCommand{
		CustomerID:     other.ID,
		Items:          []domain.RequestedItem{{ProductID: s.product.ID, Quantity: 2}},
		IdempotencyKey: "T1",
	})
	s.ErrorIs(err, domain.ErrIdempotencyConflict)

	s.Equal(3, s.stock(s.product.ID))
	s.Equal(3, s.stock(s.secondary.ID))
}

func (s *OrderLifecycleTestSuite) TestInsufficientStockLeavesNoTrace() {
	_, err := s.create("atomic",
		domain.RequestedItem{ProductID: s.product.ID, Quantity: 2},
		domain.RequestedItem{ProductID: s.secondary.ID, Quantity: 10},
	)

	var stockErr *domain.InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Equal(s.secondary.ID, stockErr.ProductID)
	s.Equal(5, s.stock(s.product.ID))
	s.Equal(3, s.stock(s.secondary.ID))

	orders, records := s.store.Counts()
	s.Zero(orders)
	s.Zero(records)

	s.worker.ProcessOnce(context.Background())
	s.Empty(s.events.published())

	// Ключ не сгорел: тот же запрос с исправленным количеством проходит.
	res, err := s.create("atomic",
		domain.RequestedItem{ProductID: s.product.ID, Quantity: 2},
		domain.RequestedItem{ProductID: s.secondary.ID, Quantity: 3},
	)
	s.Require().NoError(err)
	s.False(res.Replayed)
}

func (s *OrderLifecycleTestSuite) TestTotalUsesPriceAtCreation() {
	res, err := s.create("price",
		domain.RequestedItem{ProductID: s.product.ID, Quantity: 3},
		domain.RequestedItem{ProductID: s.secondary.ID, Quantity: 2},
	)
	s.Require().NoError(err)
	s.True(res.Order.TotalAmount.Equal(decimal.RequireFromString("35.00")))

	s.store.SetProductPrice(s.product.ID, decimal.RequireFromString("99.99"))

	got, err := s.service.GetOrder(context.Background(), res.Order.ID)
	s.Require().NoError(err)
	s.True(got.TotalAmount.Equal(decimal.RequireFromString("35.00")))

	sum := decimal.Zero
	for _, item := range got.Items {
		sum = sum.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	s.True(sum.Equal(got.TotalAmount))
}

func (s *OrderLifecycleTestSuite) TestConcurrentBuyersNeverOversell() {
	const buyers = 6 // на складе 5

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.create(fmt.Sprintf("race-%d", i), domain.RequestedItem{ProductID: s.product.ID, Quantity: 1})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case domain.IsInsufficientStock(err):
				rejected++
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(buyers-1, succeeded)
	s.GreaterOrEqual(rejected, 1)
	s.Equal(0, s.stock(s.product.ID))
}

func (s *OrderLifecycleTestSuite) TestSameKeyConcurrentlyCreatesOneOrder() {
	const callers = 8

	ids := make(chan int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.create("same", domain.RequestedItem{ProductID: s.product.ID, Quantity: 2})
			if err != nil {
				s.T().Errorf("unexpected error: %v", err)
				return
			}
			ids <- res.Order.ID
		}()
	}
	wg.Wait()
	close(ids)

	unique := make(map[int64]struct{})
	for id := range ids {
		unique[id] = struct{}{}
	}
	s.Len(unique, 1)
	s.Equal(3, s.stock(s.product.ID))
}

func (s *OrderLifecycleTestSuite) TestListOrdersByCustomer() {
	for i := 0; i < 3; i++ {
		_, err := s.create(fmt.Sprintf("list-%d", i), domain.RequestedItem{ProductID: s.product.ID, Quantity: 1})
		s.Require().NoError(err)
	}

	page, err := s.service.ListOrders(context.Background(), domain.OrderFilter{CustomerID: s.customer.ID, Page: 1, PageSize: 2})
	s.Require().NoError(err)
	s.Equal(3, page.Total)
	s.Len(page.Orders, 2)

	page, err = s.service.ListOrders(context.Background(), domain.OrderFilter{CustomerID: s.customer.ID + 100})
	s.Require().NoError(err)
	s.Zero(page.Total)
	s.Empty(page.Orders)
}

func (s *OrderLifecycleTestSuite) TestRetryAfterRetentionSweepReplaysOrder() {
	ctx := context.Background()
	withRetention := order.NewService(s.store,
		order.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
		order.WithRetry(order.RetryConfig{MaxAttempts: 1}),
		order.WithLedger(idempotency.NewLedger(time.Hour)),
	)
	cmd := order.CreateOrderCommand{
		CustomerID:     s.customer.ID,
		Items:          []domain.RequestedItem{{ProductID: s.product.ID, Quantity: 1}},
		IdempotencyKey: "late-retry",
	}

	first, err := withRetention.CreateOrder(ctx, cmd)
	s.Require().NoError(err)

	sweeper := idempotency.NewSweeper(s.store, idempotency.WithSweepBatchSize(1))
	report, err := sweeper.Sweep(ctx, time.Now().UTC())
	s.Require().NoError(err)
	s.Zero(report.Deleted, "records inside retention must survive")

	report, err = sweeper.Sweep(ctx, time.Now().UTC().Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, report.Deleted)
	_, records := s.store.Counts()
	s.Zero(records)

	retried, err := withRetention.CreateOrder(ctx, cmd)
	s.Require().NoError(err)
	s.True(retried.Replayed)
	s.Equal(first.Order.ID, retried.Order.ID)
	s.Equal(4, s.stock(s.product.ID), "retry must not reserve stock again")

	orders, records := s.store.Counts()
	s.Equal(1, orders)
	s.Equal(1, records, "ledger record is restored from the order")

	// Запись восстановлена, поэтому и чужой запрос под тем же ключом отклоняется.
	_, err = withRetention.CreateOrder(ctx, order.CreateOrderCommand{
		CustomerID:     s.customer.ID,
		Items:          []domain.RequestedItem{{ProductID: s.product.ID, Quantity: 2}},
		IdempotencyKey: "late-retry",
	})
	s.Require().ErrorIs(err, domain.ErrIdempotencyConflict)
}

func (s *OrderLifecycleTestSuite) TestReusedKeyAfterSweepWithOtherPayloadConflicts() {
	ctx := context.Background()
	withRetention := order.NewService(s.store,
		order.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
		order.WithRetry(order.RetryConfig{MaxAttempts: 1}),
		order.WithLedger(idempotency.NewLedger(time.Minute)),
	)

	_, err := withRetention.CreateOrder(ctx, order.CreateOrderCommand{
		CustomerID:     s.customer.ID,
		Items:          []domain.RequestedItem{{ProductID: s.product.ID, Quantity: 1}},
		IdempotencyKey: "swept",
	})
	s.Require().NoError(err)

	_, err = idempotency.NewSweeper(s.store).Sweep(ctx, time.Now().UTC().Add(time.Hour))
	s.Require().NoError(err)

	_, err = withRetention.CreateOrder(ctx, order.CreateOrderCommand{
		CustomerID:     s.customer.ID,
		Items:          []domain.RequestedItem{{ProductID: s.secondary.ID, Quantity: 1}},
		IdempotencyKey: "swept",
	})
	s.Require().ErrorIs(err, domain.ErrIdempotencyConflict)

	orders, records := s.store.Counts()
	s.Equal(1, orders)
	s.Zero(records)
	s.Equal(3, s.stock(s.secondary.ID))
}

func (s *OrderLifecycleTestSuite) TestLedgerRecordsArePermanentByDefault() {
	_, err := s.create("forever", domain.RequestedItem{ProductID: s.product.ID, Quantity: 1})
	s.Require().NoError(err)

	report, err := idempotency.NewSweeper(s.store).Sweep(context.Background(), time.Now().UTC().AddDate(10, 0, 0))
	s.Require().NoError(err)
	s.Zero(report.Deleted)

	orders, records := s.store.Counts()
	s.Equal(1, orders)
	s.Equal(1, records)
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func TestOrderLifecycle_ScenarioT1(t *testing.T) {
	store := memory.NewStore()
	c1 := store.AddCustomer(domain.Customer{Name: "C1", Email: "c1@example.com", Document: "1", Active: true})
	p1 := store.AddProduct(domain.Product{Name: "P1", SKU: "P1", Price: decimal.RequireFromString("10.00"), Stock: 5, Active: true})
	svc := order.NewService(store, order.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())))

	cmd := order.CreateOrderCommand{
		CustomerID:     c1.ID,
		Items:          []domain.RequestedItem{{ProductID: p1.ID, Quantity: 2}},
		IdempotencyKey: "T1",
	}
	for i := 0; i < 2; i++ {
		res, err := svc.CreateOrder(context.Background(), cmd)
		require.NoError(t, err)
		require.Equal(t, "20.00", res.Order.TotalAmount.StringFixed(2))

		p, _ := store.Product(p1.ID)
		require.Equal(t, 3, p.Stock)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPublisher) published() []domain.OutboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.OutboxMessage(nil), p.sent...)
}
