package cache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

const defaultLocalRedisAddr = "localhost:6379"

func testOrder(id int64, status domain.OrderStatus) domain.Order {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := domain.NewOrderItem(5, decimal.RequireFromString("10.00"), 2)
	item.ID = 9
	item.OrderID = id
	return domain.Order{
		ID:             id,
		CustomerID:     3,
		TotalAmount:    item.LineTotal,
		Status:         status,
		IdempotencyKey: "key-1",
		Version:        2,
		Items:          []domain.OrderItem{item},
		CreatedAt:      now,
		UpdatedAt:      now.Add(time.Minute),
	}
}

func TestOrderCache_Key(t *testing.T) {
	c := NewOrderCache(redis.NewClient(&redis.Options{Addr: defaultLocalRedisAddr}))
	t.Cleanup(func() { _ = c.Close() })

	if got := c.Key(42); got != "orderhub:order:42" {
		t.Fatalf("unexpected key %q", got)
	}

	prefixed := NewOrderCache(redis.NewClient(&redis.Options{Addr: defaultLocalRedisAddr}), WithPrefix("test"), WithTTL(time.Second))
	t.Cleanup(func() { _ = prefixed.Close() })
	if got := prefixed.Key(1); got != "test:order:1" {
		t.Fatalf("unexpected key %q", got)
	}
	if prefixed.ttl != time.Second {
		t.Fatalf("unexpected ttl %v", prefixed.ttl)
	}
}

func TestSnapshot_PreservesOrder(t *testing.T) {
	order := testOrder(7, domain.OrderStatusPaid)

	raw, err := encodeOrder(order)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"total_amount"`)

	decoded, err := decodeOrder(raw)
	require.NoError(t, err)
	require.Equal(t, order.ID, decoded.ID)
	require.Equal(t, order.Status, decoded.Status)
	require.Equal(t, order.Version, decoded.Version)
	require.True(t, order.TotalAmount.Equal(decoded.TotalAmount))
	require.Len(t, decoded.Items, 1)
	require.Equal(t, order.Items[0].OrderID, decoded.Items[0].OrderID)
	require.True(t, order.Items[0].UnitPrice.Equal(decoded.Items[0].UnitPrice))
	require.True(t, order.CreatedAt.Equal(decoded.CreatedAt))
}

func TestSnapshot_RejectsUnknownStatus(t *testing.T) {
	_, err := decodeOrder([]byte(`{"id":1,"status":"SHIPPED"}`))
	require.Error(t, err)

	_, err = decodeOrder([]byte(`not json`))
	require.Error(t, err)
}

func TestOrderCache_RedisRoundTrip(t *testing.T) {
	c := openRedisCacheForIntegrationTest(t)
	ctx := context.Background()
	order := testOrder(time.Now().UnixNano(), domain.OrderStatusCancelled)

	_, ok, err := c.Get(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, order))
	t.Cleanup(func() { _ = c.client.Del(context.Background(), c.Key(order.ID)).Err() })

	got, ok, err := c.Get(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.OrderStatusCancelled, got.Status)
	require.True(t, got.TotalAmount.Equal(order.TotalAmount))

	ttl, err := c.client.TTL(ctx, c.Key(order.ID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestOrderCache_CorruptedEntryIsError(t *testing.T) {
	c := openRedisCacheForIntegrationTest(t)
	ctx := context.Background()
	id := time.Now().UnixNano()

	require.NoError(t, c.client.Set(ctx, c.Key(id), "garbage", time.Minute).Err())
	t.Cleanup(func() { _ = c.client.Del(context.Background(), c.Key(id)).Err() })

	_, ok, err := c.Get(ctx, id)
	require.Error(t, err)
	require.False(t, ok)
}

func openRedisCacheForIntegrationTest(t *testing.T) *OrderCache {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("OMS_REDIS_TEST_ADDR"))
	if addr == "" {
		addr = defaultLocalRedisAddr
	}

	c := NewRedisOrderCache(addr, WithPrefix("orderhub-test"), WithTTL(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
