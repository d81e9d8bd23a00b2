package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

const (
	// DefaultTTL — время жизни снимка заказа по умолчанию.
	DefaultTTL = 10 * time.Minute

	defaultPrefix = "orderhub"
)

// OrderCache хранит JSON-снимки заказов в Redis.
type OrderCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option настраивает OrderCache.
type Option func(*OrderCache)

// WithTTL задаёт время жизни записей.
func WithTTL(ttl time.Duration) Option {
	return func(c *OrderCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPrefix задаёт префикс ключей.
func WithPrefix(prefix string) Option {
	return func(c *OrderCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// NewRedisOrderCache создаёт кэш поверх клиента Redis по адресу addr.
func NewRedisOrderCache(addr string, options ...Option) *OrderCache {
	return NewOrderCache(redis.NewClient(&redis.Options{Addr: addr}), options...)
}

// NewOrderCache оборачивает готовый клиент Redis.
func NewOrderCache(client *redis.Client, options ...Option) *OrderCache {
	c := &OrderCache{
		client: client,
		prefix: defaultPrefix,
		ttl:    DefaultTTL,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Key возвращает ключ Redis для заказа.
func (c *OrderCache) Key(id int64) string {
	return fmt.Sprintf("%s:order:%s", c.prefix, strconv.FormatInt(id, 10))
}

// Get возвращает снимок заказа. ok=false означает промах.
func (c *OrderCache) Get(ctx context.Context, id int64) (domain.Order, bool, error) {
	raw, err := c.client.Get(ctx, c.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("redis get order %d: %w", id, err)
	}

	order, err := decodeOrder(raw)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("decode cached order %d: %w", id, err)
	}
	return order, true, nil
}

// Set сохраняет снимок заказа с TTL.
func (c *OrderCache) Set(ctx context.Context, order domain.Order) error {
	raw, err := encodeOrder(order)
	if err != nil {
		return fmt.Errorf("encode order %d: %w", order.ID, err)
	}
	if err := c.client.Set(ctx, c.Key(order.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set order %d: %w", order.ID, err)
	}
	return nil
}

// Ping проверяет доступность Redis.
func (c *OrderCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close закрывает соединения с Redis.
func (c *OrderCache) Close() error {
	return c.client.Close()
}

func encodeOrder(order domain.Order) ([]byte, error) {
	return json.Marshal(toSnapshot(order))
}

func decodeOrder(raw []byte) (domain.Order, error) {
	var snap orderSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Order{}, err
	}
	order := snap.toDomain()
	if !order.Status.Valid() {
		return domain.Order{}, fmt.Errorf("unknown status %q", snap.Status)
	}
	return order, nil
}
