package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// StorageDriverMemory хранит данные в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит данные в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	SeedDemoData        bool

	// IdempotencyTTL > 0 включает удаление записей журнала по сроку хранения.
	// 0 — записи хранятся бессрочно.
	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	KafkaBrokers  []string
	KafkaTopic    string
	KafkaDLQTopic string

	RedisAddr     string
	OrderCacheTTL time.Duration

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		SeedDemoData:        true,

		IdempotencyTTL:              0,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   200 * time.Millisecond,

		OrderCacheTTL: 10 * time.Minute,

		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfigFromEnv накладывает переменные окружения на DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	return loadConfig(os.LookupEnv)
}

type lookupFunc func(key string) (string, bool)

func loadConfig(lookup lookupFunc) (Config, error) {
	cfg := DefaultConfig()
	env := envReader{lookup: lookup}

	env.str("OMS_HTTP_ADDR", &cfg.HTTPAddr)
	env.str("OMS_GRPC_ADDR", &cfg.GRPCAddr)
	env.str("OMS_METRICS_ADDR", &cfg.MetricsAddr)

	env.str("OMS_STORAGE_DRIVER", &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	env.str("OMS_POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("OMS_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.boolean("OMS_SEED_DEMO_DATA", &cfg.SeedDemoData)

	env.duration("OMS_IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	env.duration("OMS_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	env.integer("OMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	env.duration("OMS_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	env.integer("OMS_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	env.integer("OMS_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	env.duration("OMS_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)

	if raw, ok := lookup("KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitList(raw)
	}
	env.str("OMS_KAFKA_TOPIC", &cfg.KafkaTopic)
	env.str("OMS_KAFKA_DLQ_TOPIC", &cfg.KafkaDLQTopic)

	env.str("OMS_REDIS_ADDR", &cfg.RedisAddr)
	env.duration("OMS_ORDER_CACHE_TTL", &cfg.OrderCacheTTL)

	env.duration("OMS_HTTP_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	env.duration("OMS_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if len(env.errs) > 0 {
		return Config{}, errors.Join(env.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("OMS_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.IdempotencyTTL < 0 {
		errs = append(errs, errors.New("idempotency ttl must not be negative"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be positive"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be positive"))
	}

	return errors.Join(errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (r *envReader) value(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid bool %q", key, v))
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: must be a positive integer, got %q", key, v))
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
