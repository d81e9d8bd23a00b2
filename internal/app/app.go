package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/orderhub/internal/cache"
	healthcheck "github.com/vladislavdragonenkov/orderhub/internal/health"
	"github.com/vladislavdragonenkov/orderhub/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderhub/internal/metrics"
	"github.com/vladislavdragonenkov/orderhub/internal/seed"
	"github.com/vladislavdragonenkov/orderhub/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderhub/internal/service/order"
	"github.com/vladislavdragonenkov/orderhub/internal/service/outbox"
	"github.com/vladislavdragonenkov/orderhub/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/orderhub/internal/version"
)

// storageCheckInterval — период проверки хранилища для gRPC health.
const storageCheckInterval = 5 * time.Second

// application — собранный процесс: серверы, воркеры и ресурсы для закрытия.
type application struct {
	cfg    Config
	logger *log.Entry

	deps       runtimeDependencies
	orders     *order.Service
	orderCache *cache.OrderCache
	producer   *kafka.Producer

	outboxWorker *outbox.Worker
	// sweeper == nil: записи журнала хранятся бессрочно.
	sweeper *idempotency.Sweeper

	health       *healthcheck.Handler
	grpcHealth   *health.Server
	grpcServer   *grpc.Server
	apiServer    *http.Server
	apiListener  net.Listener
	grpcListener net.Listener
}

// Run собирает приложение и обслуживает запросы до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	a, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

func newApplication(ctx context.Context, cfg Config) (_ *application, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &application{
		cfg:    cfg,
		logger: log.WithField("component", "app"),
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.deps, err = initRuntimeDependencies(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}

	if cfg.SeedDemoData && cfg.StorageDriver == StorageDriverMemory {
		if _, err := seed.Load(ctx, a.deps.catalog, log.WithField("component", "seed")); err != nil {
			return nil, fmt.Errorf("seed demo data: %w", err)
		}
	}

	a.health = healthcheck.NewHandler(version.String())
	a.health.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", a.deps.ping))

	serviceOptions := []order.Option{
		order.WithLogger(log.WithField("component", "order-service")),
		order.WithMetrics(metrics.NewOrderMetrics()),
		order.WithLedger(idempotency.NewLedger(cfg.IdempotencyTTL)),
	}
	if cfg.RedisAddr != "" {
		a.orderCache = cache.NewRedisOrderCache(cfg.RedisAddr, cache.WithTTL(cfg.OrderCacheTTL))
		serviceOptions = append(serviceOptions, order.WithCache(a.orderCache))
		a.health.RegisterOptional("redis", healthcheck.NewSimpleChecker("redis", a.orderCache.Ping))
		a.logger.WithField("addr", cfg.RedisAddr).Info("order cache enabled")
	}
	a.orders = order.NewService(a.deps.uow, serviceOptions...)

	// Без Kafka сервис работает: события уходят в лог.
	a.producer, _ = initKafkaProducer(cfg.KafkaBrokers, a.logger)
	events, dlq := outboxPublishers(a.producer, cfg, a.logger)
	workerOptions := []outbox.Option{
		outbox.WithLogger(log.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if dlq != nil {
		workerOptions = append(workerOptions, outbox.WithDLQPublisher(dlq))
	}
	a.outboxWorker = outbox.NewWorker(a.deps.outbox, events, workerOptions...)

	if cfg.IdempotencyTTL > 0 {
		a.sweeper = idempotency.NewSweeper(a.deps.janitor,
			idempotency.WithSweepLogger(log.WithField("component", "idempotency-sweeper")),
			idempotency.WithSweepInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithSweepBatchSize(cfg.IdempotencyCleanupBatchSize),
		)
		a.logger.WithField("retention", cfg.IdempotencyTTL).Info("idempotency records expire after retention")
	} else {
		a.logger.Info("idempotency records are kept permanently")
	}

	a.apiServer = &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(a.orders,
			httpapi.WithLogger(log.WithField("component", "http-api")),
			httpapi.WithMetrics(metrics.NewHTTPMetricsWithRegisterer(prometheus.DefaultRegisterer)),
			httpapi.WithRequestTimeout(cfg.RequestTimeout),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if a.apiListener, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}

	a.grpcServer, a.grpcHealth = newGRPCServer(a.logger)
	if a.grpcListener, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
		return nil, fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	return a, nil
}

// newGRPCServer поднимает служебный gRPC: health, reflection и метрики.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return server, healthServer
}

func (a *application) serve(ctx context.Context) error {
	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		a.outboxWorker.Run(workersCtx)
	}()
	go func() {
		defer workers.Done()
		a.watchStorage(workersCtx, storageCheckInterval)
	}()
	if a.sweeper != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.sweeper.Run(workersCtx)
		}()
	}

	metricsSrv := startMetricsServer(ctx, a.cfg.MetricsAddr, a.logger, a.health)

	errCh := make(chan error, 2)
	go func() {
		a.logger.Infof("HTTP API слушает %s", a.apiListener.Addr())
		if err := a.apiServer.Serve(a.apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()
	go func() {
		a.logger.Infof("gRPC сервер слушает %s", a.grpcListener.Addr())
		if err := a.grpcServer.Serve(a.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		a.logger.WithError(runErr).Error("сервер остановился с ошибкой")
	}

	a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(a.apiServer, a.logger, a.cfg.ShutdownTimeout)
	a.stopGRPC()
	shutdownHTTP(metricsSrv, a.logger, a.cfg.ShutdownTimeout)

	stopWorkers()
	workers.Wait()
	a.release()

	return runErr
}

// watchStorage переключает gRPC health в NOT_SERVING, пока хранилище недоступно.
func (a *application) watchStorage(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := a.deps.ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil && serving:
			a.logger.WithError(err).Warn("storage unavailable, grpc health set to NOT_SERVING")
			a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			serving = false
		case err == nil && !serving:
			a.logger.Info("storage recovered, grpc health set to SERVING")
			a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			serving = true
		}
	}
}

func (a *application) stopGRPC() {
	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(a.shutdownTimeout()):
		a.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		a.grpcServer.Stop()
	}
}

func (a *application) shutdownTimeout() time.Duration {
	if a.cfg.ShutdownTimeout > 0 {
		return a.cfg.ShutdownTimeout
	}
	return 5 * time.Second
}

// release закрывает внешние ресурсы. Вызывается один раз.
func (a *application) release() {
	// Серверы закрывают свои listener-ы сами; здесь закрываются те,
	// до обслуживания которых дело не дошло.
	if a.apiListener != nil {
		_ = a.apiListener.Close()
	}
	if a.grpcListener != nil {
		_ = a.grpcListener.Close()
	}
	closeKafka(a.producer, a.logger)
	if a.orderCache != nil {
		if err := a.orderCache.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if a.deps.close != nil {
		if err := a.deps.close(); err != nil {
			a.logger.WithError(err).Warn("failed to close storage")
		}
	}
}

// startMetricsServer запускает служебный HTTP: метрики Prometheus и health checks.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsMux(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger, 5*time.Second)
	}()

	return srv
}

func metricsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry, timeout time.Duration) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
