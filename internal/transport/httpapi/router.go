package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/metrics"
)

// RouterOption настраивает роутер.
type RouterOption func(*routerConfig)

type routerConfig struct {
	logger  *log.Entry
	metrics *metrics.HTTPMetrics
	timeout time.Duration
}

// WithLogger задаёт logger для запросов.
func WithLogger(logger *log.Entry) RouterOption {
	return func(c *routerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics подключает метрики запросов.
func WithMetrics(m *metrics.HTTPMetrics) RouterOption {
	return func(c *routerConfig) {
		c.metrics = m
	}
}

// WithRequestTimeout ограничивает время обработки одного запроса.
func WithRequestTimeout(timeout time.Duration) RouterOption {
	return func(c *routerConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewRouter собирает HTTP API заказов.
func NewRouter(orders OrderService, options ...RouterOption) http.Handler {
	cfg := routerConfig{
		logger:  log.WithField("component", "http-api"),
		timeout: 10 * time.Second,
	}
	for _, option := range options {
		option(&cfg)
	}

	handler := NewHandler(orders, cfg.logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.logger, cfg.metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.timeout))

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrder)
		r.Get("/", handler.ListOrders)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetOrder)
			r.Get("/timeline", handler.OrderTimeline)
			r.Post("/pay", handler.PayOrder)
			r.Post("/cancel", handler.CancelOrder)
		})
	})

	return r
}

// requestLogger пишет строку лога на каждый запрос и учитывает его в метриках.
func requestLogger(logger *log.Entry, m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(started)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if m != nil {
				m.ObserveRequest(r.Method, route, status, duration)
			}

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": duration.Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("http request")
				return
			}
			entry.Debug("http request")
		})
	}
}
