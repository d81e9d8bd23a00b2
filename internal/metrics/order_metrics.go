package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины неудачного создания заказа для метки reason.
const (
	ReasonValidation          = "validation"
	ReasonNotFound            = "not_found"
	ReasonInsufficientStock   = "insufficient_stock"
	ReasonIdempotencyConflict = "idempotency_conflict"
	ReasonInvalidTransition   = "invalid_transition"
	ReasonTransient           = "transient"
	ReasonInternal            = "internal"
)

// OrderMetrics содержит метрики создания заказов и смены статусов.
type OrderMetrics struct {
	// Счётчики создания
	ordersCreated  prometheus.Counter
	ordersReplayed prometheus.Counter
	createFailures *prometheus.CounterVec
	unitsReserved  prometheus.Counter

	// Гистограмма времени транзакции создания
	createDuration prometheus.Histogram

	// Переходы статусов по целевому статусу и результату
	transitions *prometheus.CounterVec

	// Обращения к кэшу заказов
	cacheLookups *prometheus.CounterVec

	// Gauge для создаваемых прямо сейчас заказов
	inFlightCreates prometheus.Gauge
}

// NewOrderMetrics создаёт метрики в глобальном registry.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном registry.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orderhub_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersReplayed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orderhub_orders_replayed_total",
			Help: "Total number of create requests answered from the idempotency ledger",
		}),
		createFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderhub_order_create_failures_total",
			Help: "Total number of failed create requests by reason",
		}, []string{"reason"}),
		unitsReserved: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orderhub_stock_units_reserved_total",
			Help: "Total number of stock units decremented by created orders",
		}),
		createDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "orderhub_order_create_duration_seconds",
			Help:    "Duration of the create order unit of work in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderhub_order_transitions_total",
			Help: "Total number of order status transitions by target status and result",
		}, []string{"status", "result"}),
		cacheLookups: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderhub_order_cache_lookups_total",
			Help: "Total number of order cache lookups by result",
		}, []string{"result"}),
		inFlightCreates: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orderhub_order_creates_in_flight",
			Help: "Number of create order requests currently being processed",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCreateStarted отмечает начало обработки запроса на создание.
func (m *OrderMetrics) RecordCreateStarted() {
	m.inFlightCreates.Inc()
}

// RecordCreateFinished отмечает окончание обработки и её длительность.
func (m *OrderMetrics) RecordCreateFinished(duration time.Duration) {
	m.inFlightCreates.Dec()
	m.createDuration.Observe(duration.Seconds())
}

// RecordOrderCreated учитывает созданный заказ и списанные единицы товара.
func (m *OrderMetrics) RecordOrderCreated(units int) {
	m.ordersCreated.Inc()
	m.unitsReserved.Add(float64(units))
}

// RecordOrderReplayed увеличивает счётчик ответов из журнала идемпотентности.
func (m *OrderMetrics) RecordOrderReplayed() {
	m.ordersReplayed.Inc()
}

// RecordCreateFailed увеличивает счётчик отказов по причине.
func (m *OrderMetrics) RecordCreateFailed(reason string) {
	m.createFailures.WithLabelValues(reason).Inc()
}

// RecordTransition учитывает попытку смены статуса.
func (m *OrderMetrics) RecordTransition(status, result string) {
	m.transitions.WithLabelValues(status, result).Inc()
}

// RecordCacheLookup учитывает обращение к кэшу: hit, miss или error.
func (m *OrderMetrics) RecordCacheLookup(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}
