package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderhub/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/orderhub/internal/version"
)

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeReplay       loadMode = "replay"
	modeCreatePay    loadMode = "create-pay"
	modeCreateCancel loadMode = "create-cancel"
)

// codeTransportError — запрос не дошёл до сервера или ответ не прочитан.
const codeTransportError = 0

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	customerID  int64
	productID   int64
	quantity    int
	replayKeys  int
	stock       int
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	OrdersCreated     int64                   `json:"orders_created"`
	OrdersReplayed    int64                   `json:"orders_replayed"`
	StockRejections   int64                   `json:"stock_rejections"`
	UnitsOrdered      int64                   `json:"units_ordered"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats

	created         atomic.Int64
	replayed        atomic.Int64
	stockRejections atomic.Int64
	units           atomic.Int64
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

func codeLabel(code int) string {
	if code == codeTransportError {
		return "transport_error"
	}
	return strconv.Itoa(code)
}

func (c *collector) record(method string, latency time.Duration, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{
			codes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if code >= 200 && code < 300 {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[codeLabel(code)]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		OrdersCreated:   c.created.Load(),
		OrdersReplayed:  c.replayed.Load(),
		StockRejections: c.stockRejections.Load(),
		UnitsOrdered:    c.units.Load(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	scenarioStats := c.methods["scenario"]
	if scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}

	return result
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | replay | create-pay | create-cancel")
	fs.Int64Var(&cfg.customerID, "customer-id", 1, "customer placing the orders")
	fs.Int64Var(&cfg.productID, "product-id", 1, "product ordered by every scenario")
	fs.IntVar(&cfg.quantity, "qty", 1, "units per order")
	fs.IntVar(&cfg.replayKeys, "replay-keys", 10, "distinct idempotency keys in replay mode")
	fs.IntVar(&cfg.stock, "stock", -1, "initial product stock; when set, the run fails if more units were sold")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")

	if cfg.addr == "" {
		return cfg, errors.New("addr is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.customerID <= 0 || cfg.productID <= 0 {
		return cfg, errors.New("customer-id and product-id must be > 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("qty must be > 0")
	}
	if cfg.mode == modeReplay && cfg.replayKeys <= 0 {
		return cfg, errors.New("replay-keys must be > 0")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCreate:
		return modeCreate, nil
	case modeReplay:
		return modeReplay, nil
	case modeCreatePay:
		return modeCreatePay, nil
	case modeCreateCancel:
		return modeCreateCancel, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := runLoad(context.Background(), cfg, newOrderClient(cfg.addr, cfg.timeout))
	printReport(os.Stdout, result, cfg)

	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if err := verify(result, cfg); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// verify проверяет итог прогона: сбоев нет, проданных единиц не больше остатка.
func verify(result report, cfg config) error {
	if result.FailedScenarios > 0 {
		return fmt.Errorf("%d scenarios failed", result.FailedScenarios)
	}
	if cfg.stock >= 0 && result.UnitsOrdered > int64(cfg.stock) {
		return fmt.Errorf("oversell: %d units ordered with initial stock %d", result.UnitsOrdered, cfg.stock)
	}
	return nil
}

func runLoad(ctx context.Context, cfg config, client *orderClient) report {
	startedAt := time.Now()
	runID := uuid.NewString()
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(ctx, client, cfg, id, runID, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// idempotencyKey в режиме replay повторяет ключи по кругу.
func idempotencyKey(cfg config, runID string, index int) string {
	if cfg.mode == modeReplay {
		return fmt.Sprintf("lt-%s-%d", runID, index%cfg.replayKeys)
	}
	return fmt.Sprintf("lt-%s-%d", runID, index)
}

func runScenario(ctx context.Context, client *orderClient, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioCode := http.StatusOK
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioCode)
	}()

	order, code, err := client.create(ctx, idempotencyKey(cfg, runID, index), httpapi.CreateOrderRequest{
		CustomerID: cfg.customerID,
		Items:      []httpapi.CreateOrderItemRequest{{ProductID: cfg.productID, Quantity: cfg.quantity}},
	}, col)
	switch {
	case err != nil:
		scenarioCode = code
		return err
	case code == http.StatusCreated:
		col.created.Add(1)
		col.units.Add(int64(cfg.quantity))
	case code == http.StatusOK:
		col.replayed.Add(1)
		return nil
	case code == http.StatusConflict:
		// Товар закончился: для проверки на oversell это ожидаемый исход.
		col.stockRejections.Add(1)
		return nil
	default:
		scenarioCode = code
		return fmt.Errorf("create order: unexpected status %d", code)
	}

	var action string
	switch cfg.mode {
	case modeCreatePay:
		action = "pay"
	case modeCreateCancel:
		action = "cancel"
	default:
		return nil
	}

	code, err = client.transition(ctx, order.ID, action, col)
	if err != nil || code != http.StatusOK {
		scenarioCode = code
		if err == nil {
			err = fmt.Errorf("%s order %d: unexpected status %d", action, order.ID, code)
		}
		return err
	}
	return nil
}

// orderClient — клиент HTTP API заказов.
type orderClient struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

func newOrderClient(baseURL string, timeout time.Duration) *orderClient {
	return &orderClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		userAgent: version.UserAgent("loadtest"),
	}
}

func (c *orderClient) create(ctx context.Context, key string, req httpapi.CreateOrderRequest, col *collector) (httpapi.OrderResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return httpapi.OrderResponse{}, codeTransportError, err
	}

	var order httpapi.OrderResponse
	code, err := c.do(ctx, "CreateOrder", http.MethodPost, "/api/v1/orders", key, body, &order, col)
	return order, code, err
}

func (c *orderClient) transition(ctx context.Context, orderID int64, action string, col *collector) (int, error) {
	method := "PayOrder"
	if action == "cancel" {
		method = "CancelOrder"
	}
	path := fmt.Sprintf("/api/v1/orders/%d/%s", orderID, action)
	return c.do(ctx, method, http.MethodPost, path, "", nil, nil, col)
}

func (c *orderClient) do(ctx context.Context, method, httpMethod, path, key string, body []byte, out any, col *collector) (int, error) {
	start := time.Now()
	code, err := c.roundTrip(ctx, httpMethod, path, key, body, out)
	col.record(method, time.Since(start), code)
	return code, err
}

func (c *orderClient) roundTrip(ctx context.Context, httpMethod, path, key string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, httpMethod, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return codeTransportError, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if key != "" {
		req.Header.Set(httpapi.HeaderIdempotencyKey, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return codeTransportError, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return codeTransportError, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	fmt.Fprintln(w, "Load test summary")
	fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Fprintf(w, "orders: created=%d replayed=%d stock_rejections=%d units=%d\n",
		result.OrdersCreated,
		result.OrdersReplayed,
		result.StockRejections,
		result.UnitsOrdered,
	)
	fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Fprintf(w,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
