package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VaultMetrics exposes engine telemetry through a Prometheus registry
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	logger    log.Logger

	// Queue and settlement metrics
	depositsRequested    prometheus.Counter
	depositsCancelled    prometheus.Counter
	depositsFulfilled    prometheus.Counter
	withdrawalsRequested prometheus.Counter
	withdrawalsFulfilled prometheus.Counter
	queueDepth           prometheus.GaugeVec
	batchDuration        prometheus.Histogram

	// Accounting metrics
	totalAssets   prometheus.Gauge
	totalShares   prometheus.Gauge
	idleBalance   prometheus.Gauge
	sharePrice    prometheus.Gauge
	feesCollected prometheus.Counter
	yieldPaid     prometheus.Counter

	// Event stream metrics
	natsPublished prometheus.Counter
	eventsDropped prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewVaultMetrics creates a metrics set registered on a private registry
func NewVaultMetrics(namespace string) (*VaultMetrics, error) {
	logger := log.Root().New("module", "metrics")

	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		gatherer:  registry,
		logger:    logger,

		depositsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_requested_total",
			Help:      "Total deposit requests enqueued",
		}),

		depositsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_cancelled_total",
			Help:      "Total deposit requests cancelled before settlement",
		}),

		depositsFulfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_fulfilled_total",
			Help:      "Total deposit requests settled",
		}),

		withdrawalsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_requested_total",
			Help:      "Total withdrawal requests enqueued",
		}),

		withdrawalsFulfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_fulfilled_total",
			Help:      "Total withdrawal requests settled",
		}),

		queueDepth: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current queue depth by kind",
		}, []string{"queue"}),

		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_microseconds",
			Help:      "Fulfillment batch duration in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		totalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_assets",
			Help:      "Assets under management including deployed capital",
		}),

		totalShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_shares",
			Help:      "Outstanding share supply",
		}),

		idleBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_balance",
			Help:      "Assets held directly by the vault",
		}),

		sharePrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "share_price",
			Help:      "Current share price as a float",
		}),

		feesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_total",
			Help:      "Cumulative performance fees taken at settlement",
		}),

		yieldPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "yield_paid_total",
			Help:      "Cumulative yield distributed to withdrawers",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Engine events dropped due to slow consumers",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.depositsRequested,
		m.depositsCancelled,
		m.depositsFulfilled,
		m.withdrawalsRequested,
		m.withdrawalsFulfilled,
		m.queueDepth,
		m.batchDuration,
		m.totalAssets,
		m.totalShares,
		m.idleBalance,
		m.sharePrice,
		m.feesCollected,
		m.yieldPaid,
		m.natsPublished,
		m.eventsDropped,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the Prometheus metrics server
func (m *VaultMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	http.Handle("/metrics", m.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, nil); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")

	return nil
}

// RecordDepositRequested counts a deposit request
func (m *VaultMetrics) RecordDepositRequested() {
	m.depositsRequested.Inc()
}

// RecordDepositCancelled counts a cancelled deposit
func (m *VaultMetrics) RecordDepositCancelled() {
	m.depositsCancelled.Inc()
}

// RecordDepositFulfilled counts a settled deposit
func (m *VaultMetrics) RecordDepositFulfilled() {
	m.depositsFulfilled.Inc()
}

// RecordWithdrawalRequested counts a withdrawal request
func (m *VaultMetrics) RecordWithdrawalRequested() {
	m.withdrawalsRequested.Inc()
}

// RecordWithdrawalFulfilled counts a settled withdrawal together with the
// yield and fee it realized
func (m *VaultMetrics) RecordWithdrawalFulfilled(yield, fee float64) {
	m.withdrawalsFulfilled.Inc()
	m.yieldPaid.Add(yield)
	m.feesCollected.Add(fee)
}

// RecordBatchDuration records a fulfillment batch duration
func (m *VaultMetrics) RecordBatchDuration(microseconds float64) {
	m.batchDuration.Observe(microseconds)
}

// UpdateQueueDepths updates the queue depth gauges
func (m *VaultMetrics) UpdateQueueDepths(deposits, redeems float64) {
	m.queueDepth.WithLabelValues("deposit").Set(deposits)
	m.queueDepth.WithLabelValues("redeem").Set(redeems)
}

// UpdateAccounting updates the point-in-time accounting gauges
func (m *VaultMetrics) UpdateAccounting(totalAssets, totalShares, idle, sharePrice float64) {
	m.totalAssets.Set(totalAssets)
	m.totalShares.Set(totalShares)
	m.idleBalance.Set(idle)
	m.sharePrice.Set(sharePrice)
}

// RecordNATSPublished counts a published event
func (m *VaultMetrics) RecordNATSPublished() {
	m.natsPublished.Inc()
}

// RecordEventDropped counts an event lost to a full buffer
func (m *VaultMetrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// CollectSystemMetrics collects system-level metrics until ctx is done
func (m *VaultMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// LogMetrics logs a point-in-time system snapshot
func (m *VaultMetrics) LogMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.logger.Info("Current metrics snapshot",
		"memory_mb", memStats.Alloc/1024/1024,
		"goroutines", runtime.NumGoroutine(),
	)
}
