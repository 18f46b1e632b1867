package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid; the helper methods become no-ops.
type Metrics struct {
	// --- Engine ---
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	OpsRejected     *prometheus.CounterVec
	OpDuration      *prometheus.HistogramVec
	FlashLoanSize   *prometheus.HistogramVec
	FeesCollected   *prometheus.CounterVec
	RecoveryMode    prometheus.Gauge

	// --- Commands & Idempotency ---
	CommandsReceived   *prometheus.CounterVec
	CommandDuplicates  *prometheus.CounterVec
	DedupLRUSize       prometheus.Gauge
	DedupLRUEvictions  prometheus.Counter
	DedupTier2Duration prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter
	PublishErrors      prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchSize   prometheus.Histogram
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on reg, so tests can use a private registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Engine
		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_positions_opened_total",
			Help: "Leveraged positions opened",
		}, []string{"pair"}),

		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_positions_closed_total",
			Help: "Leveraged positions closed",
		}, []string{"pair"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_open_positions",
			Help: "Positions currently open",
		}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_ops_rejected_total",
			Help: "Operations aborted and rolled back",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flash_op_duration_seconds",
			Help:    "Time to run one engine operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		FlashLoanSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flash_loan_size",
			Help:    "Flash loan size in loan-token native units",
			Buckets: prometheus.ExponentialBuckets(1e3, 10, 18),
		}, []string{"op"}),

		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_fees_collected",
			Help: "Yield fees sent to the treasury, loan-token native units",
		}, []string{"loan_token"}),

		RecoveryMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_recovery_mode",
			Help: "1 while recovery mode is enabled",
		}),

		// Commands & Idempotency
		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_commands_received_total",
			Help: "Inbound commands by outcome",
		}, []string{"command", "status"}),

		CommandDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_command_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flash_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: opBuckets,
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flash_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flash_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flash_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_publish_errors_total",
			Help: "Events that failed to publish to NATS",
		}),

		// Persistence
		PersistRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_persist_rows_written_total",
			Help: "Position and settlement rows written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flash_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flash_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flash_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// ObserveOp records the outcome of one engine operation. reason is empty on success.
func (m *Metrics) ObserveOp(op string, started time.Time, reason string) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if reason != "" {
		m.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}

func (m *Metrics) ObserveFlashLoan(op string, size float64) {
	if m == nil {
		return
	}
	m.FlashLoanSize.WithLabelValues(op).Observe(size)
}

func (m *Metrics) PositionOpened(pair string) {
	if m == nil {
		return
	}
	m.PositionsOpened.WithLabelValues(pair).Inc()
	m.OpenPositions.Inc()
}

func (m *Metrics) PositionClosed(pair, loanToken string, fee float64) {
	if m == nil {
		return
	}
	m.PositionsClosed.WithLabelValues(pair).Inc()
	m.OpenPositions.Dec()
	if fee > 0 {
		m.FeesCollected.WithLabelValues(loanToken).Add(fee)
	}
}

func (m *Metrics) SetRecoveryMode(on bool) {
	if m == nil {
		return
	}
	if on {
		m.RecoveryMode.Set(1)
	} else {
		m.RecoveryMode.Set(0)
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
