package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Vault operations ---
	OperationsApplied  *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	JournalsGenerated  *prometheus.CounterVec
	Sequence           prometheus.Gauge
	Rollbacks          *prometheus.CounterVec

	// --- Pool state ---
	TotalAssets  prometheus.Gauge
	TotalSupply  prometheus.Gauge
	Insolvent    prometheus.Gauge
	HolderCount  prometheus.Gauge
	RageQuitters prometheus.Gauge

	// --- Reports ---
	ReportsTotal          *prometheus.CounterVec
	ReportProfit          prometheus.Counter
	ReportLoss            prometheus.Counter
	ReportUnrecoveredLoss prometheus.Counter
	KeeperErrors          *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter

	// --- Ingestion & idempotency ---
	CommandsReceived      *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistOperationsWritten prometheus.Counter
	PersistJournalsWritten   prometheus.Counter
	PersistBatchSize         prometheus.Histogram
	PersistBatchDur          prometheus.Histogram
	PersistErrors            *prometheus.CounterVec
	PersistRetry             prometheus.Counter
	PersistLastSequence      prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayOperations  prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.25,
	}

	return &Metrics{
		OperationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operations_applied_total",
			Help: "Operations committed by the vault",
		}, []string{"operation"}),

		OperationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operations_rejected_total",
			Help: "Operations rejected before or after mutation",
		}, []string{"operation", "reason"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "Time to apply a single operation, collaborator calls included",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		JournalsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_journals_generated_total",
			Help: "Share journal entries generated",
		}, []string{"journal_type"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_sequence",
			Help: "Next operation sequence number",
		}),

		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_rollbacks_total",
			Help: "Operations rolled back after partial mutation",
		}, []string{"operation"}),

		TotalAssets: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_assets",
			Help: "Tracked total assets (asset units, float approximation)",
		}),

		TotalSupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_supply",
			Help: "Share supply (float approximation)",
		}),

		Insolvent: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_insolvent",
			Help: "1 while the pool cannot cover its debts",
		}),

		HolderCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_holders",
			Help: "Holders with a non-zero balance",
		}),

		RageQuitters: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_rage_quit_initiated",
			Help: "Lockups currently in a rage-quit window",
		}),

		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_reports_total",
			Help: "Reports settled by outcome",
		}, []string{"outcome"}),

		ReportProfit: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_report_profit_total",
			Help: "Profit recognised by reports (float approximation)",
		}),

		ReportLoss: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_report_loss_total",
			Help: "Loss recognised by reports (float approximation)",
		}),

		ReportUnrecoveredLoss: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_report_unrecovered_loss_total",
			Help: "Loss not absorbed by the beneficiary buffer",
		}),

		KeeperErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_errors_total",
			Help: "Keeper report failures",
		}, []string{"reason"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Events dropped due to a full publish channel",
		}),

		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_received_total",
			Help: "Commands received from NATS by outcome",
		}, []string{"operation", "outcome"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"operation", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		PersistOperationsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_operations_written_total",
			Help: "Operations written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Operations per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayOperations: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_operations_total",
			Help: "Operations replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
