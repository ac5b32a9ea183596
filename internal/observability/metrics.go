package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector of the service. NewMetrics
// registers on the default registry, so call it once per process.
type Metrics struct {
	// Core
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// Protocol state
	Liquidations      *prometheus.CounterVec
	GasCompensation   prometheus.Counter
	SystemTCR         prometheus.Gauge
	RecoveryMode      prometheus.Gauge
	ActivePositions   prometheus.Gauge
	PoolTotalDeposits prometheus.Gauge
	PoolEpoch         prometheus.Gauge
	PoolScale         prometheus.Gauge
	LastPrice         prometheus.Gauge

	// Channels
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// Idempotency and ordering
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// Persistence
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// Snapshots and replay
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// Projections
	ProjectionLastSequence prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec

	// NATS
	NATSMessages *prometheus.CounterVec

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_applied_total",
			Help: "Commands applied by the core",
		}, []string{"event_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, sequence, protocol error class)",
		}, []string{"event_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_command_apply_duration_seconds",
			Help:    "Time to apply one command",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"kind"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Next global sequence number",
		}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Liquidated positions",
		}, []string{"mode", "absorption"}),

		GasCompensation: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_gas_compensation_paid",
			Help: "Collateral paid to liquidators (whole units)",
		}),

		SystemTCR: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_system_tcr",
			Help: "Total collateralization ratio at the last price",
		}),

		RecoveryMode: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_recovery_mode",
			Help: "1 while the system is in Recovery mode",
		}),

		ActivePositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_active_positions",
			Help: "Open positions",
		}),

		PoolTotalDeposits: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_stability_pool_deposits",
			Help: "Debt tokens held by the stability pool (whole units)",
		}),

		PoolEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_stability_pool_epoch",
			Help: "Current stability pool epoch",
		}),

		PoolScale: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_stability_pool_scale",
			Help: "Current stability pool scale",
		}),

		LastPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_price",
			Help: "Last accepted collateral price",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped on a full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Emitted records dropped on a full publish channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		ProjectionLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_projection_last_sequence",
			Help: "Last sequence applied to the read model",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		NATSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_nats_messages_total",
			Help: "NATS messages by direction and outcome",
		}, []string{"direction", "outcome"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel occupancy gauges.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
