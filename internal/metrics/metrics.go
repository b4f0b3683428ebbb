// Package metrics provides Prometheus metrics for the slot indexer.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages used as label values.
const (
	StageCollector = "collector"
	StageParser    = "parser"
	StageValidator = "validator"
)

// Metrics holds all Prometheus metrics for the slot indexer.
type Metrics struct {
	// Collector progress
	CurrentSlot    prometheus.Gauge
	ChainHead      prometheus.Gauge
	SlotsBehind    prometheus.Gauge
	CompletedSlots prometheus.Gauge
	GapCount       prometheus.Gauge
	WorkerGaps     *prometheus.GaugeVec

	// Queues, labelled by stage
	QueueDepth   *prometheus.GaugeVec
	InFlight     *prometheus.GaugeVec
	DeadLettered *prometheus.GaugeVec

	// File queues on the data bucket
	RawFilesQueue        prometheus.Gauge
	RawFilesOldest       prometheus.Gauge
	ProcessedFilesQueue  prometheus.Gauge
	ProcessedFilesOldest prometheus.Gauge

	// Throughput
	SlotsFetched     *prometheus.CounterVec
	BatchRetries     *prometheus.CounterVec
	Uploads          *prometheus.CounterVec
	FilesParsed      *prometheus.CounterVec
	RowsWritten      *prometheus.CounterVec
	FilesPartitioned *prometheus.CounterVec

	// Timing
	RPCDuration *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "slot_indexer"
	}

	m := &Metrics{
		CurrentSlot: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_slot",
			Help:      "Next slot the collector will enqueue",
		}),
		ChainHead: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_slot",
			Help:      "Last known chain head slot",
		}),
		SlotsBehind: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_behind",
			Help:      "Distance between chain head and the collector cursor",
		}),
		CompletedSlots: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "completed_slots",
			Help:      "Number of slots in the completed set",
		}),
		GapCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gap_slots",
			Help:      "Number of slots missing between min and max completed slot",
		}),
		WorkerGaps: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_gaps",
				Help:      "Missing slots between raw files, by worker index",
			},
			[]string{"worker_index"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tasks waiting in the in-memory queue",
			},
			[]string{"stage"},
		),
		InFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight",
				Help:      "Tasks currently assigned to a worker",
			},
			[]string{"stage"},
		),
		DeadLettered: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dead_lettered",
				Help:      "Tasks that exhausted their retry budget",
			},
			[]string{"stage"},
		),
		RawFilesQueue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_files_queue",
			Help:      "Raw batch files waiting to be parsed",
		}),
		RawFilesOldest: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_files_oldest_timestamp",
			Help:      "Upload timestamp of the oldest raw batch file",
		}),
		ProcessedFilesQueue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processed_files_queue",
			Help:      "Columnar files waiting to be partitioned",
		}),
		ProcessedFilesOldest: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processed_files_oldest_timestamp",
			Help:      "Upload timestamp of the oldest columnar file",
		}),
		SlotsFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slots_fetched_total",
				Help:      "Slots fetched from RPC, by outcome status",
			},
			[]string{"status"},
		),
		BatchRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_retries_total",
				Help:      "Whole-batch RPC retries, by reason",
			},
			[]string{"reason"},
		),
		Uploads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Object uploads, by stage and result",
			},
			[]string{"stage", "result"},
		),
		FilesParsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_parsed_total",
				Help:      "Raw batch files parsed, by result",
			},
			[]string{"result"},
		),
		RowsWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Columnar rows written, by entity",
			},
			[]string{"entity"},
		),
		FilesPartitioned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_partitioned_total",
				Help:      "Columnar files partitioned, by entity and action (move|split)",
			},
			[]string{"entity", "action"},
		),
		RPCDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "Latency of chain RPC calls",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"method"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called. All recording methods accept a
// nil receiver so callers do not need to check.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// CollectorProgress is the snapshot published by the collector monitor.
type CollectorProgress struct {
	CurrentSlot    uint64
	ChainHead      uint64
	SlotsBehind    uint64
	CompletedSlots int
	GapSlots       uint64
}

// SetCollectorProgress publishes the collector cursor and completion stats.
func (m *Metrics) SetCollectorProgress(p CollectorProgress) {
	if m == nil {
		return
	}
	m.CurrentSlot.Set(float64(p.CurrentSlot))
	m.ChainHead.Set(float64(p.ChainHead))
	m.SlotsBehind.Set(float64(p.SlotsBehind))
	m.CompletedSlots.Set(float64(p.CompletedSlots))
	m.GapCount.Set(float64(p.GapSlots))
}

// SetQueue publishes queue depth, in-flight and dead-letter counts for a stage.
func (m *Metrics) SetQueue(stage string, queued, inFlight, deadLettered int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(stage).Set(float64(queued))
	m.InFlight.WithLabelValues(stage).Set(float64(inFlight))
	m.DeadLettered.WithLabelValues(stage).Set(float64(deadLettered))
}

// SetWorkerGaps sets the missing-slot count between raw files of one worker.
func (m *Metrics) SetWorkerGaps(workerIndex int, gaps uint64) {
	if m == nil {
		return
	}
	m.WorkerGaps.WithLabelValues(strconv.Itoa(workerIndex)).Set(float64(gaps))
}

// SetRawFilesQueue sets the raw file backlog and its oldest upload timestamp.
func (m *Metrics) SetRawFilesQueue(count int, oldest int64) {
	if m == nil {
		return
	}
	m.RawFilesQueue.Set(float64(count))
	m.RawFilesOldest.Set(float64(oldest))
}

// SetProcessedFilesQueue sets the columnar file backlog and its oldest upload timestamp.
func (m *Metrics) SetProcessedFilesQueue(count int, oldest int64) {
	if m == nil {
		return
	}
	m.ProcessedFilesQueue.Set(float64(count))
	m.ProcessedFilesOldest.Set(float64(oldest))
}

// IncSlotsFetched increments the fetched slot counter for a status.
func (m *Metrics) IncSlotsFetched(status string) {
	if m == nil {
		return
	}
	m.SlotsFetched.WithLabelValues(status).Inc()
}

// IncBatchRetries increments the whole-batch retry counter.
func (m *Metrics) IncBatchRetries(reason string) {
	if m == nil {
		return
	}
	m.BatchRetries.WithLabelValues(reason).Inc()
}

// IncUploads increments the upload counter.
func (m *Metrics) IncUploads(stage, result string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(stage, result).Inc()
}

// IncFilesParsed increments the parsed file counter.
func (m *Metrics) IncFilesParsed(result string) {
	if m == nil {
		return
	}
	m.FilesParsed.WithLabelValues(result).Inc()
}

// AddRowsWritten adds to the rows written counter.
func (m *Metrics) AddRowsWritten(entity string, rows int) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(entity).Add(float64(rows))
}

// IncFilesPartitioned increments the partitioned file counter.
func (m *Metrics) IncFilesPartitioned(entity, action string) {
	if m == nil {
		return
	}
	m.FilesPartitioned.WithLabelValues(entity, action).Inc()
}

// ObserveRPCDuration records the latency of a chain RPC call.
func (m *Metrics) ObserveRPCDuration(method string, seconds float64) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(method).Observe(seconds)
}
