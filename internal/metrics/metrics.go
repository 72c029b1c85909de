// ============================================================================
// Metrics
// ============================================================================
//
// Package: internal/metrics
// Purpose: Prometheus instruments for sync and materialization.
//
// Counters:
//   - ttsync_syncs_total{result}            sync outcomes: changed, noop, busy,
//                                           contention, error
//   - ttsync_events_added_total             fingerprints found added by diffs
//   - ttsync_events_removed_total           fingerprints found removed by diffs
//   - ttsync_materialized_total             calendar entries created
//   - ttsync_materialize_failures_total     per-item failures (logged, skipped)
//   - ttsync_batches_processed_total        batches popped off the queue
//
// Histogram:
//   - ttsync_batch_duration_seconds         wall time of one batch
//
// Gauges:
//   - ttsync_pending_batches                persisted queue depth
//   - ttsync_system_processing              1 while PROCESSING
//   - ttsync_recovery_time_seconds          duration of the last start-up recovery
//
// Useful queries:
//
//	rate(ttsync_materialize_failures_total[1h]) / rate(ttsync_materialized_total[1h])
//	ttsync_system_processing == 1 and ttsync_pending_batches == 0   # orphaned PROCESSING
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync results.
const (
	ResultChanged    = "changed"
	ResultNoop       = "noop"
	ResultBusy       = "busy"
	ResultContention = "contention"
	ResultError      = "error"
)

// Collector holds every instrument. It satisfies batch.Observer.
type Collector struct {
	syncs            *prometheus.CounterVec
	eventsAdded      prometheus.Counter
	eventsRemoved    prometheus.Counter
	materialized     prometheus.Counter
	materializeFails prometheus.Counter
	batches          prometheus.Counter

	batchDuration prometheus.Histogram

	pendingBatches prometheus.Gauge
	processing     prometheus.Gauge
	recoveryTime   prometheus.Gauge
}

// NewCollector creates the instruments and registers them with reg, or with
// the default registerer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttsync_syncs_total",
			Help: "Sync runs by result",
		}, []string{"result"}),
		eventsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttsync_events_added_total",
			Help: "Events found added by the diff",
		}),
		eventsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttsync_events_removed_total",
			Help: "Events found removed by the diff",
		}),
		materialized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttsync_materialized_total",
			Help: "Calendar entries created",
		}),
		materializeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttsync_materialize_failures_total",
			Help: "Calendar entries that failed to materialize",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttsync_batches_processed_total",
			Help: "Batches processed",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttsync_batch_duration_seconds",
			Help:    "Wall time of one batch",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
		}),
		pendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttsync_pending_batches",
			Help: "Batches waiting in the persisted queue",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttsync_system_processing",
			Help: "1 while the system state is PROCESSING",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttsync_recovery_time_seconds",
			Help: "Duration of the last start-up recovery",
		}),
	}

	reg.MustRegister(
		c.syncs,
		c.eventsAdded,
		c.eventsRemoved,
		c.materialized,
		c.materializeFails,
		c.batches,
		c.batchDuration,
		c.pendingBatches,
		c.processing,
		c.recoveryTime,
	)
	return c
}

// RecordSync counts one sync outcome and its diff sizes.
func (c *Collector) RecordSync(result string, added, removed int) {
	c.syncs.WithLabelValues(result).Inc()
	c.eventsAdded.Add(float64(added))
	c.eventsRemoved.Add(float64(removed))
}

func (c *Collector) ItemMaterialized() {
	c.materialized.Inc()
}

func (c *Collector) ItemFailed() {
	c.materializeFails.Inc()
}

func (c *Collector) BatchProcessed(d time.Duration) {
	c.batches.Inc()
	c.batchDuration.Observe(d.Seconds())
}

func (c *Collector) QueueDepth(batches int) {
	c.pendingBatches.Set(float64(batches))
}

// SetProcessing mirrors the system state.
func (c *Collector) SetProcessing(on bool) {
	if on {
		c.processing.Set(1)
		return
	}
	c.processing.Set(0)
}

// SetRecoveryTime records how long start-up recovery took.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}
