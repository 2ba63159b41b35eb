package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_aggregator_records_total",
			Help: "Transaction records passed to the aggregator, by result",
		},
		[]string{"result"}, // queued, dropped, merged, failed
	)
	metricQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringstat_aggregator_queue_length",
			Help: "Records waiting for the aggregation worker",
		},
	)
	metricPendingIntervals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringstat_aggregator_pending_intervals",
			Help: "Rotated intervals that have not finished flushing",
		},
	)
	metricRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_aggregator_rotations_total",
			Help: "Interval rotations, by trigger",
		},
		[]string{"trigger"}, // record, timeout
	)
	metricFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_aggregator_flushes_total",
			Help: "Interval flushes, by result",
		},
		[]string{"result"}, // ok, error, empty, canceled
	)
	metricFlushSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ringstat_aggregator_flush_seconds",
			Help:    "Time spent flushing an interval to the sink",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
		},
	)
	metricLastFlushedCaptureTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringstat_aggregator_last_flushed_capture_time_seconds",
			Help: "Capture time of the last successfully flushed interval",
		},
	)
	metricSuppressedLogs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_aggregator_suppressed_log_lines_total",
			Help: "Record error log lines dropped by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(metricRecords)
	prometheus.MustRegister(metricQueueLength)
	prometheus.MustRegister(metricPendingIntervals)
	prometheus.MustRegister(metricRotations)
	prometheus.MustRegister(metricFlushes)
	prometheus.MustRegister(metricFlushSeconds)
	prometheus.MustRegister(metricLastFlushedCaptureTime)
	prometheus.MustRegister(metricSuppressedLogs)
}
