package repository

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_repository_writes_total",
			Help: "Intervals written to the repository, by result",
		},
		[]string{"result"},
	)
	metricEntriesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_repository_entries_written_total",
			Help: "Aggregate entries written to the LMDB",
		},
	)
	metricEntriesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_repository_entries_deleted_total",
			Help: "Expired aggregate entries removed from the LMDB",
		},
	)
	metricWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ringstat_repository_write_seconds",
			Help:    "Time spent storing one interval, including detail writes",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
	metricReads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_repository_range_reads_total",
			Help: "Range reads of aggregate entries",
		},
	)
	metricDetailReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_repository_detail_reads_total",
			Help: "Reads of queries and profiles, by result",
		},
		[]string{"result"}, // hit, miss, expired, error
	)
	metricDetailWriteFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_repository_detail_write_failed_total",
			Help: "Queries and profiles that could not be written to the capped database",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(metricWrites)
	prometheus.MustRegister(metricEntriesWritten)
	prometheus.MustRegister(metricEntriesDeleted)
	prometheus.MustRegister(metricWriteDuration)
	prometheus.MustRegister(metricReads)
	prometheus.MustRegister(metricDetailReads)
	prometheus.MustRegister(metricDetailWriteFailed)
}
