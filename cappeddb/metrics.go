package cappeddb

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricWriteBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_cappeddb_write_bytes_total",
			Help: "Payload bytes written to the capped database",
		},
		[]string{"type", "kind"}, // kind: compressed, uncompressed
	)
	metricWriteSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringstat_cappeddb_write_seconds",
			Help:    "Time to write one block, including waiting for compression",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9),
		},
		[]string{"type"},
	)
	metricReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringstat_cappeddb_reads_total",
			Help: "Block reads by result",
		},
		[]string{"result"}, // ok, expired, rolled_over, corrupt
	)
	metricCursor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringstat_cappeddb_cursor_bytes",
			Help: "Logical write position, the ID of the next block",
		},
	)
	metricCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringstat_cappeddb_capacity_bytes",
			Help: "Size of the data region of the capped database",
		},
	)
)

func init() {
	prometheus.MustRegister(metricWriteBytes)
	prometheus.MustRegister(metricWriteSeconds)
	prometheus.MustRegister(metricReads)
	prometheus.MustRegister(metricCursor)
	prometheus.MustRegister(metricCapacity)
}
