package archive

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_archive_stored_total",
			Help: "Number of intervals stored in the archive",
		},
	)
	metricStoredBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_archive_stored_bytes_total",
			Help: "Compressed bytes stored in the archive",
		},
	)
	metricStoreFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_archive_store_failed_total",
			Help: "Number of failed archive store calls",
		},
	)
	metricListCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_archive_cleaner_list_calls_total",
			Help: "Number of cleaner list calls",
		},
	)
	metricListFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_archive_cleaner_list_failed_total",
			Help: "Number of cleaner failed list attempts",
		},
	)
	metricDeleteCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_archive_cleaner_delete_total",
			Help: "Number of cleaner delete calls",
		},
	)
	metricDeleteFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringstat_archive_cleaner_delete_failed_total",
			Help: "Number of failed cleaner delete calls",
		},
	)
)

func init() {
	prometheus.MustRegister(metricStored)
	prometheus.MustRegister(metricStoredBytes)
	prometheus.MustRegister(metricStoreFailed)
	prometheus.MustRegister(metricListCalls)
	prometheus.MustRegister(metricListFailed)
	prometheus.MustRegister(metricDeleteCalls)
	prometheus.MustRegister(metricDeleteFailed)
}
