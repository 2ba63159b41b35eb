package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

var metricLines = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ringstat_ingest_lines_total",
		Help: "Record lines read, by result",
	},
	[]string{"result"}, // ok, invalid
)

func init() {
	prometheus.MustRegister(metricLines)
}
