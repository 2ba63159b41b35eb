package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	envMapSizeDesc = prometheus.NewDesc(
		"ringstat_lmdb_mapsize_bytes",
		"Map size of LMDB database",
		[]string{"lmdb"},
		nil,
	)
	envCurrentReadersDesc = prometheus.NewDesc(
		"ringstat_lmdb_env_readers_current",
		"Number of current readers for LMDB database",
		[]string{"lmdb"},
		nil,
	)
	envMaxReadersDesc = prometheus.NewDesc(
		"ringstat_lmdb_env_readers_max",
		"Maximum number of readers for LMDB database",
		[]string{"lmdb"},
		nil,
	)
	envLastTxnID = prometheus.NewDesc(
		"ringstat_lmdb_env_last_txn_id",
		"Last write transaction ID of LMDB database",
		[]string{"lmdb"},
		nil,
	)
	envOldestReaderAgeDesc = prometheus.NewDesc(
		"ringstat_lmdb_env_oldest_reader_age_txns",
		"Number of write transactions the oldest reader of the LMDB database is behind",
		[]string{"lmdb"},
		nil,
	)
	envFileSizeDesc = prometheus.NewDesc(
		"ringstat_lmdb_filesize_bytes",
		"File size of LMDB database",
		[]string{"lmdb"},
		nil,
	)
	statUsageBytesDesc = prometheus.NewDesc(
		"ringstat_lmdb_db_usage_bytes",
		"Bytes used in last version by data in databases",
		[]string{"lmdb", "db"},
		nil,
	)
	statTotalUsageBytesDesc = prometheus.NewDesc(
		"ringstat_lmdb_total_usage_bytes",
		"Bytes used in last version by data in all databases",
		[]string{"lmdb"},
		nil,
	)
	statTotalUsageFractionDesc = prometheus.NewDesc(
		"ringstat_lmdb_total_usage_fraction",
		"Bytes used in last version by data in all databases as fraction (0-1) of map size",
		[]string{"lmdb"},
		nil,
	)
	statEntriesDesc = prometheus.NewDesc(
		"ringstat_lmdb_stat_entries",
		"Number of entries in named LMDB database",
		[]string{"lmdb", "db"},
		nil,
	)
	statPagesDesc = prometheus.NewDesc(
		"ringstat_lmdb_stat_pages",
		"Number of pages (4kB) in named LMDB database per page type (branch, leaf and overflow)",
		[]string{"lmdb", "db", "pagetype"},
		nil,
	)
	statDepthDesc = prometheus.NewDesc(
		"ringstat_lmdb_stat_depth",
		"Tree depth in named LMDB database",
		[]string{"lmdb", "db"},
		nil,
	)
)


var allDescs = []*prometheus.Desc{
	envMapSizeDesc,
	envCurrentReadersDesc,
	envMaxReadersDesc,
	envLastTxnID,
	envOldestReaderAgeDesc,
	envFileSizeDesc,
	statUsageBytesDesc,
	statTotalUsageBytesDesc,
	statTotalUsageFractionDesc,
	statEntriesDesc,
	statPagesDesc,
	statDepthDesc,
}
