package aggregator

import (
	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/histogram"
	"github.com/ringstat/ringstat/model"
)

// AggregateCollector accumulates the records of one transaction type
// (the overall collector) or one transaction name within an interval.
// It is not safe for concurrent use, the IntervalCollector lock guards it.
type AggregateCollector struct {
	transactionName  string // empty for overall
	totalNanos       int64
	transactionCount int64
	errorCount       int64
	threadStats      model.ThreadStats
	histogram        *histogram.LazyHistogram
	rootTimers       []*aggregate.MutableTimer
	queries          *aggregate.QueryCollector
	profile          *aggregate.ProfileTree
}

// NewAggregateCollector creates an empty collector. The query limit applies
// per query type, hardLimitMultiplier sets how far it can be exceeded
// before the interval is flushed.
func NewAggregateCollector(transactionName string, maxQueries, hardLimitMultiplier int) *AggregateCollector {
	return &AggregateCollector{
		transactionName: transactionName,
		threadStats:     model.NotAvailableThreadStats(),
		histogram:       histogram.New(),
		queries:         aggregate.NewQueryCollector(maxQueries, hardLimitMultiplier),
		profile:         aggregate.NewProfileTree(),
	}
}

// Add merges one record into the collector
func (c *AggregateCollector) Add(rec *model.TransactionRecord) {
	c.totalNanos += rec.DurationNanos
	c.transactionCount++
	if rec.HasError() {
		c.errorCount++
	}
	if rec.ThreadStats != nil {
		c.threadStats = c.threadStats.Add(*rec.ThreadStats)
	}
	c.histogram.Add(rec.DurationNanos)
	if rec.RootTimer != nil {
		c.rootTimers = aggregate.MergeRootTimer(c.rootTimers, rec.RootTimer)
	}
	c.queries.MergeAll(rec.Queries)
	if len(rec.Profile) > 0 {
		c.profile.Merge(rec.Profile)
	}
}

// TransactionName returns the name, empty for an overall collector
func (c *AggregateCollector) TransactionName() string {
	return c.transactionName
}

// Build returns an independent snapshot. With trim set, queries are cut
// down to the configured limit.
func (c *AggregateCollector) Build(transactionType string, captureTime int64, trim bool) *aggregate.Aggregate {
	a := &aggregate.Aggregate{
		TransactionType:  transactionType,
		TransactionName:  c.transactionName,
		CaptureTime:      captureTime,
		TotalNanos:       c.totalNanos,
		TransactionCount: c.transactionCount,
		ErrorCount:       c.errorCount,
		ThreadStats:      c.threadStats,
		Histogram:        c.histogram.Copy(),
		Queries:          c.queries.Snapshot(trim),
		Profile:          c.profile.Snapshot(),
	}
	for _, t := range c.rootTimers {
		a.RootTimers = append(a.RootTimers, t.Snapshot())
	}
	return a
}

// Summary is the live view of one collector
type Summary struct {
	TransactionName  string
	TotalNanos       int64
	TransactionCount int64
}

// ErrorSummary is the live error view of one collector
type ErrorSummary struct {
	TransactionName  string
	ErrorCount       int64
	TransactionCount int64
}

func (c *AggregateCollector) summary() Summary {
	return Summary{
		TransactionName:  c.transactionName,
		TotalNanos:       c.totalNanos,
		TransactionCount: c.transactionCount,
	}
}

func (c *AggregateCollector) errorSummary() ErrorSummary {
	return ErrorSummary{
		TransactionName:  c.transactionName,
		ErrorCount:       c.errorCount,
		TransactionCount: c.transactionCount,
	}
}
