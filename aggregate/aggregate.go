// Package aggregate contains the mergeable per-interval accumulators and the
// finished Aggregate snapshots handed to sinks.
package aggregate

import (
	"github.com/ringstat/ringstat/histogram"
	"github.com/ringstat/ringstat/model"
)

// Aggregate is the finished statistic for one transaction type (overall)
// or one transaction name within a type, for one interval.
// It is an independent copy and safe to read from any goroutine.
type Aggregate struct {
	TransactionType  string
	TransactionName  string // empty for the overall aggregate
	CaptureTime      int64  // interval end, unix milliseconds
	TotalNanos       int64
	TransactionCount int64
	ErrorCount       int64
	ThreadStats      model.ThreadStats
	Histogram        *histogram.LazyHistogram
	RootTimers       []*model.Timer
	Queries          []QueriesByType
	Profile          []*model.ProfileNode
}

// TypeAggregates groups the aggregates of one transaction type
type TypeAggregates struct {
	TransactionType string
	Overall         *Aggregate
	Transactions    []*Aggregate // sorted by name
}

// IntervalAggregates is everything flushed for one interval
type IntervalAggregates struct {
	CaptureTime int64
	Types       []TypeAggregates // sorted by type
}

// Overall returns the overall aggregate for a transaction type, or nil
func (ia *IntervalAggregates) Overall(transactionType string) *Aggregate {
	for _, ta := range ia.Types {
		if ta.TransactionType == transactionType {
			return ta.Overall
		}
	}
	return nil
}

// Transaction returns the aggregate for a transaction name, or nil
func (ia *IntervalAggregates) Transaction(transactionType, transactionName string) *Aggregate {
	for _, ta := range ia.Types {
		if ta.TransactionType != transactionType {
			continue
		}
		for _, a := range ta.Transactions {
			if a.TransactionName == transactionName {
				return a
			}
		}
	}
	return nil
}

// TransactionCount returns the number of transactions over all types
func (ia *IntervalAggregates) TransactionCount() int64 {
	var n int64
	for _, ta := range ia.Types {
		if ta.Overall != nil {
			n += ta.Overall.TransactionCount
		}
	}
	return n
}
