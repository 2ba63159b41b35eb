package aggregator

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/ringstat/ringstat/aggregate"
)

// Collector receives the finished aggregates of each flushed interval.
// It is called from flush goroutines, possibly concurrently for different
// intervals, and must not block indefinitely.
type Collector interface {
	CollectAggregates(ctx context.Context, ia *aggregate.IntervalAggregates) error
}

// CollectorFunc adapts a function to a Collector
type CollectorFunc func(ctx context.Context, ia *aggregate.IntervalAggregates) error

func (f CollectorFunc) CollectAggregates(ctx context.Context, ia *aggregate.IntervalAggregates) error {
	return f(ctx, ia)
}

// MultiCollector passes every interval to all its collectors, even when
// one of them fails.
type MultiCollector []Collector

func (mc MultiCollector) CollectAggregates(ctx context.Context, ia *aggregate.IntervalAggregates) error {
	var merr *multierror.Error
	for _, c := range mc {
		if err := c.CollectAggregates(ctx, ia); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// Discard drops all aggregates
var Discard Collector = CollectorFunc(func(context.Context, *aggregate.IntervalAggregates) error {
	return nil
})
