package aggregator

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/model"
)

// IntervalCollector owns the aggregates of one time bucket. Its lock guards
// merges by the aggregation worker and reads by live queries.
type IntervalCollector struct {
	captureTime     int64
	intervalMillis  int64
	maxTransactions int
	maxQueries      int

	mu           sync.Mutex
	overall      map[string]*AggregateCollector
	transactions map[string]map[string]*AggregateCollector
}

// NewIntervalCollector creates an empty bucket ending at captureTime
func NewIntervalCollector(captureTime, intervalMillis int64, maxTransactionsPerType, maxQueriesPerType int) *IntervalCollector {
	return &IntervalCollector{
		captureTime:     captureTime,
		intervalMillis:  intervalMillis,
		maxTransactions: maxTransactionsPerType,
		maxQueries:      maxQueriesPerType,
		overall:         make(map[string]*AggregateCollector),
		transactions:    make(map[string]map[string]*AggregateCollector),
	}
}

// CaptureTime returns the bucket end time in Unix milliseconds
func (ic *IntervalCollector) CaptureTime() int64 {
	return ic.captureTime
}

// IntervalMillis returns the bucket length
func (ic *IntervalCollector) IntervalMillis() int64 {
	return ic.intervalMillis
}

// Add merges a record into the overall collector of its type and into
// the collector of its name.
func (ic *IntervalCollector) Add(rec *model.TransactionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()

	overall := ic.overall[rec.Type]
	if overall == nil {
		overall = NewAggregateCollector("", ic.maxQueries, aggregate.OverallQueriesHardLimitMultiplier)
		ic.overall[rec.Type] = overall
	}
	byName := ic.transactions[rec.Type]
	if byName == nil {
		byName = make(map[string]*AggregateCollector)
		ic.transactions[rec.Type] = byName
	}
	name := rec.Name
	tc := byName[name]
	if tc == nil {
		if ic.maxTransactions > 0 && len(byName) >= ic.maxTransactions {
			name = aggregate.LimitExceededBucket
			tc = byName[name]
		}
		if tc == nil {
			tc = NewAggregateCollector(name, ic.maxQueries, aggregate.TransactionQueriesHardLimitMultiplier)
			byName[name] = tc
		}
	}

	overall.Add(rec)
	tc.Add(rec)
	return nil
}

// Empty reports if no records were merged
func (ic *IntervalCollector) Empty() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.overall) == 0
}

// Build returns an independent copy of all aggregates with queries trimmed
// to their limit. The result is sorted by type and name.
func (ic *IntervalCollector) Build() *aggregate.IntervalAggregates {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ia := &aggregate.IntervalAggregates{CaptureTime: ic.captureTime}
	types := lo.Keys(ic.overall)
	slices.Sort(types)
	for _, typ := range types {
		ta := aggregate.TypeAggregates{
			TransactionType: typ,
			Overall:         ic.overall[typ].Build(typ, ic.captureTime, true),
		}
		byName := ic.transactions[typ]
		names := lo.Keys(byName)
		slices.Sort(names)
		for _, name := range names {
			ta.Transactions = append(ta.Transactions, byName[name].Build(typ, ic.captureTime, true))
		}
		ia.Types = append(ia.Types, ta)
	}
	return ia
}

// Flush builds the aggregates and hands them to the sink. The lock is not
// held while the sink runs. An empty interval is not passed on and nil
// is returned for it.
func (ic *IntervalCollector) Flush(ctx context.Context, sink Collector) (*aggregate.IntervalAggregates, error) {
	ia := ic.Build()
	if len(ia.Types) == 0 {
		return nil, nil
	}
	if err := sink.CollectAggregates(ctx, ia); err != nil {
		return ia, err
	}
	return ia, nil
}

// Clear drops all merged data
func (ic *IntervalCollector) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.overall = make(map[string]*AggregateCollector)
	ic.transactions = make(map[string]map[string]*AggregateCollector)
}

// TransactionTypes returns the sorted transaction types seen in this interval
func (ic *IntervalCollector) TransactionTypes() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	types := lo.Keys(ic.overall)
	slices.Sort(types)
	return types
}

// collector returns the overall collector for an empty name.
// Must be called with the lock held.
func (ic *IntervalCollector) collector(transactionType, transactionName string) *AggregateCollector {
	if transactionName == "" {
		return ic.overall[transactionType]
	}
	return ic.transactions[transactionType][transactionName]
}

// OverallSummary returns the live totals of a transaction type
func (ic *IntervalCollector) OverallSummary(transactionType string) (Summary, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c := ic.overall[transactionType]
	if c == nil {
		return Summary{}, false
	}
	return c.summary(), true
}

// TransactionSummaries returns the live totals per transaction name, sorted
// by name
func (ic *IntervalCollector) TransactionSummaries(transactionType string) []Summary {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	res := lo.MapToSlice(ic.transactions[transactionType], func(_ string, c *AggregateCollector) Summary {
		return c.summary()
	})
	slices.SortFunc(res, func(a, b Summary) int {
		return cmp.Compare(a.TransactionName, b.TransactionName)
	})
	return res
}

// OverallErrorSummary returns the live error totals of a transaction type
func (ic *IntervalCollector) OverallErrorSummary(transactionType string) (ErrorSummary, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c := ic.overall[transactionType]
	if c == nil {
		return ErrorSummary{}, false
	}
	return c.errorSummary(), true
}

// TransactionErrorSummaries returns the live error totals of the names that
// had errors, sorted by name
func (ic *IntervalCollector) TransactionErrorSummaries(transactionType string) []ErrorSummary {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	var res []ErrorSummary
	for _, c := range ic.transactions[transactionType] {
		if c.errorCount > 0 {
			res = append(res, c.errorSummary())
		}
	}
	slices.SortFunc(res, func(a, b ErrorSummary) int {
		return cmp.Compare(a.TransactionName, b.TransactionName)
	})
	return res
}

// LiveAggregate returns an untrimmed copy of the current state of a collector,
// or nil if it does not exist. An empty name selects the overall collector.
func (ic *IntervalCollector) LiveAggregate(transactionType, transactionName string) *aggregate.Aggregate {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c := ic.collector(transactionType, transactionName)
	if c == nil {
		return nil
	}
	return c.Build(transactionType, ic.captureTime, false)
}

// LiveQueries returns the current queries of a collector
func (ic *IntervalCollector) LiveQueries(transactionType, transactionName string) []aggregate.QueriesByType {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c := ic.collector(transactionType, transactionName)
	if c == nil {
		return nil
	}
	return c.queries.Snapshot(false)
}

// LiveProfile returns the current profile tree of a collector
func (ic *IntervalCollector) LiveProfile(transactionType, transactionName string) []*model.ProfileNode {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c := ic.collector(transactionType, transactionName)
	if c == nil {
		return nil
	}
	return c.profile.Snapshot()
}

// ErrorPoint is the error rate of one collector at one capture time
type ErrorPoint struct {
	CaptureTime      int64
	ErrorCount       int64
	TransactionCount int64
}

// LiveErrorPoint returns nil if the collector does not exist or had no errors
func (ic *IntervalCollector) LiveErrorPoint(transactionType, transactionName string) *ErrorPoint {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c := ic.collector(transactionType, transactionName)
	if c == nil || c.errorCount == 0 {
		return nil
	}
	return &ErrorPoint{
		CaptureTime:      ic.captureTime,
		ErrorCount:       c.errorCount,
		TransactionCount: c.transactionCount,
	}
}

// bucketEnd returns the end of the bucket that contains t
func bucketEnd(t, intervalMillis int64) int64 {
	if t <= 0 {
		return 0
	}
	return ((t + intervalMillis - 1) / intervalMillis) * intervalMillis
}
