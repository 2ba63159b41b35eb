package aggregate

import (
	"cmp"
	"slices"

	"github.com/ringstat/ringstat/model"
)

// LimitExceededBucket is the name used for the entry that collects everything
// that did not fit within a cardinality limit.
const LimitExceededBucket = "LIMIT EXCEEDED BUCKET"

// Hard limit multipliers applied to the query limit while an interval is
// still being built. Trimming to the real limit happens on flush.
const (
	OverallQueriesHardLimitMultiplier     = 4
	TransactionQueriesHardLimitMultiplier = 2
)

// QueriesByType holds the queries of one query type, like "SQL"
type QueriesByType struct {
	Type    string
	Queries []model.Query
}

type mutableQuery struct {
	text           string
	totalNanos     int64
	executionCount int64
	totalRows      int64
}

func newMutableQuery(text string) *mutableQuery {
	return &mutableQuery{text: text, totalRows: model.NotAvailable}
}

func (m *mutableQuery) add(totalNanos, executionCount, totalRows int64) {
	m.totalNanos += totalNanos
	m.executionCount += executionCount
	m.totalRows = model.NotAvailableAwareAdd(m.totalRows, totalRows)
}

func (m *mutableQuery) toQuery(queryType string) model.Query {
	return model.Query{
		Type:           queryType,
		Text:           m.text,
		TotalNanos:     m.totalNanos,
		ExecutionCount: m.executionCount,
		TotalRows:      m.totalRows,
	}
}

type queriesOfType struct {
	byText        map[string]*mutableQuery
	order         []*mutableQuery // insertion order
	limitExceeded *mutableQuery
}

// QueryCollector merges query statistics with a cardinality cap per query type.
// It is not safe for concurrent use.
type QueryCollector struct {
	limit               int
	hardLimitMultiplier int
	types               []string // first-seen order
	byType              map[string]*queriesOfType
}

// NewQueryCollector creates a QueryCollector that keeps at most limit queries
// per type after trimming, and up to limit*hardLimitMultiplier while building.
func NewQueryCollector(limit, hardLimitMultiplier int) *QueryCollector {
	if hardLimitMultiplier < 1 {
		hardLimitMultiplier = 1
	}
	return &QueryCollector{
		limit:               limit,
		hardLimitMultiplier: hardLimitMultiplier,
		byType:              make(map[string]*queriesOfType),
	}
}

// Merge adds one query statistic
func (qc *QueryCollector) Merge(q model.Query) {
	qt := qc.byType[q.Type]
	if qt == nil {
		qt = &queriesOfType{byText: make(map[string]*mutableQuery)}
		qc.byType[q.Type] = qt
		qc.types = append(qc.types, q.Type)
	}
	mq := qt.byText[q.Text]
	if mq == nil {
		if len(qt.order) < qc.limit*qc.hardLimitMultiplier {
			mq = newMutableQuery(q.Text)
			qt.byText[q.Text] = mq
			qt.order = append(qt.order, mq)
		} else {
			if qt.limitExceeded == nil {
				qt.limitExceeded = newMutableQuery(LimitExceededBucket)
			}
			mq = qt.limitExceeded
		}
	}
	mq.add(q.TotalNanos, q.ExecutionCount, q.TotalRows)
}

// MergeAll merges a list of query statistics
func (qc *QueryCollector) MergeAll(queries []model.Query) {
	for _, q := range queries {
		qc.Merge(q)
	}
}

// Len returns the number of distinct queries across all types, not counting
// limit exceeded entries.
func (qc *QueryCollector) Len() int {
	n := 0
	for _, qt := range qc.byType {
		n += len(qt.order)
	}
	return n
}

// Snapshot returns a copy of the collected queries, ordered by total time
// descending. Ties keep insertion order, so the result is deterministic.
// If trim is set, only the top limit queries per type are kept and the rest
// is folded into the LimitExceededBucket entry, which always comes last.
func (qc *QueryCollector) Snapshot(trim bool) []QueriesByType {
	var res []QueriesByType
	for _, typ := range qc.types {
		qt := qc.byType[typ]
		sorted := slices.Clone(qt.order)
		slices.SortStableFunc(sorted, func(a, b *mutableQuery) int {
			return cmp.Compare(b.totalNanos, a.totalNanos)
		})

		var exceeded *mutableQuery
		if qt.limitExceeded != nil {
			c := *qt.limitExceeded
			exceeded = &c
		}
		if trim && len(sorted) > qc.limit {
			if exceeded == nil {
				exceeded = newMutableQuery(LimitExceededBucket)
			}
			for _, mq := range sorted[qc.limit:] {
				exceeded.add(mq.totalNanos, mq.executionCount, mq.totalRows)
			}
			sorted = sorted[:qc.limit]
		}

		qbt := QueriesByType{
			Type:    typ,
			Queries: make([]model.Query, 0, len(sorted)+1),
		}
		for _, mq := range sorted {
			qbt.Queries = append(qbt.Queries, mq.toQuery(typ))
		}
		if exceeded != nil {
			qbt.Queries = append(qbt.Queries, exceeded.toQuery(typ))
		}
		res = append(res, qbt)
	}
	return res
}
