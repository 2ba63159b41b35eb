package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringstat/ringstat/histogram"
	"github.com/ringstat/ringstat/model"
	"github.com/ringstat/ringstat/utils/pbutil"
)

func testAggregate(name string) *Aggregate {
	h := histogram.New()
	h.Add(int64(100 * time.Millisecond))
	h.Add(int64(250 * time.Millisecond))
	return &Aggregate{
		TransactionType:  "Web",
		TransactionName:  name,
		CaptureTime:      1_700_000_060_000,
		TotalNanos:       int64(350 * time.Millisecond),
		TransactionCount: 2,
		ErrorCount:       1,
		ThreadStats: model.ThreadStats{
			CPUNanos:       0,
			BlockedNanos:   12,
			WaitedNanos:    model.NotAvailable,
			AllocatedBytes: 4096,
		},
		Histogram: h,
		RootTimers: []*model.Timer{
			timer("http", 350, timer("jdbc", 100, timer("connect", 1))),
		},
		Queries: []QueriesByType{
			{Type: "SQL", Queries: []model.Query{
				{Type: "SQL", Text: "select 1", TotalNanos: 9, ExecutionCount: 2, TotalRows: 0},
				{Type: "SQL", Text: LimitExceededBucket, TotalNanos: 1, ExecutionCount: 1, TotalRows: model.NotAvailable},
			}},
		},
		Profile: []*model.ProfileNode{
			{Frame: "main", SampleCount: 2, Children: []*model.ProfileNode{
				{Frame: "work", LeafThreadState: "RUNNABLE", SampleCount: 2},
			}},
		},
	}
}

func TestAggregateRoundTrip(t *testing.T) {
	a := testAggregate("/index")
	var out Aggregate
	require.NoError(t, out.Unmarshal(a.Marshal()))

	assert.Equal(t, a.TransactionType, out.TransactionType)
	assert.Equal(t, a.TransactionName, out.TransactionName)
	assert.Equal(t, a.CaptureTime, out.CaptureTime)
	assert.Equal(t, a.TotalNanos, out.TotalNanos)
	assert.Equal(t, a.TransactionCount, out.TransactionCount)
	assert.Equal(t, a.ErrorCount, out.ErrorCount)
	assert.Equal(t, a.ThreadStats, out.ThreadStats, "zero and not available must both survive")
	assert.Equal(t, int64(2), out.Histogram.Count())
	assert.Equal(t, a.Histogram.ValueAtQuantile(100), out.Histogram.ValueAtQuantile(100))
	assert.Equal(t, a.RootTimers, out.RootTimers)
	assert.Equal(t, a.Queries, out.Queries)
	assert.Equal(t, a.Profile, out.Profile)
}

func TestAggregateSummaryOmitsDetail(t *testing.T) {
	a := testAggregate("")
	summary := a.MarshalSummary()
	assert.Less(t, len(summary), len(a.Marshal()))

	var out Aggregate
	require.NoError(t, out.Unmarshal(summary))
	assert.Equal(t, a.TransactionCount, out.TransactionCount)
	assert.Equal(t, a.RootTimers, out.RootTimers)
	assert.Nil(t, out.Queries)
	assert.Nil(t, out.Profile)
}

func TestAggregateUnmarshalEmpty(t *testing.T) {
	var out Aggregate
	require.NoError(t, out.Unmarshal(nil))
	assert.Equal(t, model.NotAvailableThreadStats(), out.ThreadStats)
	assert.Equal(t, int64(0), out.Histogram.Count())
}

func TestDetailRoundTrip(t *testing.T) {
	a := testAggregate("/x")

	queries, err := UnmarshalQueries(MarshalQueries(a.Queries))
	require.NoError(t, err)
	assert.Equal(t, a.Queries, queries)

	profile, err := UnmarshalProfile(MarshalProfile(a.Profile))
	require.NoError(t, err)
	assert.Equal(t, a.Profile, profile)

	queries, err = UnmarshalQueries(nil)
	require.NoError(t, err)
	assert.Nil(t, queries)
}

func TestIntervalAggregatesRoundTrip(t *testing.T) {
	ia := &IntervalAggregates{
		CaptureTime: 1_700_000_060_000,
		Types: []TypeAggregates{{
			TransactionType: "Web",
			Overall:         testAggregate(""),
			Transactions:    []*Aggregate{testAggregate("/a"), testAggregate("/b")},
		}},
	}
	var out IntervalAggregates
	require.NoError(t, out.Unmarshal(ia.Marshal()))
	assert.Equal(t, ia.CaptureTime, out.CaptureTime)
	require.Len(t, out.Types, 1)
	assert.Equal(t, "Web", out.Types[0].TransactionType)
	require.NotNil(t, out.Types[0].Overall)
	assert.Equal(t, "", out.Types[0].Overall.TransactionName)
	require.Len(t, out.Types[0].Transactions, 2)
	assert.Equal(t, "/b", out.Types[0].Transactions[1].TransactionName)
	assert.Equal(t, ia.Types[0].Transactions[1].Profile, out.Types[0].Transactions[1].Profile)
}

func TestUnmarshalTooDeep(t *testing.T) {
	// Build a timer nested deeper than allowed
	var b []byte
	for i := 0; i < maxTreeDepth+2; i++ {
		inner := pbutil.AppendString(nil, FieldTimerName, "t")
		if b != nil {
			inner = pbutil.AppendMessage(inner, FieldTimerChild, b)
		}
		b = inner
	}
	data := pbutil.AppendMessage(nil, FieldAggregateRootTimer, b)
	var out Aggregate
	assert.ErrorIs(t, out.Unmarshal(data), ErrTreeTooDeep)
}

func TestUnmarshalCorrupt(t *testing.T) {
	a := testAggregate("/index")
	data := a.Marshal()
	var out Aggregate
	assert.Error(t, out.Unmarshal(data[:len(data)-3]))
}
