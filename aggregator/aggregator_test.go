package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/model"
)

type recordingSink struct {
	mu        sync.Mutex
	intervals []*aggregate.IntervalAggregates
	block     chan struct{} // if set, flushes wait for it to close
}

func (s *recordingSink) CollectAggregates(ctx context.Context, ia *aggregate.IntervalAggregates) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = append(s.intervals, ia)
	return nil
}

func (s *recordingSink) get() []*aggregate.IntervalAggregates {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*aggregate.IntervalAggregates(nil), s.intervals...)
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

func record(name string, d time.Duration) *model.TransactionRecord {
	return &model.TransactionRecord{
		Type:          "Web",
		Name:          name,
		DurationNanos: int64(d),
		RootTimer:     &model.Timer{Name: "http request", TotalNanos: int64(d), Count: 1},
	}
}

func startAggregator(t *testing.T, sink Collector, opt Options) *Aggregator {
	l, _ := test.NewNullLogger()
	a := New(sink, opt, l)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		a.Close()
		_ = a.Drain(context.Background())
	})
	return a
}

func TestAddCaptureTimeMonotonic(t *testing.T) {
	l, _ := test.NewNullLogger()
	clock := &fakeClock{}
	clock.Set(10_000)
	a := New(Discard, Options{Now: clock.Now}, l)

	assert.Equal(t, int64(10_000), a.Add(record("/", 0)))
	clock.Set(9_000) // clock jumps back
	assert.Equal(t, int64(10_000), a.Add(record("/", 0)))
	clock.Set(11_000)
	assert.Equal(t, int64(11_000), a.Add(record("/", 0)))

	// The queue is in capture time order
	q := a.takeQueue()
	require.Len(t, q, 3)
	for i := 1; i < len(q); i++ {
		assert.LessOrEqual(t, q[i-1].captureTime, q[i].captureTime)
	}
}

func TestAddConcurrentOrdering(t *testing.T) {
	l, _ := test.NewNullLogger()
	a := New(Discard, Options{}, l)

	const workers = 8
	const perWorker = 2000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				a.Add(record("/", time.Millisecond))
			}
		}()
	}
	wg.Wait()

	q := a.takeQueue()
	require.Len(t, q, workers*perWorker)
	for i := 1; i < len(q); i++ {
		if q[i-1].captureTime > q[i].captureTime {
			t.Fatalf("capture time decreased at %d: %d > %d", i, q[i-1].captureTime, q[i].captureTime)
		}
	}
}

func TestBucketEnd(t *testing.T) {
	assert.Equal(t, int64(60_000), bucketEnd(1, 60_000))
	assert.Equal(t, int64(60_000), bucketEnd(60_000, 60_000))
	assert.Equal(t, int64(120_000), bucketEnd(60_001, 60_000))
	assert.Equal(t, int64(0), bucketEnd(0, 60_000))
}

func TestBucketCompleteness(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(1_000_000_001)
	a := startAggregator(t, sink, Options{
		Interval:  time.Minute,
		PollSlack: time.Hour, // no timeout rotation in this test
		Now:       clock.Now,
	})

	for i := 0; i < 50; i++ {
		a.Add(record("/index", 100*time.Millisecond))
	}
	// A record in the next interval rotates the first one out
	clock.Set(1_000_000_001 + 60_000)
	a.Add(record("/index", time.Millisecond))

	require.Eventually(t, func() bool { return len(sink.get()) == 1 }, 5*time.Second, time.Millisecond)
	ia := sink.get()[0]
	assert.Equal(t, int64(1_000_020_000), ia.CaptureTime)
	overall := ia.Overall("Web")
	require.NotNil(t, overall)
	assert.Equal(t, int64(50), overall.TransactionCount)
	assert.Equal(t, int64(5_000*time.Millisecond), overall.TotalNanos)
	assert.Equal(t, int64(50), overall.Histogram.Count())
	tx := ia.Transaction("Web", "/index")
	require.NotNil(t, tx)
	assert.Equal(t, int64(50), tx.TransactionCount)
	require.Len(t, tx.RootTimers, 1)
	assert.Equal(t, int64(50), tx.RootTimers[0].Count)

	// The new record sits in the next active interval
	intervals := a.GetIntervalsInRange(0, 2_000_000_000)
	require.Len(t, intervals, 1)
	assert.Equal(t, int64(1_000_080_000), intervals[0].CaptureTime())
	s, ok := intervals[0].OverallSummary("Web")
	require.True(t, ok)
	assert.Equal(t, int64(1), s.TransactionCount)
}

func TestNotAvailableMerge(t *testing.T) {
	ic := NewIntervalCollector(60_000, 60_000, 0, 10)
	withStats := record("/", time.Millisecond)
	withStats.ThreadStats = &model.ThreadStats{
		CPUNanos:       500,
		BlockedNanos:   model.NotAvailable,
		WaitedNanos:    0,
		AllocatedBytes: 1024,
	}
	require.NoError(t, ic.Add(withStats))
	require.NoError(t, ic.Add(record("/", time.Millisecond)))

	a := ic.LiveAggregate("Web", "")
	require.NotNil(t, a)
	assert.Equal(t, int64(500), a.ThreadStats.CPUNanos)
	assert.Equal(t, model.NotAvailable, a.ThreadStats.BlockedNanos)
	assert.Equal(t, int64(0), a.ThreadStats.WaitedNanos)
	assert.Equal(t, int64(1024), a.ThreadStats.AllocatedBytes)
}

func TestNoLostOrDuplicateIntervals(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	clock := &fakeClock{}
	clock.Set(1)
	a := startAggregator(t, sink, Options{
		Interval:  time.Second,
		PollSlack: time.Hour,
		Now:       clock.Now,
	})

	// Five intervals, flushes are blocked so four stay pending
	for i := int64(0); i < 5; i++ {
		clock.Set(i*1000 + 1)
		a.Add(record("/", time.Millisecond))
	}
	require.Eventually(t, func() bool {
		return len(a.GetIntervalsInRange(0, 10_000)) == 5
	}, 5*time.Second, time.Millisecond)

	intervals := a.GetIntervalsInRange(0, 10_000)
	for i, ic := range intervals {
		assert.Equal(t, int64(i+1)*1000, ic.CaptureTime())
	}

	// Range bounds are (from, to]
	intervals = a.GetIntervalsInRange(2000, 4000)
	require.Len(t, intervals, 2)
	assert.Equal(t, int64(3000), intervals[0].CaptureTime())
	assert.Equal(t, int64(4000), intervals[1].CaptureTime())

	close(sink.block)
	require.Eventually(t, func() bool { return len(sink.get()) == 4 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return len(a.GetIntervalsInRange(0, 10_000)) == 1
	}, 5*time.Second, time.Millisecond)

	seen := make(map[int64]bool)
	for _, ia := range sink.get() {
		assert.False(t, seen[ia.CaptureTime], "duplicate flush of %d", ia.CaptureTime)
		seen[ia.CaptureTime] = true
		assert.Equal(t, int64(1), ia.TransactionCount())
	}
}

func TestTimeoutRotation(t *testing.T) {
	sink := &recordingSink{}
	a := startAggregator(t, sink, Options{
		Interval:  50 * time.Millisecond,
		PollSlack: 5 * time.Millisecond,
	})
	flushed := a.Flushed().Subscribe(true)
	defer flushed.Close()

	a.Add(record("/slow", 2*time.Second))

	// No further traffic, the interval must still be flushed
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ia, err := flushed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ia.TransactionCount())
	require.Len(t, sink.get(), 1)
	assert.Equal(t, ia.CaptureTime, sink.get()[0].CaptureTime)
}

func TestBadRecordDoesNotStopWorker(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(1)
	a := startAggregator(t, sink, Options{
		Interval:  time.Second,
		PollSlack: time.Hour,
		Now:       clock.Now,
	})

	a.Add(nil)
	a.Add(&model.TransactionRecord{Name: "no type"})
	a.Add(&model.TransactionRecord{Type: "Web", Name: "/", RootTimer: &model.Timer{}})
	a.Add(record("/ok", time.Millisecond))
	clock.Set(2001)
	a.Add(record("/ok", time.Millisecond))

	require.Eventually(t, func() bool { return len(sink.get()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(1), sink.get()[0].TransactionCount())
}

func TestTransactionLimit(t *testing.T) {
	ic := NewIntervalCollector(60_000, 60_000, 2, 10)
	for _, name := range []string{"/a", "/b", "/c", "/d", "/a"} {
		require.NoError(t, ic.Add(record(name, time.Millisecond)))
	}
	ia := ic.Build()
	require.Len(t, ia.Types, 1)
	names := make(map[string]int64)
	for _, tx := range ia.Types[0].Transactions {
		names[tx.TransactionName] = tx.TransactionCount
	}
	assert.Equal(t, map[string]int64{
		"/a":                          2,
		"/b":                          1,
		aggregate.LimitExceededBucket: 2,
	}, names)
	assert.Equal(t, int64(5), ia.Types[0].Overall.TransactionCount)
}

func TestLiveSummaries(t *testing.T) {
	ic := NewIntervalCollector(60_000, 60_000, 0, 10)
	assert.True(t, ic.Empty())
	failed := record("/b", 3*time.Millisecond)
	failed.ErrorMessage = "boom"
	failed.Queries = []model.Query{{Type: "SQL", Text: "select 1", TotalNanos: 10, ExecutionCount: 1, TotalRows: 1}}
	failed.Profile = []*model.ProfileNode{{Frame: "main", SampleCount: 1}}
	require.NoError(t, ic.Add(record("/a", time.Millisecond)))
	require.NoError(t, ic.Add(failed))
	require.NoError(t, ic.Add(&model.TransactionRecord{Type: "Job", Name: "cleanup"}))

	assert.Equal(t, []string{"Job", "Web"}, ic.TransactionTypes())

	s, ok := ic.OverallSummary("Web")
	require.True(t, ok)
	assert.Equal(t, Summary{TotalNanos: int64(4 * time.Millisecond), TransactionCount: 2}, s)
	_, ok = ic.OverallSummary("nope")
	assert.False(t, ok)

	summaries := ic.TransactionSummaries("Web")
	require.Len(t, summaries, 2)
	assert.Equal(t, "/a", summaries[0].TransactionName)
	assert.Equal(t, "/b", summaries[1].TransactionName)

	es, ok := ic.OverallErrorSummary("Web")
	require.True(t, ok)
	assert.Equal(t, int64(1), es.ErrorCount)
	errs := ic.TransactionErrorSummaries("Web")
	require.Len(t, errs, 1)
	assert.Equal(t, "/b", errs[0].TransactionName)

	assert.Nil(t, ic.LiveErrorPoint("Web", "/a"))
	ep := ic.LiveErrorPoint("Web", "/b")
	require.NotNil(t, ep)
	assert.Equal(t, ErrorPoint{CaptureTime: 60_000, ErrorCount: 1, TransactionCount: 1}, *ep)

	qs := ic.LiveQueries("Web", "")
	require.Len(t, qs, 1)
	assert.Equal(t, "select 1", qs[0].Queries[0].Text)
	assert.Len(t, ic.LiveProfile("Web", "/b"), 1)
	assert.Nil(t, ic.LiveProfile("Web", "/missing"))

	ic.Clear()
	assert.True(t, ic.Empty())
}

func TestDefaultQueryLimit(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(30_000)
	a := startAggregator(t, &recordingSink{}, Options{Now: clock.Now})
	assert.Equal(t, DefaultMaxQueriesPerType, a.opt.MaxQueriesPerType)

	rec := record("/a", time.Millisecond)
	rec.Queries = []model.Query{{Type: "SQL", Text: "select 1", TotalNanos: 10, ExecutionCount: 1, TotalRows: 1}}
	a.Add(rec)
	require.Eventually(t, func() bool {
		ivs := a.GetIntervalsInRange(0, 60_000)
		return len(ivs) == 1 && !ivs[0].Empty()
	}, time.Second, time.Millisecond)

	qs := a.GetIntervalsInRange(0, 60_000)[0].LiveQueries("Web", "")
	require.Len(t, qs, 1)
	require.Len(t, qs[0].Queries, 1)
	assert.Equal(t, "select 1", qs[0].Queries[0].Text)
}

func TestClearAllAndClose(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(1)
	l, _ := test.NewNullLogger()
	a := New(sink, Options{Interval: time.Second, PollSlack: time.Hour, Now: clock.Now}, l)
	done := make(chan error)
	go func() {
		done <- a.Run(context.Background())
	}()

	a.Add(record("/", time.Millisecond))
	require.Eventually(t, func() bool {
		return len(a.GetIntervalsInRange(0, 10_000)) == 1
	}, 5*time.Second, time.Millisecond)

	a.ClearAll()
	assert.Empty(t, a.GetIntervalsInRange(0, 10_000))

	a.Close()
	require.NoError(t, <-done)
	a.Close() // idempotent

	// Dropped after close
	a.Add(record("/", time.Millisecond))
	assert.Empty(t, a.takeQueue())
	require.NoError(t, a.Drain(context.Background()))
	assert.Empty(t, sink.get())
}

func TestDrainTimeout(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	clock := &fakeClock{}
	clock.Set(1)
	l, _ := test.NewNullLogger()
	a := New(sink, Options{Interval: time.Second, PollSlack: time.Hour, Now: clock.Now}, l)
	go func() {
		_ = a.Run(context.Background())
	}()

	a.Add(record("/", time.Millisecond))
	clock.Set(1001)
	a.Add(record("/", time.Millisecond))
	require.Eventually(t, func() bool {
		return len(a.GetIntervalsInRange(0, 10_000)) == 2
	}, 5*time.Second, time.Millisecond)

	a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Drain(ctx), context.DeadlineExceeded)

	// The canceled flush finishes and leaves the pending list
	require.Eventually(t, func() bool {
		return len(a.GetIntervalsInRange(0, 10_000)) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, sink.get())
}

func TestMultiCollector(t *testing.T) {
	var calls int
	failing := CollectorFunc(func(context.Context, *aggregate.IntervalAggregates) error {
		calls++
		return assert.AnError
	})
	ok := &recordingSink{}
	mc := MultiCollector{failing, ok, failing}
	err := mc.CollectAggregates(context.Background(), &aggregate.IntervalAggregates{CaptureTime: 1})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)
	assert.Len(t, ok.get(), 1)
}
