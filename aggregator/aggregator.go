// Package aggregator turns a stream of transaction records into per-interval
// aggregates. A single worker merges records into the active interval and
// rotates it out when a record for a later interval arrives, or when the
// interval has ended while no records came in. Rotated intervals are
// flushed to a Collector in the background.
package aggregator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/model"
	"github.com/ringstat/ringstat/status/healthtracker"
	"github.com/ringstat/ringstat/utils/climit"
	"github.com/ringstat/ringstat/utils/topics"
)

const (
	DefaultInterval          = time.Minute
	DefaultPollSlack         = time.Second
	DefaultFlushConcurrency  = 2
	DefaultMaxQueriesPerType = 500
)

// Options configure an Aggregator
type Options struct {
	Interval               time.Duration
	MaxTransactionsPerType int // 0 means unlimited
	MaxQueriesPerType      int // DefaultMaxQueriesPerType if not positive
	FlushConcurrency       int
	PollSlack              time.Duration

	// Health tracks consecutive flush failures, may be nil
	Health *healthtracker.HealthTracker

	// Now overrides the clock, used by tests
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval < time.Millisecond {
		o.Interval = DefaultInterval
	}
	if o.PollSlack <= 0 {
		o.PollSlack = DefaultPollSlack
	}
	if o.MaxQueriesPerType <= 0 {
		o.MaxQueriesPerType = DefaultMaxQueriesPerType
	}
	if o.FlushConcurrency <= 0 {
		o.FlushConcurrency = DefaultFlushConcurrency
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type pendingRecord struct {
	captureTime int64
	record      *model.TransactionRecord
}

// Aggregator owns the ingestion queue, the aggregation worker and the
// intervals that are active or waiting to be flushed.
type Aggregator struct {
	sink           Collector
	opt            Options
	intervalMillis int64
	l              logrus.FieldLogger

	// mu is the enqueue lock. It also guards the rotation decision when
	// an interval times out.
	mu              sync.Mutex
	queue           []pendingRecord
	lastCaptureTime int64
	notify          chan struct{}

	active    atomic.Pointer[IntervalCollector]
	pendingMu sync.Mutex
	pending   []*IntervalCollector

	flushLimit  *climit.ConcurrencyLimit
	flushWG     sync.WaitGroup
	flushCtx    context.Context
	flushCancel context.CancelFunc
	flushed     *topics.Topic[*aggregate.IntervalAggregates]

	errLimiter *rate.Limiter

	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	done     chan struct{}
}

// New creates an Aggregator that flushes to sink. Call Run to start the worker.
func New(sink Collector, opt Options, l logrus.FieldLogger) *Aggregator {
	opt = opt.withDefaults()
	l = l.WithField("component", "aggregator")
	flushCtx, flushCancel := context.WithCancel(context.Background())
	return &Aggregator{
		sink:           sink,
		opt:            opt,
		intervalMillis: opt.Interval.Milliseconds(),
		l:              l,
		notify:         make(chan struct{}, 1),
		flushLimit:     climit.New("aggregator", "flush", opt.FlushConcurrency, l),
		flushCtx:       flushCtx,
		flushCancel:    flushCancel,
		flushed:        topics.New[*aggregate.IntervalAggregates](),
		errLimiter:     rate.NewLimiter(rate.Every(time.Second), 10),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (a *Aggregator) nowMillis() int64 {
	return a.opt.Now().UnixMilli()
}

// Add enqueues a record and returns its capture time. Capture times never
// decrease, even if the clock goes backwards. It never waits for the
// aggregation itself. After Close the record is dropped.
func (a *Aggregator) Add(rec *model.TransactionRecord) int64 {
	a.mu.Lock()
	ct := max(a.nowMillis(), a.lastCaptureTime)
	a.lastCaptureTime = ct
	queued := !a.closed.Load()
	if queued {
		a.queue = append(a.queue, pendingRecord{captureTime: ct, record: rec})
		metricQueueLength.Set(float64(len(a.queue)))
	}
	a.mu.Unlock()

	if !queued {
		metricRecords.WithLabelValues("dropped").Inc()
		return ct
	}
	metricRecords.WithLabelValues("queued").Inc()
	select {
	case a.notify <- struct{}{}:
	default:
		// Worker already has a wakeup pending
	}
	return ct
}

// Flushed returns the topic on which every successfully flushed interval
// is published
func (a *Aggregator) Flushed() *topics.Topic[*aggregate.IntervalAggregates] {
	return a.flushed
}

// Run runs the aggregation worker until the context is canceled or
// Close is called.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("aggregator worker already running")
	}
	defer close(a.done)

	a.l.WithField("interval", a.opt.Interval).Info("Aggregation worker started")
	defer a.l.Info("Aggregation worker stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		// Wait at most until the active interval ends
		var timeout <-chan time.Time
		if active := a.active.Load(); active != nil {
			wait := time.Duration(active.CaptureTime()-a.nowMillis())*time.Millisecond + a.opt.PollSlack
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(max(wait, 0))
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.stop:
			return nil
		case <-a.notify:
			for _, p := range a.takeQueue() {
				a.process(p)
			}
		case <-timeout:
			a.maybeEndOfInterval()
		}
	}
}

func (a *Aggregator) takeQueue() []pendingRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queue
	a.queue = nil
	metricQueueLength.Set(0)
	return q
}

// process merges one record. A failure, including a panic, is logged and
// never stops the worker.
func (a *Aggregator) process(p pendingRecord) {
	defer func() {
		if r := recover(); r != nil {
			a.recordFailed(p, fmt.Errorf("panic: %v", r))
		}
	}()

	active := a.active.Load()
	if active == nil || p.captureTime > active.CaptureTime() {
		active = a.rotate(p.captureTime)
		metricRotations.WithLabelValues("record").Inc()
	}
	if err := active.Add(p.record); err != nil {
		a.recordFailed(p, err)
		return
	}
	metricRecords.WithLabelValues("merged").Inc()
}

func (a *Aggregator) recordFailed(p pendingRecord, err error) {
	metricRecords.WithLabelValues("failed").Inc()
	if !a.errLimiter.Allow() {
		metricSuppressedLogs.Inc()
		return
	}
	l := a.l.WithError(err).WithField("capture_time", p.captureTime)
	if p.record != nil {
		l = l.WithField("transaction_type", p.record.Type)
	}
	l.Error("Failed to aggregate record")
}

// maybeEndOfInterval rotates the active interval when its end has passed
// and no records are waiting. The check runs under the enqueue lock, so a
// record for the current interval cannot be added in between.
func (a *Aggregator) maybeEndOfInterval() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) > 0 {
		// The worker will see these records first
		return
	}
	active := a.active.Load()
	now := a.nowMillis()
	if active == nil || now <= active.CaptureTime() {
		return
	}
	// Later records must not land in the interval that is rotated out
	a.lastCaptureTime = max(a.lastCaptureTime, now)
	a.rotate(now)
	metricRotations.WithLabelValues("timeout").Inc()
}

// rotate replaces the active interval by a new one that contains t and
// starts flushing the old one. Only called by the worker.
func (a *Aggregator) rotate(t int64) *IntervalCollector {
	next := NewIntervalCollector(bucketEnd(t, a.intervalMillis), a.intervalMillis,
		a.opt.MaxTransactionsPerType, a.opt.MaxQueriesPerType)

	old := a.active.Load()
	if old != nil {
		// Added before the swap, so readers never miss it
		a.pendingMu.Lock()
		a.pending = append(a.pending, old)
		metricPendingIntervals.Set(float64(len(a.pending)))
		a.pendingMu.Unlock()
	}
	a.active.Store(next)
	if old != nil {
		a.flushAsync(old)
	}
	return next
}

func (a *Aggregator) flushAsync(ic *IntervalCollector) {
	a.flushWG.Add(1)
	go func() {
		defer a.flushWG.Done()
		defer a.removePending(ic)

		l := a.l.WithField("capture_time", ic.CaptureTime())
		token, err := a.flushLimit.AcquireContext(a.flushCtx)
		if err != nil {
			metricFlushes.WithLabelValues("canceled").Inc()
			l.Warn("Interval flush abandoned")
			return
		}
		defer token.Release()

		t0 := time.Now()
		ia, err := ic.Flush(a.flushCtx, a.sink)
		dt := time.Since(t0)
		metricFlushSeconds.Observe(dt.Seconds())
		if err != nil {
			metricFlushes.WithLabelValues("error").Inc()
			a.opt.Health.AddFailure()
			l.WithError(err).Error("Interval flush failed")
			return
		}
		a.opt.Health.AddSuccess()
		if ia == nil {
			metricFlushes.WithLabelValues("empty").Inc()
			l.Debug("Skipped empty interval")
			return
		}
		token.Release()
		metricFlushes.WithLabelValues("ok").Inc()
		metricLastFlushedCaptureTime.Set(float64(ic.CaptureTime()) / 1000)
		l.WithFields(logrus.Fields{
			"transactions": ia.TransactionCount(),
			"time_flush":   dt.Round(time.Millisecond),
		}).Debug("Interval flushed")

		if err := a.flushed.PublishContext(a.flushCtx, ia); err != nil {
			l.WithError(err).Warn("Flushed interval not delivered to all subscribers")
		}
	}()
}

func (a *Aggregator) removePending(ic *IntervalCollector) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	a.pending = slices.DeleteFunc(a.pending, func(p *IntervalCollector) bool {
		return p == ic
	})
	metricPendingIntervals.Set(float64(len(a.pending)))
}

// GetIntervalsInRange returns the active and pending intervals with a
// capture time in (from, to], ordered by capture time. Every interval is
// returned once.
func (a *Aggregator) GetIntervalsInRange(from, to int64) []*IntervalCollector {
	// Active first, then pending, so an interval that is being rotated
	// out is always seen in one of them.
	var all []*IntervalCollector
	if active := a.active.Load(); active != nil {
		all = append(all, active)
	}
	a.pendingMu.Lock()
	all = append(all, a.pending...)
	a.pendingMu.Unlock()

	res := lo.Filter(lo.Uniq(all), func(ic *IntervalCollector, _ int) bool {
		ct := ic.CaptureTime()
		return ct > from && ct <= to
	})
	slices.SortFunc(res, func(x, y *IntervalCollector) int {
		return cmp.Compare(x.CaptureTime(), y.CaptureTime())
	})
	return res
}

// ClearAll drops all queued records and in-memory intervals. Flushes that
// already started still complete.
func (a *Aggregator) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = nil
	metricQueueLength.Set(0)
	if active := a.active.Swap(nil); active != nil {
		active.Clear()
	}
	a.pendingMu.Lock()
	for _, ic := range a.pending {
		ic.Clear()
	}
	a.pending = nil
	metricPendingIntervals.Set(0)
	a.pendingMu.Unlock()
	a.l.Info("Cleared all intervals")
}

// Close stops the worker and waits for it to exit. The active interval
// is not flushed. Records added after Close are dropped.
// It is safe to call more than once.
func (a *Aggregator) Close() {
	a.closed.Store(true)
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	if a.running.Load() {
		<-a.done
	}
}

// Drain waits until all started flushes are done. If the context ends
// first, remaining flushes are canceled. Call it after Close.
func (a *Aggregator) Drain(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		a.flushWG.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		a.flushCancel()
		return ctx.Err()
	}
}
