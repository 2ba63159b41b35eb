// Package repository stores flushed aggregates. Summaries go into an LMDB,
// keyed by transaction type, name and capture time. The bulky queries and
// profiles go into the capped database and may expire before the summary.
package repository

import (
	"bytes"
	"context"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/aggregator"
	"github.com/ringstat/ringstat/cappeddb"
	"github.com/ringstat/ringstat/lmdbenv"
	"github.com/ringstat/ringstat/lmdbenv/limitscanner"
	"github.com/ringstat/ringstat/model"
	"github.com/ringstat/ringstat/utils"
)

const (
	DBIOverall     = "overall"
	DBITransaction = "transaction"

	// Capped database block types
	TypeQueries = "queries"
	TypeProfile = "profile"

	DefaultCleanupInterval = 5 * time.Minute
	DefaultCacheSize       = 256

	// deleteChunkSize limits the number of deletes per write transaction
	deleteChunkSize = 1000
)

var ErrClosed = errors.New("repository is closed")

// DBINames lists the DBIs used by the repository
var DBINames = []string{DBIOverall, DBITransaction}

type Options struct {
	// Expiration is how long summaries are kept, 0 keeps them forever
	Expiration      time.Duration
	CleanupInterval time.Duration
	// CacheSize is the number of decoded detail blobs kept in memory
	CacheSize int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Repository implements aggregator.Collector
type Repository struct {
	env         *lmdb.Env
	overall     lmdb.DBI
	transaction lmdb.DBI
	capped      *cappeddb.DB
	opt         Options
	l           logrus.FieldLogger
	cache       *lru.Cache
	closed      atomic.Bool
}

var _ aggregator.Collector = (*Repository)(nil)

// New creates a repository on an open env and capped database. The caller
// keeps ownership of both and closes them after Close.
func New(env *lmdb.Env, capped *cappeddb.DB, opt Options, l logrus.FieldLogger) (*Repository, error) {
	opt = opt.withDefaults()
	dbis, err := lmdbenv.OpenDBIs(env, DBINames...)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(opt.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "detail cache")
	}
	r := &Repository{
		env:         env,
		overall:     dbis[DBIOverall],
		transaction: dbis[DBITransaction],
		capped:      capped,
		opt:         opt,
		l:           l.WithField("component", "repository"),
		cache:       cache,
	}

	err = env.View(func(txn *lmdb.Txn) error {
		empty, err := lmdbenv.IsEmpty(txn, r.overall)
		if err != nil {
			return err
		}
		if empty {
			r.l.Info("Repository is empty")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CollectAggregates stores the aggregates of one interval. Failing to store
// the queries or profile of an aggregate is logged and the summary is kept
// without them.
func (r *Repository) CollectAggregates(ctx context.Context, ia *aggregate.IntervalAggregates) error {
	if r.closed.Load() {
		return ErrClosed
	}
	t0 := time.Now()

	type put struct {
		dbi lmdb.DBI
		key []byte
		val []byte
	}
	var puts []put
	for _, ta := range ia.Types {
		if ta.Overall != nil {
			e := r.newEntry(ta.Overall)
			puts = append(puts, put{r.overall, overallKey(ta.TransactionType, ia.CaptureTime), e.Marshal()})
		}
		for _, a := range ta.Transactions {
			e := r.newEntry(a)
			puts = append(puts, put{r.transaction, transactionKey(ta.TransactionType, a.TransactionName, ia.CaptureTime), e.Marshal()})
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.env.Update(func(txn *lmdb.Txn) error {
		for _, p := range puts {
			if err := txn.Put(p.dbi, p.key, p.val, 0); err != nil {
				return errors.Wrapf(err, "put %s", utils.DisplayASCII(p.key))
			}
		}
		return nil
	})
	if err != nil {
		metricWrites.WithLabelValues("failed").Inc()
		return errors.Wrap(err, "store aggregates")
	}
	metricWrites.WithLabelValues("ok").Inc()
	metricEntriesWritten.Add(float64(len(puts)))
	metricWriteDuration.Observe(time.Since(t0).Seconds())
	r.l.WithFields(logrus.Fields{
		"capture_time": utils.FormatMillis(ia.CaptureTime),
		"entries":      len(puts),
	}).Debug("Stored aggregates")
	return nil
}

// newEntry writes the detail of an aggregate to the capped database
func (r *Repository) newEntry(a *aggregate.Aggregate) *Entry {
	return &Entry{
		Aggregate: a,
		QueriesID: r.writeDetail(TypeQueries, a, len(a.Queries) > 0, func() []byte {
			return aggregate.MarshalQueries(a.Queries)
		}),
		ProfileID: r.writeDetail(TypeProfile, a, len(a.Profile) > 0, func() []byte {
			return aggregate.MarshalProfile(a.Profile)
		}),
	}
}

func (r *Repository) writeDetail(typ string, a *aggregate.Aggregate, present bool, encode func() []byte) int64 {
	if !present {
		return -1
	}
	id, err := r.capped.WriteBytes(typ, encode())
	if err != nil {
		metricDetailWriteFailed.WithLabelValues(typ).Inc()
		r.l.WithError(err).WithFields(logrus.Fields{
			"type":             typ,
			"transaction_type": a.TransactionType,
			"transaction_name": a.TransactionName,
		}).Warn("Could not store aggregate detail")
		return -1
	}
	return id
}

// ReadOverall returns the overall entries of a transaction type with a capture
// time in (from, to], sorted by capture time.
func (r *Repository) ReadOverall(transactionType string, from, to int64) ([]Entry, error) {
	return r.readRange(r.overall, typePrefix(transactionType), from, to)
}

// ReadTransactions returns the entries of one transaction name with a
// capture time in (from, to], sorted by capture time.
func (r *Repository) ReadTransactions(transactionType, transactionName string, from, to int64) ([]Entry, error) {
	return r.readRange(r.transaction, namePrefix(transactionType, transactionName), from, to)
}

// ReadTransactionsOfType returns the entries of all transaction names of a
// type with a capture time in (from, to], sorted by name and capture time.
func (r *Repository) ReadTransactionsOfType(transactionType string, from, to int64) ([]Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var entries []Entry
	err := r.env.View(func(txn *lmdb.Txn) error {
		return r.scan(txn, limitscanner.Options{
			DBI:    r.transaction,
			Prefix: typePrefix(transactionType),
		}, func(key, val []byte) error {
			ct, err := keyCaptureTime(key)
			if err != nil {
				return err
			}
			if ct <= from || ct > to {
				return nil
			}
			var e Entry
			if err := e.Unmarshal(val); err != nil {
				return errors.Wrapf(err, "decode %s", utils.DisplayASCII(key))
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func (r *Repository) readRange(dbi lmdb.DBI, prefix []byte, from, to int64) ([]Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if to <= from {
		return nil, nil
	}
	start, end := rangeKeys(prefix, from, to)
	var entries []Entry
	err := r.env.View(func(txn *lmdb.Txn) error {
		return r.scan(txn, limitscanner.Options{
			DBI:    dbi,
			Prefix: prefix,
			Start:  start,
			End:    end,
		}, func(key, val []byte) error {
			var e Entry
			if err := e.Unmarshal(val); err != nil {
				return errors.Wrapf(err, "decode %s", utils.DisplayASCII(key))
			}
			entries = append(entries, e)
			return nil
		})
	})
	metricReads.Inc()
	return entries, err
}

func (r *Repository) scan(txn *lmdb.Txn, opt limitscanner.Options, f func(key, val []byte) error) error {
	opt.Txn = txn
	ls, err := limitscanner.NewLimitScanner(opt)
	if err != nil {
		return err
	}
	defer ls.Close()
	for ls.Scan() {
		if err := f(ls.Key(), ls.Val()); err != nil {
			return err
		}
	}
	return ls.Err()
}

// Detail holds the queries and profile of an entry. A field is nil when the
// entry had none or when it expired from the capped database.
type Detail struct {
	Queries        []aggregate.QueriesByType
	Profile        []*model.ProfileNode
	QueriesExpired bool
	ProfileExpired bool
}

// ReadDetail loads the queries and profile of an entry
func (r *Repository) ReadDetail(e Entry) (Detail, error) {
	var d Detail
	if r.closed.Load() {
		return d, ErrClosed
	}
	v, expired, err := r.readDetail(TypeQueries, e.QueriesID, func(b []byte) (any, error) {
		return aggregate.UnmarshalQueries(b)
	})
	if err != nil {
		return d, err
	}
	if v != nil {
		d.Queries = v.([]aggregate.QueriesByType)
	}
	d.QueriesExpired = expired

	v, expired, err = r.readDetail(TypeProfile, e.ProfileID, func(b []byte) (any, error) {
		return aggregate.UnmarshalProfile(b)
	})
	if err != nil {
		return d, err
	}
	if v != nil {
		d.Profile = v.([]*model.ProfileNode)
	}
	d.ProfileExpired = expired
	return d, nil
}

func (r *Repository) readDetail(typ string, id int64, decode func([]byte) (any, error)) (v any, expired bool, err error) {
	if id < 0 {
		return nil, false, nil
	}
	if r.capped.IsExpired(id) {
		r.cache.Remove(id)
		metricDetailReads.WithLabelValues("expired").Inc()
		return nil, true, nil
	}
	if v, ok := r.cache.Get(id); ok {
		metricDetailReads.WithLabelValues("hit").Inc()
		return v, false, nil
	}

	var buf bytes.Buffer
	expired, err = r.capped.ReadTo(id, &buf)
	if errors.Is(err, cappeddb.ErrRolledOverMidRead) {
		expired, err = true, nil
	}
	if err != nil {
		metricDetailReads.WithLabelValues("error").Inc()
		return nil, false, errors.Wrapf(err, "read %s %d", typ, id)
	}
	if expired {
		metricDetailReads.WithLabelValues("expired").Inc()
		return nil, true, nil
	}
	v, err = decode(buf.Bytes())
	if err != nil {
		metricDetailReads.WithLabelValues("error").Inc()
		return nil, false, errors.Wrapf(err, "decode %s %d", typ, id)
	}
	metricDetailReads.WithLabelValues("miss").Inc()
	r.cache.Add(id, v)
	return v, false, nil
}

// DeleteBefore removes all entries with a capture time before captureTime.
// The deletes are spread over several write transactions.
func (r *Repository) DeleteBefore(ctx context.Context, captureTime int64) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	var total int
	for _, dbi := range []lmdb.DBI{r.overall, r.transaction} {
		var last limitscanner.LimitCursor
		for {
			var n int
			err := r.env.Update(func(txn *lmdb.Txn) error {
				ls, err := limitscanner.NewLimitScanner(limitscanner.Options{
					Txn:          txn,
					DBI:          dbi,
					LimitRecords: deleteChunkSize,
					Last:         last,
				})
				if err != nil {
					return err
				}
				defer ls.Close()
				for ls.Scan() {
					ct, err := keyCaptureTime(ls.Key())
					if err != nil {
						r.l.WithField("key", utils.DisplayASCII(ls.Key())).Warn("Removing invalid key")
					} else if ct >= captureTime {
						continue
					}
					if err := ls.Cursor().Del(0); err != nil {
						return errors.Wrap(err, "delete")
					}
					n++
				}
				last = ls.Last()
				if err := ls.Err(); err != nil && !errors.Is(err, limitscanner.ErrLimitReached) {
					return err
				}
				return nil
			})
			if err != nil {
				return total, err
			}
			total += n
			metricEntriesDeleted.Add(float64(n))
			if last.IsZero() {
				break
			}
			if err := ctx.Err(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Run removes expired entries periodically until the context is canceled
func (r *Repository) Run(ctx context.Context) error {
	if r.opt.Expiration <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		cutoff := r.opt.Now().Add(-r.opt.Expiration).UnixMilli()
		n, err := r.DeleteBefore(ctx, cutoff)
		switch {
		case err != nil && !utils.IsCanceled(ctx):
			r.l.WithError(err).Warn("Cleanup failed")
		case n > 0:
			r.l.WithFields(logrus.Fields{
				"deleted": n,
				"before":  utils.FormatMillis(cutoff),
			}).Info("Removed expired aggregates")
		}
		if err := utils.SleepContextPerturb(ctx, r.opt.CleanupInterval); err != nil {
			return err
		}
	}
}

// Close stops all further reads and writes. The env and capped database
// are not closed.
func (r *Repository) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cache.Purge()
	return nil
}
