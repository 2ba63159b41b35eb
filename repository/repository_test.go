package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/aggregator"
	"github.com/ringstat/ringstat/cappeddb"
	"github.com/ringstat/ringstat/lmdbenv"
	"github.com/ringstat/ringstat/model"
)

const minute = int64(60_000)

func record(typ, name string, ms int64, withDetail bool) *model.TransactionRecord {
	rec := &model.TransactionRecord{
		Type:          typ,
		Name:          name,
		DurationNanos: ms * int64(time.Millisecond),
		RootTimer:     &model.Timer{Name: "http request", TotalNanos: ms * int64(time.Millisecond), Count: 1},
	}
	if withDetail {
		rec.Queries = []model.Query{{Type: "SQL", Text: "select * from t", TotalNanos: 1000, ExecutionCount: 1, TotalRows: 3}}
		rec.Profile = []*model.ProfileNode{{Frame: "main", LeafThreadState: "RUNNABLE", SampleCount: 2}}
	}
	return rec
}

func interval(t *testing.T, captureTime int64, recs ...*model.TransactionRecord) *aggregate.IntervalAggregates {
	t.Helper()
	ic := aggregator.NewIntervalCollector(captureTime, minute, 1000, 100)
	for _, rec := range recs {
		require.NoError(t, ic.Add(rec))
	}
	return ic.Build()
}

type fixture struct {
	repo   *Repository
	capped *cappeddb.DB
	env    *lmdb.Env
}

func withRepository(t *testing.T, opt Options, cappedSize datasize.ByteSize, f func(fx fixture)) {
	t.Helper()
	l, _ := test.NewNullLogger()
	capped, err := cappeddb.Open(filepath.Join(t.TempDir(), "capped.db"), cappeddb.Options{Size: cappedSize}, l)
	require.NoError(t, err)
	defer func() {
		_ = capped.Close()
	}()
	err = lmdbenv.TestEnv(func(env *lmdb.Env) error {
		repo, err := New(env, capped, opt, l)
		require.NoError(t, err)
		defer func() {
			_ = repo.Close()
		}()
		f(fixture{repo: repo, capped: capped, env: env})
		return nil
	})
	require.NoError(t, err)
}

func TestCollectAndRead(t *testing.T) {
	withRepository(t, Options{}, datasize.MB, func(fx fixture) {
		ctx := context.Background()
		r := fx.repo
		for i := int64(1); i <= 3; i++ {
			ia := interval(t, i*minute,
				record("Web", "/a", 10*i, true),
				record("Web", "/b", 20, false),
				record("Background", "job", 5, false),
			)
			require.NoError(t, r.CollectAggregates(ctx, ia))
		}

		entries, err := r.ReadOverall("Web", minute, 3*minute)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 2*minute, entries[0].Aggregate.CaptureTime)
		assert.Equal(t, 3*minute, entries[1].Aggregate.CaptureTime)
		assert.Equal(t, int64(2), entries[1].Aggregate.TransactionCount)
		assert.Equal(t, int64(50*time.Millisecond), entries[1].Aggregate.TotalNanos)
		assert.Empty(t, entries[1].Aggregate.Queries, "detail is stored separately")
		assert.GreaterOrEqual(t, entries[1].QueriesID, int64(0))

		entries, err = r.ReadTransactions("Web", "/a", 0, 10*minute)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "/a", entries[0].Aggregate.TransactionName)
		assert.Equal(t, int64(10*time.Millisecond), entries[0].Aggregate.TotalNanos)

		// A name that is a prefix of another does not match it
		entries, err = r.ReadTransactions("Web", "/", 0, 10*minute)
		require.NoError(t, err)
		assert.Empty(t, entries)

		entries, err = r.ReadTransactionsOfType("Web", minute, 2*minute)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "/a", entries[0].Aggregate.TransactionName)
		assert.Equal(t, "/b", entries[1].Aggregate.TransactionName)

		entries, err = r.ReadOverall("Background", 0, 10*minute)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, int64(-1), entries[0].QueriesID)
		assert.Equal(t, int64(-1), entries[0].ProfileID)

		entries, err = r.ReadOverall("Web", 5*minute, minute)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestReadDetail(t *testing.T) {
	withRepository(t, Options{}, datasize.MB, func(fx fixture) {
		r := fx.repo
		ia := interval(t, minute, record("Web", "/a", 10, true), record("Web", "/a", 10, true))
		require.NoError(t, r.CollectAggregates(context.Background(), ia))

		entries, err := r.ReadTransactions("Web", "/a", 0, minute)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		for i := 0; i < 2; i++ { // second read is served from the cache
			d, err := r.ReadDetail(entries[0])
			require.NoError(t, err)
			require.Len(t, d.Queries, 1)
			assert.Equal(t, "SQL", d.Queries[0].Type)
			require.Len(t, d.Queries[0].Queries, 1)
			assert.Equal(t, int64(2), d.Queries[0].Queries[0].ExecutionCount)
			assert.Equal(t, int64(6), d.Queries[0].Queries[0].TotalRows)
			require.Len(t, d.Profile, 1)
			assert.Equal(t, int64(4), d.Profile[0].SampleCount)
			assert.False(t, d.QueriesExpired)
		}

		d, err := r.ReadDetail(Entry{QueriesID: -1, ProfileID: -1})
		require.NoError(t, err)
		assert.Equal(t, Detail{}, d)
	})
}

func TestReadDetailExpired(t *testing.T) {
	withRepository(t, Options{}, cappeddb.MinSize, func(fx fixture) {
		r := fx.repo
		ia := interval(t, minute, record("Web", "/a", 10, true))
		require.NoError(t, r.CollectAggregates(context.Background(), ia))
		entries, err := r.ReadOverall("Web", 0, minute)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		d, err := r.ReadDetail(entries[0])
		require.NoError(t, err)
		require.NotNil(t, d.Queries)

		// Push the detail out of the small capped database
		for !fx.capped.IsExpired(entries[0].ProfileID) {
			_, err := fx.capped.WriteBytes("filler", make([]byte, 100))
			require.NoError(t, err)
		}
		d, err = r.ReadDetail(entries[0])
		require.NoError(t, err)
		assert.Nil(t, d.Queries)
		assert.Nil(t, d.Profile)
		assert.True(t, d.QueriesExpired)
		assert.True(t, d.ProfileExpired)

		// The summary outlives the detail
		entries, err = r.ReadOverall("Web", 0, minute)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestDeleteBefore(t *testing.T) {
	withRepository(t, Options{}, datasize.MB, func(fx fixture) {
		ctx := context.Background()
		r := fx.repo
		// Enough entries to need several delete transactions
		for i := int64(1); i <= 5; i++ {
			var recs []*model.TransactionRecord
			for j := 0; j < 300; j++ {
				recs = append(recs, record("Web", "/page/"+string(rune('a'+j%26))+string(rune('a'+j/26)), 1, false))
			}
			require.NoError(t, r.CollectAggregates(ctx, interval(t, i*minute, recs...)))
		}

		n, err := r.DeleteBefore(ctx, 3*minute)
		require.NoError(t, err)
		assert.Equal(t, 2*(1+300), n)

		entries, err := r.ReadOverall("Web", 0, 10*minute)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, 3*minute, entries[0].Aggregate.CaptureTime)

		entries, err = r.ReadTransactionsOfType("Web", 0, 10*minute)
		require.NoError(t, err)
		assert.Len(t, entries, 3*300)
	})
}

func TestRunExpiration(t *testing.T) {
	now := time.UnixMilli(10 * minute)
	opt := Options{
		Expiration:      5 * time.Minute,
		CleanupInterval: time.Hour,
		Now:             func() time.Time { return now },
	}
	withRepository(t, opt, datasize.MB, func(fx fixture) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r := fx.repo
		for _, ct := range []int64{4 * minute, 5 * minute, 6 * minute} {
			require.NoError(t, r.CollectAggregates(ctx, interval(t, ct, record("Web", "/", 1, false))))
		}

		done := make(chan error)
		go func() {
			done <- r.Run(ctx)
		}()
		require.Eventually(t, func() bool {
			entries, err := r.ReadOverall("Web", 0, 10*minute)
			return err == nil && len(entries) == 2
		}, time.Second, 5*time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestClosed(t *testing.T) {
	withRepository(t, Options{}, datasize.MB, func(fx fixture) {
		r := fx.repo
		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
		err := r.CollectAggregates(context.Background(), interval(t, minute, record("Web", "/", 1, false)))
		assert.ErrorIs(t, err, ErrClosed)
		_, err = r.ReadOverall("Web", 0, minute)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = r.DeleteBefore(context.Background(), minute)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestKeys(t *testing.T) {
	k := transactionKey("Web", "/a", 1_700_000_000_000)
	ct, err := keyCaptureTime(k)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), ct)

	_, err = keyCaptureTime([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	// Keys of one name sort by capture time
	assert.Less(t, string(overallKey("Web", 999)), string(overallKey("Web", 1000)))
}
