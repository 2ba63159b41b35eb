package limitscanner

import (
	"fmt"
	"testing"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringstat/ringstat/lmdbenv"
)

func scanAll(t *testing.T, env *lmdb.Env, opt Options) (keys []string, last LimitCursor) {
	t.Helper()
	err := env.View(func(txn *lmdb.Txn) error {
		opt.Txn = txn
		ls, err := NewLimitScanner(opt)
		require.NoError(t, err)
		defer ls.Close()
		for ls.Scan() {
			keys = append(keys, string(ls.Key()))
		}
		last = ls.Last()
		if err := ls.Err(); err != nil && err != ErrLimitReached {
			return err
		}
		return nil
	})
	require.NoError(t, err)
	return keys, last
}

func TestLimitScanner(t *testing.T) {
	err := lmdbenv.TestEnv(func(env *lmdb.Env) error {
		var dbi lmdb.DBI
		err := env.Update(func(txn *lmdb.Txn) error {
			var err error
			dbi, err = txn.OpenDBI("test", lmdb.Create)
			require.NoError(t, err)
			for _, prefix := range []string{"a", "b"} {
				for i := 1; i <= 250; i++ {
					key := fmt.Sprintf("%s\x00%05d", prefix, i)
					require.NoError(t, txn.Put(dbi, []byte(key), []byte("v"), 0))
				}
			}
			return nil
		})
		require.NoError(t, err)

		var last LimitCursor
		t.Run("limited-scan", func(t *testing.T) {
			keys, l := scanAll(t, env, Options{DBI: dbi, Prefix: []byte("b\x00"), LimitRecords: 100})
			assert.Len(t, keys, 100)
			assert.Equal(t, "b\x0000001", keys[0])
			assert.Equal(t, "b\x0000100", string(l.Key()))
			last = l
		})

		t.Run("limited-scan-continued-deleted", func(t *testing.T) {
			err := env.Update(func(txn *lmdb.Txn) error {
				return txn.Del(dbi, last.Key(), nil)
			})
			require.NoError(t, err)
			keys, l := scanAll(t, env, Options{DBI: dbi, Prefix: []byte("b\x00"), LimitRecords: 10, Last: last})
			assert.Len(t, keys, 10)
			assert.Equal(t, "b\x0000101", keys[0])
			assert.Equal(t, "b\x0000110", string(l.Key()))
			last = l
		})

		t.Run("limited-scan-final", func(t *testing.T) {
			keys, l := scanAll(t, env, Options{DBI: dbi, Prefix: []byte("b\x00"), LimitRecords: 1000, Last: last})
			assert.Len(t, keys, 140)
			assert.True(t, l.IsZero(), "prefix exhausted")
		})

		t.Run("range", func(t *testing.T) {
			keys, l := scanAll(t, env, Options{
				DBI:    dbi,
				Prefix: []byte("a\x00"),
				Start:  []byte("a\x0000010"),
				End:    []byte("a\x0000020"),
			})
			assert.Len(t, keys, 10)
			assert.Equal(t, "a\x0000019", keys[9])
			assert.True(t, l.IsZero())
		})

		t.Run("limited-by-time", func(t *testing.T) {
			keys, l := scanAll(t, env, Options{
				DBI:                     dbi,
				LimitDuration:           time.Nanosecond,
				LimitDurationCheckEvery: 50,
			})
			// The clock is only checked every 50 records
			assert.Len(t, keys, 50)
			assert.False(t, l.IsZero())
		})

		t.Run("limited-by-plenty-of-time", func(t *testing.T) {
			keys, l := scanAll(t, env, Options{
				DBI:                     dbi,
				LimitDuration:           time.Minute,
				LimitDurationCheckEvery: 50,
			})
			assert.Len(t, keys, 499)
			assert.True(t, l.IsZero())
		})

		t.Run("delete-while-scanning", func(t *testing.T) {
			err := env.Update(func(txn *lmdb.Txn) error {
				ls, err := NewLimitScanner(Options{Txn: txn, DBI: dbi, Prefix: []byte("a\x00"), LimitRecords: 30})
				require.NoError(t, err)
				defer ls.Close()
				for ls.Scan() {
					if err := ls.Cursor().Del(0); err != nil {
						return err
					}
				}
				assert.Equal(t, "a\x0000030", string(ls.Last().Key()))
				return nil
			})
			require.NoError(t, err)
			keys, _ := scanAll(t, env, Options{DBI: dbi, Prefix: []byte("a\x00")})
			assert.Len(t, keys, 220)
			assert.Equal(t, "a\x0000031", keys[0])
		})
		return nil
	})
	require.NoError(t, err)
}
