package stats

import (
	"testing"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringstat/ringstat/lmdbenv"
)

func collect(c *Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 1000) // buffer large enough for Collect
	c.Collect(ch)
	close(ch)
	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}
	return metrics
}

func TestCollector(t *testing.T) {
	err := lmdbenv.TestEnv(func(env *lmdb.Env) error {
		_, err := lmdbenv.OpenDBIs(env, "overall", "transaction")
		require.NoError(t, err)

		l, hook := test.NewNullLogger()
		c := NewCollector(l)
		// 5 env metrics, 6 per DBI, 2 totals
		c.AddTarget("repository", []string{"overall", "transaction"}, env)
		assert.Len(t, collect(c), 6+2*6+2)

		// DBIs that do not exist yet are skipped
		c.AddTarget("repository", []string{"overall", "not-yet"}, env)
		assert.Len(t, collect(c), 6+6+2)
		assert.Empty(t, hook.AllEntries())

		c.RemoveTarget("repository")
		assert.Empty(t, collect(c))
		return nil
	})
	require.NoError(t, err)
}

func TestLog(t *testing.T) {
	err := lmdbenv.TestEnv(func(env *lmdb.Env) error {
		_, err := lmdbenv.OpenDBIs(env, "overall")
		require.NoError(t, err)

		l, hook := test.NewNullLogger()
		require.NoError(t, Log(env, []string{"overall"}, l))
		entries := hook.AllEntries()
		require.Len(t, entries, 2)
		assert.Equal(t, logrus.InfoLevel, entries[1].Level)
		assert.Equal(t, "overall", entries[1].Data["db"])

		assert.Error(t, Log(env, []string{"missing"}, l))
		return nil
	})
	require.NoError(t, err)
}

func TestReaderList(t *testing.T) {
	var ril ReaderInfoList
	for _, line := range []string{
		"  1234 7f0a2b3c4d5e 42\n",
		"  1234 7f0a2b3c4d5f 40\n",
		"  1235 7f0a2b3c4d60 -\n",
		"(no active readers)\n",
	} {
		ril = appendReaderLine(ril, line)
	}
	require.Len(t, ril, 3)
	assert.Equal(t, int64(1234), ril[0].PID)
	assert.Equal(t, int64(40), ril.OldestReader())
	assert.Equal(t, int64(5), ril.MaxAge(45))
	assert.Equal(t, int64(0), ReaderInfoList{{PID: 1}}.MaxAge(45))

	err := lmdbenv.TestEnv(func(env *lmdb.Env) error {
		readers, err := ParsedReaderList(env)
		require.NoError(t, err)
		assert.Equal(t, int64(0), readers.MaxAge(1000), "no reader holds a txn")
		return nil
	})
	require.NoError(t, err)
}
