package ingest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringstat/ringstat/model"
)

type recorder struct {
	mu   sync.Mutex
	recs []*model.TransactionRecord
}

func (r *recorder) Add(rec *model.TransactionRecord) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return int64(len(r.recs))
}

const stream = `{"type":"Web","name":"/login","duration_nanos":1500000,"error":"denied",
"thread_stats":{"cpu_nanos":1000,"blocked_nanos":-1,"waited_nanos":0,"allocated_bytes":2048}}
not json

{"type":"Web","name":"/","duration_nanos":100,"root_timer":{"name":"http request","total_nanos":100,"count":1,"children":[{"name":"jdbc query","total_nanos":50,"count":2}]},"queries":[{"type":"SQL","text":"select 1","total_nanos":50,"execution_count":2,"total_rows":-1}]}
{"type":"","name":"/"}
{"type":"Background","name":"job","duration_nanos":7,"profile":[{"frame":"main","leaf_thread_state":"RUNNABLE","sample_count":3}]}`

func TestRead(t *testing.T) {
	l, hook := test.NewNullLogger()
	rec := &recorder{}
	rd := New(rec, l)

	// The first record spans two lines and is invalid as a result
	st, err := rd.Read(context.Background(), strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, 6, st.Lines)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, 4, st.Invalid)
	assert.Len(t, hook.AllEntries(), 4)

	require.Len(t, rec.recs, 2)
	r := rec.recs[0]
	assert.Equal(t, "/", r.Name)
	require.NotNil(t, r.RootTimer)
	assert.Equal(t, "jdbc query", r.RootTimer.Children[0].Name)
	assert.Equal(t, int64(model.NotAvailable), r.Queries[0].TotalRows)
	assert.Equal(t, "RUNNABLE", rec.recs[1].Profile[0].LeafThreadState)
}

func TestReadThreadStats(t *testing.T) {
	l, _ := test.NewNullLogger()
	rec := &recorder{}
	line := `{"type":"Web","name":"/login","duration_nanos":1500000,"error":"denied","thread_stats":{"cpu_nanos":1000,"blocked_nanos":-1,"waited_nanos":0,"allocated_bytes":2048}}` + "\n"
	st, err := New(rec, l).Read(context.Background(), strings.NewReader(line))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Records)
	r := rec.recs[0]
	assert.Equal(t, "denied", r.ErrorMessage)
	require.NotNil(t, r.ThreadStats)
	assert.Equal(t, int64(1000), r.ThreadStats.CPUNanos)
	assert.Equal(t, model.NotAvailable, r.ThreadStats.BlockedNanos)
}

func TestReadErrors(t *testing.T) {
	l, _ := test.NewNullLogger()
	rd := New(&recorder{}, l)

	_, err := rd.Read(context.Background(), iotest.ErrReader(assert.AnError))
	assert.ErrorIs(t, err, assert.AnError)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rd.Read(ctx, strings.NewReader("{}\n"))
	assert.ErrorIs(t, err, context.Canceled)
}
