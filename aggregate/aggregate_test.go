package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringstat/ringstat/model"
)

func timer(name string, total int64, children ...*model.Timer) *model.Timer {
	return &model.Timer{Name: name, TotalNanos: total, Count: 1, Children: children}
}

func TestTimerMerge(t *testing.T) {
	var roots []*MutableTimer
	roots = MergeRootTimer(roots, timer("http", 100, timer("jdbc", 40), timer("render", 10)))
	roots = MergeRootTimer(roots, timer("http", 50, timer("jdbc", 20), timer("cache", 5)))
	roots = MergeRootTimer(roots, timer("job", 7))
	require.Len(t, roots, 2)

	http := roots[0].Snapshot()
	assert.Equal(t, "http", http.Name)
	assert.Equal(t, int64(150), http.TotalNanos)
	assert.Equal(t, int64(2), http.Count)
	require.Len(t, http.Children, 3)
	assert.Equal(t, "jdbc", http.Children[0].Name)
	assert.Equal(t, int64(60), http.Children[0].TotalNanos)
	assert.Equal(t, int64(2), http.Children[0].Count)
	assert.Equal(t, "render", http.Children[1].Name)
	assert.Equal(t, "cache", http.Children[2].Name)

	assert.Equal(t, "job", roots[1].Name)
}

func TestTimerExtendedIsSeparateChild(t *testing.T) {
	r := NewRootTimer("http", false)
	r.Merge(timer("http", 10, &model.Timer{Name: "io", TotalNanos: 1, Count: 1}))
	r.Merge(timer("http", 10, &model.Timer{Name: "io", Extended: true, TotalNanos: 2, Count: 1}))
	assert.Len(t, r.Children, 2)
}

func TestTimerSnapshotIsIndependent(t *testing.T) {
	r := NewRootTimer("http", false)
	r.Merge(timer("http", 10, timer("a", 5)))
	snap := r.Snapshot()
	r.Merge(timer("http", 10, timer("a", 5)))
	assert.Equal(t, int64(10), snap.TotalNanos)
	assert.Equal(t, int64(5), snap.Children[0].TotalNanos)

	other := NewRootTimer("http", false)
	other.MergeMutable(r)
	assert.Equal(t, int64(20), other.TotalNanos)
	assert.Equal(t, int64(10), other.Children[0].TotalNanos)
}

func query(text string, total int64) model.Query {
	return model.Query{Type: "SQL", Text: text, TotalNanos: total, ExecutionCount: 1, TotalRows: 1}
}

func TestQueryCollectorMerge(t *testing.T) {
	qc := NewQueryCollector(10, 2)
	qc.Merge(query("select 1", 10))
	qc.Merge(query("select 1", 15))
	qc.Merge(model.Query{Type: "SQL", Text: "select 1", TotalNanos: 1, ExecutionCount: 3, TotalRows: model.NotAvailable})
	qc.Merge(model.Query{Type: "CQL", Text: "select 2", TotalNanos: 1, ExecutionCount: 1, TotalRows: model.NotAvailable})
	assert.Equal(t, 2, qc.Len())

	snap := qc.Snapshot(false)
	require.Len(t, snap, 2)
	assert.Equal(t, "SQL", snap[0].Type)
	require.Len(t, snap[0].Queries, 1)
	q := snap[0].Queries[0]
	assert.Equal(t, int64(26), q.TotalNanos)
	assert.Equal(t, int64(5), q.ExecutionCount)
	assert.Equal(t, int64(2), q.TotalRows, "not available rows must not reset the count")
	assert.Equal(t, "SQL", q.Type)

	assert.Equal(t, "CQL", snap[1].Type)
	assert.Equal(t, model.NotAvailable, snap[1].Queries[0].TotalRows)
}

func TestQueryCollectorTrimOrder(t *testing.T) {
	qc := NewQueryCollector(2, 4)
	qc.Merge(query("a", 5))
	qc.Merge(query("b", 30))
	qc.Merge(query("c", 5))
	qc.Merge(query("d", 10))
	qc.Merge(query("e", 5))

	// Untrimmed keeps everything, sorted, ties in insertion order
	snap := qc.Snapshot(false)
	require.Len(t, snap, 1)
	var texts []string
	for _, q := range snap[0].Queries {
		texts = append(texts, q.Text)
	}
	assert.Equal(t, []string{"b", "d", "a", "c", "e"}, texts)

	snap = qc.Snapshot(true)
	qs := snap[0].Queries
	require.Len(t, qs, 3)
	assert.Equal(t, "b", qs[0].Text)
	assert.Equal(t, "d", qs[1].Text)
	assert.Equal(t, LimitExceededBucket, qs[2].Text)
	assert.Equal(t, int64(15), qs[2].TotalNanos)
	assert.Equal(t, int64(3), qs[2].ExecutionCount)
	assert.Equal(t, int64(3), qs[2].TotalRows)

	// Trimming is a view, the collector keeps all entries
	assert.Equal(t, 5, qc.Len())
}

func TestQueryCollectorHardLimit(t *testing.T) {
	qc := NewQueryCollector(1, 2)
	qc.Merge(query("a", 1))
	qc.Merge(query("b", 3))
	qc.Merge(query("c", 3))
	qc.Merge(query("d", 4))
	qc.Merge(query("a", 1))
	assert.Equal(t, 2, qc.Len())

	qs := qc.Snapshot(false)[0].Queries
	require.Len(t, qs, 3)
	assert.Equal(t, "b", qs[0].Text)
	assert.Equal(t, "a", qs[1].Text)
	assert.Equal(t, int64(2), qs[1].TotalNanos)
	assert.Equal(t, LimitExceededBucket, qs[2].Text)
	assert.Equal(t, int64(7), qs[2].TotalNanos)

	qs = qc.Snapshot(true)[0].Queries
	require.Len(t, qs, 2)
	assert.Equal(t, "b", qs[0].Text)
	assert.Equal(t, int64(9), qs[1].TotalNanos)
}

func TestProfileTreeMerge(t *testing.T) {
	p := NewProfileTree()
	assert.True(t, p.Empty())
	p.Merge([]*model.ProfileNode{
		{Frame: "main", SampleCount: 3, Children: []*model.ProfileNode{
			{Frame: "work", LeafThreadState: "RUNNABLE", SampleCount: 2},
			{Frame: "sleep", LeafThreadState: "WAITING", SampleCount: 1},
		}},
	})
	p.Merge([]*model.ProfileNode{
		{Frame: "main", SampleCount: 2, Children: []*model.ProfileNode{
			{Frame: "work", LeafThreadState: "RUNNABLE", SampleCount: 1},
			{Frame: "work", LeafThreadState: "BLOCKED", SampleCount: 1},
		}},
		nil,
		{Frame: "gc", SampleCount: 4},
	})
	assert.False(t, p.Empty())
	assert.Equal(t, int64(9), p.SampleCount())

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	main := snap[0]
	assert.Equal(t, int64(5), main.SampleCount)
	require.Len(t, main.Children, 3)
	assert.Equal(t, "work", main.Children[0].Frame)
	assert.Equal(t, int64(3), main.Children[0].SampleCount)
	assert.Equal(t, "BLOCKED", main.Children[2].LeafThreadState)
}

func TestProfileTreeWideNode(t *testing.T) {
	p := NewProfileTree()
	var children []*model.ProfileNode
	for i := 0; i < 3*indexThreshold; i++ {
		children = append(children, &model.ProfileNode{Frame: string(rune('a' + i)), SampleCount: 1})
	}
	root := []*model.ProfileNode{{Frame: "main", SampleCount: int64(len(children)), Children: children}}
	p.Merge(root)
	p.Merge(root)
	snap := p.Snapshot()
	require.Len(t, snap[0].Children, len(children))
	for i, c := range snap[0].Children {
		assert.Equal(t, children[i].Frame, c.Frame)
		assert.Equal(t, int64(2), c.SampleCount)
	}
}

func TestIntervalAggregatesLookup(t *testing.T) {
	ia := &IntervalAggregates{
		CaptureTime: 60_000,
		Types: []TypeAggregates{
			{
				TransactionType: "Web",
				Overall:         &Aggregate{TransactionType: "Web", TransactionCount: 3},
				Transactions: []*Aggregate{
					{TransactionType: "Web", TransactionName: "/a", TransactionCount: 2},
					{TransactionType: "Web", TransactionName: "/b", TransactionCount: 1},
				},
			},
			{
				TransactionType: "Job",
				Overall:         &Aggregate{TransactionType: "Job", TransactionCount: 4},
			},
		},
	}
	assert.Equal(t, int64(7), ia.TransactionCount())
	assert.Equal(t, int64(4), ia.Overall("Job").TransactionCount)
	assert.Nil(t, ia.Overall("nope"))
	assert.Equal(t, int64(1), ia.Transaction("Web", "/b").TransactionCount)
	assert.Nil(t, ia.Transaction("Job", "/b"))
}
