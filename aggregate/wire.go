package aggregate

import (
	"github.com/pkg/errors"

	"github.com/ringstat/ringstat/histogram"
	"github.com/ringstat/ringstat/model"
	"github.com/ringstat/ringstat/utils/pbutil"
)

// Protobuf field numbers of Aggregate
const (
	FieldAggregateType             = 1
	FieldAggregateName             = 2
	FieldAggregateCaptureTime      = 3
	FieldAggregateTotalNanos       = 4
	FieldAggregateTransactionCount = 5
	FieldAggregateErrorCount       = 6
	FieldAggregateCPUNanos         = 7
	FieldAggregateBlockedNanos     = 8
	FieldAggregateWaitedNanos      = 9
	FieldAggregateAllocatedBytes   = 10
	FieldAggregateHistogram        = 11
	FieldAggregateRootTimer        = 12
	FieldAggregateQueriesByType    = 13
	FieldAggregateProfileNode      = 14
)

// Protobuf field numbers of nested messages
const (
	FieldTimerName       = 1
	FieldTimerExtended   = 2
	FieldTimerTotalNanos = 3
	FieldTimerCount      = 4
	FieldTimerChild      = 5

	FieldQueriesType  = 1
	FieldQueriesQuery = 2

	FieldQueryText           = 1
	FieldQueryTotalNanos     = 2
	FieldQueryExecutionCount = 3
	FieldQueryTotalRows      = 4

	FieldProfileFrame       = 1
	FieldProfileState       = 2
	FieldProfileSampleCount = 3
	FieldProfileChild       = 4

	FieldIntervalCaptureTime = 1
	FieldIntervalType        = 2

	FieldTypeAggregatesType        = 1
	FieldTypeAggregatesOverall     = 2
	FieldTypeAggregatesTransaction = 3

	// Used by the list encodings of MarshalQueries and MarshalProfile
	FieldListItem = 1
)

// maxTreeDepth bounds recursion when decoding timer and profile trees
const maxTreeDepth = 1024

var ErrTreeTooDeep = errors.New("tree nesting too deep")

// Marshal encodes the full aggregate, including queries and profile
func (a *Aggregate) Marshal() []byte {
	return a.marshal(true)
}

// MarshalSummary encodes the aggregate without the bulky queries and profile
func (a *Aggregate) MarshalSummary() []byte {
	return a.marshal(false)
}

func (a *Aggregate) marshal(withDetail bool) []byte {
	b := make([]byte, 0, 256)
	b = pbutil.AppendString(b, FieldAggregateType, a.TransactionType)
	b = pbutil.AppendString(b, FieldAggregateName, a.TransactionName)
	b = pbutil.AppendInt64(b, FieldAggregateCaptureTime, a.CaptureTime)
	b = pbutil.AppendInt64(b, FieldAggregateTotalNanos, a.TotalNanos)
	b = pbutil.AppendInt64(b, FieldAggregateTransactionCount, a.TransactionCount)
	b = pbutil.AppendInt64(b, FieldAggregateErrorCount, a.ErrorCount)
	// Always written, absent means not available
	b = pbutil.AppendInt64Always(b, FieldAggregateCPUNanos, a.ThreadStats.CPUNanos)
	b = pbutil.AppendInt64Always(b, FieldAggregateBlockedNanos, a.ThreadStats.BlockedNanos)
	b = pbutil.AppendInt64Always(b, FieldAggregateWaitedNanos, a.ThreadStats.WaitedNanos)
	b = pbutil.AppendInt64Always(b, FieldAggregateAllocatedBytes, a.ThreadStats.AllocatedBytes)
	if a.Histogram != nil {
		b = pbutil.AppendMessage(b, FieldAggregateHistogram, a.Histogram.Marshal())
	}
	for _, t := range a.RootTimers {
		b = pbutil.AppendMessage(b, FieldAggregateRootTimer, marshalTimer(t))
	}
	if withDetail {
		for _, q := range a.Queries {
			b = pbutil.AppendMessage(b, FieldAggregateQueriesByType, marshalQueriesByType(q))
		}
		for _, n := range a.Profile {
			b = pbutil.AppendMessage(b, FieldAggregateProfileNode, marshalProfileNode(n))
		}
	}
	return b
}

// Unmarshal decodes data into a
func (a *Aggregate) Unmarshal(data []byte) error {
	*a = Aggregate{
		ThreadStats: model.NotAvailableThreadStats(),
		Histogram:   histogram.New(),
	}
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return err
		}
		switch tag {
		case FieldAggregateType:
			a.TransactionType, err = pbutil.GetString(d, tag, wireType)
		case FieldAggregateName:
			a.TransactionName, err = pbutil.GetString(d, tag, wireType)
		case FieldAggregateCaptureTime:
			a.CaptureTime, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateTotalNanos:
			a.TotalNanos, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateTransactionCount:
			a.TransactionCount, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateErrorCount:
			a.ErrorCount, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateCPUNanos:
			a.ThreadStats.CPUNanos, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateBlockedNanos:
			a.ThreadStats.BlockedNanos, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateWaitedNanos:
			a.ThreadStats.WaitedNanos, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateAllocatedBytes:
			a.ThreadStats.AllocatedBytes, err = pbutil.GetInt64(d, tag, wireType)
		case FieldAggregateHistogram:
			var hb []byte
			hb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				err = a.Histogram.Unmarshal(hb)
			}
		case FieldAggregateRootTimer:
			var tb []byte
			tb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				var t *model.Timer
				t, err = unmarshalTimer(tb, 0)
				a.RootTimers = append(a.RootTimers, t)
			}
		case FieldAggregateQueriesByType:
			var qb []byte
			qb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				var q QueriesByType
				q, err = unmarshalQueriesByType(qb)
				a.Queries = append(a.Queries, q)
			}
		case FieldAggregateProfileNode:
			var pb []byte
			pb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				var n *model.ProfileNode
				n, err = unmarshalProfileNode(pb, 0)
				a.Profile = append(a.Profile, n)
			}
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func marshalTimer(t *model.Timer) []byte {
	var b []byte
	b = pbutil.AppendString(b, FieldTimerName, t.Name)
	b = pbutil.AppendBool(b, FieldTimerExtended, t.Extended)
	b = pbutil.AppendInt64(b, FieldTimerTotalNanos, t.TotalNanos)
	b = pbutil.AppendInt64(b, FieldTimerCount, t.Count)
	for _, c := range t.Children {
		b = pbutil.AppendMessage(b, FieldTimerChild, marshalTimer(c))
	}
	return b
}

func unmarshalTimer(data []byte, depth int) (*model.Timer, error) {
	if depth > maxTreeDepth {
		return nil, ErrTreeTooDeep
	}
	t := &model.Timer{}
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return nil, err
		}
		switch tag {
		case FieldTimerName:
			t.Name, err = pbutil.GetString(d, tag, wireType)
		case FieldTimerExtended:
			t.Extended, err = pbutil.GetBool(d, tag, wireType)
		case FieldTimerTotalNanos:
			t.TotalNanos, err = pbutil.GetInt64(d, tag, wireType)
		case FieldTimerCount:
			t.Count, err = pbutil.GetInt64(d, tag, wireType)
		case FieldTimerChild:
			var cb []byte
			cb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				var c *model.Timer
				c, err = unmarshalTimer(cb, depth+1)
				t.Children = append(t.Children, c)
			}
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func marshalQueriesByType(q QueriesByType) []byte {
	var b []byte
	b = pbutil.AppendString(b, FieldQueriesType, q.Type)
	for _, query := range q.Queries {
		var qb []byte
		qb = pbutil.AppendString(qb, FieldQueryText, query.Text)
		qb = pbutil.AppendInt64(qb, FieldQueryTotalNanos, query.TotalNanos)
		qb = pbutil.AppendInt64(qb, FieldQueryExecutionCount, query.ExecutionCount)
		qb = pbutil.AppendInt64Always(qb, FieldQueryTotalRows, query.TotalRows)
		b = pbutil.AppendMessage(b, FieldQueriesQuery, qb)
	}
	return b
}

func unmarshalQueriesByType(data []byte) (QueriesByType, error) {
	var q QueriesByType
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return q, err
		}
		switch tag {
		case FieldQueriesType:
			q.Type, err = pbutil.GetString(d, tag, wireType)
		case FieldQueriesQuery:
			var qb []byte
			qb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				var query model.Query
				query, err = unmarshalQuery(qb)
				q.Queries = append(q.Queries, query)
			}
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return q, err
		}
	}
	// The type is stored once per group
	for i := range q.Queries {
		q.Queries[i].Type = q.Type
	}
	return q, nil
}

func unmarshalQuery(data []byte) (model.Query, error) {
	query := model.Query{TotalRows: model.NotAvailable}
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return query, err
		}
		switch tag {
		case FieldQueryText:
			query.Text, err = pbutil.GetString(d, tag, wireType)
		case FieldQueryTotalNanos:
			query.TotalNanos, err = pbutil.GetInt64(d, tag, wireType)
		case FieldQueryExecutionCount:
			query.ExecutionCount, err = pbutil.GetInt64(d, tag, wireType)
		case FieldQueryTotalRows:
			query.TotalRows, err = pbutil.GetInt64(d, tag, wireType)
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return query, err
		}
	}
	return query, nil
}

func marshalProfileNode(n *model.ProfileNode) []byte {
	var b []byte
	b = pbutil.AppendString(b, FieldProfileFrame, n.Frame)
	b = pbutil.AppendString(b, FieldProfileState, n.LeafThreadState)
	b = pbutil.AppendInt64(b, FieldProfileSampleCount, n.SampleCount)
	for _, c := range n.Children {
		b = pbutil.AppendMessage(b, FieldProfileChild, marshalProfileNode(c))
	}
	return b
}

func unmarshalProfileNode(data []byte, depth int) (*model.ProfileNode, error) {
	if depth > maxTreeDepth {
		return nil, ErrTreeTooDeep
	}
	n := &model.ProfileNode{}
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return nil, err
		}
		switch tag {
		case FieldProfileFrame:
			n.Frame, err = pbutil.GetString(d, tag, wireType)
		case FieldProfileState:
			n.LeafThreadState, err = pbutil.GetString(d, tag, wireType)
		case FieldProfileSampleCount:
			n.SampleCount, err = pbutil.GetInt64(d, tag, wireType)
		case FieldProfileChild:
			var cb []byte
			cb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				var c *model.ProfileNode
				c, err = unmarshalProfileNode(cb, depth+1)
				n.Children = append(n.Children, c)
			}
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// MarshalQueries encodes query groups for separate storage
func MarshalQueries(queries []QueriesByType) []byte {
	var b []byte
	for _, q := range queries {
		b = pbutil.AppendMessage(b, FieldListItem, marshalQueriesByType(q))
	}
	return b
}

// UnmarshalQueries decodes data written by MarshalQueries
func UnmarshalQueries(data []byte) ([]QueriesByType, error) {
	var res []QueriesByType
	err := decodeList(data, func(item []byte) error {
		q, err := unmarshalQueriesByType(item)
		if err != nil {
			return err
		}
		res = append(res, q)
		return nil
	})
	return res, err
}

// MarshalProfile encodes profile root frames for separate storage
func MarshalProfile(roots []*model.ProfileNode) []byte {
	var b []byte
	for _, n := range roots {
		b = pbutil.AppendMessage(b, FieldListItem, marshalProfileNode(n))
	}
	return b
}

// UnmarshalProfile decodes data written by MarshalProfile
func UnmarshalProfile(data []byte) ([]*model.ProfileNode, error) {
	var res []*model.ProfileNode
	err := decodeList(data, func(item []byte) error {
		n, err := unmarshalProfileNode(item, 0)
		if err != nil {
			return err
		}
		res = append(res, n)
		return nil
	})
	return res, err
}

func decodeList(data []byte, f func(item []byte) error) error {
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return err
		}
		if tag != FieldListItem {
			if _, err := d.Skip(tag, wireType); err != nil {
				return err
			}
			continue
		}
		item, err := pbutil.GetBytes(d, tag, wireType)
		if err != nil {
			return err
		}
		if err := f(item); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes all aggregates of an interval
func (ia *IntervalAggregates) Marshal() []byte {
	b := make([]byte, 0, 1024)
	b = pbutil.AppendInt64(b, FieldIntervalCaptureTime, ia.CaptureTime)
	for _, ta := range ia.Types {
		var tb []byte
		tb = pbutil.AppendString(tb, FieldTypeAggregatesType, ta.TransactionType)
		if ta.Overall != nil {
			tb = pbutil.AppendMessage(tb, FieldTypeAggregatesOverall, ta.Overall.Marshal())
		}
		for _, a := range ta.Transactions {
			tb = pbutil.AppendMessage(tb, FieldTypeAggregatesTransaction, a.Marshal())
		}
		b = pbutil.AppendMessage(b, FieldIntervalType, tb)
	}
	return b
}

// Unmarshal decodes data written by IntervalAggregates.Marshal
func (ia *IntervalAggregates) Unmarshal(data []byte) error {
	*ia = IntervalAggregates{}
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return err
		}
		switch tag {
		case FieldIntervalCaptureTime:
			ia.CaptureTime, err = pbutil.GetInt64(d, tag, wireType)
		case FieldIntervalType:
			var tb []byte
			tb, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				var ta TypeAggregates
				ta, err = unmarshalTypeAggregates(tb)
				ia.Types = append(ia.Types, ta)
			}
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func unmarshalTypeAggregates(data []byte) (TypeAggregates, error) {
	var ta TypeAggregates
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return ta, err
		}
		switch tag {
		case FieldTypeAggregatesType:
			ta.TransactionType, err = pbutil.GetString(d, tag, wireType)
		case FieldTypeAggregatesOverall, FieldTypeAggregatesTransaction:
			var ab []byte
			ab, err = pbutil.GetBytes(d, tag, wireType)
			if err == nil {
				a := new(Aggregate)
				err = a.Unmarshal(ab)
				if tag == FieldTypeAggregatesOverall {
					ta.Overall = a
				} else {
					ta.Transactions = append(ta.Transactions, a)
				}
			}
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return ta, err
		}
	}
	return ta, nil
}
