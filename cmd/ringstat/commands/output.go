package commands

import (
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/model"
	"github.com/ringstat/ringstat/repository"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// aggregateView is the printed form of an aggregate
type aggregateView struct {
	CaptureTime  int64                     `json:"capture_time"`
	Time         string                    `json:"time"`
	Type         string                    `json:"type"`
	Name         string                    `json:"name,omitempty"`
	Count        int64                     `json:"count"`
	Errors       int64                     `json:"errors"`
	TotalMillis  float64                   `json:"total_ms"`
	MeanMillis   float64                   `json:"mean_ms"`
	P50Millis    float64                   `json:"p50_ms"`
	P95Millis    float64                   `json:"p95_ms"`
	P99Millis    float64                   `json:"p99_ms"`
	ThreadStats  model.ThreadStats         `json:"thread_stats"`
	RootTimers   []*model.Timer            `json:"root_timers,omitempty"`
	QueriesID    *int64                    `json:"queries_id,omitempty"`
	ProfileID    *int64                    `json:"profile_id,omitempty"`
	Queries      []aggregate.QueriesByType `json:"queries,omitempty"`
	Profile      []*model.ProfileNode      `json:"profile,omitempty"`
	DetailStatus string                    `json:"detail_status,omitempty"`
}

func millis(nanos int64) float64 {
	return math.Round(float64(nanos)/1e3) / 1e3
}

func newAggregateView(a *aggregate.Aggregate) aggregateView {
	v := aggregateView{
		CaptureTime: a.CaptureTime,
		Time:        time.UnixMilli(a.CaptureTime).UTC().Format(time.RFC3339),
		Type:        a.TransactionType,
		Name:        a.TransactionName,
		Count:       a.TransactionCount,
		Errors:      a.ErrorCount,
		TotalMillis: millis(a.TotalNanos),
		ThreadStats: a.ThreadStats,
		RootTimers:  a.RootTimers,
		Queries:     a.Queries,
		Profile:     a.Profile,
	}
	if a.TransactionCount > 0 {
		v.MeanMillis = millis(a.TotalNanos / a.TransactionCount)
	}
	if h := a.Histogram; h != nil {
		// Histogram values are microseconds
		v.P50Millis = millis(h.ValueAtQuantile(50) * 1000)
		v.P95Millis = millis(h.ValueAtQuantile(95) * 1000)
		v.P99Millis = millis(h.ValueAtQuantile(99) * 1000)
	}
	return v
}

func newEntryView(e repository.Entry) aggregateView {
	v := newAggregateView(e.Aggregate)
	v.QueriesID = &e.QueriesID
	v.ProfileID = &e.ProfileID
	return v
}

func (v *aggregateView) setDetail(d repository.Detail) {
	v.Queries = d.Queries
	v.Profile = d.Profile
	var expired []string
	if d.QueriesExpired {
		expired = append(expired, "queries")
	}
	if d.ProfileExpired {
		expired = append(expired, "profile")
	}
	if len(expired) > 0 {
		v.DetailStatus = "expired: " + strings.Join(expired, ",")
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTimeArg accepts unix milliseconds, RFC 3339, "now", or a duration
// like "1h" meaning that long before now
func parseTimeArg(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "now" {
		return now.UnixMilli(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d).UnixMilli(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, errors.Errorf("invalid time %q: use unix milliseconds, RFC 3339, 'now' or a duration", s)
	}
	return t.UnixMilli(), nil
}
