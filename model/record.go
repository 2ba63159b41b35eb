// Package model defines the transaction records produced by instrumentation
// and consumed by the aggregation pipeline.
package model

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidRecord is wrapped by all record validation errors
var ErrInvalidRecord = errors.New("invalid transaction record")

// TransactionRecord is one completed unit of work. It must not be modified
// after it has been passed to the aggregator.
type TransactionRecord struct {
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	DurationNanos int64          `json:"duration_nanos"`
	ErrorMessage  string         `json:"error,omitempty"`
	ThreadStats   *ThreadStats   `json:"thread_stats,omitempty"`
	RootTimer     *Timer         `json:"root_timer,omitempty"`
	Queries       []Query        `json:"queries,omitempty"`
	Profile       []*ProfileNode `json:"profile,omitempty"`
}

// HasError reports if the transaction ended with an error
func (r *TransactionRecord) HasError() bool {
	return r.ErrorMessage != ""
}

// Validate checks the fields the aggregator depends on
func (r *TransactionRecord) Validate() error {
	if r == nil {
		return errors.Wrap(ErrInvalidRecord, "nil record")
	}
	if r.Type == "" {
		return errors.Wrap(ErrInvalidRecord, "empty transaction type")
	}
	if r.Name == "" {
		return errors.Wrap(ErrInvalidRecord, "empty transaction name")
	}
	// Stored keys use NUL as separator
	if strings.ContainsRune(r.Type, 0) || strings.ContainsRune(r.Name, 0) {
		return errors.Wrap(ErrInvalidRecord, "NUL byte in transaction type or name")
	}
	if r.DurationNanos < 0 {
		return errors.Wrapf(ErrInvalidRecord, "negative duration %d", r.DurationNanos)
	}
	if r.RootTimer != nil {
		if err := r.RootTimer.validate(); err != nil {
			return err
		}
	}
	for _, q := range r.Queries {
		if q.Type == "" {
			return errors.Wrap(ErrInvalidRecord, "query without type")
		}
	}
	return nil
}

// Timer is a node in a timer tree. Records carry the root of the tree.
type Timer struct {
	Name       string   `json:"name"`
	Extended   bool     `json:"extended,omitempty"`
	TotalNanos int64    `json:"total_nanos"`
	Count      int64    `json:"count"`
	Children   []*Timer `json:"children,omitempty"`
}

func (t *Timer) validate() error {
	if t.Name == "" {
		return errors.Wrap(ErrInvalidRecord, "timer without name")
	}
	for _, c := range t.Children {
		if c == nil {
			return errors.Wrapf(ErrInvalidRecord, "nil child timer under %q", t.Name)
		}
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Query is the per-record statistic of one query text. TotalRows is
// NotAvailable when the driver could not report row counts.
type Query struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	TotalNanos     int64  `json:"total_nanos"`
	ExecutionCount int64  `json:"execution_count"`
	TotalRows      int64  `json:"total_rows"`
}

// ProfileNode is a stack frame in a sampled profile tree
type ProfileNode struct {
	Frame           string         `json:"frame"`
	LeafThreadState string         `json:"leaf_thread_state,omitempty"`
	SampleCount     int64          `json:"sample_count"`
	Children        []*ProfileNode `json:"children,omitempty"`
}
