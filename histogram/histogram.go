// Package histogram implements the mergeable duration histogram stored with
// every aggregate.
//
// Small histograms keep the raw microsecond values, which is both exact and
// compact. Once more than RawValueLimit samples have been recorded the values
// are moved into an HDR histogram with bounded memory.
package histogram

import (
	"math"
	"slices"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// RawValueLimit is the number of raw values kept before converting to HDR
	RawValueLimit = 1024

	// LowestMicros and HighestMicros bound the HDR histogram range.
	// Larger durations are clamped to HighestMicros.
	LowestMicros  int64 = 1
	HighestMicros       = int64(24 * time.Hour / time.Microsecond)

	// SignificantFigures is the HDR value precision
	SignificantFigures = 2
)

// LazyHistogram records durations at microsecond resolution.
// It is not safe for concurrent use, the owner must synchronize access.
type LazyHistogram struct {
	values []int64 // raw microsecond values, nil once hdr is set
	hdr    *hdrhistogram.Histogram
}

// New returns an empty histogram
func New() *LazyHistogram {
	return &LazyHistogram{}
}

func newHDR() *hdrhistogram.Histogram {
	return hdrhistogram.New(LowestMicros, HighestMicros, SignificantFigures)
}

// Add records one duration. Sub-microsecond precision is discarded.
func (h *LazyHistogram) Add(durationNanos int64) {
	h.addMicros(durationNanos / int64(time.Microsecond/time.Nanosecond))
}

func (h *LazyHistogram) addMicros(v int64) {
	if v < 0 {
		v = 0
	}
	if v > HighestMicros {
		v = HighestMicros
	}
	if h.hdr != nil {
		// Cannot fail, v is within the trackable range
		_ = h.hdr.RecordValue(v)
		return
	}
	h.values = append(h.values, v)
	if len(h.values) > RawValueLimit {
		h.convert()
	}
}

func (h *LazyHistogram) convert() {
	h.hdr = newHDR()
	for _, v := range h.values {
		_ = h.hdr.RecordValue(v)
	}
	h.values = nil
}

// Merge adds all samples of o to h. o is not modified.
func (h *LazyHistogram) Merge(o *LazyHistogram) {
	if o == nil {
		return
	}
	if o.hdr != nil {
		if h.hdr == nil {
			h.convert()
		}
		h.hdr.Merge(o.hdr)
		return
	}
	for _, v := range o.values {
		h.addMicros(v)
	}
}

// Count returns the number of recorded samples
func (h *LazyHistogram) Count() int64 {
	if h.hdr != nil {
		return h.hdr.TotalCount()
	}
	return int64(len(h.values))
}

// IsRaw reports if the histogram still holds exact raw values
func (h *LazyHistogram) IsRaw() bool {
	return h.hdr == nil
}

// ValueAtQuantile returns the value in microseconds at quantile q (0-100).
// It returns 0 for an empty histogram.
func (h *LazyHistogram) ValueAtQuantile(q float64) int64 {
	if h.hdr != nil {
		return h.hdr.ValueAtQuantile(q)
	}
	n := len(h.values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(h.values)
	slices.Sort(sorted)
	if q <= 0 {
		return sorted[0]
	}
	idx := int(math.Ceil(q/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Copy returns a deep copy
func (h *LazyHistogram) Copy() *LazyHistogram {
	c := &LazyHistogram{}
	if h.hdr != nil {
		snap := h.hdr.Export()
		snap.Counts = slices.Clone(snap.Counts)
		c.hdr = hdrhistogram.Import(snap)
		return c
	}
	c.values = slices.Clone(h.values)
	return c
}

// Reset removes all samples
func (h *LazyHistogram) Reset() {
	h.values = nil
	h.hdr = nil
}
