package histogram

import (
	"fmt"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/ringstat/ringstat/utils/pbutil"
)

// Protobuf field numbers
const (
	FieldRawValues    = 1
	FieldLowest       = 2
	FieldHighest      = 3
	FieldSigFigs      = 4
	FieldCountsLength = 5
	FieldSparseCounts = 6
)

// maxCountsLength protects against absurd allocations from corrupt input
const maxCountsLength = 1 << 20

// Marshal encodes the histogram in its compact wire form. Raw histograms are
// stored as packed values, HDR histograms as sparse (index, count) pairs.
func (h *LazyHistogram) Marshal() []byte {
	if h.hdr == nil {
		var packed []byte
		for _, v := range h.values {
			packed = pbutil.AppendRawVarint(packed, uint64(v))
		}
		return pbutil.AppendBytes(nil, FieldRawValues, packed)
	}

	snap := h.hdr.Export()
	var sparse []byte
	for i, c := range snap.Counts {
		if c == 0 {
			continue
		}
		sparse = pbutil.AppendRawVarint(sparse, uint64(i))
		sparse = pbutil.AppendRawVarint(sparse, uint64(c))
	}
	b := make([]byte, 0, len(sparse)+40)
	b = pbutil.AppendInt64Always(b, FieldLowest, snap.LowestTrackableValue)
	b = pbutil.AppendInt64(b, FieldHighest, snap.HighestTrackableValue)
	b = pbutil.AppendInt64(b, FieldSigFigs, snap.SignificantFigures)
	b = pbutil.AppendInt64(b, FieldCountsLength, int64(len(snap.Counts)))
	b = pbutil.AppendBytes(b, FieldSparseCounts, sparse)
	return b
}

// Unmarshal replaces the contents of h with the decoded histogram
func (h *LazyHistogram) Unmarshal(data []byte) error {
	h.Reset()
	var (
		raw                  []byte
		sparse               []byte
		lowest, highest, sig int64
		countsLen            int64
		isHDR                bool
	)
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return err
		}
		switch tag {
		case FieldRawValues:
			raw, err = pbutil.GetBytes(d, tag, wireType)
		case FieldLowest:
			isHDR = true
			lowest, err = pbutil.GetInt64(d, tag, wireType)
		case FieldHighest:
			highest, err = pbutil.GetInt64(d, tag, wireType)
		case FieldSigFigs:
			sig, err = pbutil.GetInt64(d, tag, wireType)
		case FieldCountsLength:
			countsLen, err = pbutil.GetInt64(d, tag, wireType)
		case FieldSparseCounts:
			sparse, err = pbutil.GetBytes(d, tag, wireType)
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return err
		}
	}

	if !isHDR {
		vals, err := pbutil.RawVarints(raw)
		if err != nil {
			return err
		}
		for _, v := range vals {
			h.values = append(h.values, int64(v))
		}
		return nil
	}

	if sig < 1 || sig > 5 || lowest < 1 || highest < 2*lowest {
		return fmt.Errorf("histogram: invalid range %d-%d with %d significant figures",
			lowest, highest, sig)
	}
	if countsLen < 0 || countsLen > maxCountsLength {
		return fmt.Errorf("histogram: invalid counts length %d", countsLen)
	}
	if expected := len(hdrhistogram.New(lowest, highest, int(sig)).Export().Counts); int64(expected) != countsLen {
		return fmt.Errorf("histogram: counts length %d does not match range (%d)", countsLen, expected)
	}
	pairs, err := pbutil.RawVarints(sparse)
	if err != nil {
		return err
	}
	if len(pairs)%2 != 0 {
		return fmt.Errorf("histogram: odd number of sparse count values")
	}
	counts := make([]int64, countsLen)
	for i := 0; i < len(pairs); i += 2 {
		idx := pairs[i]
		if idx >= uint64(countsLen) {
			return fmt.Errorf("histogram: count index %d out of range", idx)
		}
		counts[idx] = int64(pairs[i+1])
	}
	h.hdr = hdrhistogram.Import(&hdrhistogram.Snapshot{
		LowestTrackableValue:  lowest,
		HighestTrackableValue: highest,
		SignificantFigures:    sig,
		Counts:                counts,
	})
	return nil
}
