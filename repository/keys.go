package repository

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/utils/pbutil"
)

// Keys end in the big-endian capture time, so that the entries of one
// transaction type or name are sorted by time:
//
//	overall:     type 0x00 captureTime
//	transaction: type 0x00 name 0x00 captureTime
const (
	sep         = 0x00
	timeKeySize = 8
)

var ErrInvalidKey = errors.New("invalid repository key")

func appendTime(b []byte, captureTime int64) []byte {
	if captureTime < 0 {
		captureTime = 0
	}
	return binary.BigEndian.AppendUint64(b, uint64(captureTime))
}

func typePrefix(transactionType string) []byte {
	b := make([]byte, 0, len(transactionType)+1+timeKeySize)
	b = append(b, transactionType...)
	return append(b, sep)
}

func namePrefix(transactionType, transactionName string) []byte {
	b := make([]byte, 0, len(transactionType)+len(transactionName)+2+timeKeySize)
	b = append(b, transactionType...)
	b = append(b, sep)
	b = append(b, transactionName...)
	return append(b, sep)
}

func overallKey(transactionType string, captureTime int64) []byte {
	return appendTime(typePrefix(transactionType), captureTime)
}

func transactionKey(transactionType, transactionName string, captureTime int64) []byte {
	return appendTime(namePrefix(transactionType, transactionName), captureTime)
}

// rangeKeys returns the scan start and end for capture times in (from, to]
func rangeKeys(prefix []byte, from, to int64) (start, end []byte) {
	start = appendTime(slices.Clip(prefix), from+1)
	if to < math.MaxInt64 {
		end = appendTime(slices.Clip(prefix), to+1)
	}
	return start, end
}

// keyCaptureTime returns the capture time at the end of a key
func keyCaptureTime(key []byte) (int64, error) {
	if len(key) < timeKeySize+2 || key[len(key)-timeKeySize-1] != sep {
		return 0, ErrInvalidKey
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-timeKeySize:])), nil
}

// Entry is one stored aggregate. The aggregate carries no queries and no
// profile, those are kept in the capped database and loaded by ReadDetail.
type Entry struct {
	Aggregate *aggregate.Aggregate
	QueriesID int64 // -1 if none
	ProfileID int64 // -1 if none
}

const (
	FieldEntrySummary   = 1
	FieldEntryQueriesID = 2
	FieldEntryProfileID = 3
)

func (e *Entry) Marshal() []byte {
	b := pbutil.AppendBytes(nil, FieldEntrySummary, e.Aggregate.MarshalSummary())
	b = pbutil.AppendInt64Always(b, FieldEntryQueriesID, e.QueriesID)
	b = pbutil.AppendInt64Always(b, FieldEntryProfileID, e.ProfileID)
	return b
}

func (e *Entry) Unmarshal(data []byte) error {
	*e = Entry{
		QueriesID: -1,
		ProfileID: -1,
	}
	var summary []byte
	d := pbutil.NewDecoder(data)
	for d.More() {
		tag, wireType, err := d.DecodeTag()
		if err != nil {
			return err
		}
		switch tag {
		case FieldEntrySummary:
			summary, err = pbutil.GetBytes(d, tag, wireType)
		case FieldEntryQueriesID:
			e.QueriesID, err = pbutil.GetInt64(d, tag, wireType)
		case FieldEntryProfileID:
			e.ProfileID, err = pbutil.GetInt64(d, tag, wireType)
		default:
			_, err = d.Skip(tag, wireType)
		}
		if err != nil {
			return err
		}
	}
	e.Aggregate = new(aggregate.Aggregate)
	return e.Aggregate.Unmarshal(summary)
}
