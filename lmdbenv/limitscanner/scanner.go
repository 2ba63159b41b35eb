// Package limitscanner iterates over a key range of an LMDB database in
// chunks, so that a long scan can be split over several transactions.
package limitscanner

import (
	"bytes"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
)

// ErrLimitReached is returned when the LimitScanner reaches the configured limit
var ErrLimitReached = errors.New("limit reached")

// LimitDurationCheckEveryDefault determines every how many records we check
// if we exceeded LimitDuration. Checking the clock for every record is too slow.
const LimitDurationCheckEveryDefault = 1000

type Options struct {
	// Txn and DBI for the scan
	Txn *lmdb.Txn
	DBI lmdb.DBI

	// Prefix restricts the scan to keys that start with it
	Prefix []byte
	// Start is the first key to consider, it defaults to Prefix
	Start []byte
	// End is the first key that is no longer returned, nil for no end
	End []byte

	// Limits imposed
	LimitRecords            int
	LimitDuration           time.Duration
	LimitDurationCheckEvery int

	// Last record previously scanned, the scan resumes after it
	Last LimitCursor
}

// LimitCursor is the resume position of a limited scan
type LimitCursor struct {
	key []byte
}

func (c LimitCursor) IsZero() bool {
	return c.key == nil
}

// Key returns the last key that was scanned
func (c LimitCursor) Key() []byte {
	return c.key
}

// LimitScanner iterates over a key range. The chunk size can either be given
// as a number of records or as a time limit.
type LimitScanner struct {
	opt      Options
	cur      *lmdb.Cursor
	key      []byte
	val      []byte
	started  bool
	done     bool
	count    int
	deadline time.Time
	err      error
}

func NewLimitScanner(opt Options) (*LimitScanner, error) {
	if opt.Txn == nil {
		panic("limit scanner requires Options.Txn")
	}
	if opt.LimitDurationCheckEvery <= 0 {
		opt.LimitDurationCheckEvery = LimitDurationCheckEveryDefault
	}
	if opt.Start == nil {
		opt.Start = opt.Prefix
	}
	cur, err := opt.Txn.OpenCursor(opt.DBI)
	if err != nil {
		return nil, errors.Wrap(err, "open cursor")
	}
	ls := &LimitScanner{
		opt: opt,
		cur: cur,
	}
	if opt.LimitDuration > 0 {
		ls.deadline = time.Now().Add(opt.LimitDuration)
	}
	return ls, nil
}

// Scan advances to the next record in range and reports if there is one
func (s *LimitScanner) Scan() bool {
	if s.err != nil || s.done {
		return false
	}

	if s.opt.LimitRecords > 0 && s.count >= s.opt.LimitRecords {
		s.err = ErrLimitReached
		return false
	}
	checkEvery := s.opt.LimitDurationCheckEvery
	if s.count > 0 && s.count%checkEvery == 0 && !s.deadline.IsZero() {
		if time.Now().After(s.deadline) {
			s.err = ErrLimitReached
			return false
		}
	}

	var err error
	if !s.started {
		s.started = true
		s.key, s.val, err = s.seek()
	} else {
		s.key, s.val, err = s.cur.Get(nil, nil, lmdb.Next)
	}
	if err != nil {
		if !lmdb.IsNotFound(err) {
			s.err = errors.Wrap(err, "cursor get")
		}
		s.finish()
		return false
	}
	if !s.inRange(s.key) {
		s.finish()
		return false
	}
	// Keys are copied, the current record may be deleted through Cursor
	s.key = bytes.Clone(s.key)
	s.count++
	return true
}

// seek positions the cursor on the first record to return
func (s *LimitScanner) seek() ([]byte, []byte, error) {
	last := s.opt.Last.key
	if last == nil {
		if len(s.opt.Start) == 0 {
			return s.cur.Get(nil, nil, lmdb.First)
		}
		return s.cur.Get(s.opt.Start, nil, lmdb.SetRange)
	}
	// If the last entry still exists we land on it and skip it, if it was
	// deleted we land on its successor.
	k, v, err := s.cur.Get(last, nil, lmdb.SetRange)
	if err != nil || !bytes.Equal(k, last) {
		return k, v, err
	}
	return s.cur.Get(nil, nil, lmdb.Next)
}

func (s *LimitScanner) inRange(key []byte) bool {
	if !bytes.HasPrefix(key, s.opt.Prefix) {
		return false
	}
	if s.opt.End != nil && bytes.Compare(key, s.opt.End) >= 0 {
		return false
	}
	return true
}

func (s *LimitScanner) finish() {
	s.done = true
	s.key = nil
	s.val = nil
}

// Last returns the position to resume from. It is zero when the range was
// scanned completely.
func (s *LimitScanner) Last() LimitCursor {
	if s.done || s.key == nil {
		return LimitCursor{}
	}
	return LimitCursor{key: s.key}
}

// Cursor returns the underlying cursor, for example to delete the current record
func (s *LimitScanner) Cursor() *lmdb.Cursor {
	return s.cur
}

func (s *LimitScanner) Key() []byte {
	return s.key
}

func (s *LimitScanner) Val() []byte {
	return s.val
}

func (s *LimitScanner) Err() error {
	return s.err
}

func (s *LimitScanner) Close() {
	s.cur.Close()
}
