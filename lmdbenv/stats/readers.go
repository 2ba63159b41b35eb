package stats

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

type ReaderInfo struct {
	PID    int64
	Thread string
	TxnID  int64
}

type ReaderInfoList []ReaderInfo

// OldestReader returns the lowest txn ID held by a reader, or -1
func (ril ReaderInfoList) OldestReader() int64 {
	var oldest int64 = -1
	for _, ri := range ril {
		if ri.TxnID <= 0 {
			continue
		}
		if oldest < 0 || ri.TxnID < oldest {
			oldest = ri.TxnID
		}
	}
	return oldest
}

// MaxAge returns how many transactions the oldest reader is behind
// lastTxnID, or 0 if no reader holds a transaction. Long lived readers,
// like a forgotten query process, keep LMDB from reusing pages freed by
// expiration.
func (ril ReaderInfoList) MaxAge(lastTxnID int64) int64 {
	oldest := ril.OldestReader()
	if oldest < 0 {
		return 0
	}
	return lastTxnID - oldest
}

var reSplitReaderList = regexp.MustCompile(" +")

// ParsedReaderList parses the mdb_reader_list table of the env. Lines that
// cannot be parsed are skipped.
func ParsedReaderList(env *lmdb.Env) (readers ReaderInfoList, err error) {
	first := true
	err = env.ReaderList(func(s string) error {
		if first {
			// Header ("    pid     thread     txnid\n")
			first = false
			return nil
		}
		readers = appendReaderLine(readers, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return readers, nil
}

func appendReaderLine(readers ReaderInfoList, s string) ReaderInfoList {
	s = strings.Trim(s, " \n\t")
	parts := reSplitReaderList.Split(s, -1)
	if len(parts) < 2 {
		return readers
	}
	var ri ReaderInfo
	var err error
	if ri.PID, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return readers
	}
	ri.Thread = parts[1]
	if len(parts) >= 3 {
		ri.TxnID, _ = strconv.ParseInt(parts[2], 10, 64)
	}
	return append(readers, ri)
}
