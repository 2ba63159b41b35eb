package status

import (
	"cmp"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/PowerDNS/simpleblob"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"

	"github.com/ringstat/ringstat/aggregator"
	"github.com/ringstat/ringstat/cappeddb"
	"github.com/ringstat/ringstat/lmdbenv"
	"github.com/ringstat/ringstat/lmdbenv/stats"
)

// IntervalSource exposes the intervals that have not been flushed yet
type IntervalSource interface {
	GetIntervalsInRange(from, to int64) []*aggregator.IntervalCollector
}

type info struct {
	mu     sync.Mutex
	dbs    []dbs
	st     simpleblob.Interface
	capped *cappeddb.DB
	live   IntervalSource
}

type dbs struct {
	name string
	env  *lmdb.Env
}

type DBInfo struct {
	Name     string
	Info     *lmdb.EnvInfo
	DBIStats []DBIStat
	Used     datasize.ByteSize
	Err      error
}

type DBIStat struct {
	Name         string
	Stat         *lmdb.Stat
	Used         datasize.ByteSize
	Flags        uint
	FlagsDisplay string
}

// CappedInfo describes the capped database and its writes per payload type
type CappedInfo struct {
	Path                 string
	Capacity             datasize.ByteSize
	Cursor               int64
	SmallestNonExpiredID int64
	Types                []CappedTypeStats
}

type CappedTypeStats struct {
	Type string
	cappeddb.Stats
}

// LiveInterval is the state of one interval that is still in memory
type LiveInterval struct {
	CaptureTime int64           `json:"capture_time"`
	Types       []LiveTypeStats `json:"types"`
}

func (li LiveInterval) Time() time.Time {
	return time.UnixMilli(li.CaptureTime).UTC()
}

type LiveTypeStats struct {
	Type         string                    `json:"type"`
	Overall      aggregator.Summary        `json:"overall"`
	Errors       aggregator.ErrorSummary   `json:"errors"`
	Transactions []aggregator.Summary      `json:"transactions"`
	ErrorNames   []aggregator.ErrorSummary `json:"error_transactions,omitempty"`
}

var gi info

func (i *info) ListBlobs(ctx context.Context) (simpleblob.BlobList, error) {
	i.mu.Lock()
	st := i.st
	i.mu.Unlock()
	if st == nil {
		return nil, errors.New("no storage registered with status page")
	}
	list, err := st.List(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(a, b int) bool {
		return list[a].Name < list[b].Name
	})
	return list, nil
}

func (i *info) DBInfo() (res []DBInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, db := range i.dbs {
		var info DBInfo
		info.Name = db.name
		var err error
		info.Info, err = db.env.Info()
		if err != nil {
			info.Err = err
			res = append(res, info)
			continue
		}
		info.Err = db.env.View(func(txn *lmdb.Txn) error {
			dbiNames, err := lmdbenv.ReadDBINames(txn)
			if err != nil {
				return err
			}
			for _, dbiName := range dbiNames {
				dbi, err := txn.OpenDBI(dbiName, 0)
				if err != nil {
					return err
				}
				fl, err := txn.Flags(dbi)
				if err != nil {
					return err
				}
				st, err := txn.Stat(dbi)
				if err != nil {
					return err
				}
				ds := DBIStat{
					Name:         dbiName,
					Stat:         st,
					Used:         datasize.ByteSize(stats.PageUsageBytes(st)),
					Flags:        fl,
					FlagsDisplay: displayFlags(fl),
				}
				info.DBIStats = append(info.DBIStats, ds)
				info.Used += ds.Used
			}
			return nil
		})
		res = append(res, info)
	}
	return res
}

// CappedInfo returns nil when no capped database is registered
func (i *info) CappedInfo() *CappedInfo {
	i.mu.Lock()
	db := i.capped
	i.mu.Unlock()
	if db == nil {
		return nil
	}
	ci := &CappedInfo{
		Path:                 db.Path(),
		Capacity:             datasize.ByteSize(db.Capacity()),
		Cursor:               db.Cursor(),
		SmallestNonExpiredID: db.SmallestNonExpiredID(),
	}
	for typ, s := range db.AllStats() {
		ci.Types = append(ci.Types, CappedTypeStats{Type: typ, Stats: s})
	}
	slices.SortFunc(ci.Types, func(a, b CappedTypeStats) int {
		return cmp.Compare(a.Type, b.Type)
	})
	return ci
}

// LiveIntervals returns the in-memory intervals with a capture time in
// (from, to], optionally limited to one transaction type
func (i *info) LiveIntervals(from, to int64, transactionType string) []LiveInterval {
	i.mu.Lock()
	live := i.live
	i.mu.Unlock()
	if live == nil {
		return nil
	}
	var res []LiveInterval
	for _, ic := range live.GetIntervalsInRange(from, to) {
		li := LiveInterval{CaptureTime: ic.CaptureTime()}
		for _, typ := range ic.TransactionTypes() {
			if transactionType != "" && typ != transactionType {
				continue
			}
			overall, ok := ic.OverallSummary(typ)
			if !ok {
				continue
			}
			errs, _ := ic.OverallErrorSummary(typ)
			li.Types = append(li.Types, LiveTypeStats{
				Type:         typ,
				Overall:      overall,
				Errors:       errs,
				Transactions: ic.TransactionSummaries(typ),
				ErrorNames:   ic.TransactionErrorSummaries(typ),
			})
		}
		res = append(res, li)
	}
	return res
}

// AddLMDBEnv registers an LMDB Env with the status page
func AddLMDBEnv(name string, env *lmdb.Env) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.dbs = append(gi.dbs, dbs{
		name: name,
		env:  env,
	})
}

func RemoveLMDBEnv(name string) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.dbs = slices.DeleteFunc(gi.dbs, func(db dbs) bool {
		return db.name == name
	})
}

// SetStorage registers the archive storage
func SetStorage(st simpleblob.Interface) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.st = st
}

func SetCapped(db *cappeddb.DB) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.capped = db
}

func SetIntervalSource(src IntervalSource) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.live = src
}
