// Package stats exports LMDB env and DBI statistics to Prometheus and logs
package stats

import (
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/ringstat/ringstat/lmdbenv"
)

// Collector exports statistics of registered LMDB envs to Prometheus.
// A Collector can only be registered once.
type Collector struct {
	mu      sync.Mutex
	targets map[string]Target
	l       logrus.FieldLogger
}

// Target is an env to collect for. A nil DBNames collects all named DBIs.
type Target struct {
	Name    string
	DBNames []string
	Env     *lmdb.Env
}

// NewCollector creates a new Collector
func NewCollector(l logrus.FieldLogger) *Collector {
	return &Collector{
		targets: make(map[string]Target),
		l:       l.WithField("component", "lmdb-stats"),
	}
}

func (c *Collector) AddTarget(name string, dbnames []string, env *lmdb.Env) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[name] = Target{
		Name:    name,
		DBNames: dbnames,
		Env:     env,
	}
}

// RemoveTarget stops collection for an env that is about to be closed
func (c *Collector) RemoveTarget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, name)
}

// Describe is part of the prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range allDescs {
		ch <- d
	}
}

// Collect is part of the prometheus.Collector interface. Targets are
// collected in name order.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	targets := lo.Values(c.targets)
	c.mu.Unlock()
	slices.SortFunc(targets, func(a, b Target) int {
		return cmp.Compare(a.Name, b.Name)
	})

	for _, t := range targets {
		g := gauges{ch: ch, lmdb: t.Name}
		if err := collectEnv(g, t); err != nil {
			c.l.WithError(err).WithField("lmdb", t.Name).Error("Failed to collect LMDB stats")
		}
	}
}

// gauges sends gauge values labeled with one env name
type gauges struct {
	ch   chan<- prometheus.Metric
	lmdb string
}

func (g gauges) set(d *prometheus.Desc, v float64, labels ...string) {
	g.ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{g.lmdb}, labels...)...)
}

func collectEnv(g gauges, t Target) error {
	info, err := t.Env.Info()
	if err != nil {
		return errors.Wrap(err, "env info")
	}
	g.set(envMapSizeDesc, float64(info.MapSize))
	g.set(envCurrentReadersDesc, float64(info.NumReaders))
	g.set(envLastTxnID, float64(info.LastTxnID))
	g.set(envMaxReadersDesc, float64(info.MaxReaders))

	readers, err := ParsedReaderList(t.Env)
	if err != nil {
		return errors.Wrap(err, "reader list")
	}
	g.set(envOldestReaderAgeDesc, float64(readers.MaxAge(info.LastTxnID)))

	path, err := t.Env.Path()
	if err != nil {
		return errors.Wrap(err, "env path")
	}
	filesize, err := lmdbFileSize(path)
	if err != nil {
		return errors.Wrap(err, "file size")
	}
	g.set(envFileSizeDesc, float64(filesize))

	var total uint64
	err = t.Env.View(func(txn *lmdb.Txn) error {
		total, err = collectDBIs(g, txn, t.DBNames)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "open view")
	}
	g.set(statTotalUsageBytesDesc, float64(total))
	if info.MapSize > 0 {
		g.set(statTotalUsageFractionDesc, float64(total)/float64(info.MapSize))
	}
	return nil
}

// collectDBIs returns the total bytes used by the DBIs it found
func collectDBIs(g gauges, txn *lmdb.Txn, dbnames []string) (total uint64, err error) {
	if dbnames == nil {
		dbnames, err = lmdbenv.ReadDBINames(txn)
		if err != nil {
			return 0, err
		}
	}
	for _, name := range dbnames {
		// Missing DBIs are created on first write
		dbi, exists, err := lmdbenv.OpenDBIIfExists(txn, name)
		if err != nil {
			return 0, err
		}
		if !exists {
			continue
		}
		st, err := txn.Stat(dbi)
		if err != nil {
			return 0, errors.Wrap(err, "stat "+name)
		}
		used := PageUsageBytes(st)
		total += used
		g.set(statUsageBytesDesc, float64(used), name)
		g.set(statEntriesDesc, float64(st.Entries), name)
		g.set(statDepthDesc, float64(st.Depth), name)
		g.set(statPagesDesc, float64(st.BranchPages), name, "branch")
		g.set(statPagesDesc, float64(st.LeafPages), name, "leaf")
		g.set(statPagesDesc, float64(st.OverflowPages), name, "overflow")
	}
	return total, nil
}

// Verify that Collector correctly implements the interface
var _ prometheus.Collector = (*Collector)(nil)

func lmdbFullPath(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err, "stat")
	}
	if st.IsDir() {
		path = filepath.Join(path, "data.mdb")
	}
	return filepath.Abs(path)
}

// PageUsageBytes estimates bytes of map size used based on used pages
func PageUsageBytes(s *lmdb.Stat) uint64 {
	return uint64(s.PSize) * (s.BranchPages + s.LeafPages + s.OverflowPages)
}

func lmdbFileSize(path string) (int64, error) {
	path, err := lmdbFullPath(path)
	if err != nil {
		return 0, errors.Wrap(err, "full path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, "stat")
	}
	return st.Size(), nil
}
