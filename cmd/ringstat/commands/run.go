package commands

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wojas/go-healthz"
	"golang.org/x/sync/errgroup"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/aggregator"
	"github.com/ringstat/ringstat/archive"
	"github.com/ringstat/ringstat/ingest"
	"github.com/ringstat/ringstat/lmdbenv/stats"
	"github.com/ringstat/ringstat/model"
	"github.com/ringstat/ringstat/repository"
	"github.com/ringstat/ringstat/status"
	"github.com/ringstat/ringstat/status/healthtracker"
	"github.com/ringstat/ringstat/status/starttracker"
)

const drainTimeout = 30 * time.Second

var (
	inputPath      string
	exitAfterInput bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&inputPath, "input", "-", "File with newline delimited JSON transaction records, '-' for stdin, empty for none")
	runCmd.Flags().BoolVar(&exitAfterInput, "exit-after-input", false, "Exit when the input is exhausted, after flushing completed intervals")
}

// startAdder passes the first record phase on the first record
type startAdder struct {
	*aggregator.Aggregator
	st *starttracker.StartTracker
}

func (sa startAdder) Add(rec *model.TransactionRecord) int64 {
	sa.st.Pass(starttracker.PhaseFirstRecord)
	return sa.Aggregator.Add(rec)
}

func openInput() (io.ReadCloser, error) {
	switch inputPath {
	case "":
		return nil, nil
	case "-":
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, errors.Wrap(err, "open input")
	}
	return f, nil
}

func runService() (err error) {
	ctx, cancel := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	l := logrus.StandardLogger()

	st := starttracker.Register(conf.Health.Startup, "ringstat", l,
		starttracker.PhaseRepositoryOpen, starttracker.PhaseFirstRecord, starttracker.PhaseFirstFlush)

	s, err := openStores(false)
	if err != nil {
		return err
	}
	st.Pass(starttracker.PhaseRepositoryOpen)
	if conf.Repository.LogStats {
		if err := stats.Log(s.env, repository.DBINames, l); err != nil {
			l.WithError(err).Warn("LMDB stats")
		}
	}
	collector := stats.NewCollector(l)
	collector.AddTarget("repository", repository.DBINames, s.env)
	if err := prometheusRegister(collector); err != nil {
		l.WithError(err).Warn("LMDB metrics not registered")
	}
	status.AddLMDBEnv("repository", s.env)
	status.SetCapped(s.capped)

	ac := conf.Aggregation
	agg := aggregator.New(s.repo, aggregator.Options{
		Interval:               ac.Interval,
		MaxTransactionsPerType: ac.MaxTransactionsPerType,
		MaxQueriesPerType:      ac.MaxQueriesPerType,
		FlushConcurrency:       ac.FlushConcurrency,
		PollSlack:              ac.PollSlack,
		Health:                 healthtracker.Register(conf.Health.Flush, "flush", "flush intervals", l),
	}, l)
	status.SetIntervalSource(agg)

	defer func() {
		agg.Close()
		dctx, dcancel := context.WithTimeout(context.Background(), drainTimeout)
		defer dcancel()
		var merr *multierror.Error
		if derr := agg.Drain(dctx); derr != nil {
			merr = multierror.Append(merr, errors.Wrap(derr, "drain flushes"))
		}
		collector.RemoveTarget("repository")
		status.RemoveLMDBEnv("repository")
		status.SetCapped(nil)
		if cerr := s.Close(); cerr != nil {
			merr = multierror.Append(merr, cerr)
		}
		if merr.ErrorOrNil() != nil {
			l.WithError(merr).Error("Shutdown")
			if err == nil {
				err = merr
			}
		}
	}()

	healthz.AddBuildInfo()
	if hostname, err := os.Hostname(); err == nil {
		healthz.SetMeta("hostname", hostname)
	}
	healthz.SetMeta("version", version)
	healthz.SetMeta("instance", conf.Instance)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return agg.Run(ctx)
	})
	eg.Go(func() error {
		return s.repo.Run(ctx)
	})
	eg.Go(func() error {
		sub := agg.Flushed().Subscribe(false)
		defer sub.Close()
		hasRecords := func(ia *aggregate.IntervalAggregates) bool { return ia.TransactionCount() > 0 }
		if _, err := sub.NextMatching(ctx, hasRecords); err != nil {
			return nil
		}
		st.Pass(starttracker.PhaseFirstFlush)
		return nil
	})

	if conf.Archive.Enabled {
		arch, blobs, err := openArchive(ctx)
		if err != nil {
			return err
		}
		status.SetStorage(blobs)
		cleaner := archive.NewCleaner(arch, conf.Archive, l)
		eg.Go(func() error {
			return arch.Run(ctx, agg.Flushed())
		})
		eg.Go(func() error {
			return cleaner.Run(ctx)
		})
	}

	eg.Go(func() error {
		return status.Serve(ctx, conf, l)
	})

	in, err := openInput()
	if err != nil {
		return err
	}
	if in != nil {
		eg.Go(func() error {
			defer func() {
				_ = in.Close()
			}()
			rd := ingest.New(startAdder{Aggregator: agg, st: st}, l)
			res, err := rd.Read(ctx, in)
			l.WithFields(logrus.Fields{
				"lines":   res.Lines,
				"records": res.Records,
				"invalid": res.Invalid,
			}).Info("Input done")
			if err != nil {
				return err
			}
			if exitAfterInput {
				// Let the last interval end so it is flushed
				if err := waitForIntervalEnd(ctx); err != nil {
					return err
				}
				cancel()
			}
			return nil
		})
	}

	l.WithField("instance", conf.Instance).Info("Running")
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// prometheusRegister tolerates a collector that is already registered
func prometheusRegister(c prometheus.Collector) error {
	err := prometheus.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

func waitForIntervalEnd(ctx context.Context) error {
	d := conf.Aggregation.Interval + 2*conf.Aggregation.PollSlack
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Aggregate transaction records and store the intervals",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runService(); err != nil {
			logrus.WithError(err).Fatal("Error")
		}
	},
}
