package archive

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/ringstat/ringstat/config"
	"github.com/ringstat/ringstat/utils"
)

// Cleaner periodically removes archived intervals of this instance that are
// older than the retention. The newest MinKeep blobs are always kept.
type Cleaner struct {
	a    *Archive
	conf config.Archive
	l    logrus.FieldLogger
}

func NewCleaner(a *Archive, conf config.Archive, l logrus.FieldLogger) *Cleaner {
	return &Cleaner{
		a:    a,
		conf: conf,
		l:    l.WithField("component", "archive-cleaner"),
	}
}

func (c *Cleaner) Run(ctx context.Context) error {
	if c.conf.Retention <= 0 {
		// Keep everything, wait for the context to close
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		if _, err := c.RunOnce(ctx, time.Now()); err != nil && !utils.IsCanceled(ctx) {
			c.l.WithError(err).Warn("Clean run failed")
		}
		if err := utils.SleepContextPerturb(ctx, c.conf.CleanupInterval); err != nil {
			return err
		}
	}
}

// RunOnce removes expired blobs and returns how many were removed
func (c *Cleaner) RunOnce(ctx context.Context, now time.Time) (int, error) {
	if c.conf.Retention <= 0 {
		return 0, nil
	}
	infos, err := c.a.List(ctx, c.a.instance)
	metricListCalls.Inc()
	if err != nil {
		metricListFailed.Inc()
		return 0, err
	}
	nTotal := len(infos)

	// List is sorted from oldest to newest, the newest are protected
	keep := min(max(c.conf.MinKeep, 0), len(infos))
	candidates := infos[:len(infos)-keep]
	candidates = lo.Filter(candidates, func(ni NameInfo, _ int) bool {
		return now.Sub(ni.Timestamp) > c.conf.Retention
	})

	nCleaned := 0
	nError := 0
	for _, ni := range candidates {
		l := c.l.WithField("blob", ni.FullName)
		l.Debug("Removing expired interval")
		metricDeleteCalls.Inc()
		if err := c.a.Delete(ctx, ni.FullName); err != nil {
			l.WithError(err).Warn("Could not delete expired interval")
			metricDeleteFailed.Inc()
			nError++
			continue
		}
		nCleaned++
	}

	c.l.WithFields(logrus.Fields{
		"cleaned": nCleaned,
		"failed":  nError,
		"total":   nTotal,
	}).Debug("Cleaning stats")
	return nCleaned, nil
}
