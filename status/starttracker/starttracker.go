// Package starttracker reports through healthz until every startup phase,
// like the first interval flush, has passed once.
package starttracker

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"
)

// Startup phases of the run command
const (
	PhaseRepositoryOpen = "repository_open"
	PhaseFirstRecord    = "first_record"
	PhaseFirstFlush     = "first_flush"
)

type StartTracker struct {
	Config StartConfig

	mu      sync.Mutex
	pending []string

	since     atomic.Time
	completed atomic.Bool
	prefix    string
	logger    logrus.FieldLogger
}

// New creates a tracker that waits for the given phases. It does not
// register with healthz, see Register.
func New(sc StartConfig, prefix string, l logrus.FieldLogger, phases ...string) *StartTracker {
	if l == nil {
		l = logrus.StandardLogger()
	}
	st := &StartTracker{
		Config:  sc.Validated(),
		pending: slices.Clone(phases),
		prefix:  prefix,
		logger:  l.WithField("starttracker", prefix),
	}
	st.since.Store(time.Now())
	return st
}

// Register creates a tracker and registers its healthz check
func Register(sc StartConfig, prefix string, l logrus.FieldLogger, phases ...string) *StartTracker {
	st := New(sc, prefix, l, phases...)
	st.RegisterTracker()
	return st
}

func (st *StartTracker) trackerName() string {
	return fmt.Sprintf("%s_startup_in_progress", st.prefix)
}

func (st *StartTracker) RegisterTracker() {
	if st.Config.ReportMetadata {
		healthz.SetMeta("startupCompleted", false)
	}
	healthz.Register(st.trackerName(), st.Config.EvaluationInterval, func() error {
		err := st.Check()
		if err == nil && st.completed.CompareAndSwap(false, true) {
			if st.Config.ReportMetadata {
				healthz.SetMeta("startupCompleted", true)
			}
			st.logger.Info("startup phase completed successfully")
			// Startup is irrelevant after passing once
			healthz.Deregister(st.trackerName())
		}
		return err
	})
	st.logger.Info("registered tracker for startup phase")
}

// Check returns an error or a healthz warning while phases are pending and
// the configured thresholds are exceeded
func (st *StartTracker) Check() error {
	pending := st.Pending()
	if len(pending) == 0 || !st.Config.ReportHealthz {
		return nil
	}
	waiting := time.Since(st.since.Load())
	if waiting >= st.Config.ErrorDuration {
		st.logger.Debugf("startup pending after %s is violating the error threshold (%s)",
			waiting.Round(time.Second), st.Config.ErrorDuration)
		return fmt.Errorf("startup pending after %s, waiting for %v", waiting.Round(time.Second), pending)
	}
	if waiting >= st.Config.WarnDuration {
		st.logger.Debugf("startup pending after %s is violating the warning threshold (%s)",
			waiting.Round(time.Second), st.Config.WarnDuration)
		return healthz.Warnf("startup pending after %s, waiting for %v", waiting.Round(time.Second), pending)
	}
	return nil
}

// Pass marks a phase as completed. A nil StartTracker ignores it.
func (st *StartTracker) Pass(phase string) {
	if st == nil {
		return
	}
	st.mu.Lock()
	n := len(st.pending)
	st.pending = slices.DeleteFunc(st.pending, func(p string) bool {
		return p == phase
	})
	passed := len(st.pending) < n
	st.mu.Unlock()
	if passed {
		st.logger.WithField("phase", phase).Debug("tracked successful startup phase")
	}
}

// Pending returns the phases that have not passed yet
func (st *StartTracker) Pending() []string {
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return slices.Clone(st.pending)
}
