// Package healthtracker turns a stream of success and failure events, like
// interval flushes, into healthz checks.
package healthtracker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"
)

// MinEvaluationInterval is the minimum interval allowed between healthz evaluation
const MinEvaluationInterval = time.Second

type HealthConfig struct {
	ErrorDuration      time.Duration `yaml:"error_duration"`
	WarnDuration       time.Duration `yaml:"warn_duration"`
	ErrorSequence      uint32        `yaml:"error_sequence"`
	WarnSequence       uint32        `yaml:"warn_sequence"`
	EvaluationInterval time.Duration `yaml:"interval"`
}

// Validated returns a copy with values that are too small raised to their minimum
func (hc HealthConfig) Validated() HealthConfig {
	if hc.EvaluationInterval < MinEvaluationInterval {
		hc.EvaluationInterval = MinEvaluationInterval
	}
	if hc.ErrorDuration < 0 {
		hc.ErrorDuration = 0
	}
	if hc.WarnDuration < 0 {
		hc.WarnDuration = 0
	}
	if hc.ErrorSequence == 0 {
		hc.ErrorSequence = 1
	}
	return hc
}

// HealthTracker tracks consecutive failures of an activity.
// A nil HealthTracker is valid and ignores all events.
type HealthTracker struct {
	Config   HealthConfig
	sequence atomic.Uint32
	since    atomic.Time
	prefix   string
	activity string
	logger   logrus.FieldLogger
}

// New creates a tracker without registering any healthz checks
func New(hc HealthConfig, prefix string, activity string, l logrus.FieldLogger) *HealthTracker {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &HealthTracker{
		Config:   hc.Validated(),
		prefix:   prefix,
		activity: activity,
		logger:   l.WithField("healthtracker", prefix),
	}
}

// Register creates a tracker and registers its healthz checks
func Register(hc HealthConfig, prefix string, activity string, l logrus.FieldLogger) *HealthTracker {
	ht := New(hc, prefix, activity, l)
	healthz.Register(ht.prefix+"_failed_attempts", ht.Config.EvaluationInterval, ht.CheckSequence)
	healthz.Register(ht.prefix+"_failed_duration", ht.Config.EvaluationInterval, ht.CheckDuration)
	ht.logger.Info("registered trackers for consecutive failures and failure duration")
	return ht
}

// CheckSequence evaluates the number of consecutive failures
func (ht *HealthTracker) CheckSequence() error {
	conseqFails := ht.sequence.Load()
	if conseqFails == 0 {
		return nil
	}
	if conseqFails >= ht.Config.ErrorSequence {
		ht.logger.Warnf("%d consecutive failures is violating the error threshold (%d)",
			conseqFails, ht.Config.ErrorSequence)
		return fmt.Errorf("failed to %s %d consecutive times", ht.activity, conseqFails)
	}
	if conseqFails >= ht.Config.WarnSequence {
		ht.logger.Warnf("%d consecutive failures is violating the warning threshold (%d)",
			conseqFails, ht.Config.WarnSequence)
		return healthz.Warnf("failed to %s %d consecutive times", ht.activity, conseqFails)
	}
	return nil
}

// CheckDuration evaluates how long the activity has been failing
func (ht *HealthTracker) CheckDuration() error {
	if ht.sequence.Load() == 0 {
		return nil
	}
	failingFor := time.Since(ht.since.Load())
	if failingFor >= ht.Config.ErrorDuration {
		ht.logger.Warnf("failure for %s is violating the error threshold (%s)",
			failingFor.Round(time.Second), ht.Config.ErrorDuration)
		return fmt.Errorf("failed to %s for %s", ht.activity, failingFor.Round(time.Second))
	}
	if failingFor >= ht.Config.WarnDuration {
		ht.logger.Warnf("failure for %s is violating the warning threshold (%s)",
			failingFor.Round(time.Second), ht.Config.WarnDuration)
		return healthz.Warnf("failed to %s for %s", ht.activity, failingFor.Round(time.Second))
	}
	return nil
}

func (ht *HealthTracker) AddFailure() {
	if ht == nil {
		return
	}
	failures := ht.sequence.Inc()
	if failures == 1 {
		ht.since.Store(time.Now())
	}
	ht.logger.Debugf("incremented consecutive failures to %d", failures)
}

func (ht *HealthTracker) AddSuccess() {
	if ht == nil {
		return
	}
	ht.sequence.Store(0)
	ht.logger.Debug("tracked successful attempt")
}

// Failures returns the current number of consecutive failures
func (ht *HealthTracker) Failures() uint32 {
	if ht == nil {
		return 0
	}
	return ht.sequence.Load()
}
