package starttracker

import (
	"time"
)

// MinEvaluationInterval is the shortest allowed healthz evaluation interval
const MinEvaluationInterval = time.Second

// StartConfig configures how long the startup phases may take before
// healthz reports a warning or an error.
type StartConfig struct {
	EvaluationInterval time.Duration `yaml:"interval"`
	ErrorDuration      time.Duration `yaml:"error_duration"`
	WarnDuration       time.Duration `yaml:"warn_duration"`
	ReportHealthz      bool          `yaml:"report_healthz"`
	ReportMetadata     bool          `yaml:"report_metadata"`
}

// Validated returns a copy with the interval raised to its minimum, negative
// durations set to zero, and a warning that never comes after the error.
func (sc StartConfig) Validated() StartConfig {
	sc.EvaluationInterval = max(sc.EvaluationInterval, MinEvaluationInterval)
	sc.ErrorDuration = max(sc.ErrorDuration, 0)
	sc.WarnDuration = min(max(sc.WarnDuration, 0), sc.ErrorDuration)
	return sc
}
