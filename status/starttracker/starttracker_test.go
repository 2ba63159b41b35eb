package starttracker

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestStartTracker(t *testing.T) {
	l, _ := test.NewNullLogger()
	st := New(StartConfig{
		ReportHealthz: true,
		ErrorDuration: time.Hour,
	}, "ringstat", l, PhaseRepositoryOpen, PhaseFirstFlush)
	assert.Equal(t, MinEvaluationInterval, st.Config.EvaluationInterval)
	assert.Equal(t, []string{PhaseRepositoryOpen, PhaseFirstFlush}, st.Pending())

	// WarnDuration 0 warns right away
	err := st.Check()
	assert.ErrorContains(t, err, "startup pending")
	assert.ErrorContains(t, err, PhaseFirstFlush)

	st.Pass(PhaseRepositoryOpen)
	st.Pass(PhaseRepositoryOpen)
	st.Pass("unknown")
	assert.Equal(t, []string{PhaseFirstFlush}, st.Pending())

	st.Pass(PhaseFirstFlush)
	assert.Empty(t, st.Pending())
	assert.NoError(t, st.Check())
}

func TestStartTrackerNotReported(t *testing.T) {
	l, _ := test.NewNullLogger()
	st := New(StartConfig{}, "ringstat", l, PhaseFirstRecord)
	assert.NoError(t, st.Check())
	assert.Len(t, st.Pending(), 1)

	var nilTracker *StartTracker
	nilTracker.Pass(PhaseFirstRecord)
	assert.Nil(t, nilTracker.Pending())
}

func TestValidated(t *testing.T) {
	sc := StartConfig{
		EvaluationInterval: time.Millisecond,
		ErrorDuration:      time.Minute,
		WarnDuration:       time.Hour,
	}.Validated()
	assert.Equal(t, MinEvaluationInterval, sc.EvaluationInterval)
	assert.Equal(t, time.Minute, sc.WarnDuration)

	sc = StartConfig{ErrorDuration: -time.Second, WarnDuration: -time.Second}.Validated()
	assert.Zero(t, sc.ErrorDuration)
	assert.Zero(t, sc.WarnDuration)
}
