package healthtracker

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestHealthTracker(t *testing.T) {
	l, _ := test.NewNullLogger()
	ht := New(HealthConfig{
		ErrorSequence: 3,
		WarnSequence:  1,
		ErrorDuration: time.Hour,
		WarnDuration:  0,
	}, "flush", "flush intervals", l)
	assert.Equal(t, MinEvaluationInterval, ht.Config.EvaluationInterval)

	assert.NoError(t, ht.CheckSequence())
	assert.NoError(t, ht.CheckDuration())

	ht.AddFailure()
	assert.Equal(t, uint32(1), ht.Failures())
	assert.ErrorContains(t, ht.CheckSequence(), "1 consecutive times")
	assert.ErrorContains(t, ht.CheckDuration(), "failed to flush intervals for")

	ht.AddFailure()
	ht.AddFailure()
	assert.EqualError(t, ht.CheckSequence(), "failed to flush intervals 3 consecutive times")

	ht.AddSuccess()
	assert.Equal(t, uint32(0), ht.Failures())
	assert.NoError(t, ht.CheckSequence())
	assert.NoError(t, ht.CheckDuration())
}

func TestNilHealthTracker(t *testing.T) {
	var ht *HealthTracker
	ht.AddFailure()
	ht.AddSuccess()
	assert.Equal(t, uint32(0), ht.Failures())
}
