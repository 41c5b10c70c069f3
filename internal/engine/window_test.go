package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risktrajectory/internal/model"
)

func TestWindowRateNeedsTwoPoints(t *testing.T) {
	w := NewWindowState(5*time.Minute, 10)
	assert.Zero(t, w.RatePerMinute())

	require.True(t, w.Add(Point{Timestamp: testBase, Value: 80}))
	assert.Zero(t, w.RatePerMinute())

	require.True(t, w.Add(Point{Timestamp: testBase.Add(30 * time.Second), Value: 86}))
	assert.InDelta(t, 12.0, w.RatePerMinute(), 1e-9)
}

func TestWindowRejectsNonIncreasingTimestamps(t *testing.T) {
	w := NewWindowState(5*time.Minute, 10)
	require.True(t, w.Add(Point{Timestamp: testBase, Value: 1}))
	assert.False(t, w.Add(Point{Timestamp: testBase, Value: 2}))
	assert.False(t, w.Add(Point{Timestamp: testBase.Add(-time.Second), Value: 3}))
	assert.Equal(t, 1, w.Len())
}

func TestWindowEvictsByHorizonThenCount(t *testing.T) {
	w := NewWindowState(time.Minute, 3)
	for i := 0; i < 5; i++ {
		w.Add(Point{Timestamp: testBase.Add(time.Duration(i) * 10 * time.Second), Value: float64(i)})
	}
	assert.Equal(t, 3, w.Len())
	oldest, ok := w.Oldest()
	require.True(t, ok)
	assert.Equal(t, 2.0, oldest.Value)

	w.Add(Point{Timestamp: testBase.Add(5 * time.Minute), Value: 100})
	assert.Equal(t, 1, w.Len())
	assert.Zero(t, w.RatePerMinute())

	w.Reset()
	assert.Zero(t, w.Len())
}

func TestTrackerFirstSampleHasZeroRates(t *testing.T) {
	tr := NewTrendTracker(5*time.Minute, 60)
	rates, ok := tr.Observe("P1", restingSample(testBase))
	require.True(t, ok)
	for _, m := range model.Metrics {
		assert.Zero(t, rates[m], "metric %s", m)
	}
}

func TestTrackerIgnoresStaleSample(t *testing.T) {
	tr := NewTrendTracker(5*time.Minute, 60)
	tr.Observe("P1", restingSample(testBase))
	first, ok := tr.Observe("P1", withHR(restingSample(testBase.Add(time.Minute)), 82))
	require.True(t, ok)
	assert.InDelta(t, 12.0, first[model.HeartRate], 1e-9)

	again, ok := tr.Observe("P1", withHR(restingSample(testBase.Add(time.Minute)), 200))
	assert.False(t, ok)
	assert.Equal(t, first, again)
	assert.Equal(t, 2, tr.Points("P1", model.HeartRate))
}

func TestTrackerPatientsAreIndependent(t *testing.T) {
	tr := NewTrendTracker(5*time.Minute, 60)
	tr.Observe("P1", restingSample(testBase))
	tr.Observe("P1", withHR(restingSample(testBase.Add(time.Minute)), 90))
	rates, ok := tr.Observe("P2", restingSample(testBase.Add(time.Minute)))
	require.True(t, ok)
	assert.Zero(t, rates[model.HeartRate])

	before := tr.patient("P1")
	tr.Reset("P1")
	assert.Same(t, before, tr.patient("P1"), "reset clears the existing state")
	cleared, _ := tr.Rates("P1")
	assert.Equal(t, model.ZeroRates(), cleared)
	assert.Zero(t, tr.Points("P1", model.HeartRate))
	_, ok = tr.Observe("P1", restingSample(testBase))
	assert.True(t, ok, "the patient clock restarts after reset")
	assert.Equal(t, 1, tr.Points("P2", model.HeartRate), "other patients keep their windows")

	tr.ResetAll()
	assert.Zero(t, tr.Points("P2", model.HeartRate))
}
