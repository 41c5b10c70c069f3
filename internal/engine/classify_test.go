package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"risktrajectory/internal/model"
)

func TestClassifyRestingIsGreen(t *testing.T) {
	cls := Classify(hrBaseline(), restingSample(testBase), model.ZeroRates())
	assert.Equal(t, model.LevelGreen, cls.Level)
	assert.Equal(t, "No abnormalities detected.", cls.Explanation)
	assert.Empty(t, cls.Drivers)
	assert.False(t, cls.Escalated)
	assert.Zero(t, cls.Score)
}

func TestClassifyLevelIsMonotonicInDeviation(t *testing.T) {
	b := hrBaseline()
	prev := model.LevelGreen
	prevScore := 0.0
	for hr := 70.0; hr <= 130; hr += 2.5 {
		cls := Classify(b, withHR(restingSample(testBase), hr), model.ZeroRates())
		assert.GreaterOrEqual(t, cls.Level, prev, "hr %.1f", hr)
		assert.GreaterOrEqual(t, cls.Score, prevScore, "hr %.1f", hr)
		prev, prevScore = cls.Level, cls.Score
	}
	assert.Equal(t, model.LevelRed, prev)
}

func TestClassifyTiers(t *testing.T) {
	b := hrBaseline()
	cases := []struct {
		hr   float64
		want model.RiskLevel
	}{
		{hr: 89.9, want: model.LevelGreen},
		{hr: 90, want: model.LevelYellow},
		{hr: 50, want: model.LevelYellow},
		{hr: 100, want: model.LevelOrange},
		{hr: 110, want: model.LevelRed},
	}
	for _, tc := range cases {
		cls := Classify(b, withHR(restingSample(testBase), tc.hr), model.ZeroRates())
		assert.Equal(t, tc.want, cls.Level, "hr %.1f", tc.hr)
	}
}

func TestClassifyFastTrendEscalatesOneTier(t *testing.T) {
	b := hrBaseline()
	rates := model.ZeroRates()
	rates[model.HeartRate] = 12

	cls := Classify(b, withHR(restingSample(testBase), 95), rates)
	assert.Equal(t, model.LevelOrange, cls.Level)
	assert.True(t, cls.Escalated)
	assert.Equal(t, []model.Metric{model.HeartRate}, cls.Drivers)
	assert.Equal(t, []model.Metric{model.HeartRate}, cls.FastMetrics)
	assert.Equal(t, "heart_rate 95.0 (+25.0 from resting 70.0) | escalated: heart_rate changing fast (+12.0/min > 10.0/min)", cls.Explanation)
}

func TestClassifyRateAtThresholdDoesNotEscalate(t *testing.T) {
	rates := model.ZeroRates()
	rates[model.HeartRate] = 10
	cls := Classify(hrBaseline(), withHR(restingSample(testBase), 95), rates)
	assert.Equal(t, model.LevelYellow, cls.Level)
	assert.False(t, cls.Escalated)
}

func TestClassifyRedIsCapped(t *testing.T) {
	rates := model.ZeroRates()
	rates[model.HeartRate] = 30
	cls := Classify(hrBaseline(), withHR(restingSample(testBase), 140), rates)
	assert.Equal(t, model.LevelRed, cls.Level)
	assert.False(t, cls.Escalated)
	assert.Contains(t, cls.Explanation, "trend: heart_rate changing fast")
}

func TestClassifyGreenWithFastTrendBecomesYellow(t *testing.T) {
	rates := model.ZeroRates()
	rates[model.OxygenSaturation] = -3
	cls := Classify(hrBaseline(), restingSample(testBase), rates)
	assert.Equal(t, model.LevelYellow, cls.Level)
	assert.True(t, cls.Escalated)
	assert.Empty(t, cls.Drivers)
	assert.Equal(t, "escalated: oxygen_saturation changing fast (-3.0/min > 2.0/min)", cls.Explanation)
}

func TestClassifyExplanationOrdersWorstFirst(t *testing.T) {
	s := withHR(restingSample(testBase), 92)
	s.OxygenSaturation = 91
	cls := Classify(hrBaseline(), s, model.ZeroRates())
	assert.Equal(t, model.LevelRed, cls.Level)
	assert.Equal(t, []model.Metric{model.OxygenSaturation}, cls.Drivers)
	assert.Equal(t, "oxygen_saturation 91.0 (-7.0 from resting 98.0) | heart_rate 92.0 (+22.0 from resting 70.0)", cls.Explanation)
}

func TestClassifyScoreIsBounded(t *testing.T) {
	s := model.VitalsSample{Timestamp: testBase, HeartRate: 200, BPSystolic: 240, BPDiastolic: 140, OxygenSaturation: 70, Temperature: 42}
	rates := model.Rates{model.HeartRate: 50, model.OxygenSaturation: -10, model.BPSystolic: 40, model.BPDiastolic: 30, model.Temperature: 3}
	cls := Classify(hrBaseline(), s, rates)
	assert.Equal(t, 100.0, cls.Score)
}
