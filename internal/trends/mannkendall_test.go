package trends

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMannKendallIncreasing(t *testing.T) {
	// Strictly rising series over ten points is a significant upward trend.
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	result := MannKendall(values)

	assert.Equal(t, TrendIncreasing, result.Trend)
	assert.Equal(t, 45, result.S)
	assert.True(t, result.Significant)
	assert.Less(t, result.PValue, 0.05)
}

func TestMannKendallDecreasing(t *testing.T) {
	values := []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	result := MannKendall(values)

	assert.Equal(t, TrendDecreasing, result.Trend)
	assert.Equal(t, -45, result.S)
	assert.True(t, result.Significant)
}

func TestMannKendallConstantSeries(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5, 5}
	result := MannKendall(values)

	assert.Equal(t, TrendNone, result.Trend)
	assert.Zero(t, result.S)
	assert.Zero(t, result.Z)
	assert.False(t, result.Significant)
}

func TestMannKendallNoisySeriesNotSignificant(t *testing.T) {
	values := []float64{3, 5, 2, 6, 4, 3, 5}
	result := MannKendall(values)
	assert.Equal(t, TrendNone, result.Trend)
	assert.False(t, result.Significant)
}

func TestMannKendallShortSeries(t *testing.T) {
	assert.Equal(t, TrendNone, MannKendall(nil).Trend)
	assert.Equal(t, TrendNone, MannKendall([]float64{1, 2}).Trend)
}

func TestMannKendallTieCorrection(t *testing.T) {
	// Rising with ties still detects the trend; the tie groups shrink the
	// variance rather than breaking the test.
	values := []float64{1, 1, 2, 2, 3, 3, 4, 4, 5, 5}
	result := MannKendall(values)
	assert.Equal(t, TrendIncreasing, result.Trend)
	assert.True(t, result.Significant)
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 10.0, Score(0, 0, 0, 0), 0.001)
	assert.InDelta(t, 7.0, Score(1, 0, 0, 0), 0.001)
	assert.InDelta(t, 5.6, Score(1, 1, 1, 1), 0.001)
	assert.Zero(t, Score(4, 0, 0, 0), "clamped at zero")
}

func TestGrade(t *testing.T) {
	assert.Equal(t, "A", Grade(9.5))
	assert.Equal(t, "B", Grade(7.0))
	assert.Equal(t, "C", Grade(5.0))
	assert.Equal(t, "D", Grade(3.0))
	assert.Equal(t, "F", Grade(2.9))
}
