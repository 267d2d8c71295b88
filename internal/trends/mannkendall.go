// Package trends derives diffs, time series, significance tests, posture
// scores, regressions and insights from the scan history.
package trends

import "math"

// TrendDirection classifies the outcome of a monotonic-trend test.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendNone       TrendDirection = "no-trend"
)

// TrendResult is the Mann-Kendall test outcome for one series.
type TrendResult struct {
	Trend       TrendDirection `json:"trend"`
	S           int            `json:"s"`
	Z           float64        `json:"z"`
	PValue      float64        `json:"p_value"`
	Significant bool           `json:"significant"`
	N           int            `json:"n"`
}

// MannKendall runs the nonparametric monotonic-trend test with tie
// correction. Fewer than three points always report no-trend.
func MannKendall(values []float64) TrendResult {
	n := len(values)
	result := TrendResult{Trend: TrendNone, N: n}
	if n < 3 {
		return result
	}

	s := 0
	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			switch {
			case values[j] > values[i]:
				s++
			case values[j] < values[i]:
				s--
			}
		}
	}
	result.S = s

	variance := float64(n*(n-1)*(2*n+5)) / 18.0
	for _, t := range tieGroups(values) {
		variance -= float64(t*(t-1)*(2*t+5)) / 18.0
	}

	if s != 0 && variance > 0 {
		// Continuity correction pulls the statistic toward zero by one.
		correction := 1.0
		if s < 0 {
			correction = -1.0
		}
		result.Z = (float64(s) - correction) / math.Sqrt(variance)
	}

	result.PValue = 2 * normalSurvival(math.Abs(result.Z))
	result.Significant = result.PValue < 0.05
	if result.Significant {
		if s > 0 {
			result.Trend = TrendIncreasing
		} else if s < 0 {
			result.Trend = TrendDecreasing
		}
	}
	return result
}

// tieGroups returns the size of every group of equal values with at least
// two members.
func tieGroups(values []float64) []int {
	counts := map[float64]int{}
	for _, v := range values {
		counts[v]++
	}
	var groups []int
	for _, c := range counts {
		if c > 1 {
			groups = append(groups, c)
		}
	}
	return groups
}

// normalSurvival is P(X > z) for the standard normal distribution.
func normalSurvival(z float64) float64 {
	return 0.5 * math.Erfc(z/math.Sqrt2)
}
