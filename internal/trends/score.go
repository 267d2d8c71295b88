package trends

// Score derives the security posture value in [0, 10] from severity
// counts. INFO findings do not affect the score.
func Score(critical, high, medium, low int) float64 {
	score := 10.0 -
		3.0*float64(critical) -
		1.0*float64(high) -
		0.3*float64(medium) -
		0.1*float64(low)
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// Grade maps a posture score to its letter grade.
func Grade(score float64) string {
	switch {
	case score >= 9:
		return "A"
	case score >= 7:
		return "B"
	case score >= 5:
		return "C"
	case score >= 3:
		return "D"
	default:
		return "F"
	}
}
