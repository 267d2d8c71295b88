package trends

import "fmt"

// Insight is one structured narrative record derived from the analysis.
type Insight struct {
	Category          string `json:"category"`
	Severity          string `json:"severity"`
	Priority          string `json:"priority"`
	Icon              string `json:"icon"`
	Message           string `json:"message"`
	Details           string `json:"details,omitempty"`
	RecommendedAction string `json:"recommended_action,omitempty"`
}

// BuildInsights evaluates every insight rule against a finished analysis.
// Rules are independent; any subset may fire.
func BuildInsights(a *Analysis) []Insight {
	var insights []Insight

	if a.ScanCount < 3 {
		insights = append(insights, Insight{
			Category: "data",
			Severity: "INFO",
			Priority: "INFO",
			Icon:     "info",
			Message:  fmt.Sprintf("Only %d scan(s) in the window; trend results are not yet meaningful", a.ScanCount),
			RecommendedAction: "Keep scanning on a regular cadence to build trend history",
		})
	}

	if a.ScanCount >= 2 && a.TotalChange <= -20 {
		insights = append(insights, Insight{
			Category: "improvement",
			Severity: "INFO",
			Priority: "HIGH",
			Icon:     "trend-down",
			Message:  fmt.Sprintf("Finding total dropped by %d across the window", -a.TotalChange),
			Details:  fmt.Sprintf("From %d to %d findings over %d scans", a.Points[0].Total, a.Points[len(a.Points)-1].Total, a.ScanCount),
		})
	}

	for _, r := range a.Regressions {
		if r.Severity == "CRITICAL" || r.Category == "score_drop" {
			insights = append(insights, Insight{
				Category:          "regression",
				Severity:          r.Severity,
				Priority:          "HIGH",
				Icon:              "alert",
				Message:           r.Message,
				RecommendedAction: "Triage the newly introduced findings before the next release",
			})
			break
		}
	}

	if a.RecurringRule != "" {
		insights = append(insights, Insight{
			Category:          "recurring",
			Severity:          "MEDIUM",
			Priority:          "MEDIUM",
			Icon:              "repeat",
			Message:           fmt.Sprintf("Rule %s has stayed in the top 3 for at least 3 consecutive scans", a.RecurringRule),
			RecommendedAction: "Consider a systematic fix or a suppression with documented rationale",
		})
	}

	if a.Improvement.Resolved-a.Improvement.Introduced >= 15 {
		insights = append(insights, Insight{
			Category: "velocity",
			Severity: "INFO",
			Priority: "MEDIUM",
			Icon:     "rocket",
			Message: fmt.Sprintf("Remediation is outpacing introduction: %d resolved vs %d introduced",
				a.Improvement.Resolved, a.Improvement.Introduced),
		})
	}

	return insights
}
