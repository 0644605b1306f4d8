package quality

import "github.com/msageha/testgate/internal/model"

// Overall score weights.
const (
	weightPassRate      = 0.30
	weightCoverage      = 0.30
	weightAccessibility = 0.20
	weightPerformance   = 0.20
)

// defaultAccessibilityScore applies when nothing reports a score: absence
// means not applicable, not failed.
const defaultAccessibilityScore = 100

// Aggregate computes metrics over results.
func Aggregate(results []model.TestResult) Metrics {
	var m Metrics
	var covSum, a11ySum float64
	var covN, a11yN int

	for _, r := range results {
		m.TotalTests += r.TotalCount
		m.FailedTests += r.FailedTests()
		m.TotalDurationMs += r.DurationMs
		if r.Coverage != nil {
			covSum += *r.Coverage
			covN++
		}
		if r.AccessibilityScore != nil {
			a11ySum += *r.AccessibilityScore
			a11yN++
		}
		if r.SecurityIssues != nil {
			m.SecurityIssues += *r.SecurityIssues
		}
	}

	if m.FailedTests > m.TotalTests {
		m.TotalTests = m.FailedTests
	}
	m.PassedTests = m.TotalTests - m.FailedTests
	m.PassRate = 100
	if m.TotalTests > 0 {
		m.PassRate = float64(m.PassedTests) / float64(m.TotalTests) * 100
	}

	if covN > 0 {
		cov := covSum / float64(covN)
		m.Coverage = &cov
	}
	m.AccessibilityScore = defaultAccessibilityScore
	if a11yN > 0 {
		m.AccessibilityScore = a11ySum / float64(a11yN)
	}

	m.PerformanceScore = PerformanceScore(m.TotalDurationMs)

	// Without coverage the remaining weights are rescaled to sum to one.
	score := weightPassRate*m.PassRate +
		weightAccessibility*m.AccessibilityScore +
		weightPerformance*m.PerformanceScore
	if m.Coverage != nil {
		m.OverallScore = score + weightCoverage**m.Coverage
	} else {
		m.OverallScore = score / (1 - weightCoverage)
	}
	return m
}

// PerformanceScore maps a total duration onto a fixed step function.
func PerformanceScore(durationMs int64) float64 {
	switch {
	case durationMs < 1000:
		return 100
	case durationMs < 3000:
		return 90
	case durationMs < 5000:
		return 80
	case durationMs < 10000:
		return 70
	default:
		return 60
	}
}
