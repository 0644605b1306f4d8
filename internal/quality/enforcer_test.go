package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/testgate/internal/model"
)

func passing(t model.TestType, total int) model.TestResult {
	return model.TestResult{TestType: t, Passed: true, TotalCount: total, DurationMs: 200}
}

func apiConfig() Config {
	return Config{
		MinCoverage:           80,
		RequireCoverage:       true,
		RequirePassingTests:   true,
		RequireSecurityScan:   true,
		MinAccessibilityScore: 95,
	}
}

func TestEvaluate_ScenarioApproved(t *testing.T) {
	integration := passing(model.TestTypeIntegration, 40)
	integration.Coverage = model.Float(85)
	security := passing(model.TestTypeSecurity, 10)
	security.SecurityIssues = model.Int(0)

	res := Evaluate([]model.TestResult{integration, security}, apiConfig())

	assert.True(t, res.Passed)
	assert.False(t, res.BlockCompletion)
	assert.Empty(t, res.Failures)
	assert.Empty(t, res.Warnings)
	assert.Contains(t, res.Message, "All quality gates passed")
}

func TestEvaluate_ScenarioSecurityIssueBlocks(t *testing.T) {
	integration := passing(model.TestTypeIntegration, 40)
	integration.Coverage = model.Float(85)
	security := passing(model.TestTypeSecurity, 10)
	security.SecurityIssues = model.Int(1)

	res := Evaluate([]model.TestResult{integration, security}, apiConfig())

	assert.False(t, res.Passed)
	assert.True(t, res.BlockCompletion)
	assert.Equal(t, []string{GateSecurity}, res.FailingGates())
	require.Len(t, res.Failures, 1)
	f := res.Failures[0]
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Equal(t, "0 issues", f.Expected)
	assert.Equal(t, "1 issue(s)", f.Actual)
	assert.Contains(t, f.Fix, "security run")
	assert.Equal(t, "Quality gates failed: Security Scan", res.Message)
}

func TestEvaluate_SecurityIgnoresAllowedFailures(t *testing.T) {
	cfg := apiConfig()
	cfg.AllowedFailures = 10
	r := passing(model.TestTypeSecurity, 1)
	r.Coverage = model.Float(100)
	r.SecurityIssues = model.Int(2)

	res := Evaluate([]model.TestResult{r}, cfg)
	assert.Equal(t, []string{GateSecurity}, res.FailingGates())
}

func TestEvaluate_CoverageBoundary(t *testing.T) {
	tests := []struct {
		name     string
		coverage float64
		passed   bool
		severity Severity
		warning  bool
	}{
		{name: "exactly threshold", coverage: 80, passed: true, warning: true},
		{name: "one below", coverage: 79, passed: false, severity: SeverityMedium},
		{name: "shortfall of ten", coverage: 70, passed: false, severity: SeverityMedium},
		{name: "shortfall over ten", coverage: 69.9, passed: false, severity: SeverityHigh},
		{name: "inside warning margin", coverage: 84.9, passed: true, warning: true},
		{name: "outside warning margin", coverage: 85, passed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := passing(model.TestTypeUnit, 5)
			r.Coverage = model.Float(tt.coverage)

			res := Evaluate([]model.TestResult{r}, DefaultConfig())

			assert.Equal(t, tt.passed, res.Passed)
			if !tt.passed {
				require.Len(t, res.Failures, 1)
				assert.Equal(t, GateCoverage, res.Failures[0].Gate)
				assert.Equal(t, tt.severity, res.Failures[0].Severity)
			}
			if tt.warning {
				require.Len(t, res.Warnings, 1)
				assert.Equal(t, GateCoverage, res.Warnings[0].Gate)
			} else {
				assert.Empty(t, res.Warnings)
			}
		})
	}
}

func TestEvaluate_CoverageAveragesOnlyReporters(t *testing.T) {
	a := passing(model.TestTypeUnit, 5)
	a.Coverage = model.Float(90)
	b := passing(model.TestTypeIntegration, 5)
	b.Coverage = model.Float(70)
	c := passing(model.TestTypeE2E, 5)

	res := Evaluate([]model.TestResult{a, b, c}, DefaultConfig())

	require.NotNil(t, res.Metrics.Coverage)
	assert.InDelta(t, 80, *res.Metrics.Coverage, 0.001)
	assert.True(t, res.Passed)
}

func TestEvaluate_NoCoverageReportedFailsWhenRequired(t *testing.T) {
	res := Evaluate([]model.TestResult{passing(model.TestTypeE2E, 3)}, DefaultConfig())

	assert.False(t, res.Passed)
	assert.True(t, res.BlockCompletion)
	assert.Nil(t, res.Metrics.Coverage)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, GateCoverage, res.Failures[0].Gate)
	assert.Equal(t, "not reported", res.Failures[0].Actual)
	assert.Equal(t, SeverityHigh, res.Failures[0].Severity)

	cfg := DefaultConfig()
	cfg.RequireCoverage = false
	assert.True(t, Evaluate([]model.TestResult{passing(model.TestTypeE2E, 3)}, cfg).Passed)
}

func TestEvaluate_PassRate(t *testing.T) {
	failing := model.TestResult{TestType: model.TestTypeUnit, Passed: false, FailedCount: 2, TotalCount: 10, Errors: []string{"expected 1, got 2"}}
	failing.Coverage = model.Float(90)

	res := Evaluate([]model.TestResult{failing}, DefaultConfig())
	require.Len(t, res.Failures, 1)
	f := res.Failures[0]
	assert.Equal(t, GatePassRate, f.Gate)
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Equal(t, "2 of 10 test(s) failing", f.Actual)
	assert.Equal(t, "Fix the 2 failing unit test(s) first: expected 1, got 2", f.Fix)

	cfg := DefaultConfig()
	cfg.AllowedFailures = 2
	assert.True(t, Evaluate([]model.TestResult{failing}, cfg).Passed)
}

func TestEvaluate_FailedResultWithoutCountsIsOneFailure(t *testing.T) {
	synthetic := model.SyntheticFailure(model.TestTypeSecurity, 100, "runner timed out")

	m := Aggregate([]model.TestResult{synthetic})
	assert.Equal(t, 1, m.FailedTests)
	assert.Equal(t, 1, m.TotalTests)
	assert.Equal(t, 0.0, m.PassRate)
}

func TestEvaluate_Accessibility(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireCoverage = false
	cfg.RequireAccessibilityScan = true

	tests := []struct {
		name     string
		scores   []float64
		passed   bool
		severity Severity
	}{
		{name: "none reported defaults to 100", passed: true},
		{name: "at threshold", scores: []float64{95}, passed: true},
		{name: "mean below threshold", scores: []float64{100, 88}, passed: false, severity: SeverityMedium},
		{name: "below 90", scores: []float64{89}, passed: false, severity: SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []model.TestResult
			for _, s := range tt.scores {
				r := passing(model.TestTypeAccessibility, 1)
				r.AccessibilityScore = model.Float(s)
				results = append(results, r)
			}
			res := Evaluate(results, cfg)
			assert.Equal(t, tt.passed, res.Passed)
			if !tt.passed {
				require.Len(t, res.Failures, 1)
				assert.Equal(t, GateAccessibility, res.Failures[0].Gate)
				assert.Equal(t, tt.severity, res.Failures[0].Severity)
			}
		})
	}
}

func TestEvaluate_GateOrder(t *testing.T) {
	cfg := apiConfig()
	cfg.RequireAccessibilityScan = true
	r := model.TestResult{
		TestType:           model.TestTypeUnit,
		Passed:             false,
		FailedCount:        1,
		TotalCount:         2,
		Coverage:           model.Float(10),
		SecurityIssues:     model.Int(3),
		AccessibilityScore: model.Float(50),
	}

	res := Evaluate([]model.TestResult{r}, cfg)
	assert.Equal(t, []string{GatePassRate, GateCoverage, GateSecurity, GateAccessibility}, res.FailingGates())
}

func TestEvaluate_BlockCompletionTruthTable(t *testing.T) {
	good := passing(model.TestTypeUnit, 1)
	good.Coverage = model.Float(95)
	bad := good
	bad.Coverage = model.Float(10)

	for _, tt := range []struct {
		result   model.TestResult
		override bool
		passed   bool
		block    bool
	}{
		{good, false, true, false},
		{good, true, true, false},
		{bad, false, false, true},
		{bad, true, false, false},
	} {
		cfg := DefaultConfig()
		cfg.AllowOverride = tt.override
		res := Evaluate([]model.TestResult{tt.result}, cfg)
		assert.Equal(t, tt.passed, res.Passed)
		assert.Equal(t, tt.block, res.BlockCompletion)
		assert.Equal(t, !res.Passed && !cfg.AllowOverride, res.BlockCompletion)
	}
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	r := passing(model.TestTypeUnit, 3)
	r.Coverage = model.Float(50)
	results := []model.TestResult{r}

	Evaluate(results, DefaultConfig())
	assert.Equal(t, 50.0, *results[0].Coverage)
	assert.Equal(t, 3, results[0].TotalCount)
}

func TestAggregate_OverallScore(t *testing.T) {
	r := passing(model.TestTypeUnit, 10)
	r.Coverage = model.Float(80)
	r.DurationMs = 2000

	m := Aggregate([]model.TestResult{r})
	// 0.3*100 + 0.3*80 + 0.2*100 + 0.2*90
	assert.InDelta(t, 92, m.OverallScore, 0.001)

	// Coverage is left out of the weighting rather than counted as zero.
	m = Aggregate(nil)
	assert.Equal(t, 100.0, m.PassRate)
	assert.InDelta(t, 100, m.OverallScore, 0.001)

	r.Coverage = nil
	m = Aggregate([]model.TestResult{r})
	// (0.3*100 + 0.2*100 + 0.2*90) / 0.7
	assert.InDelta(t, 97.142857, m.OverallScore, 0.001)
}

func TestPerformanceScore(t *testing.T) {
	for _, tt := range []struct {
		ms    int64
		score float64
	}{
		{0, 100}, {999, 100}, {1000, 90}, {2999, 90}, {3000, 80},
		{4999, 80}, {5000, 70}, {9999, 70}, {10000, 60}, {600000, 60},
	} {
		assert.Equal(t, tt.score, PerformanceScore(tt.ms), "duration %d", tt.ms)
	}
}

func TestEvaluate_Recommendations(t *testing.T) {
	r := passing(model.TestTypeE2E, 1)
	r.Coverage = model.Float(82)
	r.DurationMs = 20000

	res := Evaluate([]model.TestResult{r}, DefaultConfig())
	assert.Equal(t, []string{
		"Increase coverage margin above the threshold",
		"Test run is slow; consider splitting or parallelizing long suites",
	}, res.Recommendations)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := Config{MinCoverage: 120, MinAccessibilityScore: -1, AllowedFailures: -2}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_coverage")
	assert.Contains(t, err.Error(), "min_accessibility_score")
	assert.Contains(t, err.Error(), "allowed_failures")
}
