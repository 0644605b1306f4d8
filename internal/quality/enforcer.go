package quality

import (
	"fmt"
	"strings"

	"github.com/msageha/testgate/internal/model"
)

const (
	coverageWarnMargin       = 5
	coverageHighShortfall    = 10
	accessibilityHighCeiling = 90
	slowSuiteScore           = 70
)

// Evaluate runs the four gates over results in fixed order: pass rate,
// coverage, security, accessibility. results is not modified.
func Evaluate(results []model.TestResult, cfg Config) Result {
	m := Aggregate(results)
	res := Result{
		Failures:        []Failure{},
		Warnings:        []Warning{},
		Metrics:         m,
		Recommendations: []string{},
	}

	if cfg.RequirePassingTests {
		checkPassRate(&res, results, cfg)
	}
	if cfg.RequireCoverage {
		checkCoverage(&res, results, cfg)
	}
	if cfg.RequireSecurityScan {
		checkSecurity(&res, results)
	}
	if cfg.RequireAccessibilityScan {
		checkAccessibility(&res, results, cfg)
	}

	res.Passed = len(res.Failures) == 0
	res.BlockCompletion = !res.Passed && !cfg.AllowOverride
	res.Message = message(res, cfg)
	res.Recommendations = recommendations(res)
	return res
}

func checkPassRate(res *Result, results []model.TestResult, cfg Config) {
	m := res.Metrics
	if m.FailedTests <= cfg.AllowedFailures {
		return
	}
	fix := "Fix the failing tests before completing the task"
	if worst, ok := worstBy(results, func(r model.TestResult) (float64, bool) {
		return float64(r.FailedTests()), r.FailedTests() > 0
	}, true); ok {
		fix = fmt.Sprintf("Fix the %d failing %s test(s) first", worst.FailedTests(), worst.TestType)
		if len(worst.Errors) > 0 {
			fix += ": " + worst.Errors[0]
		}
	}
	res.Failures = append(res.Failures, Failure{
		Gate:     GatePassRate,
		Expected: fmt.Sprintf("at most %d failing test(s)", cfg.AllowedFailures),
		Actual:   fmt.Sprintf("%d of %d test(s) failing", m.FailedTests, m.TotalTests),
		Severity: SeverityCritical,
		Impact:   "Failing tests indicate broken functionality",
		Fix:      fix,
	})
}

func checkCoverage(res *Result, results []model.TestResult, cfg Config) {
	cov := res.Metrics.Coverage
	if cov == nil {
		res.Failures = append(res.Failures, Failure{
			Gate:     GateCoverage,
			Expected: fmt.Sprintf(">= %.1f%%", cfg.MinCoverage),
			Actual:   "not reported",
			Severity: SeverityHigh,
			Impact:   "Coverage cannot be confirmed without a coverage report",
			Fix:      "Configure the runners to report coverage",
		})
		return
	}
	if *cov < cfg.MinCoverage {
		shortfall := cfg.MinCoverage - *cov
		sev := SeverityMedium
		if shortfall > coverageHighShortfall {
			sev = SeverityHigh
		}
		fix := fmt.Sprintf("Add tests to raise coverage by %.1f points", shortfall)
		if worst, ok := worstBy(results, func(r model.TestResult) (float64, bool) {
			if r.Coverage == nil {
				return 0, false
			}
			return *r.Coverage, true
		}, false); ok {
			fix = fmt.Sprintf("Add %s tests; %s coverage is %.1f%%", worst.TestType, worst.TestType, *worst.Coverage)
		}
		res.Failures = append(res.Failures, Failure{
			Gate:     GateCoverage,
			Expected: fmt.Sprintf(">= %.1f%%", cfg.MinCoverage),
			Actual:   fmt.Sprintf("%.1f%%", *cov),
			Severity: sev,
			Impact:   "Untested code paths may hide regressions",
			Fix:      fix,
		})
		return
	}
	if *cov < cfg.MinCoverage+coverageWarnMargin {
		res.Warnings = append(res.Warnings, Warning{
			Gate:    GateCoverage,
			Message: fmt.Sprintf("Coverage %.1f%% is within %d points of the %.1f%% threshold", *cov, coverageWarnMargin, cfg.MinCoverage),
		})
	}
}

// checkSecurity fails on any reported issue regardless of allowed failures.
func checkSecurity(res *Result, results []model.TestResult) {
	reported := false
	for _, r := range results {
		if r.SecurityIssues != nil {
			reported = true
			break
		}
	}
	if !reported {
		res.Warnings = append(res.Warnings, Warning{
			Gate:    GateSecurity,
			Message: "Security scan required but no security scan result was reported",
		})
	}
	issues := res.Metrics.SecurityIssues
	if issues == 0 {
		return
	}
	fix := "Resolve every reported security issue"
	if worst, ok := worstBy(results, func(r model.TestResult) (float64, bool) {
		if r.SecurityIssues == nil {
			return 0, false
		}
		return float64(*r.SecurityIssues), *r.SecurityIssues > 0
	}, true); ok {
		fix = fmt.Sprintf("Resolve the %d issue(s) reported by the %s run", *worst.SecurityIssues, worst.TestType)
	}
	res.Failures = append(res.Failures, Failure{
		Gate:     GateSecurity,
		Expected: "0 issues",
		Actual:   fmt.Sprintf("%d issue(s)", issues),
		Severity: SeverityCritical,
		Impact:   "Security vulnerabilities must not ship",
		Fix:      fix,
	})
}

func checkAccessibility(res *Result, results []model.TestResult, cfg Config) {
	score := res.Metrics.AccessibilityScore
	if score >= cfg.MinAccessibilityScore {
		return
	}
	sev := SeverityMedium
	if score < accessibilityHighCeiling {
		sev = SeverityHigh
	}
	fix := "Fix the reported accessibility violations"
	if worst, ok := worstBy(results, func(r model.TestResult) (float64, bool) {
		if r.AccessibilityScore == nil {
			return 0, false
		}
		return *r.AccessibilityScore, true
	}, false); ok {
		fix = fmt.Sprintf("Fix accessibility violations found by the %s run (score %.1f)", worst.TestType, *worst.AccessibilityScore)
	}
	res.Failures = append(res.Failures, Failure{
		Gate:     GateAccessibility,
		Expected: fmt.Sprintf(">= %.1f", cfg.MinAccessibilityScore),
		Actual:   fmt.Sprintf("%.1f", score),
		Severity: sev,
		Impact:   "Users relying on assistive technology may be blocked",
		Fix:      fix,
	})
}

// worstBy picks the result with the highest (or lowest) key among those for
// which key reports ok. Ties go to the earlier result.
func worstBy(results []model.TestResult, key func(model.TestResult) (float64, bool), highest bool) (model.TestResult, bool) {
	var best model.TestResult
	var bestKey float64
	found := false
	for _, r := range results {
		k, ok := key(r)
		if !ok {
			continue
		}
		if !found || (highest && k > bestKey) || (!highest && k < bestKey) {
			best, bestKey, found = r, k, true
		}
	}
	return best, found
}

func message(res Result, cfg Config) string {
	if res.Passed {
		return fmt.Sprintf("All quality gates passed (overall score %.1f)", res.Metrics.OverallScore)
	}
	msg := fmt.Sprintf("Quality gates failed: %s", strings.Join(res.FailingGates(), ", "))
	if cfg.AllowOverride {
		msg += " (override allowed; completion not blocked)"
	}
	return msg
}

func recommendations(res Result) []string {
	out := []string{}
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, f := range res.Failures {
		add(f.Fix)
	}
	for _, w := range res.Warnings {
		if w.Gate == GateCoverage && res.Metrics.Coverage != nil {
			add("Increase coverage margin above the threshold")
		}
	}
	if res.Metrics.PerformanceScore < slowSuiteScore {
		add("Test run is slow; consider splitting or parallelizing long suites")
	}
	return out
}
