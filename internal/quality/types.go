// Package quality judges test results against quality-gate thresholds. Evaluate
// is pure: no I/O, no shared state, safe for concurrent use.
package quality

import (
	"errors"
	"fmt"
)

// Severity ranks how serious a gate failure is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Gate names, in evaluation order.
const (
	GatePassRate      = "Test Pass Rate"
	GateCoverage      = "Code Coverage"
	GateSecurity      = "Security Scan"
	GateAccessibility = "Accessibility"
)

// Config holds the thresholds each gate checks. A gate whose Require flag is
// false is not evaluated.
type Config struct {
	MinCoverage              float64 `yaml:"min_coverage" json:"min_coverage"`
	RequireCoverage          bool    `yaml:"require_coverage" json:"require_coverage"`
	RequirePassingTests      bool    `yaml:"require_passing_tests" json:"require_passing_tests"`
	RequireSecurityScan      bool    `yaml:"require_security_scan" json:"require_security_scan"`
	RequireAccessibilityScan bool    `yaml:"require_accessibility_scan" json:"require_accessibility_scan"`
	MinAccessibilityScore    float64 `yaml:"min_accessibility_score" json:"min_accessibility_score"`
	AllowedFailures          int     `yaml:"allowed_failures" json:"allowed_failures"`
	AllowOverride            bool    `yaml:"allow_override" json:"allow_override"`
}

// DefaultConfig enforces passing tests and 80% coverage. Security and
// accessibility gates are opt-in.
func DefaultConfig() Config {
	return Config{
		MinCoverage:           80,
		RequireCoverage:       true,
		RequirePassingTests:   true,
		MinAccessibilityScore: 95,
	}
}

// Validate rejects thresholds outside their ranges.
func (c Config) Validate() error {
	var errs []error
	if c.MinCoverage < 0 || c.MinCoverage > 100 {
		errs = append(errs, fmt.Errorf("min_coverage %v out of range [0,100]", c.MinCoverage))
	}
	if c.MinAccessibilityScore < 0 || c.MinAccessibilityScore > 100 {
		errs = append(errs, fmt.Errorf("min_accessibility_score %v out of range [0,100]", c.MinAccessibilityScore))
	}
	if c.AllowedFailures < 0 {
		errs = append(errs, fmt.Errorf("allowed_failures must not be negative"))
	}
	return errors.Join(errs...)
}

// Failure itemizes one failed gate.
type Failure struct {
	Gate     string   `json:"gate" yaml:"gate"`
	Expected string   `json:"expected" yaml:"expected"`
	Actual   string   `json:"actual" yaml:"actual"`
	Severity Severity `json:"severity" yaml:"severity"`
	Impact   string   `json:"impact" yaml:"impact"`
	Fix      string   `json:"fix" yaml:"fix"`
}

// Warning is a non-blocking observation.
type Warning struct {
	Gate    string `json:"gate" yaml:"gate"`
	Message string `json:"message" yaml:"message"`
}

// Metrics aggregates a set of results. Coverage is nil when no result
// reported it.
type Metrics struct {
	TotalTests         int      `json:"total_tests" yaml:"total_tests"`
	PassedTests        int      `json:"passed_tests" yaml:"passed_tests"`
	FailedTests        int      `json:"failed_tests" yaml:"failed_tests"`
	PassRate           float64  `json:"pass_rate" yaml:"pass_rate"`
	Coverage           *float64 `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	SecurityIssues     int      `json:"security_issues" yaml:"security_issues"`
	AccessibilityScore float64  `json:"accessibility_score" yaml:"accessibility_score"`
	TotalDurationMs    int64    `json:"total_duration_ms" yaml:"total_duration_ms"`
	PerformanceScore   float64  `json:"performance_score" yaml:"performance_score"`
	OverallScore       float64  `json:"overall_score" yaml:"overall_score"`
}

// Result is the verdict. BlockCompletion is !Passed && !AllowOverride.
type Result struct {
	Passed          bool      `json:"passed" yaml:"passed"`
	Failures        []Failure `json:"failures" yaml:"failures"`
	Warnings        []Warning `json:"warnings" yaml:"warnings"`
	Metrics         Metrics   `json:"metrics" yaml:"metrics"`
	Message         string    `json:"message" yaml:"message"`
	Recommendations []string  `json:"recommendations" yaml:"recommendations"`
	BlockCompletion bool      `json:"block_completion" yaml:"block_completion"`
}

// FailingGates lists the names of failed gates in evaluation order.
func (r Result) FailingGates() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Gate)
	}
	return out
}
