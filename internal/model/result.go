package model

import (
	"fmt"
	"sort"
	"strings"
)

// TestType names a category of test with its own external runner.
type TestType string

const (
	TestTypeUnit          TestType = "unit"
	TestTypeIntegration   TestType = "integration"
	TestTypeE2E           TestType = "e2e"
	TestTypeSecurity      TestType = "security"
	TestTypeAccessibility TestType = "accessibility"
	TestTypePerformance   TestType = "performance"
	TestTypeVisual        TestType = "visual"
	TestTypeContract      TestType = "contract"
)

var knownTestTypes = map[TestType]bool{
	TestTypeUnit:          true,
	TestTypeIntegration:   true,
	TestTypeE2E:           true,
	TestTypeSecurity:      true,
	TestTypeAccessibility: true,
	TestTypePerformance:   true,
	TestTypeVisual:        true,
	TestTypeContract:      true,
}

func (t TestType) Valid() bool {
	return knownTestTypes[t]
}

// ParseTestType accepts a case-insensitive test type name.
func ParseTestType(s string) (TestType, error) {
	t := TestType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown test type %q", s)
	}
	return t, nil
}

// SortTestTypes returns a sorted, deduplicated copy of types.
func SortTestTypes(types []TestType) []TestType {
	seen := make(map[TestType]bool, len(types))
	out := make([]TestType, 0, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TestResult is produced by an external runner for one test type.
// Optional measurements are pointers: nil means "not reported".
type TestResult struct {
	TestType           TestType `json:"test_type" yaml:"test_type"`
	Passed             bool     `json:"passed" yaml:"passed"`
	FailedCount        int      `json:"failed_count" yaml:"failed_count"`
	TotalCount         int      `json:"total_count" yaml:"total_count"`
	Coverage           *float64 `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	SecurityIssues     *int     `json:"security_issues,omitempty" yaml:"security_issues,omitempty"`
	AccessibilityScore *float64 `json:"accessibility_score,omitempty" yaml:"accessibility_score,omitempty"`
	DurationMs         int64    `json:"duration_ms" yaml:"duration_ms"`
	Errors             []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings           []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	// Synthetic marks a result fabricated by the engine after a runner error,
	// panic, or timeout.
	Synthetic bool `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
}

// FailedTests counts a failing result with no reported failures as one failure.
func (r TestResult) FailedTests() int {
	if !r.Passed && r.FailedCount == 0 {
		return 1
	}
	return r.FailedCount
}

// SyntheticFailure builds the failing result recorded for a runner that
// errored, panicked, or timed out.
func SyntheticFailure(t TestType, durationMs int64, reason string) TestResult {
	return TestResult{
		TestType:    t,
		Passed:      false,
		FailedCount: 1,
		TotalCount:  1,
		DurationMs:  durationMs,
		Errors:      []string{reason},
		Synthetic:   true,
	}
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }
