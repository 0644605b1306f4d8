// Package trigger classifies changed files: which test types a change requires,
// who owns it, and which quality-gate obligations it carries.
package trigger

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/msageha/testgate/internal/model"
)

const defaultCacheSize = 1024

// Path segments whose contents are never tested: dependencies, build output,
// generated code.
var skippedSegments = map[string]bool{
	"node_modules":  true,
	"vendor":        true,
	"dist":          true,
	"build":         true,
	"out":           true,
	"coverage":      true,
	"generated":     true,
	"__generated__": true,
	"target":        true,
}

var generatedFile = regexp.MustCompile(`(\.generated\.|\.gen\.|\.min\.(js|css)$|\.map$)`)

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Matrix is an ordered, immutable rule table. Lookups are deterministic and
// safe for concurrent use.
type Matrix struct {
	rules        []compiledRule
	defaultAgent string
	defaults     Requirements
	cache        *lru.Cache[string, []int]
}

// NewMatrix compiles rules in table order. cacheSize <= 0 selects a default.
func NewMatrix(rules []Rule, cacheSize int) (*Matrix, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []int](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create classification cache: %w", err)
	}

	m := &Matrix{
		rules:        make([]compiledRule, 0, len(rules)),
		defaultAgent: DefaultAgent,
		defaults:     DefaultRequirements(),
		cache:        cache,
	}
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		re, err := compileGlob(NormalizePath(r.Pattern))
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		r.TestTypes = model.SortTestTypes(r.TestTypes)
		m.rules = append(m.rules, compiledRule{Rule: r, re: re})
	}
	return m, nil
}

// Default returns the matrix built from BuiltinRules.
func Default() *Matrix {
	m, err := NewMatrix(BuiltinRules(), 0)
	if err != nil {
		panic(fmt.Sprintf("builtin trigger rules: %v", err))
	}
	return m
}

// SetDefaultAgent overrides the agent reported for unclaimed paths.
// Must be called before the matrix is shared.
func (m *Matrix) SetDefaultAgent(agent string) {
	if agent != "" {
		m.defaultAgent = agent
	}
}

// SetDefaultRequirements overrides the fallback obligations for unmatched paths.
// Must be called before the matrix is shared.
func (m *Matrix) SetDefaultRequirements(r Requirements) {
	m.defaults = r
}

// Rules returns a copy of the table in order.
func (m *Matrix) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.Rule
	}
	return out
}

func (m *Matrix) matchIndices(path string) []int {
	p := NormalizePath(path)
	if idx, ok := m.cache.Get(p); ok {
		return idx
	}
	var idx []int
	for i, r := range m.rules {
		if r.re.MatchString(p) {
			idx = append(idx, i)
		}
	}
	m.cache.Add(p, idx)
	return idx
}

// FindTriggers returns every rule whose pattern matches path, in table order.
func (m *Matrix) FindTriggers(path string) []Rule {
	idx := m.matchIndices(path)
	out := make([]Rule, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.rules[i].Rule)
	}
	return out
}

// RequiredTestTypes is the sorted union of test types across matching rules.
// Unmatched paths fall back to DefaultTestTypes; skipped paths require none.
func (m *Matrix) RequiredTestTypes(path string) []model.TestType {
	if !m.ShouldTriggerTests(path) {
		return nil
	}
	idx := m.matchIndices(path)
	if len(idx) == 0 {
		return DefaultTestTypes()
	}
	var types []model.TestType
	for _, i := range idx {
		types = append(types, m.rules[i].TestTypes...)
	}
	return model.SortTestTypes(types)
}

// QualityGateRequirements merges the obligations of all matching rules,
// keeping the strictest value of each. Unmatched paths get the defaults.
func (m *Matrix) QualityGateRequirements(path string) Requirements {
	idx := m.matchIndices(path)
	if len(idx) == 0 {
		return m.defaults
	}
	reqs := make([]Requirements, 0, len(idx))
	for _, i := range idx {
		reqs = append(reqs, m.rules[i].QualityGates)
	}
	return Merge(reqs...)
}

// MergeRequirements is the strictest merge across every testable path of a
// changeset. An empty changeset yields the defaults.
func (m *Matrix) MergeRequirements(paths []string) Requirements {
	var reqs []Requirements
	for _, p := range paths {
		if !m.ShouldTriggerTests(p) {
			continue
		}
		reqs = append(reqs, m.QualityGateRequirements(p))
	}
	if len(reqs) == 0 {
		return m.defaults
	}
	return Merge(reqs...)
}

// ResponsibleAgent is the agent of the highest-priority match. Ties go to the
// earlier rule in the table.
func (m *Matrix) ResponsibleAgent(path string) string {
	best := -1
	for _, i := range m.matchIndices(path) {
		r := m.rules[i]
		if r.ResponsibleAgent == "" {
			continue
		}
		if best < 0 || r.Priority > m.rules[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return m.defaultAgent
	}
	return m.rules[best].ResponsibleAgent
}

// OwnerOf is the agent of the highest-priority rule matched by any of paths,
// or the default agent when none match.
func (m *Matrix) OwnerOf(paths []string) string {
	best := -1
	for _, p := range paths {
		for _, i := range m.matchIndices(p) {
			r := m.rules[i]
			if r.ResponsibleAgent == "" {
				continue
			}
			if best < 0 || r.Priority > m.rules[best].Priority || (r.Priority == m.rules[best].Priority && i < best) {
				best = i
			}
		}
	}
	if best < 0 {
		return m.defaultAgent
	}
	return m.rules[best].ResponsibleAgent
}

// EstimatedDurationMs is the longest estimate among matching rules.
func (m *Matrix) EstimatedDurationMs(path string) int {
	longest := 0
	for _, i := range m.matchIndices(path) {
		if d := m.rules[i].EstimatedDurationMs; d > longest {
			longest = d
		}
	}
	return longest
}

// ShouldTriggerTests is false for generated, vendored, hidden, and build-output
// paths. Every other path triggers testing, matched or not.
func (m *Matrix) ShouldTriggerTests(path string) bool {
	p := NormalizePath(path)
	if p == "" || p == "." {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			continue
		}
		if strings.HasPrefix(seg, ".") || skippedSegments[seg] {
			return false
		}
	}
	return !generatedFile.MatchString(p)
}

// Merge combines requirements keeping the strictest of each: numeric
// thresholds take the max, booleans are OR'd, and allowed failures take the min.
func Merge(reqs ...Requirements) Requirements {
	if len(reqs) == 0 {
		return Requirements{}
	}
	out := reqs[0]
	for _, r := range reqs[1:] {
		out.MinCoverage = max(out.MinCoverage, r.MinCoverage)
		out.MinAccessibilityScore = max(out.MinAccessibilityScore, r.MinAccessibilityScore)
		out.RequirePassingTests = out.RequirePassingTests || r.RequirePassingTests
		out.RequireSecurityScan = out.RequireSecurityScan || r.RequireSecurityScan
		out.RequireAccessibilityScan = out.RequireAccessibilityScan || r.RequireAccessibilityScan
		out.AllowedFailures = min(out.AllowedFailures, r.AllowedFailures)
	}
	return out
}

func validateRule(r Rule) error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("missing pattern")
	}
	if len(r.TestTypes) == 0 {
		return fmt.Errorf("must name at least one test type")
	}
	for _, t := range r.TestTypes {
		if !t.Valid() {
			return fmt.Errorf("unknown test type %q", t)
		}
	}
	if r.Priority < 0 || r.Priority > 100 {
		return fmt.Errorf("priority must be between 0 and 100")
	}
	if r.EstimatedDurationMs < 0 {
		return fmt.Errorf("estimated_duration_ms must not be negative")
	}
	q := r.QualityGates
	if q.MinCoverage < 0 || q.MinCoverage > 100 {
		return fmt.Errorf("min_coverage must be between 0 and 100")
	}
	if q.MinAccessibilityScore < 0 || q.MinAccessibilityScore > 100 {
		return fmt.Errorf("min_accessibility_score must be between 0 and 100")
	}
	if q.AllowedFailures < 0 {
		return fmt.Errorf("allowed_failures must not be negative")
	}
	return nil
}
