// Package selector computes the minimal sufficient set of test files for a
// changeset from the dependency graph and the trigger matrix.
package selector

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/msageha/testgate/internal/depgraph"
	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/trigger"
)

// FullSuiteMarker stands in for "every test" in a full-suite selection.
const FullSuiteMarker = "*"

const (
	defaultFullSuiteThreshold    = 20
	defaultMaxTests              = 50
	defaultMaxDepth              = 3
	defaultAverageTestDurationMs = 2000
	defaultFullSuiteDurationMs   = 600000
)

// Options tunes selection. Zero values take the defaults.
type Options struct {
	FullSuiteThreshold    int
	MaxTests              int
	MaxDepth              int
	IncludeIndirect       bool
	AverageTestDurationMs int
	FullSuiteDurationMs   int
}

// DefaultOptions returns the documented defaults with indirect inclusion on.
func DefaultOptions() Options {
	return Options{
		FullSuiteThreshold:    defaultFullSuiteThreshold,
		MaxTests:              defaultMaxTests,
		MaxDepth:              defaultMaxDepth,
		IncludeIndirect:       true,
		AverageTestDurationMs: defaultAverageTestDurationMs,
		FullSuiteDurationMs:   defaultFullSuiteDurationMs,
	}
}

// Selection is the outcome of one selection. Direct and Indirect never share
// an entry; All is their sorted union.
type Selection struct {
	Direct              []string         `json:"direct" yaml:"direct"`
	Indirect            []string         `json:"indirect" yaml:"indirect"`
	All                 []string         `json:"all" yaml:"all"`
	TestTypes           []model.TestType `json:"test_types" yaml:"test_types"`
	EstimatedDurationMs int64            `json:"estimated_duration_ms" yaml:"estimated_duration_ms"`
	Reasoning           []string         `json:"reasoning" yaml:"reasoning"`
	FullSuite           bool             `json:"full_suite" yaml:"full_suite"`
	Capped              bool             `json:"capped,omitempty" yaml:"capped,omitempty"`
}

// GraphSource supplies the current dependency graph.
type GraphSource interface {
	Get(ctx context.Context) (*depgraph.Graph, error)
}

// Selector is safe for concurrent use; it holds no mutable state of its own.
type Selector struct {
	graphs GraphSource
	matrix *trigger.Matrix
	opts   Options
	logger *zap.Logger
}

// New creates a selector over graphs. A nil matrix uses trigger.Default().
func New(graphs GraphSource, matrix *trigger.Matrix, opts Options, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if matrix == nil {
		matrix = trigger.Default()
	}
	if opts.FullSuiteThreshold <= 0 {
		opts.FullSuiteThreshold = defaultFullSuiteThreshold
	}
	if opts.MaxTests <= 0 {
		opts.MaxTests = defaultMaxTests
	}
	if opts.MaxDepth < 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.AverageTestDurationMs <= 0 {
		opts.AverageTestDurationMs = defaultAverageTestDurationMs
	}
	if opts.FullSuiteDurationMs <= 0 {
		opts.FullSuiteDurationMs = defaultFullSuiteDurationMs
	}
	return &Selector{graphs: graphs, matrix: matrix, opts: opts, logger: logger}
}

// Options returns the effective options.
func (s *Selector) Options() Options { return s.opts }

// FullSuite is the run-everything sentinel.
func (s *Selector) FullSuite(types []model.TestType, reason string) Selection {
	return Selection{
		Direct:              []string{},
		Indirect:            []string{},
		All:                 []string{FullSuiteMarker},
		TestTypes:           model.SortTestTypes(types),
		EstimatedDurationMs: int64(s.opts.FullSuiteDurationMs),
		Reasoning:           []string{reason},
		FullSuite:           true,
	}
}

// RequiredTestTypes is the union of the matrix's test types across the
// changeset.
func (s *Selector) RequiredTestTypes(changed []string) []model.TestType {
	var types []model.TestType
	for _, f := range changed {
		types = append(types, s.matrix.RequiredTestTypes(f)...)
	}
	return model.SortTestTypes(types)
}

// SelectTests returns the tests affected by changed. When types is empty the
// matrix decides which test types the changeset requires. Files missing from
// the graph are noted in the reasoning, never reported as errors; only a
// failed graph build is.
func (s *Selector) SelectTests(ctx context.Context, changed []string, types []model.TestType) (Selection, error) {
	if len(types) == 0 {
		types = s.RequiredTestTypes(changed)
	}

	if len(changed) >= s.opts.FullSuiteThreshold {
		reason := fmt.Sprintf("%d changed files reach the full-suite threshold of %d; running all tests", len(changed), s.opts.FullSuiteThreshold)
		s.logger.Info("selection_full_suite",
			zap.Int("changed", len(changed)),
			zap.Int("threshold", s.opts.FullSuiteThreshold),
		)
		return s.FullSuite(types, reason), nil
	}

	graph, err := s.graphs.Get(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("dependency graph: %w", err)
	}

	w := &walk{
		graph:    graph,
		maxDepth: s.opts.MaxDepth,
		direct:   make(map[string]bool),
		indirect: make(map[string]int),
	}
	for _, f := range normalize(changed) {
		if !s.matrix.ShouldTriggerTests(f) {
			w.note("%s: generated, vendored, or hidden path; no tests required", f)
			continue
		}
		w.visitChanged(f, s.opts.IncludeIndirect)
	}

	sel := w.selection(types)
	if len(sel.All) > s.opts.MaxTests {
		sel = capSelection(sel, s.opts.MaxTests)
		sel.Reasoning = append(sel.Reasoning, fmt.Sprintf("selection capped at %d tests; consider running the full suite", s.opts.MaxTests))
		s.logger.Warn("selection_capped",
			zap.Int("max_tests", s.opts.MaxTests),
			zap.String("recommendation", "run the full suite"),
		)
	}
	if len(sel.All) == 0 {
		sel.Reasoning = append(sel.Reasoning, "no tests found for the changeset")
	}
	sel.EstimatedDurationMs = int64(len(sel.All)) * int64(s.opts.AverageTestDurationMs)

	s.logger.Debug("selection_done",
		zap.Int("direct", len(sel.Direct)),
		zap.Int("indirect", len(sel.Indirect)),
		zap.Int64("estimated_ms", sel.EstimatedDurationMs),
	)
	return sel, nil
}

type walk struct {
	graph    *depgraph.Graph
	maxDepth int
	direct   map[string]bool
	indirect map[string]int // test -> index of its note in reasons
	reasons  []string
}

func (w *walk) note(format string, args ...any) {
	w.reasons = append(w.reasons, fmt.Sprintf(format, args...))
}

func (w *walk) addDirect(test, why string) {
	if w.direct[test] {
		return
	}
	w.direct[test] = true
	line := fmt.Sprintf("%s: direct (%s)", test, why)
	// A direct hit outranks an earlier indirect one and takes over its note.
	if i, ok := w.indirect[test]; ok {
		delete(w.indirect, test)
		w.reasons[i] = line
		return
	}
	w.reasons = append(w.reasons, line)
}

func (w *walk) addIndirect(test, via string, depth int) {
	if w.direct[test] {
		return
	}
	if _, ok := w.indirect[test]; ok {
		return
	}
	w.indirect[test] = len(w.reasons)
	w.note("%s: indirect via %s (depth %d)", test, via, depth)
}

func (w *walk) visitChanged(f string, includeIndirect bool) {
	if !w.graph.Has(f) {
		w.note("%s: not in dependency graph; skipped", f)
		return
	}
	if depgraph.IsTestFile(f) {
		w.addDirect(f, "changed test file")
		return
	}
	tests := w.graph.TestFiles(f)
	if len(tests) == 0 {
		w.note("%s: no associated tests", f)
	}
	for _, t := range tests {
		w.addDirect(t, "covers "+f)
	}
	if includeIndirect && w.maxDepth > 0 {
		w.traverse(f)
	}
}

// traverse walks importedBy edges breadth-first up to maxDepth. The first
// discovery of a test wins for the reasoning log.
func (w *walk) traverse(start string) {
	type item struct {
		path  string
		depth int
	}
	visited := map[string]bool{start: true}
	queue := []item{{start, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= w.maxDepth {
			continue
		}
		for _, dep := range w.graph.Dependents(cur.path) {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if depgraph.IsTestFile(dep) {
				w.addIndirect(dep, cur.path, cur.depth+1)
				continue
			}
			for _, t := range w.graph.TestFiles(dep) {
				w.addIndirect(t, dep, cur.depth+1)
			}
			queue = append(queue, item{dep, cur.depth + 1})
		}
	}
}

func (w *walk) selection(types []model.TestType) Selection {
	direct := setToSorted(w.direct)
	indirect := setToSorted(w.indirect)
	all := append(append([]string{}, direct...), indirect...)
	sort.Strings(all)
	return Selection{
		Direct:    direct,
		Indirect:  indirect,
		All:       all,
		TestTypes: model.SortTestTypes(types),
		Reasoning: w.reasons,
	}
}

// capSelection keeps direct tests first, then fills with indirect ones.
func capSelection(sel Selection, limit int) Selection {
	if len(sel.Direct) > limit {
		sel.Direct = sel.Direct[:limit]
	}
	room := limit - len(sel.Direct)
	if len(sel.Indirect) > room {
		sel.Indirect = sel.Indirect[:room]
	}
	sel.All = append(append([]string{}, sel.Direct...), sel.Indirect...)
	sort.Strings(sel.All)
	sel.Capped = true
	return sel
}

func normalize(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := trigger.NormalizePath(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func setToSorted[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
