// Package depgraph builds a file-level dependency graph of a JavaScript/TypeScript
// project by lexical import scanning, and associates test files with the
// implementation files they cover.
package depgraph

import (
	"sort"
	"time"
)

// Node is one source file in the graph. Sets are keyed by root-relative,
// slash-separated path.
type Node struct {
	Imports    map[string]struct{}
	ImportedBy map[string]struct{}
	TestFiles  map[string]struct{}
}

func newNode() *Node {
	return &Node{
		Imports:    make(map[string]struct{}),
		ImportedBy: make(map[string]struct{}),
		TestFiles:  make(map[string]struct{}),
	}
}

// Graph is immutable once built and safe for concurrent reads. It is replaced
// wholesale on rebuild, never edited in place.
type Graph struct {
	root    string
	nodes   map[string]*Node
	builtAt time.Time
}

// Stats summarizes a graph for logging.
type Stats struct {
	Files     int
	Edges     int
	TestFiles int
	BuiltAt   time.Time
}

// Root is the directory the graph was built from.
func (g *Graph) Root() string { return g.root }

// Has reports whether path is a known project file.
func (g *Graph) Has(path string) bool {
	_, ok := g.nodes[toSlash(path)]
	return ok
}

// Files returns every file in the graph, sorted.
func (g *Graph) Files() []string {
	out := make([]string, 0, len(g.nodes))
	for p := range g.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Imports returns the files path imports, sorted.
func (g *Graph) Imports(path string) []string {
	if n, ok := g.nodes[toSlash(path)]; ok {
		return sortedKeys(n.Imports)
	}
	return nil
}

// Dependents returns the files that import path, sorted.
func (g *Graph) Dependents(path string) []string {
	if n, ok := g.nodes[toSlash(path)]; ok {
		return sortedKeys(n.ImportedBy)
	}
	return nil
}

// TestFiles returns the tests associated with path, sorted.
func (g *Graph) TestFiles(path string) []string {
	if n, ok := g.nodes[toSlash(path)]; ok {
		return sortedKeys(n.TestFiles)
	}
	return nil
}

// Stats counts files, import edges and test files.
func (g *Graph) Stats() Stats {
	s := Stats{Files: len(g.nodes), BuiltAt: g.builtAt}
	for p, n := range g.nodes {
		s.Edges += len(n.Imports)
		if IsTestFile(p) {
			s.TestFiles++
		}
	}
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
