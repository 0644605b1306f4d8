package depgraph

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultExtensions is the resolution order for extensionless specifiers.
var DefaultExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}

// DefaultIgnoreDirs are never scanned.
var DefaultIgnoreDirs = []string{"node_modules", ".git", "dist", "build", "coverage", "vendor"}

const defaultReadConcurrency = 16

// Options controls what the builder scans.
type Options struct {
	Extensions  []string
	IgnoreDirs  []string
	Concurrency int
}

// Builder scans a project tree into a Graph.
type Builder struct {
	root        string
	extensions  []string
	ignoreDirs  map[string]bool
	concurrency int
	logger      *zap.Logger
	readFile    func(string) ([]byte, error)
}

// NewBuilder creates a builder rooted at root. Zero-valued options take defaults.
func NewBuilder(root string, opts Options, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ignore := opts.IgnoreDirs
	if len(ignore) == 0 {
		ignore = DefaultIgnoreDirs
	}
	conc := opts.Concurrency
	if conc <= 0 {
		conc = defaultReadConcurrency
	}
	b := &Builder{
		root:        root,
		extensions:  exts,
		ignoreDirs:  make(map[string]bool, len(ignore)),
		concurrency: conc,
		logger:      logger,
		readFile:    os.ReadFile,
	}
	for _, d := range ignore {
		b.ignoreDirs[d] = true
	}
	return b
}

// Root is the directory the builder scans.
func (b *Builder) Root() string { return b.root }

func (b *Builder) isSource(rel string) bool {
	ext := filepath.Ext(rel)
	for _, e := range b.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// enumerate lists root-relative, slash-separated source files.
func (b *Builder) enumerate(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped, not fatal.
			b.logger.Debug("graph_walk_skip", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != b.root && (b.ignoreDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if b.isSource(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Build scans the tree and returns a new graph. Files that cannot be read are
// skipped. Only context cancellation or an unreadable root fails the build.
func (b *Builder) Build(ctx context.Context) (*Graph, error) {
	start := time.Now()
	if _, err := os.Stat(b.root); err != nil {
		return nil, fmt.Errorf("graph root: %w", err)
	}

	files, err := b.enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate sources: %w", err)
	}

	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f] = true
	}
	exists := func(p string) bool { return known[p] }

	// Forward edges, one slot per file so readers never share state.
	imports := make([][]string, len(files))
	var skipped sync.Map

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, rel := range files {
		i, rel := i, rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := b.readFile(filepath.Join(b.root, filepath.FromSlash(rel)))
			if err != nil {
				skipped.Store(rel, err)
				return nil
			}
			var targets []string
			for _, spec := range ExtractImports(string(data)) {
				if target, ok := Resolve(rel, spec, b.extensions, exists); ok && target != rel {
					targets = append(targets, target)
				}
			}
			imports[i] = targets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	skipped.Range(func(k, v any) bool {
		b.logger.Debug("graph_file_skipped", zap.String("file", k.(string)), zap.Any("error", v))
		return true
	})

	graph := assemble(b.root, files, imports)
	graph.builtAt = time.Now()

	stats := graph.Stats()
	b.logger.Info("graph_built",
		zap.String("root", b.root),
		zap.Int("files", stats.Files),
		zap.Int("edges", stats.Edges),
		zap.Int("test_files", stats.TestFiles),
		zap.Duration("elapsed", time.Since(start)),
	)
	return graph, nil
}

// assemble builds nodes from forward edges: reverse edges by inversion, then
// test association by import and by naming convention.
func assemble(root string, files []string, imports [][]string) *Graph {
	nodes := make(map[string]*Node, len(files))
	for _, f := range files {
		nodes[f] = newNode()
	}

	for i, from := range files {
		for _, to := range imports[i] {
			nodes[from].Imports[to] = struct{}{}
		}
	}
	for from, n := range nodes {
		for to := range n.Imports {
			nodes[to].ImportedBy[from] = struct{}{}
		}
	}

	// (a) a test covers what it imports.
	for p, n := range nodes {
		if !IsTestFile(p) {
			continue
		}
		for to := range n.Imports {
			if !IsTestFile(to) {
				nodes[to].TestFiles[p] = struct{}{}
			}
		}
	}

	// (b) naming convention, for tests that never import their subject.
	testsByKey := make(map[string][]string)
	for p := range nodes {
		if IsTestFile(p) {
			key := conventionKey(p)
			testsByKey[key] = append(testsByKey[key], p)
		}
	}
	for p, n := range nodes {
		if IsTestFile(p) {
			continue
		}
		for _, t := range testsByKey[conventionKey(p)] {
			n.TestFiles[t] = struct{}{}
		}
	}

	return &Graph{root: root, nodes: nodes}
}
