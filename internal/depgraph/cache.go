package depgraph

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// GraphBuilder produces a fresh graph.
type GraphBuilder interface {
	Build(ctx context.Context) (*Graph, error)
}

// Cache memoizes the graph. The first Get builds it; concurrent callers share
// that one build. Invalidate drops the cached graph so the next Get rebuilds.
// Readers holding the old graph keep a consistent snapshot.
type Cache struct {
	builder    GraphBuilder
	current    atomic.Pointer[Graph]
	generation atomic.Uint64
	group      singleflight.Group
	logger     *zap.Logger
}

// NewCache wraps builder.
func NewCache(builder GraphBuilder, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{builder: builder, logger: logger}
}

// Get returns the cached graph, building it if needed. The shared build runs
// detached from any single caller's cancellation; a caller whose ctx ends
// stops waiting without affecting the others.
func (c *Cache) Get(ctx context.Context) (*Graph, error) {
	if g := c.current.Load(); g != nil {
		return g, nil
	}

	gen := c.generation.Load()
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("graph", func() (interface{}, error) {
		if g := c.current.Load(); g != nil {
			return g, nil
		}
		g, err := c.builder.Build(buildCtx)
		if err != nil {
			return nil, err
		}
		// Only publish if nothing invalidated the graph while it was being built.
		if c.generation.Load() == gen {
			c.current.Store(g)
		}
		return g, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Graph), nil
	}
}

// Peek returns the cached graph without building.
func (c *Cache) Peek() *Graph {
	return c.current.Load()
}

// Invalidate discards the cached graph. Call after structural file changes
// (create, delete, rename) or import edits.
func (c *Cache) Invalidate() {
	c.generation.Add(1)
	if c.current.Swap(nil) != nil {
		c.logger.Debug("graph_invalidated", zap.Uint64("generation", c.generation.Load()))
	}
}

// Generation counts invalidations.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}
