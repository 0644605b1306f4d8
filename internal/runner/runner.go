// Package runner defines the contract for external test runners, one per test
// type, and a registry that resolves them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/testgate/internal/lock"
	"github.com/msageha/testgate/internal/model"
)

// ErrNoRunner is returned when no runner is registered for a test type.
var ErrNoRunner = errors.New("no runner registered")

// Runner executes the tests of one type. selected are the test files chosen
// by the selector (["*"] for the full suite); changed are the files the work
// item touched.
type Runner interface {
	Execute(ctx context.Context, selected, changed []string) (model.TestResult, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, selected, changed []string) (model.TestResult, error)

func (f Func) Execute(ctx context.Context, selected, changed []string) (model.TestResult, error) {
	return f(ctx, selected, changed)
}

// Registry maps test types to runners. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[model.TestType]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[model.TestType]Runner)}
}

// Register installs r for t, replacing any previous runner.
func (reg *Registry) Register(t model.TestType, r Runner) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.runners[t] = r
}

// Get returns the runner for t or an error wrapping ErrNoRunner.
func (reg *Registry) Get(t model.TestType) (Runner, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.runners[t]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrNoRunner)
	}
	return r, nil
}

// Types lists the registered test types, sorted.
func (reg *Registry) Types() []model.TestType {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]model.TestType, 0, len(reg.runners))
	for t := range reg.runners {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FromConfig builds a registry of CommandRunners from the runners config
// section. Keys must be known test types. Exclusive runners share one lock
// set.
func FromConfig(cfgs map[string]model.RunnerConfig) (*Registry, error) {
	reg := NewRegistry()
	locks := lock.NewMutexMap()
	for name, c := range cfgs {
		t, err := model.ParseTestType(name)
		if err != nil {
			return nil, fmt.Errorf("runner %q: %w", name, err)
		}
		cr, err := NewCommandRunner(t, c)
		if err != nil {
			return nil, fmt.Errorf("runner %q: %w", name, err)
		}
		if c.Exclusive {
			cr.Exclusive(locks)
		}
		reg.Register(t, cr)
	}
	return reg, nil
}
