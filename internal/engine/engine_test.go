package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/testgate/internal/depgraph"
	"github.com/msageha/testgate/internal/events"
	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/quality"
	"github.com/msageha/testgate/internal/runner"
	"github.com/msageha/testgate/internal/selector"
	"github.com/msageha/testgate/internal/trigger"
)

type verdictSink struct {
	mu  sync.Mutex
	got []Verdict
}

func (s *verdictSink) Emit(_ context.Context, v Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, v)
	return nil
}

func (s *verdictSink) all() []Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Verdict(nil), s.got...)
}

func (s *verdictSink) wait(t *testing.T, n int) []Verdict {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.all()) >= n }, 5*time.Second, 5*time.Millisecond)
	return s.all()
}

func enforceAll() model.QualityGatesConfig {
	return model.QualityGatesConfig{
		MinCoverage:           80,
		EnforceMinCoverage:    true,
		EnforcePassingTests:   true,
		EnforceSecurityScan:   true,
		EnforceAccessibility:  true,
		MinAccessibilityScore: 95,
	}
}

func baseOptions() Options {
	return Options{
		MaxParallelTests:   3,
		AutoBlockOnFailure: true,
		RunnerTimeout:      5 * time.Second,
		Gates:              enforceAll(),
	}
}

func newTestEngine(t *testing.T, opts Options, deps Deps) (*Engine, *verdictSink) {
	t.Helper()
	sink := &verdictSink{}
	if deps.Tracker == nil {
		deps.Tracker = sink
	}
	deps.Logger = zap.NewNop()
	e := New(opts, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, sink
}

func staticRunner(res model.TestResult) runner.Runner {
	return runner.Func(func(context.Context, []string, []string) (model.TestResult, error) {
		return res, nil
	})
}

// blockingRunner waits for release or cancellation and counts how many calls
// are in flight at once.
type blockingRunner struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (b *blockingRunner) Execute(ctx context.Context, _, _ []string) (model.TestResult, error) {
	b.calls.Add(1)
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-b.release:
		return model.TestResult{Passed: true, TotalCount: 1, Coverage: model.Float(90)}, nil
	case <-ctx.Done():
		return model.TestResult{}, ctx.Err()
	}
}

func apiRunners(securityIssues int) *runner.Registry {
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeIntegration, staticRunner(model.TestResult{
		Passed: true, TotalCount: 40, Coverage: model.Float(85), DurationMs: 1200,
	}))
	reg.Register(model.TestTypeSecurity, staticRunner(model.TestResult{
		Passed: true, TotalCount: 10, SecurityIssues: model.Int(securityIssues), DurationMs: 800,
	}))
	return reg
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from    model.Status
		trig    Trigger
		to      model.Status
		effects []Effect
	}{
		{model.StatusQueued, TriggerAdmit, model.StatusRunning, []Effect{EffectStartRun}},
		{model.StatusQueued, TriggerCancel, model.StatusCancelled, []Effect{EffectDequeue, EffectRecordMetrics}},
		{model.StatusQueued, TriggerFail, model.StatusFailed, []Effect{EffectDequeue, EffectEmitVerdict, EffectRecordMetrics}},
		{model.StatusRunning, TriggerFinish, model.StatusCompleted, []Effect{EffectReleaseSlot, EffectEmitVerdict, EffectRecordMetrics}},
		{model.StatusRunning, TriggerFail, model.StatusFailed, []Effect{EffectAbortRunners, EffectReleaseSlot, EffectEmitVerdict, EffectRecordMetrics}},
		{model.StatusRunning, TriggerCancel, model.StatusCancelled, []Effect{EffectAbortRunners, EffectReleaseSlot, EffectRecordMetrics}},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trig), func(t *testing.T) {
			next, effects, err := Transition(tt.from, tt.trig)
			require.NoError(t, err)
			assert.Equal(t, tt.to, next)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

func TestTransition_Rejected(t *testing.T) {
	tests := []struct {
		from model.Status
		trig Trigger
	}{
		{model.StatusQueued, TriggerFinish},
		{model.StatusRunning, TriggerAdmit},
		{model.StatusCompleted, TriggerCancel},
		{model.StatusCancelled, TriggerAdmit},
		{model.StatusFailed, TriggerFinish},
	}
	for _, tt := range tests {
		next, effects, err := Transition(tt.from, tt.trig)
		assert.ErrorIs(t, err, model.ErrInvalidTransition, "%s/%s", tt.from, tt.trig)
		assert.Equal(t, tt.from, next)
		assert.Nil(t, effects)
	}
}

func TestTransition_EffectsAreCopies(t *testing.T) {
	_, effects, err := Transition(model.StatusRunning, TriggerFinish)
	require.NoError(t, err)
	effects[0] = EffectStartRun
	_, again, _ := Transition(model.StatusRunning, TriggerFinish)
	assert.Equal(t, EffectReleaseSlot, again[0])
}

func TestEngine_ApprovesPassingAPIChange(t *testing.T) {
	e, sink := newTestEngine(t, baseOptions(), Deps{Runners: apiRunners(0)})

	ec, err := e.HandleCompletionIntent(context.Background(), Intent{
		TaskID:       "T-1",
		ChangedFiles: []string{"src/api/users.ts"},
	})
	require.NoError(t, err)
	assert.True(t, model.ValidateRunID(ec.RunID))
	assert.Equal(t, "backend-engineer", ec.Agent)

	v := sink.wait(t, 1)[0]
	assert.True(t, v.Approved)
	assert.Equal(t, "approved", v.Status)
	assert.Empty(t, v.FailingGates)
	assert.Equal(t, ec.RunID, v.RunID)

	require.Eventually(t, func() bool {
		got, err := e.Context(context.Background(), "T-1")
		return err == nil && got.Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	got, err := e.Context(context.Background(), "T-1")
	require.NoError(t, err)
	assert.Equal(t, []model.TestType{model.TestTypeIntegration, model.TestTypeSecurity}, got.TestTypes)
	require.NotNil(t, got.Selection)
	assert.True(t, got.Selection.FullSuite)
	require.NotNil(t, got.QualityGateResult)
	assert.True(t, got.QualityGateResult.Passed)
	assert.Len(t, got.Results, 2)
	assert.False(t, got.EndTime.IsZero())
}

func TestEngine_BlocksOnSecurityIssue(t *testing.T) {
	e, sink := newTestEngine(t, baseOptions(), Deps{Runners: apiRunners(1)})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{
		TaskID:       "T-2",
		ChangedFiles: []string{"src/api/users.ts"},
	})
	require.NoError(t, err)

	v := sink.wait(t, 1)[0]
	assert.False(t, v.Approved)
	assert.Equal(t, "blocked", v.Status)
	assert.Equal(t, []string{quality.GateSecurity}, v.FailingGates)
	assert.Equal(t, "Quality gates failed: Security Scan", v.Message)
}

func TestEngine_AutoBlockDisabledApproves(t *testing.T) {
	opts := baseOptions()
	opts.AutoBlockOnFailure = false
	e, sink := newTestEngine(t, opts, Deps{Runners: apiRunners(3)})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "T-3", ChangedFiles: []string{"src/api/users.ts"}})
	require.NoError(t, err)

	v := sink.wait(t, 1)[0]
	assert.True(t, v.Approved)
	assert.Equal(t, []string{quality.GateSecurity}, v.FailingGates)
}

func TestEngine_EnforceSwitchesDisableGates(t *testing.T) {
	opts := baseOptions()
	opts.Gates.EnforceSecurityScan = false
	e, sink := newTestEngine(t, opts, Deps{Runners: apiRunners(2)})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "T-4", ChangedFiles: []string{"src/api/users.ts"}})
	require.NoError(t, err)

	assert.True(t, sink.wait(t, 1)[0].Approved)
}

func TestEngine_ConcurrencyCeiling(t *testing.T) {
	opts := baseOptions()
	opts.MaxParallelTests = 2
	br := newBlockingRunner()
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, br)
	e, sink := newTestEngine(t, opts, Deps{Runners: reg})

	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		_, err := e.HandleCompletionIntent(ctx, Intent{TaskID: id, ChangedFiles: []string{"src/lib/" + id + ".ts"}})
		require.NoError(t, err)
	}

	running, queued := e.Load()
	assert.Equal(t, 2, running)
	assert.Equal(t, 1, queued)
	c, err := e.Context(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, c.Status)

	close(br.release)
	verdicts := sink.wait(t, 3)
	assert.Len(t, verdicts, 3)
	assert.LessOrEqual(t, br.peak.Load(), int32(2))
	assert.Equal(t, int32(3), br.calls.Load())

	require.Eventually(t, func() bool {
		r, q := e.Load()
		return r == 0 && q == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_RunnerPanicIsIsolated(t *testing.T) {
	reg := apiRunners(0)
	reg.Register(model.TestTypeSecurity, runner.Func(func(context.Context, []string, []string) (model.TestResult, error) {
		panic("scanner crashed")
	}))
	e, sink := newTestEngine(t, baseOptions(), Deps{Runners: reg})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "T-5", ChangedFiles: []string{"src/api/users.ts"}})
	require.NoError(t, err)

	v := sink.wait(t, 1)[0]
	assert.False(t, v.Approved)
	assert.Contains(t, v.FailingGates, quality.GatePassRate)

	require.Eventually(t, func() bool {
		got, err := e.Context(context.Background(), "T-5")
		return err == nil && got.Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	got, _ := e.Context(context.Background(), "T-5")
	byType := map[model.TestType]model.TestResult{}
	for _, r := range got.Results {
		byType[r.TestType] = r
	}
	assert.True(t, byType[model.TestTypeIntegration].Passed)
	assert.False(t, byType[model.TestTypeIntegration].Synthetic)
	assert.True(t, byType[model.TestTypeSecurity].Synthetic)
	assert.Contains(t, byType[model.TestTypeSecurity].Errors[0], "scanner crashed")
}

func TestEngine_RunnerTimeoutBecomesSyntheticFailure(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	opts := baseOptions()
	opts.RunnerTimeout = 50 * time.Millisecond
	reg := apiRunners(0)
	reg.Register(model.TestTypeSecurity, runner.Func(func(context.Context, []string, []string) (model.TestResult, error) {
		<-hang
		return model.TestResult{Passed: true}, nil
	}))
	e, sink := newTestEngine(t, opts, Deps{Runners: reg})

	start := time.Now()
	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "T-6", ChangedFiles: []string{"src/api/users.ts"}})
	require.NoError(t, err)

	v := sink.wait(t, 1)[0]
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, v.Approved)

	got, err := e.Context(context.Background(), "T-6")
	require.NoError(t, err)
	for _, r := range got.Results {
		if r.TestType == model.TestTypeSecurity {
			assert.True(t, r.Synthetic)
			assert.Contains(t, r.Errors[0], "timed out")
		}
	}
}

func TestEngine_MissingRunnerFailsThatTypeOnly(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeIntegration, staticRunner(model.TestResult{Passed: true, TotalCount: 5, Coverage: model.Float(90)}))
	e, sink := newTestEngine(t, baseOptions(), Deps{Runners: reg})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "T-7", ChangedFiles: []string{"src/api/users.ts"}})
	require.NoError(t, err)

	v := sink.wait(t, 1)[0]
	assert.False(t, v.Approved)
	assert.Contains(t, v.FailingGates, quality.GatePassRate)
}

func TestEngine_CancelFreesSlotImmediately(t *testing.T) {
	opts := baseOptions()
	opts.MaxParallelTests = 1
	br := newBlockingRunner()
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, br)
	e, sink := newTestEngine(t, opts, Deps{Runners: reg})

	ctx := context.Background()
	first, err := e.HandleCompletionIntent(ctx, Intent{TaskID: "A", ChangedFiles: []string{"src/lib/a.ts"}})
	require.NoError(t, err)
	_, err = e.HandleCompletionIntent(ctx, Intent{TaskID: "B", ChangedFiles: []string{"src/lib/b.ts"}})
	require.NoError(t, err)

	require.NoError(t, e.Cancel("A"))

	running, queued := e.Load()
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, queued)
	b, err := e.Context(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, b.Status)

	require.Eventually(t, func() bool {
		got, err := e.Context(ctx, "A")
		return err == nil && got.Status == model.StatusCancelled && got.RunID == first.RunID
	}, 2*time.Second, 5*time.Millisecond)

	close(br.release)
	verdicts := sink.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "B", verdicts[0].TaskID)

	assert.ErrorIs(t, e.Cancel("A"), ErrUnknownTask)
}

func TestEngine_CancelUnknownTask(t *testing.T) {
	e, _ := newTestEngine(t, baseOptions(), Deps{})
	assert.ErrorIs(t, e.Cancel("nope"), ErrUnknownTask)
}

func TestEngine_RepeatIntentIsNoop(t *testing.T) {
	br := newBlockingRunner()
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, br)
	e, sink := newTestEngine(t, baseOptions(), Deps{Runners: reg})

	ctx := context.Background()
	in := Intent{TaskID: "A", ChangedFiles: []string{"src/lib/a.ts"}}
	first, err := e.HandleCompletionIntent(ctx, in)
	require.NoError(t, err)
	second, err := e.HandleCompletionIntent(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	running, queued := e.Load()
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, queued)

	close(br.release)
	sink.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, int32(1), br.calls.Load())
}

func TestEngine_RepeatIntentRestartsWhenConfigured(t *testing.T) {
	opts := baseOptions()
	opts.RestartOnRepeat = true
	br := newBlockingRunner()
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, br)
	e, sink := newTestEngine(t, opts, Deps{Runners: reg})

	ctx := context.Background()
	in := Intent{TaskID: "A", ChangedFiles: []string{"src/lib/a.ts"}}
	first, err := e.HandleCompletionIntent(ctx, in)
	require.NoError(t, err)
	second, err := e.HandleCompletionIntent(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	close(br.release)
	v := sink.wait(t, 1)[0]
	assert.Equal(t, second.RunID, v.RunID)

	require.Eventually(t, func() bool {
		hist, err := e.History(ctx, "A")
		if err != nil || len(hist) != 2 {
			return false
		}
		return hist[0].Status == model.StatusCompleted && hist[1].Status == model.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_RunLookupAndRecent(t *testing.T) {
	br := newBlockingRunner()
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, br)
	e, sink := newTestEngine(t, baseOptions(), Deps{Runners: reg})
	ctx := context.Background()

	first, err := e.HandleCompletionIntent(ctx, Intent{TaskID: "A", ChangedFiles: []string{"src/lib/a.ts"}})
	require.NoError(t, err)

	active, err := e.Run(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, "A", active.TaskID)
	assert.True(t, model.IsActive(active.Status))

	close(br.release)
	sink.wait(t, 1)
	second, err := e.HandleCompletionIntent(ctx, Intent{TaskID: "B", ChangedFiles: []string{"src/lib/b.ts"}})
	require.NoError(t, err)
	sink.wait(t, 2)

	require.Eventually(t, func() bool {
		got, err := e.Run(ctx, first.RunID)
		return err == nil && got.Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	_, err = e.Run(ctx, "T-1")
	assert.ErrorIs(t, err, ErrInvalidRunID)
	unknown, err := model.GenerateRunID()
	require.NoError(t, err)
	_, err = e.Run(ctx, unknown)
	assert.ErrorIs(t, err, ErrUnknownRun)

	require.Eventually(t, func() bool {
		recent, err := e.Recent(ctx, 1)
		return err == nil && len(recent) == 1 && recent[0].RunID == second.RunID
	}, 2*time.Second, 5*time.Millisecond)
	all, err := e.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEngine_InvalidIntent(t *testing.T) {
	e, _ := newTestEngine(t, baseOptions(), Deps{})
	ctx := context.Background()

	_, err := e.HandleCompletionIntent(ctx, Intent{ChangedFiles: []string{"a.ts"}})
	assert.ErrorIs(t, err, ErrInvalidIntent)

	_, err = e.HandleCompletionIntent(ctx, Intent{TaskID: "A", TestTypes: []model.TestType{"smoke"}})
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestEngine_ClosedRejectsIntents(t *testing.T) {
	e, _ := newTestEngine(t, baseOptions(), Deps{})
	require.NoError(t, e.Close(context.Background()))

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "A"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_CloseCancelsQueuedAndFailsStragglers(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	opts := baseOptions()
	opts.MaxParallelTests = 1
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, runner.Func(func(ctx context.Context, _, _ []string) (model.TestResult, error) {
		<-ctx.Done()
		<-hang
		return model.TestResult{}, ctx.Err()
	}))
	e, sink := newTestEngine(t, opts, Deps{Runners: reg})

	bg := context.Background()
	_, err := e.HandleCompletionIntent(bg, Intent{TaskID: "A", ChangedFiles: []string{"src/lib/a.ts"}})
	require.NoError(t, err)
	_, err = e.HandleCompletionIntent(bg, Intent{TaskID: "B", ChangedFiles: []string{"src/lib/b.ts"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(bg, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(ctx), context.DeadlineExceeded)

	a, err := e.Context(bg, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, a.Status)
	b, err := e.Context(bg, "B")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)

	verdicts := sink.all()
	require.Len(t, verdicts, 1)
	assert.Equal(t, "A", verdicts[0].TaskID)
	assert.False(t, verdicts[0].Approved)

	snap := e.Metrics()
	assert.Equal(t, 2, snap.TasksProcessed)
	assert.Equal(t, 1, snap.TasksFailed)
	assert.Equal(t, 1, snap.TasksCancelled)
}

func TestEngine_MetricsAndEvents(t *testing.T) {
	bus := events.NewBus(16, zap.NewNop())
	t.Cleanup(bus.Close)
	var mu sync.Mutex
	var seen []events.EventType
	for _, et := range events.AllEventTypes {
		bus.Subscribe(et, func(ev events.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev.Type)
		})
	}

	opts := baseOptions()
	opts.SnapshotPath = filepath.Join(t.TempDir(), "metrics.yaml")
	e, sink := newTestEngine(t, opts, Deps{Runners: apiRunners(0), Bus: bus})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "T-9", ChangedFiles: []string{"src/api/users.ts"}})
	require.NoError(t, err)
	sink.wait(t, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []events.EventType{
		events.EventContextQueued,
		events.EventContextRunning,
		events.EventContextCompleted,
		events.EventVerdictEmitted,
	}, seen)
	mu.Unlock()

	snap := e.Metrics()
	assert.Equal(t, 1, snap.TasksProcessed)
	assert.Equal(t, 1, snap.TasksApproved)
	assert.Equal(t, 50, snap.TestsRun)
	assert.Equal(t, 100.0, snap.GatePassRate)

	require.Eventually(t, func() bool {
		_, err := os.Stat(opts.SnapshotPath)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_TrackerErrorDoesNotStall(t *testing.T) {
	var calls atomic.Int32
	tracker := TrackerFunc(func(context.Context, Verdict) error {
		calls.Add(1)
		return errors.New("tracker unavailable")
	})
	e, _ := newTestEngine(t, baseOptions(), Deps{Runners: apiRunners(0), Tracker: tracker})

	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		_, err := e.HandleCompletionIntent(ctx, Intent{TaskID: id, ChangedFiles: []string{"src/api/" + id + ".ts"}})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

type recordingRunner struct {
	mu       sync.Mutex
	selected []string
}

func (r *recordingRunner) Execute(_ context.Context, selected, _ []string) (model.TestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = selected
	return model.TestResult{Passed: true, TotalCount: len(selected), Coverage: model.Float(95)}, nil
}

func TestEngine_SmartSelectionPassesSelectedTests(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/lib/math.ts":       "export const add = (a, b) => a + b;\n",
		"src/lib/math.test.ts":  "import { add } from './math';\n",
		"src/lib/other.ts":      "export const x = 1;\n",
		"src/lib/other.test.ts": "import { x } from './other';\n",
	})
	matrix := trigger.Default()
	cache := depgraph.NewCache(depgraph.NewBuilder(root, depgraph.Options{}, nil), nil)
	sel := selector.New(cache, matrix, selector.DefaultOptions(), nil)

	rec := &recordingRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, rec)

	opts := baseOptions()
	opts.SmartTestSelection = true
	e, sink := newTestEngine(t, opts, Deps{Runners: reg, Selector: sel, Matrix: matrix})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "S-1", ChangedFiles: []string{"src/lib/math.ts"}})
	require.NoError(t, err)

	v := sink.wait(t, 1)[0]
	assert.True(t, v.Approved, v.Message)
	rec.mu.Lock()
	assert.Equal(t, []string{"src/lib/math.test.ts"}, rec.selected)
	rec.mu.Unlock()
}

type failingSource struct{}

func (failingSource) Get(context.Context) (*depgraph.Graph, error) {
	return nil, errors.New("disk on fire")
}

func TestEngine_GraphFailureFallsBackToFullSuite(t *testing.T) {
	matrix := trigger.Default()
	sel := selector.New(failingSource{}, matrix, selector.DefaultOptions(), nil)
	rec := &recordingRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeUnit, rec)

	opts := baseOptions()
	opts.SmartTestSelection = true
	e, sink := newTestEngine(t, opts, Deps{Runners: reg, Selector: sel, Matrix: matrix})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{TaskID: "S-2", ChangedFiles: []string{"src/lib/math.ts"}})
	require.NoError(t, err)
	sink.wait(t, 1)

	rec.mu.Lock()
	assert.Equal(t, []string{selector.FullSuiteMarker}, rec.selected)
	rec.mu.Unlock()

	got, err := e.Context(context.Background(), "S-2")
	require.NoError(t, err)
	require.NotNil(t, got.Selection)
	assert.True(t, got.Selection.FullSuite)
	assert.Contains(t, got.Selection.Reasoning[0], "disk on fire")
}

func TestEngine_CallerTestTypesUsedVerbatim(t *testing.T) {
	rec := &recordingRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TestTypeE2E, rec)
	e, sink := newTestEngine(t, baseOptions(), Deps{Runners: reg})

	_, err := e.HandleCompletionIntent(context.Background(), Intent{
		TaskID:       "V-1",
		ChangedFiles: []string{"src/lib/a.ts"},
		TestTypes:    []model.TestType{model.TestTypeE2E},
	})
	require.NoError(t, err)
	sink.wait(t, 1)

	got, err := e.Context(context.Background(), "V-1")
	require.NoError(t, err)
	assert.Equal(t, []model.TestType{model.TestTypeE2E}, got.TestTypes)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := model.Config{
		Engine: model.EngineConfig{
			MaxParallelTests:   4,
			SmartTestSelection: true,
			AutoBlockOnFailure: true,
			RunnerTimeoutMs:    1500,
			RestartOnRepeat:    true,
		},
		QualityGates: enforceAll(),
		Metrics:      model.MetricsConfig{SnapshotPath: "/tmp/m.yaml"},
	}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 4, opts.MaxParallelTests)
	assert.Equal(t, 1500*time.Millisecond, opts.RunnerTimeout)
	assert.True(t, opts.RestartOnRepeat)
	assert.Equal(t, "/tmp/m.yaml", opts.SnapshotPath)
	assert.Equal(t, enforceAll(), opts.Gates)
}

func TestGateConfig(t *testing.T) {
	m := trigger.Default()

	cfg := GateConfig(m, enforceAll(), []string{"src/components/Button.tsx", "src/api/users.ts"})
	assert.Equal(t, 80.0, cfg.MinCoverage)
	assert.True(t, cfg.RequireCoverage)
	assert.True(t, cfg.RequirePassingTests)
	assert.True(t, cfg.RequireSecurityScan)
	assert.True(t, cfg.RequireAccessibilityScan)
	assert.Equal(t, 95.0, cfg.MinAccessibilityScore)

	gates := enforceAll()
	gates.EnforceAccessibility = false
	gates.AllowOverride = true
	cfg = GateConfig(m, gates, []string{"src/components/Button.tsx"})
	assert.False(t, cfg.RequireAccessibilityScan)
	assert.False(t, cfg.RequireSecurityScan)
	assert.True(t, cfg.AllowOverride)

	cfg = GateConfig(m, enforceAll(), []string{"schema/users.graphql"})
	assert.False(t, cfg.RequireCoverage, "a rule without a coverage floor never enables the coverage gate")
}
