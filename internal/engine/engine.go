// Package engine orchestrates completion intents: admission under a
// concurrency ceiling, test selection, per-type runner fan-out, quality-gate
// evaluation, and verdict emission.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/testgate/internal/events"
	"github.com/msageha/testgate/internal/history"
	"github.com/msageha/testgate/internal/metrics"
	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/quality"
	"github.com/msageha/testgate/internal/runner"
	"github.com/msageha/testgate/internal/selector"
	"github.com/msageha/testgate/internal/trigger"
)

var (
	// ErrUnknownTask is returned when no queued or running context has the task ID.
	ErrUnknownTask = errors.New("unknown task")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("engine closed")
	// ErrInvalidIntent is returned for intents that cannot be admitted.
	ErrInvalidIntent = errors.New("invalid completion intent")
	// ErrInvalidRunID is returned for run IDs not produced by model.GenerateRunID.
	ErrInvalidRunID = errors.New("invalid run id")
	// ErrUnknownRun is returned when no active or recorded context has the run ID.
	ErrUnknownRun = errors.New("unknown run")
)

const (
	defaultMaxParallelTests = 3
	defaultRunnerTimeout    = 5 * time.Minute
)

// Tracker receives verdicts. Calls are made from a single goroutine in
// transition order.
type Tracker interface {
	Emit(ctx context.Context, v Verdict) error
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(ctx context.Context, v Verdict) error

func (f TrackerFunc) Emit(ctx context.Context, v Verdict) error { return f(ctx, v) }

// Options are the engine's behavioral settings.
type Options struct {
	MaxParallelTests   int
	SmartTestSelection bool
	AutoBlockOnFailure bool
	RunnerTimeout      time.Duration
	RestartOnRepeat    bool
	Gates              model.QualityGatesConfig
	// SnapshotPath, when set, receives the metrics snapshot after every
	// terminal transition.
	SnapshotPath string
}

// OptionsFromConfig maps the engine and quality-gate sections of cfg.
func OptionsFromConfig(cfg model.Config) Options {
	return Options{
		MaxParallelTests:   cfg.Engine.MaxParallelTests,
		SmartTestSelection: cfg.Engine.SmartTestSelection,
		AutoBlockOnFailure: cfg.Engine.AutoBlockOnFailure,
		RunnerTimeout:      time.Duration(cfg.Engine.RunnerTimeoutMs) * time.Millisecond,
		RestartOnRepeat:    cfg.Engine.RestartOnRepeat,
		Gates:              cfg.QualityGates,
		SnapshotPath:       cfg.Metrics.SnapshotPath,
	}
}

// Deps are the engine's collaborators. Only Runners is required in practice;
// the rest fall back to in-memory or no-op implementations.
type Deps struct {
	Selector   *selector.Selector
	Matrix     *trigger.Matrix
	Runners    *runner.Registry
	Tracker    Tracker
	History    history.Store
	Metrics    *metrics.Rolling
	Collectors *metrics.Collectors
	Bus        *events.Bus
	Logger     *zap.Logger
}

type item struct {
	ec     ExecutionContext
	cancel context.CancelFunc
}

// notice is one committed transition awaiting its side effects.
type notice struct {
	ec      ExecutionContext
	effects []Effect
}

// Engine is safe for concurrent use.
type Engine struct {
	opts       Options
	selector   *selector.Selector
	matrix     *trigger.Matrix
	runners    *runner.Registry
	tracker    Tracker
	history    history.Store
	metrics    *metrics.Rolling
	collectors *metrics.Collectors
	bus        *events.Bus
	logger     *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	active  map[string]*item // by task ID, queued or running
	queue   []*item
	running int
	closed  bool
	pending []notice

	wake      chan struct{}
	quit      chan struct{}
	delivered chan struct{}
	runs      sync.WaitGroup
	closeOnce sync.Once
}

// New creates an engine and starts its delivery loop.
func New(opts Options, deps Deps) *Engine {
	if opts.MaxParallelTests <= 0 {
		opts.MaxParallelTests = defaultMaxParallelTests
	}
	if opts.RunnerTimeout <= 0 {
		opts.RunnerTimeout = defaultRunnerTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Matrix == nil {
		deps.Matrix = trigger.Default()
	}
	if deps.Runners == nil {
		deps.Runners = runner.NewRegistry()
	}
	if deps.History == nil {
		deps.History = history.NewMemoryStore(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRolling(0, 0, deps.Collectors)
	}

	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		opts:       opts,
		selector:   deps.Selector,
		matrix:     deps.Matrix,
		runners:    deps.Runners,
		tracker:    deps.Tracker,
		history:    deps.History,
		metrics:    deps.Metrics,
		collectors: deps.Collectors,
		bus:        deps.Bus,
		logger:     deps.Logger,
		baseCtx:    ctx,
		stop:       stop,
		active:     make(map[string]*item),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		delivered:  make(chan struct{}),
	}
	go e.deliverLoop()
	return e
}

// HandleCompletionIntent queues a new execution context for the task and
// promotes it when a slot is free. A repeat intent for a task that is already
// queued or running returns the existing context unchanged, unless
// RestartOnRepeat is set and the task is running, in which case the running
// context is cancelled and a new one queued.
func (e *Engine) HandleCompletionIntent(ctx context.Context, in Intent) (ExecutionContext, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionContext{}, err
	}
	if in.TaskID == "" {
		return ExecutionContext{}, fmt.Errorf("%w: task_id is required", ErrInvalidIntent)
	}
	for _, t := range in.TestTypes {
		if !t.Valid() {
			return ExecutionContext{}, fmt.Errorf("%w: unknown test type %q", ErrInvalidIntent, t)
		}
	}
	runID, err := model.GenerateRunID()
	if err != nil {
		return ExecutionContext{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ExecutionContext{}, ErrClosed
	}

	if prev, ok := e.active[in.TaskID]; ok {
		if prev.ec.Status == model.StatusQueued || !e.opts.RestartOnRepeat {
			e.logger.Info("intent_repeat_ignored",
				zap.String("task_id", in.TaskID),
				zap.String("run_id", prev.ec.RunID),
				zap.String("status", string(prev.ec.Status)),
			)
			return prev.ec.clone(), nil
		}
		e.logger.Info("intent_restart",
			zap.String("task_id", in.TaskID),
			zap.String("cancelled_run_id", prev.ec.RunID),
		)
		if err := e.settleLocked(prev, TriggerCancel, func(ec *ExecutionContext) {
			ec.Error = "superseded by a repeat completion intent"
		}); err != nil {
			return ExecutionContext{}, err
		}
	}

	changed := slices.Clone(in.ChangedFiles)
	agent := in.Agent
	if agent == "" {
		agent = e.matrix.OwnerOf(changed)
	}
	it := &item{ec: ExecutionContext{
		RunID:        runID,
		TaskID:       in.TaskID,
		Agent:        agent,
		ChangedFiles: changed,
		TestTypes:    model.SortTestTypes(in.TestTypes),
		Status:       model.StatusQueued,
		StartTime:    time.Now(),
	}}
	e.active[in.TaskID] = it
	e.queue = append(e.queue, it)
	e.logger.Info("intent_queued",
		zap.String("task_id", in.TaskID),
		zap.String("run_id", runID),
		zap.Int("changed_files", len(changed)),
	)
	e.enqueueLocked(notice{ec: it.ec.clone()})
	e.promoteLocked()
	return it.ec.clone(), nil
}

// Cancel moves the task's queued or running context to cancelled and frees
// its slot at once. Results from runners still in flight are discarded.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.active[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	e.logger.Info("task_cancelled", zap.String("task_id", taskID), zap.String("run_id", it.ec.RunID))
	return e.settleLocked(it, TriggerCancel, func(ec *ExecutionContext) {
		ec.Error = "cancelled"
	})
}

// Context returns the latest context for taskID: the active one if any, else
// the newest one in history.
func (e *Engine) Context(ctx context.Context, taskID string) (ExecutionContext, error) {
	e.mu.Lock()
	if it, ok := e.active[taskID]; ok {
		ec := it.ec.clone()
		e.mu.Unlock()
		return ec, nil
	}
	e.mu.Unlock()

	recs, err := e.history.ListByTask(ctx, taskID)
	if err != nil {
		return ExecutionContext{}, err
	}
	if len(recs) == 0 {
		return ExecutionContext{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return decodeRecord(recs[0])
}

// History returns every recorded context for taskID, newest first.
func (e *Engine) History(ctx context.Context, taskID string) ([]ExecutionContext, error) {
	recs, err := e.history.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return decodeRecords(recs)
}

// Run returns the context with the given run ID, active or recorded.
func (e *Engine) Run(ctx context.Context, runID string) (ExecutionContext, error) {
	if _, err := model.ParseRunID(runID); err != nil {
		return ExecutionContext{}, fmt.Errorf("%w: %v", ErrInvalidRunID, err)
	}
	e.mu.Lock()
	for _, it := range e.active {
		if it.ec.RunID == runID {
			ec := it.ec.clone()
			e.mu.Unlock()
			return ec, nil
		}
	}
	e.mu.Unlock()

	rec, err := e.history.Get(ctx, runID)
	if errors.Is(err, history.ErrNotFound) {
		return ExecutionContext{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return ExecutionContext{}, err
	}
	return decodeRecord(rec)
}

// Recent returns up to limit recorded contexts across all tasks, newest
// first. A limit of zero or less returns everything retained.
func (e *Engine) Recent(ctx context.Context, limit int) ([]ExecutionContext, error) {
	recs, err := e.history.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return decodeRecords(recs)
}

// Metrics returns a consistent snapshot of the rolling metrics.
func (e *Engine) Metrics() model.MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Load reports the number of running and queued contexts.
func (e *Engine) Load() (running, queued int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, len(e.queue)
}

// Close stops admission and cancels queued contexts, then waits for running
// contexts until ctx is done. Contexts still running at that point are failed.
// Close returns after every side effect has been delivered.
func (e *Engine) Close(ctx context.Context) error {
	var waitErr error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		for _, it := range slices.Clone(e.queue) {
			_ = e.settleLocked(it, TriggerCancel, func(ec *ExecutionContext) {
				ec.Error = "engine shut down before the run started"
			})
		}
		e.mu.Unlock()

		done := make(chan struct{})
		go func() {
			e.runs.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = ctx.Err()
			e.mu.Lock()
			for _, it := range e.active {
				if it.ec.Status != model.StatusRunning {
					continue
				}
				_ = e.settleLocked(it, TriggerFail, func(ec *ExecutionContext) {
					ec.Error = "engine shut down while tests were running"
					ec.Verdict = failedVerdict(ec)
				})
			}
			e.mu.Unlock()
			e.stop()
			<-done
		}
		e.stop()
		close(e.quit)
		<-e.delivered
	})
	return waitErr
}

// enqueueLocked hands notices to the delivery loop in transition order.
func (e *Engine) enqueueLocked(notes ...notice) {
	if len(notes) == 0 {
		return
	}
	e.pending = append(e.pending, notes...)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// promoteLocked admits queued contexts FIFO while slots are free.
func (e *Engine) promoteLocked() {
	for !e.closed && e.running < e.opts.MaxParallelTests && len(e.queue) > 0 {
		it := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]

		next, effects, err := Transition(it.ec.Status, TriggerAdmit)
		if err != nil {
			e.logger.Error("admit_failed", zap.String("task_id", it.ec.TaskID), zap.Error(err))
			continue
		}
		it.ec.Status = next
		it.ec.RunningAt = time.Now()
		runCtx, cancel := context.WithCancel(e.baseCtx)
		it.cancel = cancel
		e.running++

		if hasEffect(effects, EffectStartRun) {
			e.runs.Add(1)
			go e.execute(runCtx, it, it.ec.clone())
		}
		e.logger.Info("task_running",
			zap.String("task_id", it.ec.TaskID),
			zap.String("run_id", it.ec.RunID),
			zap.Int("running", e.running),
			zap.Int("queued", len(e.queue)),
		)
		e.enqueueLocked(notice{ec: it.ec.clone(), effects: effects})
	}
}

// settleLocked applies a terminal transition to it and performs the effects
// that touch engine state. The rest are left to the delivery loop.
func (e *Engine) settleLocked(it *item, trig Trigger, apply func(*ExecutionContext)) error {
	next, effects, err := Transition(it.ec.Status, trig)
	if err != nil {
		return err
	}
	it.ec.Status = next
	it.ec.EndTime = time.Now()
	if apply != nil {
		apply(&it.ec)
	}

	if hasEffect(effects, EffectDequeue) {
		if i := slices.Index(e.queue, it); i >= 0 {
			e.queue = slices.Delete(e.queue, i, i+1)
		}
	}
	if hasEffect(effects, EffectAbortRunners) && it.cancel != nil {
		it.cancel()
	}
	if hasEffect(effects, EffectReleaseSlot) {
		e.running--
		if it.cancel != nil {
			it.cancel()
		}
	}
	if e.active[it.ec.TaskID] == it {
		delete(e.active, it.ec.TaskID)
	}

	e.enqueueLocked(notice{ec: it.ec.clone(), effects: effects})
	e.promoteLocked()
	return nil
}

func (e *Engine) execute(ctx context.Context, it *item, ec ExecutionContext) {
	defer e.runs.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution_panic", zap.String("task_id", ec.TaskID), zap.Any("panic", r))
			e.mu.Lock()
			defer e.mu.Unlock()
			if it.ec.Status != model.StatusRunning {
				return
			}
			_ = e.settleLocked(it, TriggerFail, func(c *ExecutionContext) {
				c.Error = fmt.Sprintf("execution panic: %v", r)
				c.Verdict = failedVerdict(c)
			})
		}
	}()

	sel := e.selectTests(ctx, ec)
	results := e.runAll(ctx, ec, sel)
	if ctx.Err() != nil {
		e.logger.Debug("late_results_discarded", zap.String("task_id", ec.TaskID), zap.String("run_id", ec.RunID))
		return
	}

	gate := quality.Evaluate(results, e.gateConfig(ec.ChangedFiles))
	approved := !(e.opts.AutoBlockOnFailure && gate.BlockCompletion)

	e.mu.Lock()
	defer e.mu.Unlock()
	if it.ec.Status != model.StatusRunning {
		e.logger.Debug("late_results_discarded", zap.String("task_id", ec.TaskID), zap.String("run_id", ec.RunID))
		return
	}
	err := e.settleLocked(it, TriggerFinish, func(c *ExecutionContext) {
		c.Selection = &sel
		c.TestTypes = sel.TestTypes
		c.Results = results
		c.QualityGateResult = &gate
		c.Verdict = &Verdict{
			TaskID:       c.TaskID,
			RunID:        c.RunID,
			Agent:        c.Agent,
			Status:       verdictLabel(approved),
			Approved:     approved,
			FailingGates: gate.FailingGates(),
			Message:      gate.Message,
		}
	})
	if err != nil {
		e.logger.Error("finish_failed", zap.String("task_id", ec.TaskID), zap.Error(err))
	}
}

// selectTests picks the tests for ec. With smart selection off, or when the
// graph cannot be built, it falls back to the full suite.
func (e *Engine) selectTests(ctx context.Context, ec ExecutionContext) selector.Selection {
	types := ec.TestTypes
	if !e.opts.SmartTestSelection || e.selector == nil {
		if len(types) == 0 {
			types = e.requiredTestTypes(ec.ChangedFiles)
		}
		return e.fullSuite(types, "smart test selection disabled")
	}

	sel, err := e.selector.SelectTests(ctx, ec.ChangedFiles, types)
	if err != nil {
		e.logger.Warn("selection_failed_full_suite",
			zap.String("task_id", ec.TaskID),
			zap.Error(err),
		)
		if len(types) == 0 {
			types = e.requiredTestTypes(ec.ChangedFiles)
		}
		return e.fullSuite(types, fmt.Sprintf("dependency graph unavailable (%v); running full suite", err))
	}
	return sel
}

func (e *Engine) requiredTestTypes(changed []string) []model.TestType {
	var types []model.TestType
	for _, f := range changed {
		types = append(types, e.matrix.RequiredTestTypes(f)...)
	}
	return model.SortTestTypes(types)
}

func (e *Engine) fullSuite(types []model.TestType, reason string) selector.Selection {
	if e.selector != nil {
		return e.selector.FullSuite(types, reason)
	}
	return selector.New(nil, e.matrix, selector.Options{}, e.logger).FullSuite(types, reason)
}

// runAll runs one runner per test type concurrently and joins them. Each slot
// of the result slice belongs to one goroutine.
func (e *Engine) runAll(ctx context.Context, ec ExecutionContext, sel selector.Selection) []model.TestResult {
	results := make([]model.TestResult, len(sel.TestTypes))
	var g errgroup.Group
	for i, t := range sel.TestTypes {
		i, t := i, t
		g.Go(func() error {
			results[i] = e.runOne(ctx, ec, t, sel.All)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runOne runs the runner for t under the per-type timeout. A missing runner,
// an error, a panic, or a timeout becomes a synthetic failure for t alone.
func (e *Engine) runOne(ctx context.Context, ec ExecutionContext, t model.TestType, selected []string) model.TestResult {
	start := time.Now()
	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	r, err := e.runners.Get(t)
	if err != nil {
		e.logger.Warn("runner_missing", zap.String("task_id", ec.TaskID), zap.String("test_type", string(t)))
		return model.SyntheticFailure(t, 0, err.Error())
	}

	tctx, cancel := context.WithTimeout(ctx, e.opts.RunnerTimeout)
	defer cancel()

	type outcome struct {
		res model.TestResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("runner panic: %v", p)}
			}
		}()
		res, err := r.Execute(tctx, slices.Clone(selected), slices.Clone(ec.ChangedFiles))
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			e.logger.Warn("runner_failed",
				zap.String("task_id", ec.TaskID),
				zap.String("test_type", string(t)),
				zap.Error(o.err),
			)
			return model.SyntheticFailure(t, elapsed(), o.err.Error())
		}
		o.res.TestType = t
		if o.res.DurationMs == 0 {
			o.res.DurationMs = elapsed()
		}
		return o.res
	case <-tctx.Done():
		if ctx.Err() != nil {
			return model.SyntheticFailure(t, elapsed(), "run cancelled")
		}
		e.logger.Warn("runner_timeout",
			zap.String("task_id", ec.TaskID),
			zap.String("test_type", string(t)),
			zap.Duration("timeout", e.opts.RunnerTimeout),
		)
		return model.SyntheticFailure(t, elapsed(), fmt.Sprintf("runner timed out after %s", e.opts.RunnerTimeout))
	}
}

func (e *Engine) gateConfig(changed []string) quality.Config {
	return GateConfig(e.matrix, e.opts.Gates, changed)
}

// GateConfig merges the changeset's trigger requirements with the enforce
// switches from configuration. A gate runs only when both ask for it.
func GateConfig(m *trigger.Matrix, g model.QualityGatesConfig, changed []string) quality.Config {
	req := m.MergeRequirements(changed)
	minA := req.MinAccessibilityScore
	if minA == 0 {
		minA = g.MinAccessibilityScore
	}
	return quality.Config{
		MinCoverage:              req.MinCoverage,
		RequireCoverage:          g.EnforceMinCoverage && req.MinCoverage > 0,
		RequirePassingTests:      g.EnforcePassingTests && req.RequirePassingTests,
		RequireSecurityScan:      g.EnforceSecurityScan && req.RequireSecurityScan,
		RequireAccessibilityScan: g.EnforceAccessibility && req.RequireAccessibilityScan,
		MinAccessibilityScore:    minA,
		AllowedFailures:          req.AllowedFailures,
		AllowOverride:            g.AllowOverride,
	}
}

func (e *Engine) deliverLoop() {
	defer close(e.delivered)
	for {
		select {
		case <-e.wake:
			e.drain()
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *Engine) drain() {
	for {
		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		running, queued := e.running, len(e.queue)
		e.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		e.collectors.SetQueue(running, queued)
		for _, n := range batch {
			e.deliver(n)
		}
	}
}

// deliver performs the side effects of one transition: lifecycle event,
// history, metrics, verdict.
func (e *Engine) deliver(n notice) {
	ctx := context.Background()
	ec := n.ec

	e.publish(lifecycleEvent(ec.Status), ec)

	rec := history.Record{
		RunID:     ec.RunID,
		TaskID:    ec.TaskID,
		Status:    ec.Status,
		StartedAt: ec.StartTime,
		EndedAt:   ec.EndTime,
	}
	if ec.Verdict != nil && ec.Status == model.StatusCompleted {
		rec.Verdict = ec.Verdict.Status
	}
	if payload, err := json.Marshal(ec); err == nil {
		rec.Payload = payload
	}
	if err := e.history.Save(ctx, rec); err != nil {
		e.logger.Warn("history_save_failed", zap.String("run_id", ec.RunID), zap.Error(err))
	}

	if hasEffect(n.effects, EffectRecordMetrics) {
		e.metrics.Record(outcomeOf(ec))
		if e.opts.SnapshotPath != "" {
			if err := metrics.WriteSnapshot(e.opts.SnapshotPath, e.metrics.Snapshot()); err != nil {
				e.logger.Warn("metrics_snapshot_failed", zap.String("path", e.opts.SnapshotPath), zap.Error(err))
			}
		}
	}

	if hasEffect(n.effects, EffectEmitVerdict) && ec.Verdict != nil {
		e.emit(ctx, *ec.Verdict)
	}
}

func (e *Engine) emit(ctx context.Context, v Verdict) {
	if v.Approved {
		e.logger.Info("verdict_approved", zap.String("task_id", v.TaskID), zap.String("run_id", v.RunID))
	} else {
		e.logger.Warn("verdict_blocked",
			zap.String("task_id", v.TaskID),
			zap.String("run_id", v.RunID),
			zap.Strings("failing_gates", v.FailingGates),
			zap.String("message", v.Message),
		)
	}
	if e.tracker != nil {
		if err := e.tracker.Emit(ctx, v); err != nil {
			e.logger.Error("tracker_emit_failed", zap.String("task_id", v.TaskID), zap.Error(err))
			return
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.EventVerdictEmitted, map[string]any{
			"task_id":       v.TaskID,
			"run_id":        v.RunID,
			"agent":         v.Agent,
			"status":        v.Status,
			"approved":      v.Approved,
			"failing_gates": v.FailingGates,
			"message":       v.Message,
		})
	}
}

func (e *Engine) publish(t events.EventType, ec ExecutionContext) {
	if e.bus == nil {
		return
	}
	data := map[string]any{
		"task_id": ec.TaskID,
		"run_id":  ec.RunID,
		"agent":   ec.Agent,
		"status":  string(ec.Status),
	}
	if ec.Error != "" {
		data["error"] = ec.Error
	}
	e.bus.Publish(t, data)
}

func lifecycleEvent(s model.Status) events.EventType {
	switch s {
	case model.StatusRunning:
		return events.EventContextRunning
	case model.StatusCompleted:
		return events.EventContextCompleted
	case model.StatusFailed:
		return events.EventContextFailed
	case model.StatusCancelled:
		return events.EventContextCancelled
	default:
		return events.EventContextQueued
	}
}

func outcomeOf(ec ExecutionContext) metrics.Outcome {
	o := metrics.Outcome{
		Status:     ec.Status,
		DurationMs: ec.Duration().Milliseconds(),
	}
	if ec.Verdict != nil {
		o.Approved = ec.Verdict.Approved
	}
	if ec.QualityGateResult != nil {
		o.TestsRun = ec.QualityGateResult.Metrics.TotalTests
	}
	if ec.Selection != nil {
		o.EstimatedMs = ec.Selection.EstimatedDurationMs
		o.FullSuite = ec.Selection.FullSuite
	}
	return o
}

func failedVerdict(ec *ExecutionContext) *Verdict {
	return &Verdict{
		TaskID:  ec.TaskID,
		RunID:   ec.RunID,
		Agent:   ec.Agent,
		Status:  history.VerdictBlocked,
		Message: "test execution failed: " + ec.Error,
	}
}

func verdictLabel(approved bool) string {
	if approved {
		return history.VerdictApproved
	}
	return history.VerdictBlocked
}

func decodeRecord(r history.Record) (ExecutionContext, error) {
	var ec ExecutionContext
	if len(r.Payload) == 0 {
		return ExecutionContext{RunID: r.RunID, TaskID: r.TaskID, Status: r.Status, StartTime: r.StartedAt, EndTime: r.EndedAt}, nil
	}
	if err := json.Unmarshal(r.Payload, &ec); err != nil {
		return ExecutionContext{}, fmt.Errorf("decode history record %s: %w", r.RunID, err)
	}
	return ec, nil
}

func decodeRecords(recs []history.Record) ([]ExecutionContext, error) {
	out := make([]ExecutionContext, 0, len(recs))
	for _, r := range recs {
		ec, err := decodeRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, nil
}
