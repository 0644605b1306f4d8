// Package metrics keeps the engine's rolling counters and exports them as a
// YAML snapshot and as Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/msageha/testgate/internal/model"
	yamlutil "github.com/msageha/testgate/internal/yaml"
)

const defaultWindow = 100

// Outcome describes one work item reaching a terminal state.
type Outcome struct {
	Status   model.Status
	Approved bool // meaningful when Status is completed
	TestsRun int
	// DurationMs is wall time from running to terminal.
	DurationMs int64
	// EstimatedMs is the selection's estimate; compared against the baseline
	// to estimate time saved. Ignored for full-suite runs.
	EstimatedMs int64
	FullSuite   bool
}

// Rolling holds process-lifetime counters and a windowed gate pass rate.
// Record applies an outcome under one lock so readers never see half of it.
type Rolling struct {
	mu sync.Mutex

	baselineMs int64
	window     []bool
	next       int
	filled     int

	processed       int
	approved        int
	blocked         int
	failed          int
	cancelled       int
	testsRun        int
	totalDurationMs int64
	timeSavedMs     int64
	updatedAt       time.Time

	prom *Collectors
}

// NewRolling keeps the last window gate verdicts. baselineMs is the assumed
// cost of running the full suite.
func NewRolling(window int, baselineMs int64, prom *Collectors) *Rolling {
	if window <= 0 {
		window = defaultWindow
	}
	return &Rolling{
		baselineMs: baselineMs,
		window:     make([]bool, window),
		prom:       prom,
	}
}

// Record applies a terminal outcome. Non-terminal statuses are ignored.
func (r *Rolling) Record(o Outcome) {
	if !model.IsTerminal(o.Status) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processed++
	r.testsRun += o.TestsRun
	r.totalDurationMs += o.DurationMs

	label := string(o.Status)
	switch o.Status {
	case model.StatusCompleted:
		if o.Approved {
			r.approved++
			label = "approved"
		} else {
			r.blocked++
			label = "blocked"
		}
		r.pushVerdict(o.Approved)
		if !o.FullSuite && r.baselineMs > o.EstimatedMs {
			r.timeSavedMs += r.baselineMs - o.EstimatedMs
			r.prom.addTimeSaved(r.baselineMs - o.EstimatedMs)
		}
	case model.StatusFailed:
		r.failed++
	case model.StatusCancelled:
		r.cancelled++
	}
	r.updatedAt = time.Now().UTC()

	r.prom.observe(label, o.TestsRun, o.DurationMs, r.passRateLocked())
}

func (r *Rolling) pushVerdict(approved bool) {
	r.window[r.next] = approved
	r.next = (r.next + 1) % len(r.window)
	if r.filled < len(r.window) {
		r.filled++
	}
}

// passRateLocked is the percentage of approved verdicts in the window, 0 with
// no verdicts yet.
func (r *Rolling) passRateLocked() float64 {
	if r.filled == 0 {
		return 0
	}
	passed := 0
	for i := 0; i < r.filled; i++ {
		if r.window[i] {
			passed++
		}
	}
	return float64(passed) / float64(r.filled) * 100
}

// Snapshot returns a consistent copy of the counters.
func (r *Rolling) Snapshot() model.MetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := model.MetricsSnapshot{
		SchemaVersion:       yamlutil.CurrentSchemaVersion,
		FileType:            yamlutil.FileTypeMetricsSnapshot,
		TasksProcessed:      r.processed,
		TasksApproved:       r.approved,
		TasksBlocked:        r.blocked,
		TasksFailed:         r.failed,
		TasksCancelled:      r.cancelled,
		TestsRun:            r.testsRun,
		TotalDurationMs:     r.totalDurationMs,
		GatePassRate:        r.passRateLocked(),
		GateWindowSize:      r.filled,
		EstimatedTimeSaveMs: r.timeSavedMs,
	}
	if r.processed > 0 {
		s.AverageDurationMs = float64(r.totalDurationMs) / float64(r.processed)
	}
	if !r.updatedAt.IsZero() {
		s.UpdatedAt = r.updatedAt.Format(time.RFC3339)
	}
	return s
}
