package engine

import (
	"slices"
	"time"

	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/quality"
	"github.com/msageha/testgate/internal/selector"
)

// Intent is an agent's signal that a task is ready to complete.
type Intent struct {
	TaskID       string           `json:"task_id" yaml:"task_id"`
	ChangedFiles []string         `json:"changed_files" yaml:"changed_files"`
	TestTypes    []model.TestType `json:"test_types,omitempty" yaml:"test_types,omitempty"`
	Agent        string           `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// Verdict is the approve/block decision reported for a task.
type Verdict struct {
	TaskID       string   `json:"task_id"`
	RunID        string   `json:"run_id"`
	Agent        string   `json:"agent,omitempty"`
	Status       string   `json:"status"`
	Approved     bool     `json:"approved"`
	FailingGates []string `json:"failing_gates,omitempty"`
	Message      string   `json:"message"`
}

// ExecutionContext is the record of one completion attempt. Every attempt
// gets a fresh RunID; TaskID is the caller's key.
type ExecutionContext struct {
	RunID             string              `json:"run_id"`
	TaskID            string              `json:"task_id"`
	Agent             string              `json:"agent"`
	ChangedFiles      []string            `json:"changed_files"`
	TestTypes         []model.TestType    `json:"test_types"`
	Status            model.Status        `json:"status"`
	Selection         *selector.Selection `json:"selection,omitempty"`
	Results           []model.TestResult  `json:"results,omitempty"`
	QualityGateResult *quality.Result     `json:"quality_gate_result,omitempty"`
	Verdict           *Verdict            `json:"verdict,omitempty"`
	Error             string              `json:"error,omitempty"`
	StartTime         time.Time           `json:"start_time"`
	RunningAt         time.Time           `json:"running_at,omitempty"`
	EndTime           time.Time           `json:"end_time,omitempty"`
}

// Duration is the time spent running, or zero if the context never ran.
func (c ExecutionContext) Duration() time.Duration {
	if c.RunningAt.IsZero() || c.EndTime.IsZero() {
		return 0
	}
	return c.EndTime.Sub(c.RunningAt)
}

// clone copies the slices so readers never share them with the engine.
func (c *ExecutionContext) clone() ExecutionContext {
	out := *c
	out.ChangedFiles = slices.Clone(c.ChangedFiles)
	out.TestTypes = slices.Clone(c.TestTypes)
	out.Results = slices.Clone(c.Results)
	if c.Selection != nil {
		sel := *c.Selection
		out.Selection = &sel
	}
	if c.QualityGateResult != nil {
		qr := *c.QualityGateResult
		out.QualityGateResult = &qr
	}
	if c.Verdict != nil {
		v := *c.Verdict
		v.FailingGates = slices.Clone(c.Verdict.FailingGates)
		out.Verdict = &v
	}
	return out
}
