package engine

import (
	"fmt"

	"github.com/msageha/testgate/internal/model"
)

// Trigger is an input to the execution state machine.
type Trigger string

const (
	// TriggerAdmit moves a queued item into a free slot.
	TriggerAdmit Trigger = "admit"
	// TriggerFinish reports that every runner joined and the gates were evaluated.
	TriggerFinish Trigger = "finish"
	// TriggerFail reports an execution that could not produce a verdict.
	TriggerFail Trigger = "fail"
	// TriggerCancel withdraws the item.
	TriggerCancel Trigger = "cancel"
)

// Effect is a side effect the caller must perform after a transition.
type Effect string

const (
	EffectStartRun      Effect = "start_run"
	EffectAbortRunners  Effect = "abort_runners"
	EffectReleaseSlot   Effect = "release_slot"
	EffectDequeue       Effect = "dequeue"
	EffectEmitVerdict   Effect = "emit_verdict"
	EffectRecordMetrics Effect = "record_metrics"
)

type transitionKey struct {
	from    model.Status
	trigger Trigger
}

type transition struct {
	to      model.Status
	effects []Effect
}

var transitions = map[transitionKey]transition{
	{model.StatusQueued, TriggerAdmit}: {model.StatusRunning, []Effect{EffectStartRun}},
	{model.StatusQueued, TriggerCancel}: {model.StatusCancelled, []Effect{
		EffectDequeue, EffectRecordMetrics,
	}},
	{model.StatusQueued, TriggerFail}: {model.StatusFailed, []Effect{
		EffectDequeue, EffectEmitVerdict, EffectRecordMetrics,
	}},
	{model.StatusRunning, TriggerFinish}: {model.StatusCompleted, []Effect{
		EffectReleaseSlot, EffectEmitVerdict, EffectRecordMetrics,
	}},
	{model.StatusRunning, TriggerFail}: {model.StatusFailed, []Effect{
		EffectAbortRunners, EffectReleaseSlot, EffectEmitVerdict, EffectRecordMetrics,
	}},
	{model.StatusRunning, TriggerCancel}: {model.StatusCancelled, []Effect{
		EffectAbortRunners, EffectReleaseSlot, EffectRecordMetrics,
	}},
}

// Transition is the pure execution state machine. It returns the next status
// and the effects to apply, or an error wrapping model.ErrInvalidTransition.
func Transition(from model.Status, trig Trigger) (model.Status, []Effect, error) {
	t, ok := transitions[transitionKey{from, trig}]
	if !ok {
		if model.IsTerminal(from) {
			return from, nil, fmt.Errorf("%w: %s on terminal status %q", model.ErrInvalidTransition, trig, from)
		}
		return from, nil, fmt.Errorf("%w: %s from %q", model.ErrInvalidTransition, trig, from)
	}
	if err := model.ValidateTransition(from, t.to); err != nil {
		return from, nil, err
	}
	effects := make([]Effect, len(t.effects))
	copy(effects, t.effects)
	return t.to, effects, nil
}

func hasEffect(effects []Effect, e Effect) bool {
	for _, x := range effects {
		if x == e {
			return true
		}
	}
	return false
}
