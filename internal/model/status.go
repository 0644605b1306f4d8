package model

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an ExecutionContext.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned for any transition not in the table below.
var ErrInvalidTransition = errors.New("invalid status transition")

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Execution transitions only move forward: queued → running → terminal.
// A queued item may be cancelled (or failed on shutdown) without ever running.
var validExecutionTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// statusRank orders statuses along the lifecycle.
var statusRank = map[Status]int{
	StatusQueued:    0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
	StatusCancelled: 2,
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// IsActive reports whether s still holds (or waits for) a concurrency slot.
func IsActive(s Status) bool {
	return s == StatusQueued || s == StatusRunning
}

func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("%w: cannot leave terminal status %q", ErrInvalidTransition, from)
	}
	allowed, ok := validExecutionTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// Before reports whether a precedes b in the lifecycle.
func Before(a, b Status) bool {
	return statusRank[a] < statusRank[b]
}
