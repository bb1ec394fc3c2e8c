package queue

import (
	"fmt"

	"reelsmith/internal/services"
)

type statusTransition struct {
	from Status
	to   Status
}

// Transitions that keep the attempt count unchanged.
var sameAttemptTransitions = map[statusTransition]struct{}{
	{StatusSubmitted, StatusSubmitted}:   {},
	{StatusSubmitted, StatusProcessing}:  {},
	{StatusSubmitted, StatusCompleted}:   {},
	{StatusSubmitted, StatusFailed}:      {},
	{StatusProcessing, StatusProcessing}: {},
	{StatusProcessing, StatusCompleted}:  {},
	{StatusProcessing, StatusFailed}:     {},
	{StatusFailed, StatusFailed}:         {},
	{StatusCompleted, StatusCompleted}:   {},
}

// Transitions that consume one more attempt: a resubmission that either
// reached the remote service or failed on the way there.
var nextAttemptTransitions = map[statusTransition]struct{}{
	{StatusFailed, StatusSubmitted}:     {},
	{StatusFailed, StatusFailed}:        {},
	{StatusSubmitted, StatusSubmitted}:  {},
	{StatusSubmitted, StatusFailed}:     {},
	{StatusProcessing, StatusSubmitted}: {},
	{StatusProcessing, StatusFailed}:    {},
}

// ValidateTransition checks that next is a legal successor of current.
func ValidateTransition(current, next *Task) error {
	invalid := func(reason string) error {
		return &services.InvalidStateError{
			Entity: "task",
			ID:     current.ID,
			From:   string(current.Status),
			To:     string(next.Status),
			Reason: reason,
		}
	}

	if next.ID != current.ID || next.Kind != current.Kind || next.OutputPath != current.OutputPath {
		return invalid("identity fields are immutable")
	}
	if next.MaxAttempts != current.MaxAttempts {
		return invalid("max_attempts is immutable")
	}
	if next.AttemptCount > next.MaxAttempts {
		return invalid(fmt.Sprintf("attempt_count %d exceeds max_attempts %d", next.AttemptCount, next.MaxAttempts))
	}

	key := statusTransition{from: current.Status, to: next.Status}
	switch next.AttemptCount - current.AttemptCount {
	case 0:
		if _, ok := sameAttemptTransitions[key]; !ok {
			if current.Status == StatusFailed && next.Status == StatusSubmitted {
				return invalid("retry must increment attempt_count")
			}
			return invalid("status may only move forward")
		}
	case 1:
		if _, ok := nextAttemptTransitions[key]; !ok {
			return invalid("attempt_count may only grow on resubmission")
		}
	default:
		return invalid(fmt.Sprintf("attempt_count moved from %d to %d", current.AttemptCount, next.AttemptCount))
	}
	return nil
}
