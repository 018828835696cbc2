package state

import (
	"errors"
	"fmt"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// ErrInvalidTransition marks a token status change the state machine forbids.
// These are programming errors: apply aborts the whole batch on sight.
var ErrInvalidTransition = errors.New("invalid token status transition")

// allowedTransitions is the fixed token state machine. Entries into the two
// waiting states happen from executing (sibling rendezvous after the task
// finishes) and pending (subworkflow tokens are never dispatched to the
// executor).
var allowedTransitions = map[model.TokenStatus][]model.TokenStatus{
	model.TokenPending: {
		model.TokenDispatched,
		model.TokenWaitingForSubworkflow,
		model.TokenCancelled,
	},
	model.TokenDispatched: {
		model.TokenExecuting,
		model.TokenFailed,
		model.TokenCancelled,
		model.TokenTimedOut,
	},
	model.TokenExecuting: {
		model.TokenCompleted,
		model.TokenFailed,
		model.TokenTimedOut,
		model.TokenCancelled,
		model.TokenWaitingForSiblings,
	},
	model.TokenWaitingForSiblings: {
		model.TokenCompleted,
		model.TokenTimedOut,
		model.TokenCancelled,
	},
	model.TokenWaitingForSubworkflow: {
		model.TokenCompleted,
		model.TokenFailed,
		model.TokenTimedOut,
		model.TokenCancelled,
	},
	model.TokenCompleted: {},
	model.TokenFailed:    {},
	model.TokenTimedOut:  {},
	model.TokenCancelled: {},
}

// ValidateTransition checks a single status change against the state machine
func ValidateTransition(from, to model.TokenStatus) error {
	targets, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	for _, t := range targets {
		if t == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
