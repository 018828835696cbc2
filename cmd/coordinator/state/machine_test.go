package state

import (
	"errors"
	"testing"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to model.TokenStatus
		ok       bool
	}{
		{model.TokenPending, model.TokenDispatched, true},
		{model.TokenPending, model.TokenWaitingForSubworkflow, true},
		{model.TokenPending, model.TokenCancelled, true},
		{model.TokenPending, model.TokenCompleted, false},
		{model.TokenPending, model.TokenExecuting, false},

		{model.TokenDispatched, model.TokenExecuting, true},
		{model.TokenDispatched, model.TokenFailed, true},
		{model.TokenDispatched, model.TokenCompleted, false},

		{model.TokenExecuting, model.TokenCompleted, true},
		{model.TokenExecuting, model.TokenWaitingForSiblings, true},
		{model.TokenExecuting, model.TokenFailed, true},
		{model.TokenExecuting, model.TokenDispatched, false},

		{model.TokenWaitingForSiblings, model.TokenCompleted, true},
		{model.TokenWaitingForSiblings, model.TokenTimedOut, true},
		{model.TokenWaitingForSiblings, model.TokenFailed, false},

		{model.TokenWaitingForSubworkflow, model.TokenCompleted, true},
		{model.TokenWaitingForSubworkflow, model.TokenFailed, true},
		{model.TokenWaitingForSubworkflow, model.TokenDispatched, false},

		{model.TokenCompleted, model.TokenCancelled, false},
		{model.TokenFailed, model.TokenCompleted, false},
		{model.TokenCancelled, model.TokenPending, false},
		{model.TokenTimedOut, model.TokenCompleted, false},
	}

	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s -> %s: expected rejection", tc.from, tc.to)
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: error not ErrInvalidTransition: %v", tc.from, tc.to, err)
			}
		}
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	if err := ValidateTransition("bogus", model.TokenCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	terminals := []model.TokenStatus{
		model.TokenCompleted, model.TokenFailed, model.TokenTimedOut, model.TokenCancelled,
	}
	all := []model.TokenStatus{
		model.TokenPending, model.TokenDispatched, model.TokenExecuting,
		model.TokenWaitingForSiblings, model.TokenWaitingForSubworkflow,
		model.TokenCompleted, model.TokenFailed, model.TokenTimedOut, model.TokenCancelled,
	}
	for _, from := range terminals {
		for _, to := range all {
			if err := ValidateTransition(from, to); err == nil {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}
