package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrGatewayFatal means the model could not produce a usable answer.
	ErrGatewayFatal = errors.New("model gateway failed")

	// ErrPersistence means the finished turn could not be saved.
	ErrPersistence = errors.New("could not save conversation")

	// ErrCancelled means the caller went away before the turn finished.
	ErrCancelled = errors.New("turn cancelled")

	// ErrEmptyMessage rejects blank user input before any work starts.
	ErrEmptyMessage = errors.New("message is empty")
)

// State is a step of the turn state machine.
type State string

const (
	StateAssembling    State = "assembling"
	StateAwaitingModel State = "awaiting_model"
	StateDirectReply   State = "direct_reply"
	StateToolRequested State = "tool_requested"
	StateToolExecuting State = "tool_executing"
	StatePersisting    State = "persisting"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// TurnError reports the state a turn was in when it failed.
type TurnError struct {
	State State
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed while %s: %v", e.State, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
