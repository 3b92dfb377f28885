package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Invocation records one tool call. Err is nil on success and otherwise
// one of *ArgumentError, *RuntimeError or *UnavailableError.
type Invocation struct {
	CallID     string         `json:"call_id,omitempty"`
	ToolName   string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	Err        error          `json:"-"`
	SideEffect SideEffect     `json:"side_effect,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Attempts   int            `json:"attempts"`
}

// Failed reports whether the invocation ended in an error.
func (inv *Invocation) Failed() bool {
	return inv.Err != nil
}

// Observation renders the invocation as text for the model.
func (inv *Invocation) Observation() string {
	if inv.Err != nil {
		return "Error: " + inv.Err.Error()
	}
	if inv.Result == "" {
		return "(no output)"
	}
	return inv.Result
}

// Invoke validates args and runs the named tool. It never returns a Go
// error: every failure is captured in the returned Invocation. Handler
// panics are recovered into a *RuntimeError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) *Invocation {
	inv := &Invocation{ToolName: name, Arguments: args, Attempts: 1}
	start := time.Now()
	defer func() { inv.Duration = time.Since(start) }()

	t := r.Get(name)
	if t == nil {
		inv.Err = &UnavailableError{ToolName: name}
		return inv
	}
	inv.SideEffect = t.SideEffect

	if args == nil {
		args = map[string]any{}
		inv.Arguments = args
	}
	if problems := Validate(t.Parameters, args); len(problems) > 0 {
		inv.Err = &ArgumentError{ToolName: name, Problems: problems}
		return inv
	}

	result, err := runHandler(ctx, t, args)
	if err != nil {
		var ae *ArgumentError
		if errors.As(err, &ae) {
			inv.Err = ae
		} else {
			inv.Err = &RuntimeError{ToolName: name, Err: err}
		}
		return inv
	}
	inv.Result = result
	return inv
}

func runHandler(ctx context.Context, t *Tool, args map[string]any) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Handler(ctx, args)
}
