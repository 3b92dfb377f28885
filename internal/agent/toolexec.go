package agent

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synthia-ai/synthia/internal/events"
	"github.com/synthia-ai/synthia/internal/llm"
	"github.com/synthia-ai/synthia/internal/tools"
)

// maxParallelTools bounds concurrent read-only invocations in one step.
const maxParallelTools = 4

// runTools executes the calls of one tool step and returns their
// invocations in call order. A batch made only of read-only tools runs
// concurrently; anything else runs in the order the model asked.
func (o *Orchestrator) runTools(ctx context.Context, t *turn, calls []llm.ToolCall) []*tools.Invocation {
	invs := make([]*tools.Invocation, len(calls))

	if len(calls) > 1 && o.allReadOnly(calls) {
		var g errgroup.Group
		g.SetLimit(maxParallelTools)
		for i, call := range calls {
			g.Go(func() error {
				invs[i] = o.invoke(ctx, t, call)
				return nil
			})
		}
		_ = g.Wait()
		return invs
	}

	for i, call := range calls {
		if ctx.Err() != nil {
			return invs[:i]
		}
		invs[i] = o.invoke(ctx, t, call)
	}
	return invs
}

func (o *Orchestrator) allReadOnly(calls []llm.ToolCall) bool {
	for _, c := range calls {
		tool := o.tools.Get(c.Function.Name)
		if tool == nil || tool.SideEffect != tools.ReadOnly {
			return false
		}
	}
	return true
}

// invoke runs one call under the tool timeout, retrying once when the
// failure is worth it.
func (o *Orchestrator) invoke(ctx context.Context, t *turn, call llm.ToolCall) *tools.Invocation {
	name := call.Function.Name
	sideEffect := tools.Mutating
	if tool := o.tools.Get(name); tool != nil {
		sideEffect = tool.SideEffect
	}

	o.bus.Emit(events.SourceAgent, events.KindToolCall, t.data(
		"tool", name,
		"call_id", call.ID,
		"side_effect", string(sideEffect),
	))
	t.log.Debug("invoking tool", "tool", name, "call_id", call.ID, "args", call.Function.Arguments)

	toolCtx := tools.WithTurnID(tools.WithConversationID(ctx, t.convID), t.id)

	var (
		inv     *tools.Invocation
		elapsed time.Duration
		attempt int
	)
	for attempt = 1; ; attempt++ {
		stepCtx, cancel := context.WithTimeout(toolCtx, o.cfg.ToolTimeout)
		inv = o.tools.Invoke(stepCtx, name, call.Function.Arguments)
		timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded) || errors.Is(inv.Err, context.DeadlineExceeded)
		cancel()
		elapsed += inv.Duration

		if reachedHandler(inv) && inv.SideEffect == tools.Mutating {
			t.noteMutated(name)
		}

		if inv.Err == nil || attempt == 2 || ctx.Err() != nil || !retryable(inv, timedOut) {
			break
		}
		t.log.Warn("tool failed transiently, retrying once",
			"tool", name,
			"call_id", call.ID,
			"timed_out", timedOut,
			"error", inv.Err,
		)
		if !sleep(ctx, o.cfg.RetryBackoff) {
			break
		}
	}

	inv.CallID = call.ID
	inv.Attempts = attempt
	inv.Duration = elapsed

	if inv.Failed() {
		t.log.Warn("tool failed", "tool", name, "call_id", call.ID, "attempts", attempt, "error", inv.Err)
	} else {
		t.log.Debug("tool succeeded", "tool", name, "call_id", call.ID, "result_len", len(inv.Result))
	}
	o.bus.Emit(events.SourceAgent, events.KindToolDone, t.data(
		"tool", name,
		"call_id", call.ID,
		"ok", !inv.Failed(),
		"attempts", attempt,
		"duration_ms", elapsed.Milliseconds(),
	))
	return inv
}

// reachedHandler reports whether the tool's handler actually ran, as
// opposed to the call being rejected up front.
func reachedHandler(inv *tools.Invocation) bool {
	var ae *tools.ArgumentError
	var ue *tools.UnavailableError
	return !errors.As(inv.Err, &ae) && !errors.As(inv.Err, &ue)
}

// retryable decides whether a failed invocation gets its one retry: a
// step timeout or an error the tool marked transient. This holds for
// mutating tools too, at the risk of applying their effect twice.
func retryable(inv *tools.Invocation, timedOut bool) bool {
	if !reachedHandler(inv) {
		return false
	}
	return timedOut || tools.IsTransient(inv.Err)
}
