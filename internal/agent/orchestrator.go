// Package agent runs conversation turns: it assembles context, drives the
// model through tool calls, and saves the outcome. Turns in the same
// conversation run one at a time; turns in different conversations run
// in parallel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synthia-ai/synthia/internal/assembler"
	"github.com/synthia-ai/synthia/internal/events"
	"github.com/synthia-ai/synthia/internal/facts"
	"github.com/synthia-ai/synthia/internal/llm"
	"github.com/synthia-ai/synthia/internal/memory"
	"github.com/synthia-ai/synthia/internal/persona"
	"github.com/synthia-ai/synthia/internal/tools"
)

// FallbackReply is sent when the model keeps asking for tools after the
// last allowed call.
const FallbackReply = "I wasn't able to finish working that out. Could you rephrase or narrow the question?"

// DefaultConversationID is used when a caller does not name a conversation.
const DefaultConversationID = "default"

// Config tunes the turn state machine. Zero durations fall back to the
// defaults below.
type Config struct {
	DefaultModel        string
	MaxIterations       int
	GatewayTimeout      time.Duration
	ToolTimeout         time.Duration
	RetryBackoff        time.Duration
	PersistObservations bool
	FallbackReply       string
}

func (c *Config) applyDefaults() {
	if c.MaxIterations < 1 {
		c.MaxIterations = 5
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 60 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		c.FallbackReply = FallbackReply
	}
}

// Deps are the collaborators a turn needs. Bus and Logger may be nil.
type Deps struct {
	LLM       llm.Client
	Tools     *tools.Registry
	Assembler *assembler.Assembler
	Store     memory.Store
	Personas  *persona.Registry
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Orchestrator executes turns. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	llm       llm.Client
	tools     *tools.Registry
	assembler *assembler.Assembler
	store     memory.Store
	personas  *persona.Registry
	bus       *events.Bus
	logger    *slog.Logger
	locks     *convLocks
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := deps.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return &Orchestrator{
		cfg:       cfg,
		llm:       deps.LLM,
		tools:     reg,
		assembler: deps.Assembler,
		store:     deps.Store,
		personas:  deps.Personas,
		bus:       deps.Bus,
		logger:    logger.With("component", "agent"),
		locks:     newConvLocks(),
	}
}

// Result describes a completed turn.
type Result struct {
	// Message is the saved assistant reply.
	Message *memory.Message `json:"message"`
	// Saved holds every message written by the turn, in order.
	Saved       []memory.Message    `json:"saved"`
	Invocations []*tools.Invocation `json:"invocations,omitempty"`
	Facts       []facts.Scored      `json:"facts,omitempty"`
	Iterations  int                 `json:"iterations"`
	Fallback    bool                `json:"fallback"`
	PersonaMode string              `json:"persona_mode"`
	Model       string              `json:"model"`
	Elapsed     time.Duration       `json:"elapsed"`
}

// turn carries per-turn identity through the helpers.
type turn struct {
	id     string
	convID string
	model  string
	log    *slog.Logger
	start  time.Time

	mu sync.Mutex
	// mutated lists mutating tools that reached their handler.
	mutated []string
}

func (t *turn) noteMutated(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutated = append(t.mutated, name)
}

func (t *turn) data(kv ...any) map[string]any {
	d := map[string]any{"conversation_id": t.convID, "turn_id": t.id}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			d[k] = kv[i+1]
		}
	}
	return d
}

// RunTurn processes one user message and returns the saved assistant
// reply.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, userText string) (*memory.Message, error) {
	res, err := o.Turn(ctx, conversationID, userText)
	if err != nil {
		return nil, err
	}
	return res.Message, nil
}

// Turn is RunTurn with the full record of what happened. Errors are
// *TurnError values wrapping ErrGatewayFatal, ErrPersistence,
// ErrCancelled or an assembly failure.
func (o *Orchestrator) Turn(ctx context.Context, conversationID, userText string) (*Result, error) {
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	if strings.TrimSpace(userText) == "" {
		return nil, &TurnError{State: StateAssembling, Err: ErrEmptyMessage}
	}

	t := &turn{
		id:     newTurnID(),
		convID: conversationID,
		start:  time.Now(),
	}
	t.log = o.logger.With("conversation", conversationID, "turn_id", t.id)

	release, err := o.locks.acquire(ctx, conversationID)
	if err != nil {
		return nil, o.fail(t, StateAssembling, cancelled(ctx))
	}
	defer release()

	// Assembling
	conv, err := o.store.EnsureConversation(ctx, conversationID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.fail(t, StateAssembling, cancelled(ctx))
		}
		return nil, o.fail(t, StateAssembling, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	snapshot := o.personas.Snapshot()
	actx, err := o.assembler.Assemble(ctx, conv, snapshot, userText)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.fail(t, StateAssembling, cancelled(ctx))
		}
		return nil, o.fail(t, StateAssembling, fmt.Errorf("assemble context: %w", err))
	}

	t.model = o.cfg.DefaultModel
	if actx.Mode.Model != "" {
		t.model = actx.Mode.Model
	}

	t.log.Info("turn started",
		"persona_mode", actx.Mode.Key,
		"model", t.model,
		"history", len(actx.History),
		"facts", len(actx.Facts),
		"retrieval_failed", actx.RetrievalFailed,
	)
	o.bus.Emit(events.SourceAgent, events.KindTurnStart, t.data(
		"persona_mode", actx.Mode.Key,
		"model", t.model,
	))

	res := &Result{
		Facts:       actx.Facts,
		PersonaMode: actx.Mode.Key,
	}

	msgs := actx.Messages()
	toolDefs := o.tools.List()
	var (
		reply        string
		replyModel   string
		observations []memory.NewMessage
	)

	for iter := 0; iter < o.cfg.MaxIterations; iter++ {
		res.Iterations = iter + 1

		resp, err := o.callModel(ctx, t, iter, msgs, toolDefs)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				o.warnMutated(t)
			}
			return nil, o.fail(t, StateAwaitingModel, err)
		}
		replyModel = resp.Model

		if !resp.IsToolRequest() {
			// DirectReply
			reply = resp.Message.Content
			break
		}

		// ToolRequested
		if iter == o.cfg.MaxIterations-1 {
			t.log.Warn("iteration limit reached, using fallback reply",
				"max_iterations", o.cfg.MaxIterations,
				"pending_tools", toolNames(resp.Message.ToolCalls),
			)
			reply = o.cfg.FallbackReply
			res.Fallback = true
			break
		}

		calls := assignCallIDs(resp.Message.ToolCalls, iter)
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		// ToolExecuting
		invs := o.runTools(ctx, t, calls)
		res.Invocations = append(res.Invocations, invs...)
		if ctx.Err() != nil {
			o.warnMutated(t)
			return nil, o.fail(t, StateToolExecuting, cancelled(ctx))
		}
		for _, inv := range invs {
			obs := inv.Observation()
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: obs, ToolCallID: inv.CallID})
			observations = append(observations, memory.NewMessage{
				Role:       memory.RoleTool,
				Content:    obs,
				ToolCallID: inv.CallID,
			})
		}
	}

	// Persisting
	if ctx.Err() != nil {
		o.warnMutated(t)
		return nil, o.fail(t, StatePersisting, cancelled(ctx))
	}

	batch := []memory.NewMessage{{Role: memory.RoleUser, Content: userText, PersonaMode: actx.Mode.Key}}
	if o.cfg.PersistObservations {
		batch = append(batch, observations...)
	}
	if replyModel == "" {
		replyModel = t.model
	}
	batch = append(batch, memory.NewMessage{
		Role:        memory.RoleAssistant,
		Content:     reply,
		Model:       replyModel,
		PersonaMode: actx.Mode.Key,
	})

	saved, err := o.store.AppendMessages(ctx, conversationID, batch)
	if err != nil {
		if ctx.Err() != nil {
			o.warnMutated(t)
			return nil, o.fail(t, StatePersisting, cancelled(ctx))
		}
		return nil, o.fail(t, StatePersisting, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	// Done
	res.Saved = saved
	res.Message = &saved[len(saved)-1]
	res.Model = replyModel
	res.Elapsed = time.Since(t.start)

	t.log.Info("turn complete",
		"iterations", res.Iterations,
		"tool_calls", len(res.Invocations),
		"fallback", res.Fallback,
		"seq", res.Message.Seq,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	o.bus.Emit(events.SourceAgent, events.KindTurnComplete, t.data(
		"iterations", res.Iterations,
		"seq", res.Message.Seq,
		"fallback", res.Fallback,
		"elapsed_ms", res.Elapsed.Milliseconds(),
	))
	return res, nil
}

func (o *Orchestrator) fail(t *turn, state State, err error) error {
	te := &TurnError{State: state, Err: err}
	if errors.Is(err, ErrCancelled) {
		t.log.Info("turn cancelled", "state", state, "error", err)
	} else {
		t.log.Error("turn failed", "state", state, "error", err)
	}
	o.bus.Emit(events.SourceAgent, events.KindTurnFailed, t.data(
		"state", string(state),
		"error", err.Error(),
	))
	return te
}

// warnMutated logs mutating tools that already ran in a turn that will
// not be saved. Their side effects stand.
func (o *Orchestrator) warnMutated(t *turn) {
	if len(t.mutated) == 0 {
		return
	}
	t.log.Warn("turn abandoned after mutating tools ran; their effects stand",
		"tools", t.mutated)
}

// callModel runs one gateway step. A transient failure is retried once
// after the backoff.
func (o *Orchestrator) callModel(ctx context.Context, t *turn, iter int, msgs []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		o.bus.Emit(events.SourceAgent, events.KindLLMCall, t.data(
			"iter", iter,
			"model", t.model,
			"attempt", attempt,
		))
		t.log.Debug("calling model", "iter", iter, "attempt", attempt, "messages", len(msgs), "tools", len(toolDefs))

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
		resp, err := o.llm.Chat(callCtx, t.model, msgs, toolDefs)
		cancel()

		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		if err == nil {
			if merr := checkResponse(resp); merr != nil {
				return nil, fmt.Errorf("%w: malformed response: %w", ErrGatewayFatal, merr)
			}
			elapsed := time.Since(start)
			o.bus.Emit(events.SourceAgent, events.KindLLMResponse, t.data(
				"iter", iter,
				"model", resp.Model,
				"tokens_in", resp.InputTokens,
				"tokens_out", resp.OutputTokens,
				"tool_calls", len(resp.Message.ToolCalls),
				"elapsed_ms", elapsed.Milliseconds(),
			))
			t.log.Debug("model responded",
				"iter", iter,
				"model", resp.Model,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"tool_calls", len(resp.Message.ToolCalls),
				"elapsed", elapsed.Round(time.Millisecond),
			)
			return resp, nil
		}

		if attempt == 1 && llm.IsTransient(err) {
			t.log.Warn("transient model error, retrying once",
				"iter", iter, "backoff", o.cfg.RetryBackoff, "error", err)
			if !sleep(ctx, o.cfg.RetryBackoff) {
				return nil, cancelled(ctx)
			}
			continue
		}
		return nil, fmt.Errorf("%w: %w", ErrGatewayFatal, err)
	}
}

func checkResponse(resp *llm.ChatResponse) error {
	if resp == nil {
		return errors.New("no response")
	}
	if len(resp.Message.ToolCalls) == 0 {
		if strings.TrimSpace(resp.Message.Content) == "" {
			return errors.New("empty reply without tool calls")
		}
		return nil
	}
	for i, tc := range resp.Message.ToolCalls {
		if strings.TrimSpace(tc.Function.Name) == "" {
			return fmt.Errorf("tool call %d has no name", i)
		}
	}
	return nil
}

// assignCallIDs fills in IDs for providers that omit them so every
// observation can be correlated.
func assignCallIDs(calls []llm.ToolCall, iter int) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d_%d", iter, i)
		}
		out[i] = tc
	}
	return out
}

func toolNames(calls []llm.ToolCall) []string {
	names := make([]string, len(calls))
	for i, tc := range calls {
		names[i] = tc.Function.Name
	}
	return names
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
