package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/synthia-ai/synthia/internal/assembler"
	"github.com/synthia-ai/synthia/internal/embeddings/embedtest"
	"github.com/synthia-ai/synthia/internal/events"
	"github.com/synthia-ai/synthia/internal/facts"
	"github.com/synthia-ai/synthia/internal/llm"
	"github.com/synthia-ai/synthia/internal/memory"
	"github.com/synthia-ai/synthia/internal/persona"
	"github.com/synthia-ai/synthia/internal/tools"
)

// mockLLM returns scripted responses in order, or delegates to fn.
type mockLLM struct {
	mu        sync.Mutex
	responses []mockReply
	calls     []mockLLMCall
	fn        func(ctx context.Context, n int, msgs []llm.Message) (*llm.ChatResponse, error)
}

type mockReply struct {
	resp *llm.ChatResponse
	err  error
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: slices.Clone(msgs), Tools: tools})
	fn := m.fn
	var r mockReply
	scripted := n < len(m.responses)
	if scripted {
		r = m.responses[n]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, n, msgs)
	}
	if !scripted {
		return nil, fmt.Errorf("mockLLM: no response scripted for call %d", n)
	}
	return r.resp, r.err
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLLM) call(i int) mockLLMCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func reply(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, Content: text},
	}
}

func toolRequest(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	}
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func ok(resp *llm.ChatResponse) mockReply { return mockReply{resp: resp} }
func fails(err error) mockReply           { return mockReply{err: err} }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testCatalog(t *testing.T) *persona.Catalog {
	t.Helper()
	c, err := persona.NewCatalog(
		[]persona.IdentityModule{
			{Name: "core", Content: "You are Synthia.", Active: true},
			{Name: "brief", Content: "Answer in one sentence.", Active: true},
		},
		nil,
		[]persona.Mode{
			{Key: "assistant", Name: "Assistant", Modules: []string{"core"}, Default: true},
			{Key: "concise", Name: "Concise", Modules: []string{"core", "brief"}, Model: "small-model"},
		},
	)
	require.NoError(t, err)
	return c
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// fixture wires an Orchestrator around a mock model.
type fixture struct {
	llm       *mockLLM
	store     memory.Store
	tools     *tools.Registry
	personas  *persona.Registry
	bus       *events.Bus
	retriever assembler.Retriever
	cfg       Config
}

func newFixture(t *testing.T, m *mockLLM) *fixture {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Calculator()))
	return &fixture{
		llm:      m,
		store:    memory.NewMemStore(),
		tools:    reg,
		personas: persona.NewRegistry(testCatalog(t)),
		bus:      events.New(),
		cfg: Config{
			DefaultModel:   "test-model",
			GatewayTimeout: 2 * time.Second,
			ToolTimeout:    2 * time.Second,
			RetryBackoff:   time.Millisecond,
		},
	}
}

func (f *fixture) build() *Orchestrator {
	asm := assembler.New(f.store, f.retriever, assembler.Config{
		HistoryMessages: 20,
		TopK:            3,
		MinSimilarity:   0.3,
		MaxChars:        20000,
	}, testLogger())
	return New(f.cfg, Deps{
		LLM:       f.llm,
		Tools:     f.tools,
		Assembler: asm,
		Store:     f.store,
		Personas:  f.personas,
		Bus:       f.bus,
		Logger:    testLogger(),
	})
}

func drainKinds(ch <-chan events.Event) []string {
	var kinds []string
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			return kinds
		}
	}
}

func hasMessage(msgs []llm.Message, role, content string) bool {
	for _, msg := range msgs {
		if msg.Role == role && msg.Content == content {
			return true
		}
	}
	return false
}

func messages(t *testing.T, s memory.Store, id string) []memory.Message {
	t.Helper()
	msgs, err := s.Messages(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

func TestRunTurn_DirectReply(t *testing.T) {
	m := &mockLLM{responses: []mockReply{ok(reply("Hello!"))}}
	f := newFixture(t, m)
	orch := f.build()
	sub := f.bus.Subscribe(32)
	defer f.bus.Unsubscribe(sub)

	msg, err := orch.RunTurn(context.Background(), "c1", "hi")
	require.NoError(t, err)

	assert.Equal(t, "Hello!", msg.Content)
	assert.Equal(t, memory.RoleAssistant, msg.Role)
	assert.Equal(t, int64(2), msg.Seq)
	assert.Equal(t, "test-model", msg.Model)
	assert.Equal(t, "assistant", msg.PersonaMode)

	saved := messages(t, f.store, "c1")
	require.Len(t, saved, 2)
	assert.Equal(t, memory.RoleUser, saved[0].Role)
	assert.Equal(t, "hi", saved[0].Content)
	assert.Equal(t, int64(1), saved[0].Seq)

	require.Equal(t, 1, m.callCount())
	call := m.call(0)
	assert.Equal(t, "test-model", call.Model)
	assert.Len(t, call.Tools, 1)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "You are Synthia."}, call.Messages[0])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, call.Messages[len(call.Messages)-1])

	assert.Equal(t, []string{
		events.KindTurnStart,
		events.KindLLMCall,
		events.KindLLMResponse,
		events.KindTurnComplete,
	}, drainKinds(sub))
}

func TestRunTurn_DefaultConversation(t *testing.T) {
	m := &mockLLM{responses: []mockReply{ok(reply("ok"))}}
	f := newFixture(t, m)

	_, err := f.build().RunTurn(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.Len(t, messages(t, f.store, DefaultConversationID), 2)
}

func TestRunTurn_EmptyMessage(t *testing.T) {
	m := &mockLLM{}
	f := newFixture(t, m)

	_, err := f.build().RunTurn(context.Background(), "c1", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, m.callCount())
}

func TestRunTurn_ToolLoop(t *testing.T) {
	script := func() []mockReply {
		return []mockReply{
			ok(toolRequest(toolCall("c-1", "calculator", map[string]any{"operation": "add", "a": 2.0, "b": 3.0}))),
			ok(reply("It is 5.")),
		}
	}

	t.Run("observations stay out of history", func(t *testing.T) {
		m := &mockLLM{responses: script()}
		f := newFixture(t, m)
		orch := f.build()
		sub := f.bus.Subscribe(32)
		defer f.bus.Unsubscribe(sub)

		res, err := orch.Turn(context.Background(), "c1", "What is 2+3?")
		require.NoError(t, err)
		assert.Equal(t, "It is 5.", res.Message.Content)
		assert.Equal(t, 2, res.Iterations)
		require.Len(t, res.Invocations, 1)
		assert.Equal(t, "5", res.Invocations[0].Result)
		assert.Equal(t, "c-1", res.Invocations[0].CallID)
		assert.Equal(t, 1, res.Invocations[0].Attempts)

		require.Equal(t, 2, m.callCount())
		second := m.call(1).Messages
		n := len(second)
		require.GreaterOrEqual(t, n, 2)
		assert.Equal(t, llm.RoleAssistant, second[n-2].Role)
		require.Len(t, second[n-2].ToolCalls, 1)
		assert.Equal(t, "c-1", second[n-2].ToolCalls[0].ID)
		assert.Equal(t, llm.Message{Role: llm.RoleTool, Content: "5", ToolCallID: "c-1"}, second[n-1])

		saved := messages(t, f.store, "c1")
		require.Len(t, saved, 2)
		assert.Equal(t, "It is 5.", saved[1].Content)

		assert.Equal(t, []string{
			events.KindTurnStart,
			events.KindLLMCall,
			events.KindLLMResponse,
			events.KindToolCall,
			events.KindToolDone,
			events.KindLLMCall,
			events.KindLLMResponse,
			events.KindTurnComplete,
		}, drainKinds(sub))
	})

	t.Run("observations persisted", func(t *testing.T) {
		m := &mockLLM{responses: script()}
		f := newFixture(t, m)
		f.cfg.PersistObservations = true

		_, err := f.build().RunTurn(context.Background(), "c1", "What is 2+3?")
		require.NoError(t, err)

		saved := messages(t, f.store, "c1")
		require.Len(t, saved, 3)
		for i, want := range []string{memory.RoleUser, memory.RoleTool, memory.RoleAssistant} {
			assert.Equal(t, want, saved[i].Role)
			assert.Equal(t, int64(i+1), saved[i].Seq)
		}
		assert.Equal(t, "c-1", saved[1].ToolCallID)
		assert.Equal(t, "5", saved[1].Content)
	})
}

func TestRunTurn_IterationLimit(t *testing.T) {
	m := &mockLLM{fn: func(_ context.Context, n int, _ []llm.Message) (*llm.ChatResponse, error) {
		return toolRequest(toolCall(fmt.Sprintf("c-%d", n), "calculator",
			map[string]any{"operation": "multiply", "a": 2.0, "b": 2.0})), nil
	}}
	f := newFixture(t, m)
	f.cfg.MaxIterations = 3

	res, err := f.build().Turn(context.Background(), "c1", "loop forever")
	require.NoError(t, err)

	assert.Equal(t, 3, m.callCount(), "gateway calls are bounded by max iterations")
	assert.Equal(t, 3, res.Iterations)
	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackReply, res.Message.Content)
	assert.Len(t, res.Invocations, 2)

	saved := messages(t, f.store, "c1")
	require.Len(t, saved, 2)
	assert.Equal(t, FallbackReply, saved[1].Content)
}

func TestRunTurn_FailingMutatingTool(t *testing.T) {
	var sends atomic.Int32
	m := &mockLLM{responses: []mockReply{
		ok(toolRequest(
			toolCall("c-1", "send_note", nil),
			toolCall("c-2", "does_not_exist", nil),
		)),
		ok(reply("Sorry, I couldn't send it.")),
	}}
	f := newFixture(t, m)
	require.NoError(t, f.tools.Register(&tools.Tool{
		Name:       "send_note",
		SideEffect: tools.Mutating,
		Handler: func(context.Context, map[string]any) (string, error) {
			sends.Add(1)
			return "", errors.New("backend refused")
		},
	}))

	res, err := f.build().Turn(context.Background(), "c1", "send a note")
	require.NoError(t, err, "tool failures never fail the turn")

	assert.Equal(t, int32(1), sends.Load(), "plain errors from mutating tools are not retried")
	require.Len(t, res.Invocations, 2)
	assert.True(t, res.Invocations[0].Failed())
	assert.True(t, res.Invocations[1].Failed())

	second := m.call(1).Messages
	n := len(second)
	assert.Equal(t, "c-1", second[n-2].ToolCallID)
	assert.True(t, strings.HasPrefix(second[n-2].Content, "Error:"))
	assert.Contains(t, second[n-2].Content, "backend refused")
	assert.Equal(t, "c-2", second[n-1].ToolCallID)
	assert.Contains(t, second[n-1].Content, "not available")

	assert.Len(t, messages(t, f.store, "c1"), 2)
}

func TestRunTurn_ToolRetry(t *testing.T) {
	t.Run("mutating tool marked transient", func(t *testing.T) {
		var calls atomic.Int32
		m := &mockLLM{responses: []mockReply{
			ok(toolRequest(toolCall("c-1", "book", nil))),
			ok(reply("Booked.")),
		}}
		f := newFixture(t, m)
		require.NoError(t, f.tools.Register(&tools.Tool{
			Name:       "book",
			SideEffect: tools.Mutating,
			Handler: func(context.Context, map[string]any) (string, error) {
				if calls.Add(1) == 1 {
					return "", tools.Transient(errors.New("503 from backend"))
				}
				return "booked", nil
			},
		}))

		res, err := f.build().Turn(context.Background(), "c1", "book it")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		require.Len(t, res.Invocations, 1)
		assert.Equal(t, 2, res.Invocations[0].Attempts)
		assert.Equal(t, "booked", res.Invocations[0].Result)
	})

	t.Run("read-only tool timing out", func(t *testing.T) {
		var calls atomic.Int32
		m := &mockLLM{responses: []mockReply{
			ok(toolRequest(toolCall("c-1", "lookup", nil))),
			ok(reply("Found it.")),
		}}
		f := newFixture(t, m)
		f.cfg.ToolTimeout = 30 * time.Millisecond
		require.NoError(t, f.tools.Register(&tools.Tool{
			Name:       "lookup",
			SideEffect: tools.ReadOnly,
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				if calls.Add(1) == 1 {
					<-ctx.Done()
					return "", ctx.Err()
				}
				return "found", nil
			},
		}))

		res, err := f.build().Turn(context.Background(), "c1", "look it up")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, "found", res.Invocations[0].Result)
	})

	t.Run("mutating tool timing out once", func(t *testing.T) {
		var calls atomic.Int32
		m := &mockLLM{responses: []mockReply{
			ok(toolRequest(toolCall("c-1", "create_task", map[string]any{"title": "water plants"}))),
			ok(reply("Task created.")),
		}}
		f := newFixture(t, m)
		f.cfg.ToolTimeout = 20 * time.Millisecond
		require.NoError(t, f.tools.Register(&tools.Tool{
			Name:       "create_task",
			SideEffect: tools.Mutating,
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				if calls.Add(1) == 1 {
					<-ctx.Done()
					return "", ctx.Err()
				}
				return "created", nil
			},
		}))

		res, err := f.build().Turn(context.Background(), "c1", "add a task")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		require.Len(t, res.Invocations, 1)
		assert.Equal(t, 2, res.Invocations[0].Attempts)
		assert.Equal(t, "created", res.Invocations[0].Result)
	})

	t.Run("mutating tool timing out twice", func(t *testing.T) {
		var calls atomic.Int32
		m := &mockLLM{responses: []mockReply{
			ok(toolRequest(toolCall("c-1", "charge", nil))),
			ok(reply("The charge may not have gone through.")),
		}}
		f := newFixture(t, m)
		f.cfg.ToolTimeout = 20 * time.Millisecond
		require.NoError(t, f.tools.Register(&tools.Tool{
			Name:       "charge",
			SideEffect: tools.Mutating,
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				calls.Add(1)
				<-ctx.Done()
				return "", ctx.Err()
			},
		}))

		res, err := f.build().Turn(context.Background(), "c1", "charge it")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load(), "one retry, then the failure becomes an observation")
		assert.True(t, res.Invocations[0].Failed())
		assert.Equal(t, "The charge may not have gone through.", res.Message.Content)
	})
}

func TestRunTurn_ParallelReadOnlyTools(t *testing.T) {
	var arrived atomic.Int32
	both := make(chan struct{})
	handler := func(ctx context.Context, _ map[string]any) (string, error) {
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m := &mockLLM{responses: []mockReply{
		ok(toolRequest(toolCall("c-1", "probe_a", nil), toolCall("c-2", "probe_b", nil))),
		ok(reply("Both answered.")),
	}}
	f := newFixture(t, m)
	for _, name := range []string{"probe_a", "probe_b"} {
		require.NoError(t, f.tools.Register(&tools.Tool{Name: name, SideEffect: tools.ReadOnly, Handler: handler}))
	}

	res, err := f.build().Turn(context.Background(), "c1", "probe both")
	require.NoError(t, err)
	require.Len(t, res.Invocations, 2)
	assert.Equal(t, "c-1", res.Invocations[0].CallID, "results keep call order")
	assert.Equal(t, "c-2", res.Invocations[1].CallID)
	for _, inv := range res.Invocations {
		assert.False(t, inv.Failed(), "%s: %v", inv.ToolName, inv.Err)
		assert.Equal(t, 1, inv.Attempts)
	}
}

func TestRunTurn_GatewayFailures(t *testing.T) {
	unavailable := &llm.StatusError{Provider: "test", Code: 503, Body: "overloaded"}
	unauthorized := &llm.StatusError{Provider: "test", Code: 401, Body: "bad key"}

	tests := []struct {
		name      string
		replies   []mockReply
		wantCalls int
		wantErr   error
	}{
		{"transient then success", []mockReply{fails(unavailable), ok(reply("ok"))}, 2, nil},
		{"transient twice", []mockReply{fails(unavailable), fails(unavailable)}, 2, ErrGatewayFatal},
		{"permanent", []mockReply{fails(unauthorized)}, 1, ErrGatewayFatal},
		{"empty reply", []mockReply{ok(reply("  "))}, 1, ErrGatewayFatal},
		{"nameless tool call", []mockReply{ok(toolRequest(toolCall("c-1", "", nil)))}, 1, ErrGatewayFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockLLM{responses: tt.replies}
			f := newFixture(t, m)
			sub := f.bus.Subscribe(32)
			defer f.bus.Unsubscribe(sub)

			_, err := f.build().RunTurn(context.Background(), "c1", "hi")
			assert.Equal(t, tt.wantCalls, m.callCount())

			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Len(t, messages(t, f.store, "c1"), 2)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			var te *TurnError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, StateAwaitingModel, te.State)
			assert.Empty(t, messages(t, f.store, "c1"), "failed turns persist nothing")
			assert.Contains(t, drainKinds(sub), events.KindTurnFailed)
		})
	}
}

func TestRunTurn_GatewayTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeouts int
		wantErr  error
	}{
		{"times out once", 1, nil},
		{"times out twice", 2, ErrGatewayFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockLLM{fn: func(ctx context.Context, n int, _ []llm.Message) (*llm.ChatResponse, error) {
				if n < tt.timeouts {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return reply("ok"), nil
			}}
			f := newFixture(t, m)
			f.cfg.GatewayTimeout = 20 * time.Millisecond

			msg, err := f.build().RunTurn(context.Background(), "c1", "hi")
			assert.Equal(t, 2, m.callCount())

			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "ok", msg.Content)
				assert.Len(t, messages(t, f.store, "c1"), 2)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			require.ErrorIs(t, err, context.DeadlineExceeded)
			var te *TurnError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, StateAwaitingModel, te.State)
			assert.Empty(t, messages(t, f.store, "c1"))
		})
	}
}

type failingAppendStore struct {
	memory.Store
}

func (s failingAppendStore) AppendMessages(context.Context, string, []memory.NewMessage) ([]memory.Message, error) {
	return nil, errors.New("disk full")
}

func TestRunTurn_PersistenceFailure(t *testing.T) {
	m := &mockLLM{responses: []mockReply{ok(reply("ok"))}}
	f := newFixture(t, m)
	f.store = failingAppendStore{Store: memory.NewMemStore()}

	_, err := f.build().RunTurn(context.Background(), "c1", "hi")
	require.ErrorIs(t, err, ErrPersistence)
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatePersisting, te.State)
}

func TestRunTurn_RetrievalUnavailable(t *testing.T) {
	// Fixed only knows the taught text, so every query embedding fails.
	idx, err := facts.NewIndex(openTestDB(t), embedtest.Fixed(map[string][]float32{
		"The author lives in Gdynia.": {1, 0, 0},
	}), testLogger())
	require.NoError(t, err)
	_, err = idx.Insert(context.Background(), "The author lives in Gdynia.")
	require.NoError(t, err)

	m := &mockLLM{responses: []mockReply{ok(reply("I'm not sure."))}}
	f := newFixture(t, m)
	f.retriever = idx

	res, err := f.build().Turn(context.Background(), "c1", "Where does the author live?")
	require.NoError(t, err)
	assert.Empty(t, res.Facts)
	assert.Equal(t, "I'm not sure.", res.Message.Content)
}

func TestTeachThenAsk(t *testing.T) {
	idx, err := facts.NewIndex(openTestDB(t), embedtest.BagOfWords(256), testLogger())
	require.NoError(t, err)

	const fact = "The author lives in Gdynia."
	m := &mockLLM{fn: func(_ context.Context, n int, msgs []llm.Message) (*llm.ChatResponse, error) {
		switch n {
		case 0:
			return toolRequest(toolCall("c-1", "remember_fact", map[string]any{"fact": fact})), nil
		case 1:
			return reply("Noted."), nil
		}
		for _, msg := range msgs {
			if msg.Role == llm.RoleSystem && strings.Contains(msg.Content, assembler.FactTag+" "+fact) {
				return reply("The author lives in Gdynia."), nil
			}
		}
		return reply("I don't know."), nil
	}}
	f := newFixture(t, m)
	f.retriever = idx
	require.NoError(t, f.tools.Register(tools.RememberFact(idx)))
	orch := f.build()
	ctx := context.Background()

	_, err = orch.RunTurn(ctx, "teach", "Remember that the author lives in Gdynia.")
	require.NoError(t, err)
	require.Equal(t, 1, idx.Count())

	res, err := orch.Turn(ctx, "ask", "Where does the author live?")
	require.NoError(t, err)
	assert.Contains(t, res.Message.Content, "Gdynia")
	require.NotEmpty(t, res.Facts)
	assert.Equal(t, fact, res.Facts[0].Text)
}

func TestRunTurn_SerializesConversation(t *testing.T) {
	var inflight atomic.Int32
	var overlapped atomic.Bool
	m := &mockLLM{fn: func(_ context.Context, n int, _ []llm.Message) (*llm.ChatResponse, error) {
		if inflight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return reply(fmt.Sprintf("reply %d", n)), nil
	}}
	f := newFixture(t, m)
	orch := f.build()

	var g errgroup.Group
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			_, err := orch.RunTurn(context.Background(), "c1", fmt.Sprintf("message %d", i))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.False(t, overlapped.Load(), "turns in one conversation must not overlap")
	saved := messages(t, f.store, "c1")
	require.Len(t, saved, 12)
	for i, msg := range saved {
		assert.Equal(t, int64(i+1), msg.Seq)
		want := memory.RoleUser
		if i%2 == 1 {
			want = memory.RoleAssistant
		}
		assert.Equal(t, want, msg.Role, "message %d", i)
	}
	// Each turn's history holds the reply saved by the turn before it.
	for n := 1; n < m.callCount(); n++ {
		assert.True(t, hasMessage(m.call(n).Messages, llm.RoleAssistant, fmt.Sprintf("reply %d", n-1)),
			"turn %d history is missing the previous reply", n)
	}
	assert.Zero(t, orch.locks.len())
}

func TestRunTurn_ConversationsRunInParallel(t *testing.T) {
	bStarted := make(chan struct{})
	m := &mockLLM{fn: func(ctx context.Context, _ int, msgs []llm.Message) (*llm.ChatResponse, error) {
		switch msgs[len(msgs)-1].Content {
		case "from b":
			close(bStarted)
		case "from a":
			select {
			case <-bStarted:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return reply("ok"), nil
	}}
	f := newFixture(t, m)
	orch := f.build()

	var g errgroup.Group
	g.Go(func() error {
		_, err := orch.RunTurn(context.Background(), "a", "from a")
		return err
	})
	g.Go(func() error {
		_, err := orch.RunTurn(context.Background(), "b", "from b")
		return err
	})
	require.NoError(t, g.Wait())
}

func TestRunTurn_GapFreeOrdinalsSQLite(t *testing.T) {
	store, err := memory.NewSQLiteStore(openTestDB(t))
	require.NoError(t, err)

	m := &mockLLM{fn: func(context.Context, int, []llm.Message) (*llm.ChatResponse, error) {
		return reply("ok"), nil
	}}
	f := newFixture(t, m)
	f.store = store
	orch := f.build()

	convs := []string{"a", "b", "c"}
	var g errgroup.Group
	for _, id := range convs {
		for i := 0; i < 4; i++ {
			g.Go(func() error {
				_, err := orch.RunTurn(context.Background(), id, fmt.Sprintf("%s-%d", id, i))
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	for _, id := range convs {
		saved := messages(t, store, id)
		require.Len(t, saved, 8, id)
		for i, msg := range saved {
			assert.Equal(t, int64(i+1), msg.Seq, "%s message %d", id, i)
		}
	}
}

func TestRunTurn_PersonaSnapshot(t *testing.T) {
	var f *fixture
	m := &mockLLM{fn: func(_ context.Context, n int, _ []llm.Message) (*llm.ChatResponse, error) {
		if n == 0 {
			// Switching mid-turn must not affect the running turn.
			if err := f.personas.SetDefault("concise"); err != nil {
				return nil, err
			}
			return reply("first"), nil
		}
		return reply("second"), nil
	}}
	f = newFixture(t, m)
	orch := f.build()
	ctx := context.Background()

	first, err := orch.RunTurn(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "assistant", first.PersonaMode)
	assert.Equal(t, "You are Synthia.", m.call(0).Messages[0].Content)
	assert.Equal(t, "test-model", m.call(0).Model)

	second, err := orch.RunTurn(ctx, "c2", "hello again")
	require.NoError(t, err)
	assert.Equal(t, "concise", second.PersonaMode)
	assert.Equal(t, "You are Synthia.\n\nAnswer in one sentence.", m.call(1).Messages[0].Content)
	assert.Equal(t, "small-model", m.call(1).Model, "mode model overrides the default")
}

func TestRunTurn_Cancelled(t *testing.T) {
	t.Run("while awaiting the model", func(t *testing.T) {
		m := &mockLLM{fn: func(ctx context.Context, _ int, _ []llm.Message) (*llm.ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		f := newFixture(t, m)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := f.build().RunTurn(ctx, "c1", "hi")
		require.ErrorIs(t, err, ErrCancelled)
		var te *TurnError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StateAwaitingModel, te.State)
		assert.Equal(t, 1, m.callCount(), "a cancelled call is not retried")
		assert.Empty(t, messages(t, f.store, "c1"))
	})

	t.Run("after a mutating tool ran", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var ran atomic.Int32
		m := &mockLLM{responses: []mockReply{ok(toolRequest(toolCall("c-1", "send_note", nil)))}}
		f := newFixture(t, m)
		require.NoError(t, f.tools.Register(&tools.Tool{
			Name:       "send_note",
			SideEffect: tools.Mutating,
			Handler: func(context.Context, map[string]any) (string, error) {
				ran.Add(1)
				cancel()
				return "sent", nil
			},
		}))

		_, err := f.build().RunTurn(ctx, "c1", "send it")
		require.ErrorIs(t, err, ErrCancelled)
		var te *TurnError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StateToolExecuting, te.State)
		assert.Equal(t, int32(1), ran.Load())
		assert.Empty(t, messages(t, f.store, "c1"))
	})
}

func TestAssignCallIDs(t *testing.T) {
	calls := assignCallIDs([]llm.ToolCall{
		toolCall("", "a", nil),
		toolCall("given", "b", nil),
	}, 2)
	assert.Equal(t, "call_2_0", calls[0].ID)
	assert.Equal(t, "given", calls[1].ID)
}

func TestRetryable(t *testing.T) {
	runtime := &tools.RuntimeError{ToolName: "x", Err: errors.New("boom")}
	transient := &tools.RuntimeError{ToolName: "x", Err: tools.Transient(errors.New("busy"))}

	tests := []struct {
		name     string
		inv      *tools.Invocation
		timedOut bool
		want     bool
	}{
		{"read-only timeout", &tools.Invocation{SideEffect: tools.ReadOnly, Err: runtime}, true, true},
		{"read-only transient", &tools.Invocation{SideEffect: tools.ReadOnly, Err: transient}, false, true},
		{"read-only plain", &tools.Invocation{SideEffect: tools.ReadOnly, Err: runtime}, false, false},
		{"mutating timeout", &tools.Invocation{SideEffect: tools.Mutating, Err: runtime}, true, true},
		{"mutating plain", &tools.Invocation{SideEffect: tools.Mutating, Err: runtime}, false, false},
		{"mutating transient", &tools.Invocation{SideEffect: tools.Mutating, Err: transient}, false, true},
		{"bad arguments", &tools.Invocation{SideEffect: tools.ReadOnly, Err: &tools.ArgumentError{ToolName: "x"}}, true, false},
		{"unknown tool", &tools.Invocation{Err: &tools.UnavailableError{ToolName: "x"}}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.inv, tt.timedOut))
		})
	}
}
