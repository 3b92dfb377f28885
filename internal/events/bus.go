// Package events is an in-process broadcast bus for operational events.
// The orchestrator publishes turn progress; the WebSocket stream and the
// MQTT forwarder subscribe. Publishing on a nil *Bus is a no-op.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceAgent   = "agent"
	SourceFacts   = "facts"
	SourcePersona = "persona"
	SourceHealth  = "health"
)

// Kinds. Data keys are listed per kind.
const (
	// KindTurnStart: conversation_id, turn_id, persona_mode, model.
	KindTurnStart = "turn_start"
	// KindLLMCall: conversation_id, turn_id, iter, model, attempt.
	KindLLMCall = "llm_call"
	// KindLLMResponse: conversation_id, turn_id, iter, model, tokens_in,
	// tokens_out, tool_calls, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall: conversation_id, turn_id, tool, call_id, side_effect.
	KindToolCall = "tool_call"
	// KindToolDone: conversation_id, turn_id, tool, call_id, ok,
	// attempts, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete: conversation_id, turn_id, iterations, seq,
	// fallback, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: conversation_id, turn_id, state, error.
	KindTurnFailed = "turn_failed"

	// KindFactTaught: fact_id, chars.
	KindFactTaught = "fact_taught"
	// KindDefaultPersona: mode.
	KindDefaultPersona = "default_persona"

	// KindServiceUp: service, after.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. A full
// subscriber misses events; publishers never block.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
