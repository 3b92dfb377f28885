package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/synthia-ai/synthia/internal/config"
	"github.com/synthia-ai/synthia/internal/events"
)

// recordTimeout bounds each insert so a locked database cannot stall
// the subscriber.
const recordTimeout = 5 * time.Second

// Recorder turns llm_response events into usage records.
type Recorder struct {
	store   *Store
	bus     *events.Bus
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. pricing may be nil.
func NewRecorder(store *Store, bus *events.Bus, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		bus:     bus,
		pricing: pricing,
		logger:  logger.With("component", "usage"),
	}
}

// Run records events until ctx ends. Events published while the
// subscriber's buffer is full are lost, so Run keeps a large buffer.
func (r *Recorder) Run(ctx context.Context) error {
	ch := r.bus.Subscribe(256)
	defer r.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Kind != events.KindLLMResponse {
				continue
			}
			rec := FromEvent(ev, r.pricing)
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
			if err := r.store.Record(rctx, rec); err != nil {
				r.logger.Warn("usage not recorded", "turn_id", rec.TurnID, "error", err)
			}
			cancel()
		}
	}
}

// FromEvent builds a record from an llm_response event.
func FromEvent(ev events.Event, pricing map[string]config.PricingEntry) Record {
	rec := Record{
		Timestamp:      ev.Timestamp,
		TurnID:         str(ev.Data["turn_id"]),
		ConversationID: str(ev.Data["conversation_id"]),
		Model:          str(ev.Data["model"]),
		InputTokens:    num(ev.Data["tokens_in"]),
		OutputTokens:   num(ev.Data["tokens_out"]),
	}
	rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, pricing)
	return rec
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
