package mqtt

import (
	"sync"
	"time"
)

// DailyUsage tracks token usage and turn outcomes, resetting at local
// midnight. It is safe for concurrent use.
type DailyUsage struct {
	mu          sync.Mutex
	input       int64
	output      int64
	requests    int64
	turnsDone   int64
	turnsFailed int64
	resetDay    int // day-of-year of last reset
	loc         *time.Location
}

// Usage is a point-in-time copy of the counters.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Requests     int64 `json:"requests"`
	TurnsDone    int64 `json:"turns_completed"`
	TurnsFailed  int64 `json:"turns_failed"`
}

// NewDailyUsage creates an accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	return &DailyUsage{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// OnTokens records token counts from a completed model call.
func (d *DailyUsage) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// OnTurn records the outcome of a finished turn.
func (d *DailyUsage) OnTurn(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	if ok {
		d.turnsDone++
	} else {
		d.turnsFailed++
	}
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyUsage) Snapshot() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return Usage{
		InputTokens:  d.input,
		OutputTokens: d.output,
		Requests:     d.requests,
		TurnsDone:    d.turnsDone,
		TurnsFailed:  d.turnsFailed,
	}
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyUsage) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.requests = 0
		d.turnsDone = 0
		d.turnsFailed = 0
		d.resetDay = today
	}
}
