package mqtt

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter caps outbound publishes per interval so a burst of turns
// cannot flood the broker. It uses atomic counters on the hot path.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// reset starts a new interval, logging how many events were dropped
// in the previous one.
func (r *rateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt events dropped due to rate limit",
			"attempted", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow reports whether one more publish fits in the current interval.
func (r *rateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
