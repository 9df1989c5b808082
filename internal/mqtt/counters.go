package mqtt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/toolrelay/internal/events"
)

// DailyCalls tallies finished tool calls for the current calendar day
// in its location. The tally starts over when the date changes.
type DailyCalls struct {
	loc *time.Location
	now func() time.Time

	mu       sync.Mutex
	day      string // YYYY-MM-DD the tally belongs to
	calls    int64
	failures int64
}

// NewDailyCalls returns a tally that rolls over at midnight in loc,
// or in [time.Local] when loc is nil.
func NewDailyCalls(loc *time.Location) *DailyCalls {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCalls{loc: loc, now: time.Now}
}

// Observe counts executor tool_done events and ignores the rest.
func (d *DailyCalls) Observe(ev events.Event) {
	if ev.Source != events.SourceExecutor || ev.Kind != events.KindToolDone {
		return
	}
	ok, _ := ev.Data["ok"].(bool)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.calls++
	if !ok {
		d.failures++
	}
}

// Snapshot returns today's call and failure counts.
func (d *DailyCalls) Snapshot() (calls, failures int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.calls, d.failures
}

// rollover starts a new tally when the date has changed. d.mu held.
func (d *DailyCalls) rollover() {
	today := d.now().In(d.loc).Format(time.DateOnly)
	if today == d.day {
		return
	}
	d.day = today
	d.calls, d.failures = 0, 0
}

// rateLimiter admits at most limit events per fixed window. A window
// opens with the first event after the previous one expired; drops
// from the expired window are logged then.
type rateLimiter struct {
	limit  int64
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	opened  time.Time
	seen    int64
	dropped int64
}

func newRateLimiter(limit int64, window time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, logger: logger, now: time.Now}
}

// allow reports whether one more event fits in the current window.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now := r.now(); now.Sub(r.opened) >= r.window {
		if r.dropped > 0 {
			r.logger.Warn("mqtt events dropped due to rate limit",
				"seen", r.seen,
				"dropped", r.dropped,
				"window", r.window.String(),
				"limit", r.limit,
			)
		}
		r.opened, r.seen, r.dropped = now, 0, 0
	}

	r.seen++
	if r.seen > r.limit {
		r.dropped++
		return false
	}
	return true
}
