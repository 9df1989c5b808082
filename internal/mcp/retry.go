package mcp

import (
	"context"
	"time"
)

// Retry defaults for the protocol client.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// DelayStrategy decides how long to wait before retrying a request
// whose previous attempt failed at the transport level. failures is
// the number of attempts that have failed so far (1 before the first
// retry).
type DelayStrategy interface {
	Next(failures int) time.Duration
}

// FixedDelay waits the same duration before every retry.
type FixedDelay time.Duration

// Next implements DelayStrategy.
func (d FixedDelay) Next(int) time.Duration { return time.Duration(d) }

// ExponentialDelay grows the delay by Multiplier after each failure,
// capped at Max.
type ExponentialDelay struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Next implements DelayStrategy.
func (d ExponentialDelay) Next(failures int) time.Duration {
	mult := d.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := d.Initial
	for i := 1; i < failures; i++ {
		delay = time.Duration(float64(delay) * mult)
		if d.Max > 0 && delay >= d.Max {
			return d.Max
		}
	}
	if d.Max > 0 && delay > d.Max {
		return d.Max
	}
	return delay
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
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
