package store

import (
	"context"
	"log/slog"
	"time"
)

// PollOpts tunes a polling worker (JobRunner or OutboxSender).
type PollOpts struct {
	ClaimLimit  int
	StaleAfter  time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// PollOption configures a polling worker.
type PollOption func(*PollOpts)

// WithClaimLimit caps how many rows one poll claims.
func WithClaimLimit(n int) PollOption {
	return func(o *PollOpts) {
		if n > 0 {
			o.ClaimLimit = n
		}
	}
}

// WithStaleAfter sets how long a claimed row may stay claimed before recovery requeues it.
func WithStaleAfter(d time.Duration) PollOption {
	return func(o *PollOpts) {
		if d > 0 {
			o.StaleAfter = d
		}
	}
}

// WithBackoff sets the retry delay after the first failure and its ceiling.
func WithBackoff(base, max time.Duration) PollOption {
	return func(o *PollOpts) {
		if base > 0 {
			o.BackoffBase = base
		}
		if max >= base {
			o.BackoffMax = max
		}
	}
}

func newPollOpts(base time.Duration, opts []PollOption) PollOpts {
	o := PollOpts{
		ClaimLimit:  10,
		StaleAfter:  5 * time.Minute,
		BackoffBase: base,
		BackoffMax:  time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// retryAt doubles the base delay per previous attempt, capped at BackoffMax.
func (o PollOpts) retryAt(now time.Time, attempts int) time.Time {
	d := o.BackoffBase
	for i := 0; i < attempts && d < o.BackoffMax; i++ {
		d *= 2
	}
	if d > o.BackoffMax {
		d = o.BackoffMax
	}
	return now.Add(d)
}

// pollLoop calls tick every interval until ctx is done.
func pollLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	slog.Info(name+".Run: started", "pollInterval", interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info(name + ".Run: stopped")
			return
		case <-t.C:
			tick(ctx)
		}
	}
}
