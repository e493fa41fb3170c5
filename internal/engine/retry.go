package engine

import (
	"context"
	"time"
)

// RetryPolicy bounds how many times a node body is attempted and how long the
// engine waits between attempts. The delay is fixed.
type RetryPolicy struct {
	Attempts int           `json:"attempts" yaml:"attempts"`
	Delay    time.Duration `json:"delay" yaml:"delay"`
}

// normalize returns the effective policy: a nil policy means one attempt,
// Attempts below 1 is raised to 1 and a negative Delay becomes 0.
func (p *RetryPolicy) normalize() RetryPolicy {
	if p == nil {
		return RetryPolicy{Attempts: 1}
	}
	out := *p
	if out.Attempts < 1 {
		out.Attempts = 1
	}
	if out.Delay < 0 {
		out.Delay = 0
	}
	return out
}

// waitForBackoff sleeps for delay or returns early with ctx.Err() if the
// context is cancelled first.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
