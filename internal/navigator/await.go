package navigator

import (
	"context"
	"errors"
	"time"

	"schedmirror/internal/page"
)

// Outcome is the terminal state of waiting for an external transition.
type Outcome int

const (
	// Detached: the probe failed with page.ErrDetached, the transition happened.
	Detached Outcome = iota
	// TimedOut: the probe kept succeeding, or hung, past the deadline.
	TimedOut
	// Broken: the probe failed in an unexpected way or ctx was cancelled.
	Broken
)

func (o Outcome) String() string {
	switch o {
	case Detached:
		return "detached"
	case TimedOut:
		return "timed_out"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

// Probe reads a handle that is known to become invalid once the awaited
// transition has happened.
type Probe func(ctx context.Context) error

// Wait is the result of AwaitDetach.
type Wait struct {
	Outcome Outcome
	Probes  int
	Elapsed time.Duration
	// Err is set for Broken.
	Err error
}

// AwaitDetach probes immediately and then every interval until the probe
// reports page.ErrDetached, fails otherwise, or timeout elapses.
func AwaitDetach(ctx context.Context, probe Probe, interval, timeout time.Duration) Wait {
	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// A probe stuck in the browser must not outlive the timeout.
	pctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	var w Wait
	for {
		w.Probes++
		err := probe(pctx)
		switch {
		case errors.Is(err, page.ErrDetached):
			w.Outcome = Detached
			w.Elapsed = time.Since(start)
			return w
		case err != nil && ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded):
			w.Outcome = TimedOut
			w.Elapsed = time.Since(start)
			return w
		case err != nil:
			w.Outcome = Broken
			w.Err = err
			w.Elapsed = time.Since(start)
			return w
		}

		select {
		case <-ctx.Done():
			w.Outcome = Broken
			w.Err = ctx.Err()
			w.Elapsed = time.Since(start)
			return w
		case <-deadline.C:
			w.Outcome = TimedOut
			w.Elapsed = time.Since(start)
			return w
		case <-ticker.C:
		}
	}
}
