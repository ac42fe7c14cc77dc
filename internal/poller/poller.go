// Package poller implements interval-based convergence waits: repeatedly
// evaluating a probe until an asynchronous side effect becomes observable or
// a budget runs out.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultInterval = 100 * time.Millisecond
	defaultMaxWait  = 3 * time.Second
)

// Probe reports whether the awaited condition is observable yet. A non-nil
// error counts as "not yet observed" for that tick unless wrapped with
// [Halt], which stops the wait immediately.
type Probe func(ctx context.Context) (bool, error)

// Options configure a convergence wait.
type Options struct {
	Interval time.Duration // delay before every check, including the first
	MaxWait  time.Duration // overall budget for the wait
}

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.MaxWait <= 0 {
		o.MaxWait = defaultMaxWait
	}
}

// TimeoutError reports a convergence wait that exhausted its budget.
type TimeoutError struct {
	What   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not observed within %v", e.What, e.Waited)
}

type haltError struct {
	err error
}

func (e *haltError) Error() string { return e.err.Error() }
func (e *haltError) Unwrap() error { return e.err }

// Halt marks err as non-retryable. WaitFor stops immediately and returns the
// wrapped error instead of treating the tick as a transient miss.
func Halt(err error) error {
	if err == nil {
		return nil
	}
	return &haltError{err: err}
}

// WaitFor sleeps Interval, evaluates the probe, and repeats until the probe
// observes the condition or MaxWait elapses. The first check happens after
// one full interval so the target is never hammered immediately after the
// triggering action; if MaxWait elapses before the first interval, no check
// is performed at all.
//
// Returns whether the condition was observed and how long the wait took.
// The error is non-nil only when the caller's context ends or a probe
// returns a [Halt]-wrapped error; a plain timeout is (false, elapsed, nil)
// and the caller decides whether that is fatal.
func WaitFor(ctx context.Context, probe Probe, opts Options) (bool, time.Duration, error) {
	opts.normalize()
	start := time.Now()

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()
	tick := time.NewTimer(opts.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, time.Since(start), ctx.Err()
		case <-deadline.C:
			return false, time.Since(start), nil
		case <-tick.C:
		}

		// Bound the probe by the remaining budget so a slow check cannot
		// overrun MaxWait.
		remaining := opts.MaxWait - time.Since(start)
		if remaining <= 0 {
			return false, time.Since(start), nil
		}
		probeCtx, cancel := context.WithTimeout(ctx, remaining)
		found, err := probe(probeCtx)
		cancel()

		switch {
		case err != nil:
			var halt *haltError
			if errors.As(err, &halt) {
				return false, time.Since(start), halt.Unwrap()
			}
			if ctx.Err() != nil {
				return false, time.Since(start), ctx.Err()
			}
			// Transient probe failure: not yet observed.
		case found:
			return true, time.Since(start), nil
		}

		tick.Reset(opts.Interval)
	}
}
