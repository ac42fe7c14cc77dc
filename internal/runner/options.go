package runner

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Unit performs one indexed unit of work. The index is stable across the
// batch, so a unit can derive a distinct identity from it.
type Unit func(ctx context.Context, index int) error

// LoopBody performs one iteration of a worker's loop in a duration-bound
// run. The worker id stays fixed for the lifetime of the run.
type LoopBody func(ctx context.Context, worker int) error

// ArrivalModel selects how successive dispatches are spaced when a rate
// is configured.
type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

// Options configure a Runner.
type Options struct {
	Workers        int           // concurrency cap (<=0 means one worker per unit)
	RatePerSecond  int           // dispatch pacing (0 means unpaced)
	ArrivalModel   ArrivalModel  // uniform or poisson spacing
	RandomSeed     int64         // seed for the poisson sampler
	PoissonSampler func() float64              // optional injection for tests
	LimiterFactory func(rps int) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.Workers < 0 {
		o.Workers = 0
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.ArrivalModel == "" {
		o.ArrivalModel = ArrivalModelUniform
	}
	if o.RandomSeed == 0 {
		o.RandomSeed = time.Now().UnixNano()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst equal to rps to smooth pacing under concurrency.
			return rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}
