package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// UnitResult captures a single unit's outcome.
type UnitResult struct {
	Index   int
	Done    bool // false when the run ended before the unit executed
	Err     error
	Elapsed time.Duration
}

// Result summarizes a run. Unit errors are data here; whether they fail the
// run is the caller's decision.
type Result struct {
	Requested int
	Completed int
	Failed    int
	Duration  time.Duration
	Units     []UnitResult
}

// Errs returns the errors of failed units in index order.
func (r Result) Errs() []error {
	var errs []error
	for _, u := range r.Units {
		if u.Done && u.Err != nil {
			errs = append(errs, u.Err)
		}
	}
	return errs
}

// Runner dispatches units of work to a bounded set of workers.
type Runner struct {
	opt     Options
	arrival arrivalController
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{opt: opt, arrival: newArrivalController(opt)}
}

// Run executes n indexed units with at most Workers in flight and blocks
// until every dispatched unit has finished. A worker slot is freed whether
// the unit succeeds, errors, or panics.
func (r *Runner) Run(ctx context.Context, n int, unit Unit) Result {
	start := time.Now()
	res := Result{Requested: n}
	if n <= 0 || unit == nil {
		res.Duration = time.Since(start)
		return res
	}

	workers := r.opt.Workers
	if workers <= 0 || workers > n {
		workers = n
	}

	res.Units = make([]UnitResult, n)
	for i := range res.Units {
		res.Units[i].Index = i
	}

	var completed, failed int64
	indexes := make(chan int)

	// Dispatcher: serializes pacing so bursts cannot overshoot across workers.
	go func() {
		defer close(indexes)
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return
			}
			if r.arrival != nil {
				if err := r.arrival.Wait(ctx); err != nil {
					return
				}
			}
			select {
			case indexes <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range indexes {
				began := time.Now()
				err := safeCall(func() error { return unit(ctx, i) })
				res.Units[i].Done = true
				res.Units[i].Err = err
				res.Units[i].Elapsed = time.Since(began)
				atomic.AddInt64(&completed, 1)
				if err != nil {
					atomic.AddInt64(&failed, 1)
				}
				if ctx.Err() != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	res.Completed = int(atomic.LoadInt64(&completed))
	res.Failed = int(atomic.LoadInt64(&failed))
	res.Duration = time.Since(start)
	return res
}

// RunFor keeps Workers looping over body until d elapses or ctx ends. The
// budget is checked between iterations, so an iteration that starts before
// the deadline is allowed to finish after it.
func (r *Runner) RunFor(ctx context.Context, d time.Duration, body LoopBody) Result {
	start := time.Now()
	res := Result{}
	if d <= 0 || body == nil {
		res.Duration = time.Since(start)
		return res
	}

	workers := r.opt.Workers
	if workers <= 0 {
		workers = 1
	}
	deadline := start.Add(d)

	var total, failed int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(worker int) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if ctx.Err() != nil {
					return
				}
				if r.arrival != nil {
					if err := r.arrival.Wait(ctx); err != nil {
						return
					}
					if !time.Now().Before(deadline) {
						return
					}
				}
				atomic.AddInt64(&total, 1)
				if err := safeCall(func() error { return body(ctx, worker) }); err != nil {
					atomic.AddInt64(&failed, 1)
				}
			}
		}(w)
	}
	wg.Wait()

	res.Requested = int(atomic.LoadInt64(&total))
	res.Completed = res.Requested
	res.Failed = int(atomic.LoadInt64(&failed))
	res.Duration = time.Since(start)
	return res
}

// safeCall converts a panicking call into an error so a crashing unit
// cannot wedge the completion barrier.
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic recovered: %v", rec)
		}
	}()
	return fn()
}
