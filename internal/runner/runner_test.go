package runner_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/agora-im/pelt/internal/runner"
)

// TestRunExecutesEveryUnitOnce ensures each index is dispatched exactly once.
func TestRunExecutesEveryUnitOnce(t *testing.T) {
	const n = 25
	var perIndex [n]int64

	r := runner.New(runner.Options{Workers: 4})
	res := r.Run(context.Background(), n, func(ctx context.Context, i int) error {
		atomic.AddInt64(&perIndex[i], 1)
		return nil
	})

	if res.Requested != n || res.Completed != n {
		t.Fatalf("expected %d/%d units, got requested=%d completed=%d", n, n, res.Requested, res.Completed)
	}
	if res.Failed != 0 {
		t.Fatalf("expected no failures, got %d", res.Failed)
	}
	for i, count := range perIndex {
		if count != 1 {
			t.Errorf("unit %d executed %d times, want 1", i, count)
		}
	}
}

// TestRunNeverExceedsWorkerCap instruments in-flight units against the cap.
func TestRunNeverExceedsWorkerCap(t *testing.T) {
	const limit = 5
	var inFlight, peak int64

	r := runner.New(runner.Options{Workers: limit})
	res := r.Run(context.Background(), 40, func(ctx context.Context, i int) error {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	})

	if res.Completed != 40 {
		t.Fatalf("expected 40 completed, got %d", res.Completed)
	}
	if got := atomic.LoadInt64(&peak); got > limit {
		t.Fatalf("observed %d concurrent units, cap is %d", got, limit)
	}
}

func TestRunZeroUnitsReturnsImmediately(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{Workers: 8})

	start := time.Now()
	res := r.Run(context.Background(), 0, func(ctx context.Context, i int) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})

	if calls != 0 {
		t.Fatalf("expected no unit calls, got %d", calls)
	}
	if res.Completed != 0 || len(res.Units) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("zero-unit run should not block")
	}
}

// TestRunCapExceedingUnitCount verifies a cap larger than n behaves as unbounded.
func TestRunCapExceedingUnitCount(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{Workers: 64})
	res := r.Run(context.Background(), 3, func(ctx context.Context, i int) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	if calls != 3 || res.Completed != 3 {
		t.Fatalf("expected 3 executions, got calls=%d completed=%d", calls, res.Completed)
	}
}

// TestRunCollectsErrorsAsData ensures unit failures never stop the batch.
func TestRunCollectsErrorsAsData(t *testing.T) {
	boom := errors.New("boom")
	r := runner.New(runner.Options{Workers: 4})
	res := r.Run(context.Background(), 10, func(ctx context.Context, i int) error {
		if i%2 == 1 {
			return boom
		}
		return nil
	})

	if res.Completed != 10 {
		t.Fatalf("expected all units to run, got %d", res.Completed)
	}
	if res.Failed != 5 {
		t.Fatalf("expected 5 failures, got %d", res.Failed)
	}
	for _, u := range res.Units {
		wantErr := u.Index%2 == 1
		if (u.Err != nil) != wantErr {
			t.Errorf("unit %d err=%v, want error=%v", u.Index, u.Err, wantErr)
		}
		if !u.Done {
			t.Errorf("unit %d not marked done", u.Index)
		}
	}
	if got := len(res.Errs()); got != 5 {
		t.Errorf("Errs() returned %d errors, want 5", got)
	}
}

// TestRunWaitsForSlowUnits verifies the completion barrier.
func TestRunWaitsForSlowUnits(t *testing.T) {
	r := runner.New(runner.Options{Workers: 8})
	start := time.Now()
	res := r.Run(context.Background(), 8, func(ctx context.Context, i int) error {
		if i == 3 {
			time.Sleep(80 * time.Millisecond)
		}
		return nil
	})
	if res.Completed != 8 {
		t.Fatalf("expected 8 completed, got %d", res.Completed)
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Error("Run returned before the slowest unit finished")
	}
}

func TestRunRecoversPanickingUnit(t *testing.T) {
	r := runner.New(runner.Options{Workers: 2})
	res := r.Run(context.Background(), 4, func(ctx context.Context, i int) error {
		if i == 2 {
			panic("unit exploded")
		}
		return nil
	})

	if res.Completed != 4 {
		t.Fatalf("expected the batch to finish, got %d completed", res.Completed)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failure, got %d", res.Failed)
	}
	err := res.Units[2].Err
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic converted to error, got %v", err)
	}
}

func TestRunStopsDispatchOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int64

	r := runner.New(runner.Options{Workers: 2})
	res := r.Run(ctx, 100, func(ctx context.Context, i int) error {
		if atomic.AddInt64(&calls, 1) == 4 {
			cancel()
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	})

	if res.Completed >= 100 {
		t.Fatal("cancellation should stop dispatch before the batch completes")
	}
	var notRun int
	for _, u := range res.Units {
		if !u.Done {
			notRun++
			if u.Err != nil {
				t.Errorf("undispatched unit %d carries error %v", u.Index, u.Err)
			}
		}
	}
	if notRun == 0 {
		t.Error("expected some units to remain undispatched after cancel")
	}
}

// TestRunForHonorsDeadline ensures duration runs stop close to the budget.
func TestRunForHonorsDeadline(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{Workers: 10})

	start := time.Now()
	res := r.RunFor(context.Background(), 50*time.Millisecond, func(ctx context.Context, w int) error {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond || elapsed > 250*time.Millisecond {
		t.Fatalf("deadline enforcement off: %s", elapsed)
	}
	if res.Requested <= 0 || calls != int64(res.Requested) {
		t.Fatalf("iteration accounting off: requested=%d calls=%d", res.Requested, calls)
	}
}

func TestRunForCountsErrors(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{Workers: 2})
	res := r.RunFor(context.Background(), 40*time.Millisecond, func(ctx context.Context, w int) error {
		n := atomic.AddInt64(&calls, 1)
		time.Sleep(2 * time.Millisecond)
		if n%2 == 0 {
			return errors.New("flaky")
		}
		return nil
	})
	if res.Failed == 0 {
		t.Fatal("expected some failed iterations")
	}
	if res.Failed > res.Requested {
		t.Fatalf("failed %d exceeds requested %d", res.Failed, res.Requested)
	}
}

// TestRateLimiterCapsDispatch ensures pacing restricts throughput.
func TestRateLimiterCapsDispatch(t *testing.T) {
	var calls int64
	rateLimit := 100
	duration := 100 * time.Millisecond

	r := runner.New(runner.Options{
		Workers:        20,
		RatePerSecond:  rateLimit,
		LimiterFactory: func(rps int) *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), 1) },
	})
	res := r.RunFor(context.Background(), duration, func(ctx context.Context, w int) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})

	maxExpected := int(float64(rateLimit) * (float64(duration) / float64(time.Second)) * 1.20) // 20% slack
	if res.Requested > maxExpected {
		t.Fatalf("rate limiter exceeded: total=%d max=%d", res.Requested, maxExpected)
	}
}
