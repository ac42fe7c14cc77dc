// Package scenario composes the executor, collector, and poller into the
// named workloads the harness runs against a target gateway.
package scenario

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/config"
	"github.com/agora-im/pelt/internal/metrics"
	"github.com/agora-im/pelt/internal/poller"
	"github.com/agora-im/pelt/internal/runner"
	"github.com/agora-im/pelt/internal/tracing"
)

// Operation labels. Every gateway call a scenario makes is recorded under
// one of these, so thresholds and reports can address them by name.
const (
	opHealth        = "health"
	opRegister      = "register"
	opLogin         = "login"
	opCreateServer  = "create_server"
	opCreateChannel = "create_channel"
	opJoin          = "join"
	opLeave         = "leave"
	opSendMessage   = "send_message"
	opListRooms     = "list_rooms"
	opSync          = "sync"
	opSetPresence   = "set_presence"

	opVerifyMessageSynced     = "verify_message_synced"
	opVerifyServerListed      = "verify_server_listed"
	opVerifyMembershipSettled = "verify_membership_settled"
	opVerifyFloodSynced       = "verify_flood_synced"

	opChaosMalformed     = "chaos_malformed"
	opChaosRegisterRace  = "chaos_register_race"
	opChaosJoinRace      = "chaos_join_race"
	opChaosLeaveSendRace = "chaos_leave_send_race"
)

// Session counters.
const (
	counterServerFaults       = "server_faults"
	counterMessagesSent       = "messages_sent"
	counterServersCreated     = "servers_created"
	counterChannelsCreated    = "channels_created"
	counterAccountsRegistered = "accounts_registered"
)

const accountPassword = "pelt-Sup3r-secret"

// Scenario is one named workload. Run returns a verdict when the scenario
// executed to its own conclusion (pass or fail); it returns an error only
// when the scenario could not run at all, e.g. provisioning failed.
type Scenario interface {
	Name() string
	Run(ctx context.Context, env *Env) (*Verdict, error)
}

// Env carries the collaborators every scenario runs with. One Env (and one
// Collector) spans the whole session, so operation stats accumulate across
// scenarios.
type Env struct {
	Client    *agora.Client
	Collector *metrics.Collector
	Config    *config.Config
	Logger    *zap.Logger
	Tracer    trace.Tracer
}

// TimingResult is the outcome of one convergence timing check.
type TimingResult struct {
	Check      string        `json:"check"`
	Found      bool          `json:"found"`
	Observed   time.Duration `json:"-"`
	ObservedMs float64       `json:"observed_ms"`
	Target     time.Duration `json:"-"`
	TargetMs   float64       `json:"target_ms"`
	Pass       bool          `json:"pass"`
	Note       string        `json:"note,omitempty"`
}

// Verdict is a scenario's terminal outcome. Operations holds the session
// aggregates of the labels the scenario touched, snapshotted at verdict
// time.
type Verdict struct {
	Scenario   string            `json:"scenario"`
	Pass       bool              `json:"pass"`
	Reason     string            `json:"reason,omitempty"`
	Duration   time.Duration     `json:"-"`
	DurationMs float64           `json:"duration_ms"`
	Operations []metrics.OpStats `json:"operations,omitempty"`
	Timings    []TimingResult    `json:"timings,omitempty"`
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) tracer() trace.Tracer {
	if e.Tracer == nil {
		return noop.NewTracerProvider().Tracer("pelt")
	}
	return e.Tracer
}

// pollOpts returns the session-wide convergence cadence. Individual checks
// override it where the workload dictates tighter bounds.
func (e *Env) pollOpts() poller.Options {
	return poller.Options{
		Interval: e.Config.Poll.Interval,
		MaxWait:  e.Config.Poll.MaxWait,
	}
}

// newRunner builds an executor with the session's arrival model. A zero
// rate falls back to the session rate; zero both means unpaced.
func (e *Env) newRunner(workers, rps int) *runner.Runner {
	if rps == 0 {
		rps = e.Config.Rate
	}
	return runner.New(runner.Options{
		Workers:       workers,
		RatePerSecond: rps,
		ArrivalModel:  runner.ArrivalModel(e.Config.Arrival.Model),
		RandomSeed:    e.Config.Seed,
	})
}

// do runs one gateway call as a recorded operation: a metric sample, a
// client span, and session bookkeeping. Transport failures become session
// errors; 5xx responses bump the server_faults counter.
func (e *Env) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartOperationSpan(ctx, e.tracer(), op)
	sample := e.Collector.Begin(op)
	err := fn(ctx)
	sample.End(err)
	tracing.EndSpan(span, err)

	if err != nil {
		if agora.IsTransport(err) {
			e.Collector.SessionError(err)
		} else if agora.IsServerFault(err) {
			e.Collector.AddCounter(counterServerFaults, 1)
		}
	}
	return err
}

// sendMessage posts content as a recorded operation and bumps the session
// counter on success.
func (e *Env) sendMessage(ctx context.Context, token, roomID, content string) error {
	err := e.do(ctx, opSendMessage, func(ctx context.Context) error {
		return e.Client.SendMessage(ctx, token, roomID, content)
	})
	if err == nil {
		e.Collector.AddCounter(counterMessagesSent, 1)
	}
	return err
}

// waitVerify runs a convergence wait and records it under op: the metric's
// duration is the observed convergence time, and a wait that never observes
// the condition is a timeout-shaped failure.
func (e *Env) waitVerify(ctx context.Context, op, what string, opts poller.Options, probe poller.Probe) (bool, error) {
	found, waited, err := poller.WaitFor(ctx, probe, opts)
	if err == nil && !found {
		err = &poller.TimeoutError{What: what, Waited: waited}
	}
	e.Collector.Record(op, waited, err)
	if err != nil {
		e.logger().Warn("convergence check missed",
			zap.String("operation", op),
			zap.Duration("waited", waited),
			zap.Error(err))
	}
	return found, err
}

// opStats snapshots the named labels that recorded at least one metric, in
// the order given.
func (e *Env) opStats(labels ...string) []metrics.OpStats {
	var out []metrics.OpStats
	for _, label := range labels {
		st := e.Collector.Stats(label)
		if st.Count > 0 {
			out = append(out, st)
		}
	}
	return out
}

// batchVerdict folds an executor result into a verdict. A batch fails
// outright only when it was cut short or nothing succeeded; partial
// failures stay data for thresholds.
func batchVerdict(name string, res runner.Result) *Verdict {
	v := &Verdict{Scenario: name, Pass: true}
	switch {
	case res.Completed < res.Requested:
		v.Pass = false
		v.Reason = fmt.Sprintf("interrupted: %d of %d units ran", res.Completed, res.Requested)
	case res.Completed > 0 && res.Failed == res.Completed:
		v.Pass = false
		v.Reason = "every unit failed"
	case res.Failed > 0:
		v.Reason = fmt.Sprintf("%d of %d units failed", res.Failed, res.Completed)
	}
	return v
}

// Run executes scenarios in order, continuing past failures so one bad
// scenario never hides the rest of the session's data. A canceled context
// stops the sequence after the in-flight scenario drains.
func Run(ctx context.Context, env *Env, scenarios []Scenario) []Verdict {
	log := env.logger()
	verdicts := make([]Verdict, 0, len(scenarios))

	for _, s := range scenarios {
		if ctx.Err() != nil {
			log.Warn("scenario sequence stopped", zap.Error(ctx.Err()))
			break
		}

		log.Info("scenario starting", zap.String("scenario", s.Name()))
		start := time.Now()
		sctx, span := tracing.StartScenarioSpan(ctx, env.tracer(), s.Name())

		v, err := s.Run(sctx, env)
		if err != nil {
			v = &Verdict{Scenario: s.Name(), Pass: false, Reason: err.Error()}
			log.Error("scenario aborted", zap.String("scenario", s.Name()), zap.Error(err))
		}
		if v.Scenario == "" {
			v.Scenario = s.Name()
		}
		v.Duration = time.Since(start)
		v.DurationMs = float64(v.Duration) / float64(time.Millisecond)
		tracing.EndSpan(span, err)

		log.Info("scenario finished",
			zap.String("scenario", v.Scenario),
			zap.Bool("pass", v.Pass),
			zap.String("reason", v.Reason),
			zap.Duration("duration", v.Duration))
		verdicts = append(verdicts, *v)
	}
	return verdicts
}

// SmokeSet is the sequential sanity pass.
func SmokeSet() []Scenario {
	return []Scenario{smoke{}}
}

// LoadSet is the load family: storms, churn, flood, and the mixed
// randomized workload.
func LoadSet() []Scenario {
	return []Scenario{registerStorm{}, creationStorm{}, churn{}, messageFlood{}, mixed{}}
}

// ChaosSet is the adversarial family.
func ChaosSet() []Scenario {
	return []Scenario{chaosMalformed{}, chaosRace{}}
}

// DelaySet is the timing verification pass.
func DelaySet() []Scenario {
	return []Scenario{delay{}}
}

// AllSet runs everything: smoke, load, chaos, then timing.
func AllSet() []Scenario {
	all := SmokeSet()
	all = append(all, LoadSet()...)
	all = append(all, ChaosSet()...)
	all = append(all, DelaySet()...)
	return all
}
