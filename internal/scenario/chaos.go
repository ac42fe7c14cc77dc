package scenario

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/ident"
	"github.com/agora-im/pelt/internal/metrics"
)

// chaosEndpoint is one POST surface the malformed payloads are aimed at.
type chaosEndpoint struct {
	name string
	path string
}

var chaosEndpoints = []chaosEndpoint{
	{"register", "/auth/register"},
	{"create", "/rooms/create"},
	{"join", "/rooms/join"},
	{"send", "/rooms/send"},
}

// chaosMalformed fires the payload catalog at the gateway's POST surfaces.
// Expectations invert: a 4xx rejection is the correct outcome, a 2xx is an
// accepted-garbage failure, a 5xx is a server fault, and transport errors
// feed the crash/hang assertion.
type chaosMalformed struct{}

func (chaosMalformed) Name() string { return "chaos_malformed" }

func (s chaosMalformed) Run(ctx context.Context, e *Env) (*Verdict, error) {
	cfg := e.Config.Scenarios.Chaos

	payloads, err := LoadPayloads(cfg.PayloadFile)
	if err != nil {
		return nil, fmt.Errorf("chaos malformed: %w", err)
	}

	faultsBefore := e.Collector.Counter(counterServerFaults)
	sessionBefore := e.Collector.SessionErrorCount()
	var accepted int64

	res := e.newRunner(cfg.Concurrency, 0).Run(ctx, cfg.Units, func(ctx context.Context, i int) error {
		pl := payloads[i%len(payloads)]
		ep := chaosEndpoints[(i/len(payloads))%len(chaosEndpoints)]

		sample := e.Collector.Begin(opChaosMalformed)
		status, body, err := e.Client.Probe(ctx, ep.path, pl.Body)
		switch {
		case err != nil:
			sample.End(err)
			e.Collector.SessionError(err)
			return err
		case status >= 500:
			fault := &agora.APIError{Status: status, Body: body}
			sample.End(fault)
			e.Collector.AddCounter(counterServerFaults, 1)
			return fault
		case status >= 200 && status < 300:
			acc := fmt.Errorf("payload %q accepted with HTTP %d at %s", pl.Name, status, ep.path)
			sample.End(acc)
			atomic.AddInt64(&accepted, 1)
			return acc
		default:
			// A well-formed rejection is exactly what we want.
			sample.End(nil)
			return nil
		}
	})

	faults := e.Collector.Counter(counterServerFaults) - faultsBefore
	transport := e.Collector.SessionErrorCount() - sessionBefore

	v := &Verdict{Scenario: s.Name(), Pass: true}
	switch {
	case res.Completed < res.Requested:
		v.Pass = false
		v.Reason = fmt.Sprintf("interrupted: %d of %d probes ran", res.Completed, res.Requested)
	case faults > 0:
		v.Pass = false
		v.Reason = fmt.Sprintf("%d server faults under malformed input", faults)
	case transport > 0:
		v.Pass = false
		v.Reason = fmt.Sprintf("%d transport errors under malformed input", transport)
	}
	if n := atomic.LoadInt64(&accepted); n > 0 && v.Reason == "" {
		v.Reason = fmt.Sprintf("%d malformed payloads accepted", n)
	}

	v.Operations = e.opStats(opChaosMalformed)
	return v, nil
}

// chaosRace aims duplicate and conflicting submissions at the gateway: the
// same username registered K times at once (exactly one may win), the same
// user double-joining a room, and a leave raced against a send.
type chaosRace struct{}

func (chaosRace) Name() string { return "chaos_race" }

func (s chaosRace) Run(ctx context.Context, e *Env) (*Verdict, error) {
	cfg := e.Config.Scenarios.Chaos
	k := cfg.Races
	if k <= 1 {
		k = 2
	}
	gen := ident.New("chaos")

	faultsBefore := e.Collector.Counter(counterServerFaults)
	sessionBefore := e.Collector.SessionErrorCount()

	// Race 1: duplicate registration.
	username := gen.Next()
	var wins int64
	e.newRunner(k, 0).Run(ctx, k, func(ctx context.Context, i int) error {
		sample := e.Collector.Begin(opChaosRegisterRace)
		_, err := e.Client.Register(ctx, username, accountPassword)
		return s.settle(e, sample, err, &wins)
	})

	// A room and a racer account for the join and leave/send races.
	owner, err := registerOne(ctx, e, gen)
	if err != nil {
		return nil, fmt.Errorf("chaos race: %w", err)
	}
	serverID, err := createServer(ctx, e, gen, owner.Token)
	if err != nil {
		return nil, fmt.Errorf("chaos race: %w", err)
	}
	channelID, err := createChannel(ctx, e, gen, owner.Token, serverID, "text")
	if err != nil {
		return nil, fmt.Errorf("chaos race: %w", err)
	}
	racer, err := registerOne(ctx, e, gen)
	if err != nil {
		return nil, fmt.Errorf("chaos race: %w", err)
	}

	// Race 2: the same user joins the same room K times at once.
	e.newRunner(k, 0).Run(ctx, k, func(ctx context.Context, i int) error {
		sample := e.Collector.Begin(opChaosJoinRace)
		err := e.Client.JoinRoom(ctx, racer.Token, channelID)
		return s.settle(e, sample, err, nil)
	})

	// Race 3: leaving raced against sending. Either order is legal; the
	// gateway just may not fault.
	e.newRunner(2, 0).Run(ctx, 2, func(ctx context.Context, i int) error {
		sample := e.Collector.Begin(opChaosLeaveSendRace)
		var err error
		if i == 0 {
			err = e.Client.LeaveRoom(ctx, racer.Token, channelID)
		} else {
			err = e.Client.SendMessage(ctx, racer.Token, channelID, "race "+gen.Next())
		}
		return s.settle(e, sample, err, nil)
	})

	faults := e.Collector.Counter(counterServerFaults) - faultsBefore
	transport := e.Collector.SessionErrorCount() - sessionBefore
	winCount := atomic.LoadInt64(&wins)

	v := &Verdict{Scenario: s.Name(), Pass: true}
	switch {
	case ctx.Err() != nil:
		v.Pass = false
		v.Reason = "interrupted"
	case winCount != 1:
		v.Pass = false
		v.Reason = fmt.Sprintf("duplicate register won %d times, want exactly 1", winCount)
	case faults > 0:
		v.Pass = false
		v.Reason = fmt.Sprintf("%d server faults under racing input", faults)
	case transport > 0:
		v.Pass = false
		v.Reason = fmt.Sprintf("%d transport errors under racing input", transport)
	}

	v.Operations = e.opStats(opRegister, opCreateServer, opCreateChannel,
		opChaosRegisterRace, opChaosJoinRace, opChaosLeaveSendRace)
	return v, nil
}

// settle classifies a race probe outcome. Success and clean client
// rejections both count as the gateway behaving; faults and transport
// errors do not.
func (chaosRace) settle(e *Env, sample *metrics.Sample, err error, wins *int64) error {
	switch {
	case err == nil:
		if wins != nil {
			atomic.AddInt64(wins, 1)
		}
		sample.End(nil)
		return nil
	case agora.IsServerFault(err):
		sample.End(err)
		e.Collector.AddCounter(counterServerFaults, 1)
		return err
	case agora.IsTransport(err):
		sample.End(err)
		e.Collector.SessionError(err)
		return err
	default:
		// The race lost with a well-formed rejection, as it should.
		sample.End(nil)
		return nil
	}
}
