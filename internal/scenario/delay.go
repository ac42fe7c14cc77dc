package scenario

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/ident"
	"github.com/agora-im/pelt/internal/poller"
)

// delay measures how quickly asynchronous side effects become observable:
// one action per check, a bounded convergence wait, and a comparison
// against the configured target. A miss is a warning unless strict timing
// is on; a condition that is never observed fails the check regardless.
type delay struct{}

func (delay) Name() string { return "delay" }

// timingCheck is one action-then-converge measurement. run performs the
// triggering action itself and returns the convergence outcome.
type timingCheck struct {
	name     string
	target   time.Duration
	interval time.Duration
	maxWait  time.Duration
	run      func(ctx context.Context, opts poller.Options) (bool, time.Duration, error)
}

func (s delay) Run(ctx context.Context, e *Env) (*Verdict, error) {
	gen := ident.New("delay")
	t := e.Config.Timing

	// Shared fixture: a sender, a watcher, and a text channel both have
	// joined.
	alice, err := registerOne(ctx, e, gen)
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	bob, err := registerOne(ctx, e, gen)
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	serverID, err := createServer(ctx, e, gen, alice.Token)
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	channelID, err := createChannel(ctx, e, gen, alice.Token, serverID, "text")
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	if err := e.do(ctx, opJoin, func(ctx context.Context) error {
		return e.Client.JoinRoom(ctx, bob.Token, channelID)
	}); err != nil {
		return nil, fmt.Errorf("delay: join fixture channel: %w", err)
	}

	checks := []timingCheck{
		{
			name:     "message_sync",
			target:   t.MessageSync,
			interval: 50 * time.Millisecond,
			maxWait:  3 * time.Second,
			run: func(ctx context.Context, opts poller.Options) (bool, time.Duration, error) {
				content := "delay " + gen.Next()
				if err := e.sendMessage(ctx, alice.Token, channelID, content); err != nil {
					return false, 0, fmt.Errorf("send: %w", err)
				}
				return poller.WaitFor(ctx, func(ctx context.Context) (bool, error) {
					snap, err := e.Client.Sync(ctx, bob.Token, "")
					if err != nil {
						return false, err
					}
					for _, m := range snap.Messages {
						if m.RoomID == channelID && m.Content == content {
							return true, nil
						}
					}
					return false, nil
				}, opts)
			},
		},
		{
			name:     "server_list",
			target:   t.ServerList,
			interval: 50 * time.Millisecond,
			maxWait:  3 * time.Second,
			run: func(ctx context.Context, opts poller.Options) (bool, time.Duration, error) {
				var newServer string
				if err := e.do(ctx, opCreateServer, func(ctx context.Context) error {
					var err error
					newServer, err = e.Client.CreateServer(ctx, alice.Token, gen.Next())
					return err
				}); err != nil {
					return false, 0, fmt.Errorf("create server: %w", err)
				}
				e.Collector.AddCounter(counterServersCreated, 1)
				return poller.WaitFor(ctx, func(ctx context.Context) (bool, error) {
					rooms, err := e.Client.JoinedRooms(ctx, alice.Token)
					if err != nil {
						return false, err
					}
					for _, r := range rooms {
						if r == newServer {
							return true, nil
						}
					}
					return false, nil
				}, opts)
			},
		},
		{
			name:     "channel_usable",
			target:   t.ChannelUsable,
			interval: 50 * time.Millisecond,
			maxWait:  3 * time.Second,
			run: func(ctx context.Context, opts poller.Options) (bool, time.Duration, error) {
				var newChannel string
				if err := e.do(ctx, opCreateChannel, func(ctx context.Context) error {
					var err error
					newChannel, err = e.Client.CreateChannel(ctx, alice.Token, gen.Next(), serverID, "text")
					return err
				}); err != nil {
					return false, 0, fmt.Errorf("create channel: %w", err)
				}
				e.Collector.AddCounter(counterChannelsCreated, 1)
				// Usable means a send into the fresh channel goes through.
				return poller.WaitFor(ctx, func(ctx context.Context) (bool, error) {
					err := e.Client.SendMessage(ctx, alice.Token, newChannel, "delay ping "+gen.Next())
					if err != nil {
						return false, err
					}
					return true, nil
				}, opts)
			},
		},
		{
			name:     "voice_clear",
			target:   t.VoiceClear,
			interval: 100 * time.Millisecond,
			maxWait:  5 * time.Second,
			run: func(ctx context.Context, opts poller.Options) (bool, time.Duration, error) {
				var voiceID string
				if err := e.do(ctx, opCreateChannel, func(ctx context.Context) error {
					var err error
					voiceID, err = e.Client.CreateChannel(ctx, alice.Token, gen.Next(), serverID, "voice")
					return err
				}); err != nil {
					return false, 0, fmt.Errorf("create voice channel: %w", err)
				}
				e.Collector.AddCounter(counterChannelsCreated, 1)
				if err := e.do(ctx, opJoin, func(ctx context.Context) error {
					return e.Client.JoinRoom(ctx, bob.Token, voiceID)
				}); err != nil {
					return false, 0, fmt.Errorf("join voice channel: %w", err)
				}

				inRoster := func(ctx context.Context) (bool, error) {
					participants, err := e.Client.VoiceParticipants(ctx, voiceID)
					if err != nil {
						return false, err
					}
					for _, p := range participants {
						if p == bob.UserID {
							return true, nil
						}
					}
					return false, nil
				}

				// Setup convergence first: the clear can only be measured
				// once the participant is visible.
				present, _, err := poller.WaitFor(ctx, inRoster, opts)
				if err != nil {
					return false, 0, err
				}
				if !present {
					return false, 0, fmt.Errorf("participant never appeared in voice roster")
				}

				if err := e.do(ctx, opLeave, func(ctx context.Context) error {
					return e.Client.LeaveRoom(ctx, bob.Token, voiceID)
				}); err != nil {
					return false, 0, fmt.Errorf("leave voice channel: %w", err)
				}
				return poller.WaitFor(ctx, func(ctx context.Context) (bool, error) {
					found, err := inRoster(ctx)
					return !found && err == nil, err
				}, opts)
			},
		},
		{
			name:    "presence_spread",
			target:  t.PresenceSpread,
			maxWait: 3 * time.Second,
			run: func(ctx context.Context, opts poller.Options) (bool, time.Duration, error) {
				// Park the sender offline so the measured flip is a real
				// state change, not a snapshot replay.
				_ = e.Client.SetPresence(ctx, alice.Token, alice.UserID, "offline")

				watcher, err := agora.NewPresenceWatcher(e.Client.BaseURL(), bob.Token)
				if err != nil {
					return false, 0, err
				}
				if err := watcher.Connect(ctx); err != nil {
					return false, 0, fmt.Errorf("presence stream: %w", err)
				}
				defer watcher.Close()

				if err := e.do(ctx, opSetPresence, func(ctx context.Context) error {
					return e.Client.SetPresence(ctx, alice.Token, alice.UserID, "online")
				}); err != nil {
					return false, 0, fmt.Errorf("set presence: %w", err)
				}
				return watcher.Await(ctx, opts.MaxWait, func(ev agora.PresenceEvent) bool {
					return ev.UserID == alice.UserID && ev.Presence == "online"
				})
			},
		},
	}

	v := &Verdict{Scenario: s.Name(), Pass: true}
	for _, c := range checks {
		if ctx.Err() != nil {
			v.Pass = false
			if v.Reason == "" {
				v.Reason = "interrupted"
			}
			break
		}
		s.measure(ctx, e, v, c)
	}

	v.Operations = e.opStats(opRegister, opCreateServer, opCreateChannel, opJoin, opLeave,
		opSendMessage, opSetPresence,
		"timing_message_sync", "timing_server_list", "timing_channel_usable",
		"timing_voice_clear", "timing_presence_spread")
	return v, nil
}

// measure runs one check, records its convergence time under the
// timing_<check> label, and folds the outcome into the verdict.
func (delay) measure(ctx context.Context, e *Env, v *Verdict, c timingCheck) {
	opts := poller.Options{Interval: c.interval, MaxWait: c.maxWait}
	found, waited, err := c.run(ctx, opts)

	recErr := err
	if recErr == nil && !found {
		recErr = &poller.TimeoutError{What: c.name, Waited: waited}
	}
	e.Collector.Record("timing_"+c.name, waited, recErr)

	res := TimingResult{
		Check:      c.name,
		Found:      found,
		Observed:   waited,
		ObservedMs: float64(waited) / float64(time.Millisecond),
		Target:     c.target,
		TargetMs:   float64(c.target) / float64(time.Millisecond),
	}
	switch {
	case !found && err != nil:
		res.Note = err.Error()
	case !found:
		res.Note = "never observed"
	case c.target > 0 && waited > c.target:
		res.Pass = !e.Config.Timing.Strict
		res.Note = "over target"
	default:
		res.Pass = true
	}
	if !res.Pass && v.Pass {
		v.Pass = false
		v.Reason = fmt.Sprintf("timing check %s failed", c.name)
	}
	if res.Note != "" {
		e.logger().Warn("timing check",
			zap.String("check", c.name),
			zap.Bool("found", found),
			zap.Duration("observed", waited),
			zap.Duration("target", c.target),
			zap.String("note", res.Note))
	}
	v.Timings = append(v.Timings, res)
}
