package scenario

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/ident"
)

// mixed keeps a fixed set of workers looping until a wall-clock deadline,
// each picking an action uniformly at random against a shared server and
// channel. Every worker owns a private account, rand, join flag, and sync
// cursor, so no state is shared between workers.
type mixed struct{}

func (mixed) Name() string { return "mixed" }

const (
	actionSend = iota
	actionListRooms
	actionSync
	actionJoin
	actionLeave
	actionCreateChannel
	actionSetPresence
	actionCount
)

var presenceStates = []string{"online", "unavailable", "offline"}

type workerState struct {
	cred   agora.Credentials
	rng    *rand.Rand
	joined bool
	since  string
}

func (s mixed) Run(ctx context.Context, e *Env) (*Verdict, error) {
	cfg := e.Config.Scenarios.Mixed
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	dur := cfg.Duration
	if dur <= 0 {
		dur = time.Second
	}

	gen := ident.New("lt")
	owner, err := registerOne(ctx, e, gen)
	if err != nil {
		return nil, fmt.Errorf("mixed: %w", err)
	}
	serverID, err := createServer(ctx, e, gen, owner.Token)
	if err != nil {
		return nil, fmt.Errorf("mixed: %w", err)
	}
	channelID, err := createChannel(ctx, e, gen, owner.Token, serverID, "text")
	if err != nil {
		return nil, fmt.Errorf("mixed: %w", err)
	}

	pool, err := registerAccounts(ctx, e, gen, workers)
	if err != nil {
		return nil, fmt.Errorf("mixed: %w", err)
	}

	seed := e.Config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	states := make([]*workerState, workers)
	for w := 0; w < workers; w++ {
		cred, ok := pool.At(w)
		if !ok {
			return nil, fmt.Errorf("mixed: account pool smaller than worker count")
		}
		states[w] = &workerState{
			cred: cred,
			rng:  rand.New(rand.NewSource(seed + int64(w))),
		}
	}

	// Pre-join every worker so sends are well-formed from the first pick.
	for _, st := range states {
		if err := st.join(ctx, e, channelID); err != nil {
			return nil, fmt.Errorf("mixed: pre-join: %w", err)
		}
	}

	res := e.newRunner(workers, 0).RunFor(ctx, dur, func(ctx context.Context, worker int) error {
		return states[worker].step(ctx, e, gen, serverID, channelID)
	})

	v := batchVerdict(s.Name(), res)
	if res.Requested == 0 {
		v.Pass = false
		v.Reason = "deadline elapsed before any iteration ran"
	}
	v.Operations = e.opStats(opRegister, opCreateServer, opCreateChannel,
		opJoin, opLeave, opSendMessage, opListRooms, opSync, opSetPresence)
	return v, nil
}

// step performs one randomly picked action. A leave or send picked while
// the worker is out of the room substitutes a join, keeping every call
// well-formed.
func (st *workerState) step(ctx context.Context, e *Env, gen *ident.Generator, serverID, channelID string) error {
	switch st.rng.Intn(actionCount) {
	case actionSend:
		if !st.joined {
			return st.join(ctx, e, channelID)
		}
		return e.sendMessage(ctx, st.cred.Token, channelID, "mixed "+gen.Next())

	case actionListRooms:
		return e.do(ctx, opListRooms, func(ctx context.Context) error {
			_, err := e.Client.JoinedRooms(ctx, st.cred.Token)
			return err
		})

	case actionSync:
		return e.do(ctx, opSync, func(ctx context.Context) error {
			snap, err := e.Client.Sync(ctx, st.cred.Token, st.since)
			if err != nil {
				return err
			}
			st.since = snap.NextBatch
			return nil
		})

	case actionJoin:
		return st.join(ctx, e, channelID)

	case actionLeave:
		if !st.joined {
			return st.join(ctx, e, channelID)
		}
		err := e.do(ctx, opLeave, func(ctx context.Context) error {
			return e.Client.LeaveRoom(ctx, st.cred.Token, channelID)
		})
		if err == nil {
			st.joined = false
		}
		return err

	case actionCreateChannel:
		err := e.do(ctx, opCreateChannel, func(ctx context.Context) error {
			_, err := e.Client.CreateChannel(ctx, st.cred.Token, gen.Next(), serverID, "text")
			return err
		})
		if err == nil {
			e.Collector.AddCounter(counterChannelsCreated, 1)
		}
		return err

	case actionSetPresence:
		presence := presenceStates[st.rng.Intn(len(presenceStates))]
		return e.do(ctx, opSetPresence, func(ctx context.Context) error {
			return e.Client.SetPresence(ctx, st.cred.Token, st.cred.UserID, presence)
		})
	}
	return nil
}

func (st *workerState) join(ctx context.Context, e *Env, channelID string) error {
	err := e.do(ctx, opJoin, func(ctx context.Context) error {
		return e.Client.JoinRoom(ctx, st.cred.Token, channelID)
	})
	if err == nil {
		st.joined = true
	}
	return err
}
