package scenario

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agora-im/pelt/internal/ident"
)

// registerStorm registers a batch of unique accounts concurrently, each
// verified by an immediate login.
type registerStorm struct{}

func (registerStorm) Name() string { return "register_storm" }

func (s registerStorm) Run(ctx context.Context, e *Env) (*Verdict, error) {
	cfg := e.Config.Scenarios.RegisterStorm
	gen := ident.New("lt")

	res := e.newRunner(cfg.Concurrency, 0).Run(ctx, cfg.Units, func(ctx context.Context, i int) error {
		username := gen.Next()
		if err := e.do(ctx, opRegister, func(ctx context.Context) error {
			_, err := e.Client.Register(ctx, username, accountPassword)
			return err
		}); err != nil {
			return err
		}
		e.Collector.AddCounter(counterAccountsRegistered, 1)

		return e.do(ctx, opLogin, func(ctx context.Context) error {
			_, err := e.Client.Login(ctx, username, accountPassword)
			return err
		})
	})

	v := batchVerdict(s.Name(), res)
	v.Operations = e.opStats(opRegister, opLogin)
	return v, nil
}

// creationStorm creates servers concurrently from a small creator pool,
// one text channel per server, then verifies each creator eventually sees
// its server listed.
type creationStorm struct{}

func (creationStorm) Name() string { return "creation_storm" }

func (s creationStorm) Run(ctx context.Context, e *Env) (*Verdict, error) {
	cfg := e.Config.Scenarios.CreationStorm
	gen := ident.New("lt")

	poolSize := cfg.Concurrency
	if poolSize <= 0 || poolSize > cfg.Units {
		poolSize = cfg.Units
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	pool, err := registerAccounts(ctx, e, gen, poolSize)
	if err != nil {
		return nil, fmt.Errorf("creation storm: %w", err)
	}

	type created struct {
		serverID string
		token    string
	}
	var mu sync.Mutex
	var made []created

	res := e.newRunner(cfg.Concurrency, 0).Run(ctx, cfg.Units, func(ctx context.Context, i int) error {
		cred, err := pool.Checkout(ctx)
		if err != nil {
			return err
		}
		defer pool.Checkin(cred)

		var serverID string
		if err := e.do(ctx, opCreateServer, func(ctx context.Context) error {
			var err error
			serverID, err = e.Client.CreateServer(ctx, cred.Token, gen.Next())
			return err
		}); err != nil {
			return err
		}
		e.Collector.AddCounter(counterServersCreated, 1)

		if err := e.do(ctx, opCreateChannel, func(ctx context.Context) error {
			_, err := e.Client.CreateChannel(ctx, cred.Token, gen.Next(), serverID, "text")
			return err
		}); err != nil {
			return err
		}
		e.Collector.AddCounter(counterChannelsCreated, 1)

		mu.Lock()
		made = append(made, created{serverID: serverID, token: cred.Token})
		mu.Unlock()
		return nil
	})

	v := batchVerdict(s.Name(), res)

	// made is stable after the batch barrier.
	var missing int64
	if len(made) > 0 && ctx.Err() == nil {
		e.newRunner(cfg.Concurrency, 0).Run(ctx, len(made), func(ctx context.Context, i int) error {
			entry := made[i]
			found, err := e.waitVerify(ctx, opVerifyServerListed, "created server in room list", e.pollOpts(),
				func(ctx context.Context) (bool, error) {
					rooms, err := e.Client.JoinedRooms(ctx, entry.token)
					if err != nil {
						return false, err
					}
					for _, r := range rooms {
						if r == entry.serverID {
							return true, nil
						}
					}
					return false, nil
				})
			if !found {
				atomic.AddInt64(&missing, 1)
				return err
			}
			return nil
		})
	}
	if n := atomic.LoadInt64(&missing); n > 0 {
		v.Pass = false
		if v.Reason == "" {
			v.Reason = fmt.Sprintf("%d of %d servers never listed", n, len(made))
		}
	}

	v.Operations = e.opStats(opRegister, opCreateServer, opCreateChannel, opVerifyServerListed)
	return v, nil
}
