package scenario

import (
	"context"
	"fmt"

	"github.com/agora-im/pelt/internal/ident"
)

// churn runs join-then-leave units against one provisioned channel from a
// small account pool, then verifies membership settles back to its
// pre-churn baseline.
type churn struct{}

func (churn) Name() string { return "churn" }

func (s churn) Run(ctx context.Context, e *Env) (*Verdict, error) {
	cfg := e.Config.Scenarios.Churn
	gen := ident.New("lt")

	owner, err := registerOne(ctx, e, gen)
	if err != nil {
		return nil, fmt.Errorf("churn: %w", err)
	}
	serverID, err := createServer(ctx, e, gen, owner.Token)
	if err != nil {
		return nil, fmt.Errorf("churn: %w", err)
	}
	channelID, err := createChannel(ctx, e, gen, owner.Token, serverID, "text")
	if err != nil {
		return nil, fmt.Errorf("churn: %w", err)
	}

	nAccounts := cfg.Accounts
	if nAccounts <= 0 {
		nAccounts = cfg.Concurrency
	}
	if nAccounts <= 0 {
		nAccounts = 1
	}
	pool, err := registerAccounts(ctx, e, gen, nAccounts)
	if err != nil {
		return nil, fmt.Errorf("churn: %w", err)
	}

	// Baseline membership before any churn. An observation, not workload.
	baseline, err := e.Client.RoomMembers(ctx, owner.Token, channelID)
	if err != nil {
		return nil, fmt.Errorf("churn baseline: %w", err)
	}

	res := e.newRunner(cfg.Concurrency, 0).Run(ctx, cfg.Units, func(ctx context.Context, i int) error {
		cred, err := pool.Checkout(ctx)
		if err != nil {
			return err
		}
		defer pool.Checkin(cred)

		joinErr := e.do(ctx, opJoin, func(ctx context.Context) error {
			return e.Client.JoinRoom(ctx, cred.Token, channelID)
		})
		// The leave is attempted regardless of the join outcome so every
		// join metric has a paired leave metric.
		leaveErr := e.do(ctx, opLeave, func(ctx context.Context) error {
			return e.Client.LeaveRoom(ctx, cred.Token, channelID)
		})
		if joinErr != nil {
			return joinErr
		}
		return leaveErr
	})

	v := batchVerdict(s.Name(), res)

	found, _ := e.waitVerify(ctx, opVerifyMembershipSettled, "membership back to baseline", e.pollOpts(),
		func(ctx context.Context) (bool, error) {
			members, err := e.Client.RoomMembers(ctx, owner.Token, channelID)
			if err != nil {
				return false, err
			}
			return len(members) == len(baseline), nil
		})
	if !found {
		v.Pass = false
		if v.Reason == "" {
			v.Reason = "membership never settled to baseline"
		}
	}

	v.Operations = e.opStats(opRegister, opCreateServer, opCreateChannel, opJoin, opLeave, opVerifyMembershipSettled)
	return v, nil
}
