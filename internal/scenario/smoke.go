package scenario

import (
	"context"
	"fmt"

	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/ident"
)

// smoke walks the happy path once, sequentially: health, two accounts, a
// server with a text channel, a short conversation, and a sync convergence
// check on the last message. Any step failing fails the scenario.
type smoke struct{}

func (smoke) Name() string { return "smoke" }

func (s smoke) Run(ctx context.Context, e *Env) (*Verdict, error) {
	gen := ident.New("smoke")
	msgs := e.Config.Scenarios.Smoke.Messages
	if msgs <= 0 {
		msgs = 1
	}

	touched := []string{
		opHealth, opRegister, opLogin, opCreateServer, opCreateChannel,
		opJoin, opSendMessage, opVerifyMessageSynced,
	}
	fail := func(step string, err error) (*Verdict, error) {
		return &Verdict{
			Scenario:   s.Name(),
			Pass:       false,
			Reason:     fmt.Sprintf("%s: %v", step, err),
			Operations: e.opStats(touched...),
		}, nil
	}

	if err := e.do(ctx, opHealth, func(ctx context.Context) error {
		return e.Client.Health(ctx)
	}); err != nil {
		return fail("health", err)
	}

	register := func(ctx context.Context) (agora.Credentials, error) {
		username := gen.Next()
		var cred agora.Credentials
		err := e.do(ctx, opRegister, func(ctx context.Context) error {
			var err error
			cred, err = e.Client.Register(ctx, username, accountPassword)
			return err
		})
		if err == nil {
			e.Collector.AddCounter(counterAccountsRegistered, 1)
		}
		return cred, err
	}

	alice, err := register(ctx)
	if err != nil {
		return fail("register first account", err)
	}
	bob, err := register(ctx)
	if err != nil {
		return fail("register second account", err)
	}

	if err := e.do(ctx, opLogin, func(ctx context.Context) error {
		_, err := e.Client.Login(ctx, alice.Username, accountPassword)
		return err
	}); err != nil {
		return fail("login", err)
	}

	var serverID string
	if err := e.do(ctx, opCreateServer, func(ctx context.Context) error {
		var err error
		serverID, err = e.Client.CreateServer(ctx, alice.Token, gen.Next())
		return err
	}); err != nil {
		return fail("create server", err)
	}
	e.Collector.AddCounter(counterServersCreated, 1)

	var channelID string
	if err := e.do(ctx, opCreateChannel, func(ctx context.Context) error {
		var err error
		channelID, err = e.Client.CreateChannel(ctx, alice.Token, gen.Next(), serverID, "text")
		return err
	}); err != nil {
		return fail("create channel", err)
	}
	e.Collector.AddCounter(counterChannelsCreated, 1)

	for _, room := range []string{serverID, channelID} {
		room := room
		if err := e.do(ctx, opJoin, func(ctx context.Context) error {
			return e.Client.JoinRoom(ctx, bob.Token, room)
		}); err != nil {
			return fail("join", err)
		}
	}

	var lastContent string
	for i := 0; i < msgs; i++ {
		fromAlice := fmt.Sprintf("smoke %s %d", alice.Username, i)
		if err := e.sendMessage(ctx, alice.Token, channelID, fromAlice); err != nil {
			return fail("send message", err)
		}
		fromBob := fmt.Sprintf("smoke %s %d", bob.Username, i)
		if err := e.sendMessage(ctx, bob.Token, channelID, fromBob); err != nil {
			return fail("send message", err)
		}
		lastContent = fromBob
	}

	found, err := e.waitVerify(ctx, opVerifyMessageSynced, "last smoke message in sync", e.pollOpts(),
		func(ctx context.Context) (bool, error) {
			snap, err := e.Client.Sync(ctx, alice.Token, "")
			if err != nil {
				return false, err
			}
			for _, m := range snap.Messages {
				if m.RoomID == channelID && m.Content == lastContent {
					return true, nil
				}
			}
			return false, nil
		})
	if !found {
		return fail("sync convergence", err)
	}

	return &Verdict{Scenario: s.Name(), Pass: true, Operations: e.opStats(touched...)}, nil
}
