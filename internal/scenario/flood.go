package scenario

import (
	"context"
	"fmt"

	"github.com/agora-im/pelt/internal/ident"
)

// messageFlood hammers a set of channels with messages from one sender,
// optionally rate-capped, then verifies the last message per channel
// becomes visible through sync.
type messageFlood struct{}

func (messageFlood) Name() string { return "message_flood" }

func (s messageFlood) Run(ctx context.Context, e *Env) (*Verdict, error) {
	cfg := e.Config.Scenarios.Flood
	gen := ident.New("lt")

	rooms := cfg.Rooms
	if rooms <= 0 {
		rooms = 1
	}
	perRoom := cfg.Messages
	if perRoom <= 0 {
		perRoom = 1
	}

	sender, err := registerOne(ctx, e, gen)
	if err != nil {
		return nil, fmt.Errorf("message flood: %w", err)
	}
	serverID, err := createServer(ctx, e, gen, sender.Token)
	if err != nil {
		return nil, fmt.Errorf("message flood: %w", err)
	}
	channels := make([]string, rooms)
	for i := range channels {
		channels[i], err = createChannel(ctx, e, gen, sender.Token, serverID, "text")
		if err != nil {
			return nil, fmt.Errorf("message flood: %w", err)
		}
	}

	// Contents are derived from the unit index so the last message per
	// channel is known without coordination.
	runTag := gen.Next()
	contentFor := func(i int) string {
		return fmt.Sprintf("flood %s #%d", runTag, i)
	}

	total := rooms * perRoom
	res := e.newRunner(cfg.Concurrency, cfg.Rate).Run(ctx, total, func(ctx context.Context, i int) error {
		return e.sendMessage(ctx, sender.Token, channels[i%rooms], contentFor(i))
	})

	v := batchVerdict(s.Name(), res)

	var missing int
	for r := 0; r < rooms && ctx.Err() == nil; r++ {
		room := channels[r]
		want := contentFor(total - rooms + r)
		found, _ := e.waitVerify(ctx, opVerifyFloodSynced, "last flood message in sync", e.pollOpts(),
			func(ctx context.Context) (bool, error) {
				snap, err := e.Client.Sync(ctx, sender.Token, "")
				if err != nil {
					return false, err
				}
				for _, m := range snap.Messages {
					if m.RoomID == room && m.Content == want {
						return true, nil
					}
				}
				return false, nil
			})
		if !found {
			missing++
		}
	}
	if missing > 0 {
		v.Pass = false
		if v.Reason == "" {
			v.Reason = fmt.Sprintf("%d of %d channels missing their last message", missing, rooms)
		}
	}

	v.Operations = e.opStats(opRegister, opCreateServer, opCreateChannel, opSendMessage, opVerifyFloodSynced)
	return v, nil
}
