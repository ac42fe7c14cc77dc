package scenario

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agora-im/pelt/internal/config"
)

func TestMessageFloodDeliversEveryRoom(t *testing.T) {
	gw := newStubGateway(t)
	env := newTestEnv(t, gw)

	v, err := messageFlood{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Pass || v.Reason != "" {
		t.Fatalf("verdict = %+v, want clean pass", v)
	}

	cfg := env.Config.Scenarios.Flood
	total := cfg.Rooms * cfg.Messages
	if got := gw.messageCount(); got != total {
		t.Errorf("messages = %d, want %d", got, total)
	}
	if got := env.Collector.Counter(counterMessagesSent); got != int64(total) {
		t.Errorf("messages_sent = %d, want %d", got, total)
	}
	verify := env.Collector.Stats(opVerifyFloodSynced)
	if verify.Count != int64(cfg.Rooms) || verify.Failures != 0 {
		t.Errorf("verify stats = %+v, want one clean check per room", verify)
	}
}

func TestMessageFloodFailsWhenSyncNeverShowsLastMessage(t *testing.T) {
	gw := newStubGateway(t)
	gw.setSyncDelay(time.Minute)
	env := newTestEnv(t, gw)
	env.Config.Poll = config.PollConfig{Interval: 20 * time.Millisecond, MaxWait: 120 * time.Millisecond}

	v, err := messageFlood{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Pass {
		t.Fatal("verdict should fail when no channel shows its last message")
	}
	if !strings.Contains(v.Reason, "missing their last message") {
		t.Errorf("Reason = %q", v.Reason)
	}
	// Sends themselves went through; only visibility lagged.
	if st := env.Collector.Stats(opSendMessage); st.Failures != 0 {
		t.Errorf("send stats = %+v, want no failures", st)
	}
}

func TestMessageFloodHonorsRateCap(t *testing.T) {
	gw := newStubGateway(t)
	env := newTestEnv(t, gw)
	env.Config.Scenarios.Flood = config.FloodConfig{Rooms: 1, Messages: 8, Concurrency: 4, Rate: 5}

	start := time.Now()
	v, err := messageFlood{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Pass {
		t.Fatalf("verdict = %+v", v)
	}
	// The limiter's burst covers the first 5 sends; the remaining 3 pace
	// out at 200ms apiece. Finishing well under that means the cap was
	// ignored.
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("flood finished in %v, rate cap not applied", elapsed)
	}
}
