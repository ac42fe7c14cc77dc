package accounts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agora-im/pelt/internal/agora"
)

func fixedCreds(n int) []agora.Credentials {
	creds := make([]agora.Credentials, n)
	for i := range creds {
		creds[i] = agora.Credentials{
			Username: fmt.Sprintf("user_%d", i),
			UserID:   fmt.Sprintf("@user_%d:x", i),
			Token:    fmt.Sprintf("tok_%d", i),
		}
	}
	return creds
}

func TestAtWrapsAround(t *testing.T) {
	p := New(fixedCreds(3))

	first, ok := p.At(0)
	if !ok || first.Username != "user_0" {
		t.Fatalf("At(0) = %+v, %v", first, ok)
	}
	wrapped, ok := p.At(4)
	if !ok || wrapped.Username != "user_1" {
		t.Errorf("At(4) = %+v, want user_1", wrapped)
	}
	negative, ok := p.At(-2)
	if !ok || negative.Username == "" {
		t.Errorf("At(-2) should still resolve, got %+v", negative)
	}
}

func TestAtEmptyPool(t *testing.T) {
	p := New(nil)
	if _, ok := p.At(0); ok {
		t.Error("empty pool should report no account")
	}
}

func TestCheckoutIsExclusive(t *testing.T) {
	p := New(fixedCreds(2))
	ctx := context.Background()

	a, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	b, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if a.Token == b.Token {
		t.Errorf("both checkouts returned %q", a.Token)
	}
}

func TestCheckoutBlocksUntilCheckin(t *testing.T) {
	p := New(fixedCreds(1))
	ctx := context.Background()

	held, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Checkin(held)
	}()

	start := time.Now()
	got, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if got.Token != held.Token {
		t.Errorf("expected the returned account, got %q", got.Token)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("checkout should have waited for the checkin")
	}
}

func TestCheckoutEmptyPool(t *testing.T) {
	p := New(nil)
	if _, err := p.Checkout(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestCheckoutRespectsContext(t *testing.T) {
	p := New(fixedCreds(1))
	ctx := context.Background()
	if _, err := p.Checkout(ctx); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := p.Checkout(cancelCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestDoubleCheckinDoesNotGrowPool(t *testing.T) {
	p := New(fixedCreds(1))
	c, _ := p.At(0)
	p.Checkin(c)
	p.Checkin(c)
	if p.Len() != 1 {
		t.Errorf("Len = %d, want 1", p.Len())
	}
}

func TestTokensAndUserIDs(t *testing.T) {
	p := New(fixedCreds(3))
	tokens := p.Tokens()
	if len(tokens) != 3 || tokens[2] != "tok_2" {
		t.Errorf("Tokens = %v", tokens)
	}
	ids := p.UserIDs()
	if len(ids) != 3 || ids[0] != "@user_0:x" {
		t.Errorf("UserIDs = %v", ids)
	}
}
