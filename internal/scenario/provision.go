package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/agora-im/pelt/internal/accounts"
	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/ident"
	"github.com/agora-im/pelt/internal/runner"
)

const (
	provisionAttempts  = 3
	provisionBaseDelay = 200 * time.Millisecond
	provisionMaxDelay  = 2 * time.Second
)

type jitterSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (j *jitterSource) jitter(max time.Duration) time.Duration {
	if j == nil || max <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rnd.Int63n(int64(max)))
}

// provisionPolicy retries transient provisioning failures (transport, 5xx,
// 429) with exponential backoff and jitter. Client rejections are final:
// retrying a 400 reproduces it.
func provisionPolicy() runner.RetryPolicy {
	source := &jitterSource{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}

	return runner.RetryPolicy{
		MaxAttempts: provisionAttempts,
		ShouldRetry: func(err error) bool {
			if agora.IsTransport(err) || agora.IsServerFault(err) {
				return true
			}
			var apiErr *agora.APIError
			return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
		},
		DelayFunc: func(attempt int, _ error) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			backoff := time.Duration(1<<uint(attempt-1)) * provisionBaseDelay
			if backoff > provisionMaxDelay {
				backoff = provisionMaxDelay
			}
			return backoff + source.jitter(backoff/2)
		},
	}
}

// registerOne provisions a fresh account. Each attempt registers under a
// new name so a half-created account can never collide with its own retry.
// Every attempt is recorded as a register operation.
func registerOne(ctx context.Context, e *Env, gen *ident.Generator) (agora.Credentials, error) {
	var cred agora.Credentials
	err := runner.Retry(ctx, provisionPolicy(), func(ctx context.Context) error {
		username := gen.Next()
		return e.do(ctx, opRegister, func(ctx context.Context) error {
			var err error
			cred, err = e.Client.Register(ctx, username, accountPassword)
			return err
		})
	})
	if err != nil {
		return agora.Credentials{}, fmt.Errorf("provision account: %w", err)
	}
	e.Collector.AddCounter(counterAccountsRegistered, 1)
	return cred, nil
}

// registerAccounts provisions n fresh accounts sequentially and returns
// them as a checkout pool.
func registerAccounts(ctx context.Context, e *Env, gen *ident.Generator, n int) (*accounts.Pool, error) {
	creds := make([]agora.Credentials, 0, n)
	for i := 0; i < n; i++ {
		cred, err := registerOne(ctx, e, gen)
		if err != nil {
			return nil, fmt.Errorf("account %d of %d: %w", i+1, n, err)
		}
		creds = append(creds, cred)
	}
	return accounts.New(creds), nil
}

// createServer provisions a server (space) owned by token, retrying
// transient failures under a fresh name.
func createServer(ctx context.Context, e *Env, gen *ident.Generator, token string) (string, error) {
	var serverID string
	err := runner.Retry(ctx, provisionPolicy(), func(ctx context.Context) error {
		name := gen.Next()
		return e.do(ctx, opCreateServer, func(ctx context.Context) error {
			var err error
			serverID, err = e.Client.CreateServer(ctx, token, name)
			return err
		})
	})
	if err != nil {
		return "", fmt.Errorf("provision server: %w", err)
	}
	e.Collector.AddCounter(counterServersCreated, 1)
	return serverID, nil
}

// createChannel provisions a channel of the given kind inside serverID.
func createChannel(ctx context.Context, e *Env, gen *ident.Generator, token, serverID, kind string) (string, error) {
	var channelID string
	err := runner.Retry(ctx, provisionPolicy(), func(ctx context.Context) error {
		name := gen.Next()
		return e.do(ctx, opCreateChannel, func(ctx context.Context) error {
			var err error
			channelID, err = e.Client.CreateChannel(ctx, token, name, serverID, kind)
			return err
		})
	})
	if err != nil {
		return "", fmt.Errorf("provision channel: %w", err)
	}
	e.Collector.AddCounter(counterChannelsCreated, 1)
	return channelID, nil
}
