// Package accounts hands provisioned credentials out to scenario workers.
package accounts

import (
	"context"
	"errors"
	"sync"

	"github.com/agora-im/pelt/internal/agora"
)

// ErrEmpty is returned when the pool was provisioned with no accounts.
var ErrEmpty = errors.New("accounts: empty pool")

// Pool holds the accounts a scenario provisioned. Workers address accounts
// two ways: At for stable modulo indexing (cheap, shareable sessions) and
// Checkout/Checkin when a worker needs an account no sibling is using.
type Pool struct {
	mu   sync.Mutex
	all  []agora.Credentials
	idle chan agora.Credentials
}

// New builds a pool over the provisioned accounts.
func New(creds []agora.Credentials) *Pool {
	idle := make(chan agora.Credentials, len(creds))
	for _, c := range creds {
		idle <- c
	}
	return &Pool{
		all:  append([]agora.Credentials(nil), creds...),
		idle: idle,
	}
}

// Len reports how many accounts the pool holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// At returns the account at index i modulo the pool size. The mapping is
// stable for the lifetime of the pool.
func (p *Pool) At(i int) (agora.Credentials, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.all) == 0 {
		return agora.Credentials{}, false
	}
	if i < 0 {
		i = -i
	}
	return p.all[i%len(p.all)], true
}

// Checkout hands out an account for exclusive use, blocking until one is
// idle or ctx ends. Callers must Checkin when done.
func (p *Pool) Checkout(ctx context.Context) (agora.Credentials, error) {
	if p.Len() == 0 {
		return agora.Credentials{}, ErrEmpty
	}
	select {
	case c := <-p.idle:
		return c, nil
	case <-ctx.Done():
		return agora.Credentials{}, ctx.Err()
	}
}

// Checkin returns a checked-out account to the idle set.
func (p *Pool) Checkin(c agora.Credentials) {
	select {
	case p.idle <- c:
	default:
		// Double checkin; the account is already idle.
	}
}

// Tokens lists every account's access token in provisioning order.
func (p *Pool) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens := make([]string, 0, len(p.all))
	for _, c := range p.all {
		tokens = append(tokens, c.Token)
	}
	return tokens
}

// UserIDs lists every account's user id in provisioning order.
func (p *Pool) UserIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.all))
	for _, c := range p.all {
		ids = append(ids, c.UserID)
	}
	return ids
}
