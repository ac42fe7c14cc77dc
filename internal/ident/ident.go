// Package ident generates collision-free names for entities created during a test run.
package ident

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const suffixLen = 4

// Generator produces identifiers of the form <prefix>_<unix>_<index>_<suffix>.
// The index increments per call and the suffix comes from a monotonic ULID,
// so names stay unique across concurrent runs against the same target.
type Generator struct {
	prefix  string
	started int64
	index   int64

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Generator. The prefix should identify the scenario family
// (e.g. "lt", "chaos", "smoke") so leftover entities are recognizable on the
// target after a run.
func New(prefix string) *Generator {
	now := time.Now()
	return &Generator{
		prefix:  prefix,
		started: now.Unix(),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}
}

// Next returns the next unique name. Safe for concurrent use.
func (g *Generator) Next() string {
	idx := atomic.AddInt64(&g.index, 1) - 1

	g.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	g.mu.Unlock()

	raw := strings.ToLower(id.String())
	return fmt.Sprintf("%s_%d_%d_%s", g.prefix, g.started, idx, raw[len(raw)-suffixLen:])
}

// Prefix returns the generator's prefix.
func (g *Generator) Prefix() string {
	return g.prefix
}

// RunID returns a full lowercase ULID for labeling an entire session.
func RunID() string {
	return strings.ToLower(ulid.Make().String())
}
