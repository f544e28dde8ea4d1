// Package pool implements the fixed-size worker pool of sync contexts (C4
// / spec §4.4): a bounded set of pre-built Context values, each bundling
// the two live backends, the two cache backends, the event handler,
// envelope filter, permission mask and dry-run flag for one sync run.
// Contexts are safe for concurrent reads but individually single-writer;
// the pool guarantees serial reuse of any one Context by at most one task.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/envelopediff"
	"github.com/tethermail/tether/internal/events"
	"github.com/tethermail/tether/internal/logging"
	"github.com/tethermail/tether/internal/mml"
)

// Context bundles everything one unit of sync work needs. Unlike the
// teacher's IMAP connection pool, contexts here are not created on demand:
// the caller builds exactly Size of them up front (each wrapping its own
// acquired backend connection where the underlying driver needs one), and
// the pool only arbitrates which task holds which Context at a time.
type Context struct {
	Left, Right           *backend.Backend
	LeftCache, RightCache *backend.Backend

	Events      *events.Bus
	Filter      envelopediff.EnvelopeFilter
	Permissions envelopediff.Permissions
	DryRun      bool

	// Interpreter renders a peeked message into its cache body (C8). Nil
	// means the executor falls back to a plain show-all-headers renderer
	// with no PGP support; a caller that configured PGP for this account
	// pair builds one with mml.New().WithPGP(...) and shares the same
	// pointer across every Context in the pool.
	Interpreter *mml.Interpreter
}

// Config configures the pool.
type Config struct {
	// WaiterTimeout bounds how long Acquire waits for a free Context
	// before giving up.
	WaiterTimeout time.Duration
}

// DefaultConfig mirrors the spec's default pool size of 8 by way of
// however many Context values NewPool is given; the only tunable left
// here is how long a task waits for one.
func DefaultConfig() Config {
	return Config{WaiterTimeout: 2 * time.Minute}
}

// Pool multiplexes tasks across a fixed set of Context values.
type Pool struct {
	config  Config
	mu      sync.Mutex
	free    []*Context
	waiters []chan *Context
	log     zerolog.Logger
}

// NewPool builds a pool over the given pre-built contexts. len(contexts)
// is the pool's concurrency ceiling.
func NewPool(config Config, contexts []*Context) *Pool {
	free := make([]*Context, len(contexts))
	copy(free, contexts)
	return &Pool{
		config: config,
		free:   free,
		log:    logging.WithComponent("sync-pool"),
	}
}

// Acquire checks out a Context, blocking until one is free, ctx is
// cancelled, or the wait times out.
func (p *Pool) Acquire(ctx context.Context) (*Context, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return c, nil
	}

	waiter := make(chan *Context, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case c := <-waiter:
		if c == nil {
			return nil, fmt.Errorf("sync pool closed")
		}
		return c, nil
	case <-ctx.Done():
		p.removeWaiter(waiter)
		return nil, ctx.Err()
	case <-time.After(p.config.WaiterTimeout):
		p.removeWaiter(waiter)
		p.log.Warn().Dur("timeout", p.config.WaiterTimeout).Msg("timed out waiting for a sync context")
		return nil, fmt.Errorf("timed out waiting for a sync context")
	}
}

func (p *Pool) removeWaiter(waiter chan *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns c to the pool, handing it directly to a waiting task if
// one is queued.
func (p *Pool) Release(c *Context) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		waiter <- c
		return
	}
	p.free = append(p.free, c)
}

// Close releases every pending waiter with a closed-pool error. Call once
// the sync run is done (or being aborted) so no task blocks forever.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}

// Exec runs fn against a checked-out Context, always releasing it
// afterward — the closure-over-context submission model from §4.4.
func (p *Pool) Exec(ctx context.Context, fn func(*Context) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}
