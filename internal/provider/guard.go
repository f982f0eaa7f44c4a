package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fenilsonani/mailrules/internal/resilience"
)

// GuardConfig configures per-owner throttling and circuit breaking.
type GuardConfig struct {
	// RatePerSecond is the sustained provider call rate per owner (0 = unlimited).
	RatePerSecond float64
	Burst         int
	// MaxWait is how long a call may wait for a token before it is
	// reported as rate limited instead.
	MaxWait time.Duration
	Breaker resilience.Config
	// OnStateChange is called when an owner's circuit changes state.
	OnStateChange func(ownerID string, from, to resilience.State)
}

// Guard throttles and circuit-breaks provider calls per owner so one
// misbehaving mailbox cannot starve the others.
type Guard struct {
	cfg      GuardConfig
	breakers *resilience.BreakerRegistry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuard creates a guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	g := &Guard{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
	g.breakers = resilience.NewBreakerRegistry(func(ownerID string) resilience.Config {
		bc := cfg.Breaker
		bc.Name = ownerID
		bc.IsFailure = countsAgainstCircuit
		bc.OnStateChange = cfg.OnStateChange
		return bc
	})
	return g
}

// Wrap returns c with ownerID's limiter and breaker applied to every call.
func (g *Guard) Wrap(ownerID string, c Client) Client {
	return &guardedClient{guard: g, owner: ownerID, next: c}
}

// States returns each owner's circuit state.
func (g *Guard) States() map[string]resilience.State {
	return g.breakers.States()
}

func (g *Guard) limiter(ownerID string) *rate.Limiter {
	if g.cfg.RatePerSecond <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[ownerID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst)
		g.limiters[ownerID] = l
	}
	return l
}

// do waits for ownerID's rate budget (at most MaxWait) and runs fn through
// the owner's breaker.
func (g *Guard) do(ctx context.Context, ownerID, op string, fn func(ctx context.Context) error) error {
	if l := g.limiter(ownerID); l != nil {
		res := l.Reserve()
		if !res.OK() {
			return &RateLimitedError{Err: fmt.Errorf("%s: burst exceeded", op)}
		}
		if delay := res.Delay(); delay > 0 {
			if delay > g.cfg.MaxWait {
				res.Cancel()
				return &RateLimitedError{RetryAfter: delay, Err: fmt.Errorf("%s: local rate limit", op)}
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Cancel()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	err := g.breakers.Get(ownerID).Execute(ctx, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%s for owner %s: %w", op, ownerID, err)
	}
	return err
}

type guardedClient struct {
	guard *Guard
	owner string
	next  Client
}

func (c *guardedClient) ListMessages(ctx context.Context, opts ListOptions) (ids []string, err error) {
	err = c.guard.do(ctx, c.owner, "list", func(ctx context.Context) error {
		ids, err = c.next.ListMessages(ctx, opts)
		return err
	})
	return ids, err
}

func (c *guardedClient) GetMessage(ctx context.Context, id string) (msg *Message, err error) {
	err = c.guard.do(ctx, c.owner, "get", func(ctx context.Context) error {
		msg, err = c.next.GetMessage(ctx, id)
		return err
	})
	return msg, err
}

func (c *guardedClient) Modify(ctx context.Context, id string, mod Modification) error {
	return c.guard.do(ctx, c.owner, "modify", func(ctx context.Context) error {
		return c.next.Modify(ctx, id, mod)
	})
}

func (c *guardedClient) BatchModify(ctx context.Context, ids []string, mod Modification) (results []ItemResult, err error) {
	err = c.guard.do(ctx, c.owner, "batch_modify", func(ctx context.Context) error {
		results, err = c.next.BatchModify(ctx, ids, mod)
		return err
	})
	return results, err
}

func (c *guardedClient) Forward(ctx context.Context, id, to string) error {
	return c.guard.do(ctx, c.owner, "forward", func(ctx context.Context) error {
		return c.next.Forward(ctx, id, to)
	})
}

func (c *guardedClient) BatchLimit() int { return c.next.BatchLimit() }

func (c *guardedClient) Close() error { return c.next.Close() }
