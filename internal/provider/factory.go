package provider

import (
	"context"
	"fmt"
)

// Dialer builds a Client for an account.
type Dialer func(ctx context.Context, account *Account, fwd *Forwarder) (Client, error)

// AccountSource looks up provider accounts by owner.
type AccountSource interface {
	Get(ctx context.Context, ownerID string) (*Account, error)
}

// Resolver returns the Client of an owner.
type Resolver interface {
	ClientFor(ctx context.Context, ownerID string) (Client, error)
}

// Factory resolves the provider Client of an owner. Every client it returns
// is wrapped by the guard, so rate limiting and circuit breaking apply no
// matter which component makes the call.
type Factory struct {
	accounts  AccountSource
	dialers   map[Kind]Dialer
	guard     *Guard
	forwarder *Forwarder
}

// NewFactory creates a factory. guard and forwarder may be nil.
func NewFactory(accounts AccountSource, guard *Guard, forwarder *Forwarder) *Factory {
	return &Factory{
		accounts:  accounts,
		dialers:   make(map[Kind]Dialer),
		guard:     guard,
		forwarder: forwarder,
	}
}

// Register installs the dialer for kind.
func (f *Factory) Register(kind Kind, d Dialer) {
	f.dialers[kind] = d
}

// ClientFor opens a client for ownerID. The caller must Close it.
func (f *Factory) ClientFor(ctx context.Context, ownerID string) (Client, error) {
	account, err := f.accounts.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	dial, ok := f.dialers[account.Kind]
	if !ok {
		return nil, Fatal("dial", fmt.Errorf("%w: no adapter for %q", ErrUnsupported, account.Kind))
	}

	client, err := dial(ctx, account, f.forwarder)
	if err != nil {
		return nil, err
	}
	if f.guard != nil {
		client = f.guard.Wrap(ownerID, client)
	}
	return client, nil
}
