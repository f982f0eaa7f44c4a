// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/fenilsonani/mailrules/internal/provider"
)

// Forwarded records one Forward call.
type Forwarded struct {
	ID string
	To string
}

// Client is a thread-safe fake mailbox.
type Client struct {
	mu sync.Mutex

	messages map[string]*provider.Message
	limit    int

	// failures maps a message id to the error every call touching it returns.
	failures map[string]error
	// queued errors are returned, in order, by the next calls of any kind.
	queued []error

	// stalls is how many upcoming Modify calls hang until their ctx ends.
	stalls int

	forwarded  []Forwarded
	modifies   int
	batchCalls [][]string
	closed     bool
}

// New creates a fake with the given messages and a batch limit of 100.
func New(msgs ...*provider.Message) *Client {
	c := &Client{
		messages: make(map[string]*provider.Message),
		failures: make(map[string]error),
		limit:    100,
	}
	for _, m := range msgs {
		c.Add(m)
	}
	return c
}

// Add stores a copy of m.
func (c *Client) Add(m *provider.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *m
	cp.Labels = slices.Clone(m.Labels)
	c.messages[m.ID] = &cp
}

// SetBatchLimit changes BatchLimit.
func (c *Client) SetBatchLimit(n int) {
	c.mu.Lock()
	c.limit = n
	c.mu.Unlock()
}

// FailID makes every operation on id return err.
func (c *Client) FailID(id string, err error) {
	c.mu.Lock()
	c.failures[id] = err
	c.mu.Unlock()
}

// QueueError makes the next call return err. Calls consume queued errors
// in order before doing any work.
func (c *Client) QueueError(errs ...error) {
	c.mu.Lock()
	c.queued = append(c.queued, errs...)
	c.mu.Unlock()
}

// Message returns a copy of the stored message.
func (c *Client) Message(id string) (provider.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[id]
	if !ok {
		return provider.Message{}, false
	}
	cp := *m
	cp.Labels = slices.Clone(m.Labels)
	return cp, true
}

// Forwarded returns the Forward calls made so far.
func (c *Client) Forwarded() []Forwarded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.forwarded)
}

// Modifies returns the number of successful single Modify calls.
func (c *Client) Modifies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modifies
}

// BatchCalls returns the ids of every BatchModify call.
func (c *Client) BatchCalls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.batchCalls))
	for i, ids := range c.batchCalls {
		out[i] = slices.Clone(ids)
	}
	return out
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) popQueued() error {
	if len(c.queued) == 0 {
		return nil
	}
	err := c.queued[0]
	c.queued = c.queued[1:]
	return err
}

func (c *Client) lookup(id string) (*provider.Message, error) {
	if err, ok := c.failures[id]; ok {
		return nil, err
	}
	m, ok := c.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrMessageNotFound, id)
	}
	return m, nil
}

func (c *Client) ListMessages(ctx context.Context, opts provider.ListOptions) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popQueued(); err != nil {
		return nil, err
	}

	var msgs []*provider.Message
	for _, m := range c.messages {
		if opts.Label != "" && !slices.Contains(m.Labels, opts.Label) {
			continue
		}
		if !opts.Since.IsZero() && m.ReceivedAt.Before(opts.Since) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if opts.Limit > 0 && len(ids) >= opts.Limit {
			break
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*provider.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popQueued(); err != nil {
		return nil, err
	}
	m, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	cp := *m
	cp.Labels = slices.Clone(m.Labels)
	return &cp, nil
}

// StallModify makes the next n Modify calls block until their context ends,
// as a provider that stops answering would.
func (c *Client) StallModify(n int) {
	c.mu.Lock()
	c.stalls += n
	c.mu.Unlock()
}

func (c *Client) stall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stalls == 0 {
		return false
	}
	c.stalls--
	return true
}

func (c *Client) Modify(ctx context.Context, id string, mod provider.Modification) error {
	if c.stall() {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.popQueued(); err != nil {
		return err
	}
	if err := c.apply(id, mod); err != nil {
		return err
	}
	c.modifies++
	return nil
}

func (c *Client) apply(id string, mod provider.Modification) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	m.Labels, m.IsRead = mod.Apply(m.Labels, m.IsRead)
	return nil
}

func (c *Client) BatchModify(ctx context.Context, ids []string, mod provider.Modification) ([]provider.ItemResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popQueued(); err != nil {
		return nil, err
	}
	if len(ids) > c.limit {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(ids), c.limit)
	}

	c.batchCalls = append(c.batchCalls, slices.Clone(ids))
	results := make([]provider.ItemResult, len(ids))
	for i, id := range ids {
		results[i] = provider.ItemResult{ID: id, Err: c.apply(id, mod)}
	}
	return results, nil
}

func (c *Client) Forward(ctx context.Context, id, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popQueued(); err != nil {
		return err
	}
	if _, err := c.lookup(id); err != nil {
		return err
	}
	c.forwarded = append(c.forwarded, Forwarded{ID: id, To: to})
	return nil
}

func (c *Client) BatchLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Factory returns the same client for every owner and records which owners
// asked for one.
type Factory struct {
	mu      sync.Mutex
	clients map[string]*Client
	Default *Client
	err     error
	asked   []string
}

// NewFactory creates a factory handing out def for unknown owners.
func NewFactory(def *Client) *Factory {
	return &Factory{clients: make(map[string]*Client), Default: def}
}

// Set assigns a dedicated client to ownerID.
func (f *Factory) Set(ownerID string, c *Client) {
	f.mu.Lock()
	f.clients[ownerID] = c
	f.mu.Unlock()
}

// Fail makes ClientFor return err.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Asked returns the owners ClientFor was called with.
func (f *Factory) Asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.asked)
}

// ClientFor implements the client resolver used by the service and outbox.
func (f *Factory) ClientFor(ctx context.Context, ownerID string) (provider.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, ownerID)
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.clients[ownerID]; ok {
		return c, nil
	}
	if f.Default == nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrAccountNotFound, ownerID)
	}
	return f.Default, nil
}
