package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fenilsonani/mailrules/internal/audit"
	"github.com/fenilsonani/mailrules/internal/logging"
	"github.com/fenilsonani/mailrules/internal/metrics"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/resilience"
)

var errStaleClaim = errors.New("claim expired before the action finished")

// Handler runs one claimed action against the owner's provider client.
type Handler interface {
	Handle(ctx context.Context, client provider.Client, a *Action) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, client provider.Client, a *Action) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, client provider.Client, a *Action) error {
	return f(ctx, client, a)
}

// Notifier wakes processors in other processes when work is enqueued.
type Notifier interface {
	Notify(ctx context.Context) error
	// Wait blocks until a notification arrives or timeout passes. It reports
	// whether it was woken.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config configures the processor.
type Config struct {
	// Workers bounds how many owners are processed concurrently.
	Workers int
	// BatchSize is the claim size of background runs.
	BatchSize  int
	MaxRetries int
	Backoff    resilience.Backoff
	// ActionTimeout bounds one provider action.
	ActionTimeout time.Duration
	PollInterval  time.Duration
	// StaleAfter is how long a row may stay processing before the sweep
	// takes it back.
	StaleAfter time.Duration
	// MaxAge fails rows older than this instead of retrying them.
	MaxAge time.Duration
	// Retention is how long completed and failed rows are kept.
	Retention           time.Duration
	MaintenanceInterval time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		BatchSize:           50,
		MaxRetries:          3,
		Backoff:             resilience.DefaultBackoff(),
		ActionTimeout:       30 * time.Second,
		PollInterval:        5 * time.Second,
		StaleAfter:          10 * time.Minute,
		MaxAge:              72 * time.Hour,
		Retention:           7 * 24 * time.Hour,
		MaintenanceInterval: 5 * time.Minute,
	}
}

// Result counts what one run did.
type Result struct {
	Claimed   int
	Completed int
	Retried   int
	Deferred  int
	Failed    int
	// Lost counts rows whose claim was taken over before they finished.
	Lost int
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Claimed += o.Claimed
	r.Completed += o.Completed
	r.Retried += o.Retried
	r.Deferred += o.Deferred
	r.Failed += o.Failed
	r.Lost += o.Lost
}

func (r *Result) record(ev Event) {
	switch ev {
	case EventSucceed:
		r.Completed++
	case EventRetry:
		r.Retried++
	case EventDefer:
		r.Deferred++
	case EventFail:
		r.Failed++
	}
}

// Stats are the processor totals since start plus the current row counts.
type Stats struct {
	Totals Result
	Counts map[Status]int
}

// Processor drains the outbox. Several processors, in one or many
// processes, may run against the same database.
type Processor struct {
	store    *Store
	resolver provider.Resolver
	handler  Handler
	cfg      Config
	policy   Policy
	logger   *logging.Logger
	audit    *audit.Logger
	notifier Notifier
	now      func() time.Time

	wake chan struct{}

	mu     sync.Mutex
	totals Result

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a processor. Rows are run by handler against the
// client resolver returns for the row's owner.
func NewProcessor(store *Store, resolver provider.Resolver, handler Handler, cfg Config, logger *logging.Logger) *Processor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Processor{
		store:    store,
		resolver: resolver,
		handler:  handler,
		cfg:      cfg,
		policy:   Policy{MaxRetries: cfg.MaxRetries, MaxAge: cfg.MaxAge},
		logger:   logger.Outbox(),
		now:      func() time.Time { return time.Now().UTC() },
		wake:     make(chan struct{}, 1),
	}
}

// WithAudit records terminal transitions in the audit log.
func (p *Processor) WithAudit(l *audit.Logger) *Processor {
	p.audit = l
	return p
}

// WithNotifier makes the background loop wait on n between runs.
func (p *Processor) WithNotifier(n Notifier) *Processor {
	p.notifier = n
	return p
}

// Notify wakes the background loop of this processor and, through the
// notifier, of processors elsewhere.
func (p *Processor) Notify(ctx context.Context) {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx); err != nil {
			p.logger.WarnContext(ctx, "Failed to publish outbox notification", "error", err.Error())
		}
	}
}

// ProcessPendingActions claims up to maxBatch due rows and runs them. Rows
// of one owner run in order on one client; owners run concurrently up to
// Workers. Once ctx is cancelled no row is started: claimed rows that did
// not start are released without consuming a retry, and rows already
// running finish under ActionTimeout.
func (p *Processor) ProcessPendingActions(ctx context.Context, maxBatch int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if maxBatch <= 0 {
		maxBatch = p.cfg.BatchSize
	}

	claimed, err := p.store.Claim(ctx, maxBatch)
	if err != nil {
		metrics.RecordError("outbox", "claim")
		return Result{}, err
	}
	res := Result{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return res, nil
	}
	for range claimed {
		metrics.RecordTransition(string(StatusProcessing))
	}

	var owners []string
	byOwner := make(map[string][]*Action)
	for _, a := range claimed {
		if _, ok := byOwner[a.OwnerID]; !ok {
			owners = append(owners, a.OwnerID)
		}
		byOwner[a.OwnerID] = append(byOwner[a.OwnerID], a)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, owner := range owners {
		actions := byOwner[owner]
		g.Go(func() error {
			r := p.runOwner(ctx, owner, actions)
			mu.Lock()
			res.Add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.totals.Add(res)
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Outbox run finished",
		"claimed", res.Claimed,
		"completed", res.Completed,
		"retried", res.Retried,
		"deferred", res.Deferred,
		"failed", res.Failed,
		"lost", res.Lost,
	)
	return res, nil
}

// runOwner processes the claimed rows of one owner sequentially.
func (p *Processor) runOwner(ctx context.Context, ownerID string, actions []*Action) Result {
	var res Result
	workCtx := logging.WithOwnerID(context.WithoutCancel(ctx), ownerID)

	dialCtx, cancel := context.WithTimeout(workCtx, p.cfg.ActionTimeout)
	client, err := p.resolver.ClientFor(dialCtx, ownerID)
	cancel()
	if err != nil {
		p.logger.ErrorContext(workCtx, "Failed to open provider client", err)
		for _, a := range actions {
			p.finish(workCtx, a, err, &res)
		}
		return res
	}
	defer client.Close()

	for _, a := range actions {
		if ctx.Err() != nil {
			p.release(workCtx, a, &res)
			continue
		}
		if !p.renew(workCtx, a, &res) {
			continue
		}
		err := p.run(workCtx, client, a)
		p.finish(workCtx, a, err, &res)
	}
	return res
}

// renew restarts the stale clock of a row about to run. A row swept and
// reclaimed while it waited is skipped so its action is not repeated.
func (p *Processor) renew(ctx context.Context, a *Action, res *Result) bool {
	err := p.store.Touch(ctx, a)
	if err == nil {
		return true
	}
	ctx = logging.WithActionID(ctx, a.ID)
	if errors.Is(err, ErrClaimLost) {
		p.logger.WarnContext(ctx, "Outbox claim lost before start, action skipped", "type", string(a.Type()))
		res.Lost++
		return false
	}
	p.logger.ErrorContext(ctx, "Failed to renew outbox claim", err)
	metrics.RecordError("outbox", "renew")
	return false
}

// run executes one row, turning a panic into a permanent failure of that row.
func (p *Processor) run(ctx context.Context, client provider.Client, a *Action) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ActionTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = provider.Fatal(string(a.Type()), fmt.Errorf("panic: %v", r))
		}
		metrics.RecordOutboxAction(string(a.Type()), time.Since(start))
	}()
	return p.handler.Handle(ctx, client, a)
}

// finish decides and writes the outcome of a row.
func (p *Processor) finish(ctx context.Context, a *Action, runErr error, res *Result) {
	ev := p.policy.Decide(a, runErr, p.now())
	p.apply(ctx, a, ev, p.delay(a, ev, runErr), runErr, res)
}

// release hands an unstarted row back without consuming a retry.
func (p *Processor) release(ctx context.Context, a *Action, res *Result) {
	p.apply(ctx, a, EventDefer, 0, nil, res)
}

func (p *Processor) delay(a *Action, ev Event, err error) time.Duration {
	switch ev {
	case EventRetry:
		return p.cfg.Backoff.Delay(a.RetryCount + 1)
	case EventDefer:
		if d := provider.RetryAfter(err); d > 0 {
			return d
		}
		if d := p.cfg.Backoff.Delay(a.RetryCount + 1); d > 0 {
			return d
		}
		return time.Second
	default:
		return 0
	}
}

func (p *Processor) apply(ctx context.Context, a *Action, ev Event, delay time.Duration, cause error, res *Result) {
	ctx = logging.WithActionID(ctx, a.ID)
	if a.EmailID != "" {
		ctx = logging.WithEmailID(ctx, a.EmailID)
	}

	if err := p.store.Transition(ctx, a, ev, delay, cause); err != nil {
		if errors.Is(err, ErrClaimLost) {
			p.logger.WarnContext(ctx, "Outbox claim lost, result discarded", "event", ev.String())
			res.Lost++
			return
		}
		p.logger.ErrorContext(ctx, "Failed to record outbox outcome", err, "event", ev.String())
		metrics.RecordError("outbox", "transition")
		return
	}
	res.record(ev)
	metrics.RecordTransition(string(a.Status))

	switch a.Status {
	case StatusCompleted:
		p.logger.InfoContext(ctx, "Outbox action completed", "type", string(a.Type()))
		p.auditTerminal(ctx, a, audit.EventActionCompleted)
	case StatusFailed:
		p.logger.ErrorContext(ctx, "Outbox action failed permanently", cause,
			"type", string(a.Type()), "retry_count", a.RetryCount)
		p.auditTerminal(ctx, a, audit.EventActionFailed)
	default:
		p.logger.WarnContext(ctx, "Outbox action rescheduled",
			"type", string(a.Type()),
			"event", ev.String(),
			"retry_count", a.RetryCount,
			"next_attempt_at", a.NextAttemptAt,
		)
	}
}

func (p *Processor) auditTerminal(ctx context.Context, a *Action, ev audit.EventType) {
	details := map[string]any{
		"owner_id":    a.OwnerID,
		"type":        string(a.Type()),
		"retry_count": a.RetryCount,
	}
	if a.Error != "" {
		details["error"] = a.Error
	}
	if err := p.audit.Log(ctx, audit.ActorSystem, ev, a.ID, details); err != nil {
		p.logger.WarnContext(ctx, "Failed to write audit event", "error", err.Error())
	}
}

// Drain runs ProcessPendingActions until no due row is left or ctx is done.
func (p *Processor) Drain(ctx context.Context) (Result, error) {
	var total Result
	for {
		res, err := p.ProcessPendingActions(ctx, p.cfg.BatchSize)
		total.Add(res)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return total, nil
			}
			return total, err
		}
		if res.Claimed == 0 {
			return total, nil
		}
	}
}

// RecoverStale takes back rows left processing longer than StaleAfter, by a
// crashed or stuck worker. Each consumes a retry or fails when none is left.
func (p *Processor) RecoverStale(ctx context.Context) (Result, error) {
	now := p.now()
	stale, err := p.store.Stale(ctx, now.Add(-p.cfg.StaleAfter))
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, a := range stale {
		ev := p.policy.Stale(a, now)
		p.apply(ctx, a, ev, p.delay(a, ev, nil), errStaleClaim, &res)
		if a.Status == StatusProcessing {
			continue
		}
		metrics.OutboxRecovered.Inc()
		if err := p.audit.Log(ctx, audit.ActorSystem, audit.EventActionRecovered, a.ID,
			map[string]any{"owner_id": a.OwnerID, "status": string(a.Status)}); err != nil {
			p.logger.WarnContext(ctx, "Failed to write audit event", "error", err.Error())
		}
	}
	if len(stale) > 0 {
		p.logger.InfoContext(ctx, "Recovered stale outbox actions", "count", len(stale))
	}
	return res, nil
}

// Cleanup deletes terminal rows older than Retention.
func (p *Processor) Cleanup(ctx context.Context) (int64, error) {
	if p.cfg.Retention <= 0 {
		return 0, nil
	}
	return p.store.Cleanup(ctx, p.now().Add(-p.cfg.Retention))
}

// Stats returns totals since start and the current counts by status.
func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	totals := p.totals
	p.mu.Unlock()

	counts, err := p.store.CountByStatus(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	return Stats{Totals: totals, Counts: counts}, nil
}

// Start runs the processing loop and the maintenance loop in the background.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("Starting outbox processor", "workers", p.cfg.Workers, "batch_size", p.cfg.BatchSize)

	p.wg.Add(2)
	go p.loop(ctx)
	go p.maintenance(ctx)
}

// Stop cancels the loops and waits for in-flight rows to finish.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.logger.Info("Stopping outbox processor")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Outbox processor stopped")
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		res, err := p.ProcessPendingActions(ctx, p.cfg.BatchSize)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "Outbox run failed", err)
		}
		if err == nil && res.Claimed == p.cfg.BatchSize {
			continue
		}
		p.waitForWork(ctx)
	}
}

func (p *Processor) waitForWork(ctx context.Context) {
	if p.notifier != nil {
		// Local wake-ups still count while waiting on the shared notifier.
		select {
		case <-p.wake:
			return
		default:
		}
		if _, err := p.notifier.Wait(ctx, p.cfg.PollInterval); err == nil {
			return
		}
	}

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.wake:
	case <-timer.C:
	}
}

func (p *Processor) maintenance(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

func (p *Processor) maintain(ctx context.Context) {
	if _, err := p.RecoverStale(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Stale recovery failed", err)
	}
	if n, err := p.Cleanup(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Outbox cleanup failed", err)
	} else if n > 0 {
		p.logger.InfoContext(ctx, "Removed old outbox actions", "count", n)
	}

	counts, err := p.store.CountByStatus(ctx, "")
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to count outbox actions", err)
		return
	}
	depth := make(map[string]int, len(counts))
	for st, n := range counts {
		depth[string(st)] = n
	}
	metrics.SetOutboxDepth(depth)
}
