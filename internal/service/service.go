// Package service exposes the owner-scoped operations of the rules engine:
// rule management, email processing, bulk actions, outbox draining and
// statistics.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrules/internal/audit"
	"github.com/fenilsonani/mailrules/internal/batch"
	"github.com/fenilsonani/mailrules/internal/engine"
	"github.com/fenilsonani/mailrules/internal/logging"
	"github.com/fenilsonani/mailrules/internal/metrics"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/rules"
	"github.com/fenilsonani/mailrules/internal/validation"
)

// ErrDuplicateEvent is returned by ProcessEmail for an email event already
// processed inside the dedupe window.
var ErrDuplicateEvent = errors.New("email event already processed")

// Deduper remembers processed email events.
type Deduper interface {
	Claim(ctx context.Context, ownerID, emailID string) (bool, error)
	Forget(ctx context.Context, ownerID, emailID string) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Rules      *rules.Store
	Outbox     *outbox.Store
	Executions *audit.ExecutionLog
	Audit      *audit.Logger
	Accounts   *provider.AccountStore
	Resolver   provider.Resolver
	// Dedupe is optional; without it every event is processed.
	Dedupe Deduper
	// Notifier is optional and wakes processors in other processes.
	Notifier outbox.Notifier
	Logger   *logging.Logger
}

// Config configures a Service.
type Config struct {
	Engine engine.Config
	Batch  batch.Config
	Outbox outbox.Config
	// BulkApplyLimit caps the messages one bulk apply row scans.
	BulkApplyLimit int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Engine:         engine.DefaultConfig(),
		Batch:          batch.DefaultConfig(),
		Outbox:         outbox.DefaultConfig(),
		BulkApplyLimit: 1000,
	}
}

// Service implements the exposed operations. Every operation takes the
// owner explicitly and only touches that owner's data.
type Service struct {
	rules     *rules.Store
	outbox    *outbox.Store
	execs     *audit.ExecutionLog
	audit     *audit.Logger
	accounts  *provider.AccountStore
	resolver  provider.Resolver
	dedupe    Deduper
	engine    *engine.Engine
	batch     *batch.Service
	processor *outbox.Processor
	cfg       Config
	logger    *logging.Logger
}

// New wires a Service and its outbox processor.
func New(deps Deps, cfg Config) *Service {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if cfg.BulkApplyLimit <= 0 {
		cfg.BulkApplyLimit = DefaultConfig().BulkApplyLimit
	}

	s := &Service{
		rules:    deps.Rules,
		outbox:   deps.Outbox,
		execs:    deps.Executions,
		audit:    deps.Audit,
		accounts: deps.Accounts,
		resolver: deps.Resolver,
		dedupe:   deps.Dedupe,
		cfg:      cfg,
		logger:   deps.Logger.Service(),
	}
	s.engine = engine.New(deps.Rules, deps.Outbox, deps.Executions, cfg.Engine, deps.Logger)
	s.batch = batch.NewService(cfg.Batch, deps.Logger)
	s.processor = outbox.NewProcessor(deps.Outbox, deps.Resolver, outbox.HandlerFunc(s.handle), cfg.Outbox, deps.Logger).
		WithAudit(deps.Audit)
	if deps.Notifier != nil {
		s.processor.WithNotifier(deps.Notifier)
	}
	return s
}

// Processor returns the outbox processor, for Start and Stop.
func (s *Service) Processor() *outbox.Processor { return s.processor }

func (s *Service) record(ctx context.Context, ownerID string, ev audit.EventType, target string, details map[string]any) {
	if err := s.audit.Log(ctx, ownerID, ev, target, details); err != nil {
		s.logger.WarnContext(ctx, "Failed to write audit event", "event", string(ev), "error", err.Error())
	}
}

func checkOwner(ownerID string) error {
	if err := validation.Owner(ownerID); err != nil {
		return &rules.ValidationError{Field: "owner_id", Reason: err.Error()}
	}
	return nil
}

// bind sets r's owner, rejecting a rule that names another owner.
func bind(ownerID string, r *rules.Rule) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if r == nil {
		return &rules.ValidationError{Reason: "rule is required"}
	}
	if r.OwnerID != "" && r.OwnerID != ownerID {
		return &rules.ValidationError{Field: "owner_id", Reason: "rule belongs to another owner"}
	}
	r.OwnerID = ownerID
	return nil
}

// CreateOptions modify CreateRule.
type CreateOptions struct {
	// ApplyToExisting queues a bulk apply of the new rule over messages
	// already in the mailbox.
	ApplyToExisting bool
	// Label restricts the bulk apply to messages carrying it.
	Label string
	// Since restricts the bulk apply to messages received after it.
	Since time.Time
}

// CreateRule validates and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, ownerID string, r *rules.Rule, opts CreateOptions) (*rules.Rule, error) {
	if err := bind(ownerID, r); err != nil {
		return nil, err
	}
	ctx = logging.WithOwnerID(ctx, ownerID)

	if err := s.rules.Create(ctx, r); err != nil {
		return nil, err
	}
	s.record(ctx, ownerID, audit.EventRuleCreate, r.ID, map[string]any{"name": r.Name, "priority": r.Priority})
	s.logger.InfoContext(logging.WithRuleID(ctx, r.ID), "Rule created", "name", r.Name)

	if opts.ApplyToExisting && r.Enabled {
		row := &outbox.Action{
			OwnerID: ownerID,
			RuleID:  r.ID,
			Payload: outbox.BulkApplyPayload{RuleID: r.ID, Label: opts.Label, Since: opts.Since, Limit: s.cfg.BulkApplyLimit},
		}
		if err := s.outbox.Enqueue(ctx, row); err != nil {
			return r, fmt.Errorf("rule created but bulk apply was not queued: %w", err)
		}
		s.processor.Notify(ctx)
	}
	return r, nil
}

// UpdateRule replaces an existing rule of ownerID.
func (s *Service) UpdateRule(ctx context.Context, ownerID string, r *rules.Rule) (*rules.Rule, error) {
	if err := bind(ownerID, r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, &rules.ValidationError{Field: "id", Reason: "rule id is required"}
	}
	if err := s.rules.Update(ctx, r); err != nil {
		return nil, err
	}
	s.record(ctx, ownerID, audit.EventRuleUpdate, r.ID, map[string]any{"name": r.Name, "enabled": r.Enabled, "priority": r.Priority})
	return r, nil
}

// DeleteRule removes a rule of ownerID.
func (s *Service) DeleteRule(ctx context.Context, ownerID, ruleID string) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if err := s.rules.Delete(ctx, ownerID, ruleID); err != nil {
		return err
	}
	s.record(ctx, ownerID, audit.EventRuleDelete, ruleID, nil)
	return nil
}

// ListRules returns the owner's rules in execution order.
func (s *Service) ListRules(ctx context.Context, ownerID string) ([]*rules.Rule, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	return s.rules.List(ctx, ownerID, rules.ListOptions{})
}

// TestResult is the dry run of a rule against a sample email.
type TestResult struct {
	Matched bool               `json:"matched"`
	Actions []rules.ActionSpec `json:"actions,omitempty"`
	// WouldRun is false when a higher-ordered rule with stop_processing
	// matches the sample first.
	WouldRun    bool   `json:"would_run"`
	PreemptedBy string `json:"preempted_by,omitempty"`
	// Evaluated lists the rule ids evaluated, in order, with the candidate
	// placed among the owner's enabled rules.
	Evaluated []string `json:"evaluated"`
}

// testRuleID stands in for a candidate rule that has no id yet.
const testRuleID = "(candidate)"

// TestRule evaluates r against sample without persisting or executing
// anything. The candidate is ordered among the owner's enabled rules, replacing
// the stored rule with the same id, to report whether it would run.
func (s *Service) TestRule(ctx context.Context, ownerID string, r *rules.Rule, sample *rules.EmailContext) (*TestResult, error) {
	if err := bind(ownerID, r); err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, &rules.ValidationError{Field: "email", Reason: "sample email is required"}
	}
	if err := rules.Validate(r); err != nil {
		return nil, err
	}

	matched, err := r.Conditions.Evaluate(sample)
	if err != nil {
		return nil, err
	}
	res := &TestResult{Matched: matched}
	if matched {
		for _, a := range r.Actions {
			res.Actions = append(res.Actions, rules.SpecOf(a))
		}
	}

	existing, err := s.rules.List(ctx, ownerID, rules.ListOptions{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	candidate := *r
	candidate.Enabled = true
	if candidate.ID == "" {
		candidate.ID = testRuleID
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now().UTC()
	}
	set := []*rules.Rule{&candidate}
	for _, e := range existing {
		if e.ID != candidate.ID {
			set = append(set, e)
		}
	}

	plan := engine.Match(ownerID, set, sample)
	for _, step := range plan.Steps {
		res.Evaluated = append(res.Evaluated, step.Rule.ID)
		if step.Rule == &candidate {
			res.WouldRun = step.Matched
		}
	}
	if matched && !res.WouldRun {
		res.PreemptedBy = plan.StoppedBy
	}
	return res, nil
}

// ProcessEmail runs the owner's rules for one incoming email. A redelivered
// event inside the dedupe window returns ErrDuplicateEvent and writes nothing.
func (s *Service) ProcessEmail(ctx context.Context, ownerID string, email *rules.EmailContext) (res *engine.ExecutionResult, err error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if email == nil || email.ID == "" {
		return nil, &rules.ValidationError{Field: "email.id", Reason: "email id is required"}
	}
	ctx = logging.WithEmailID(logging.WithOwnerID(ctx, ownerID), email.ID)
	start := time.Now()
	defer func() {
		if !errors.Is(err, ErrDuplicateEvent) {
			metrics.RecordEmail(err == nil && res != nil && res.Success(), time.Since(start))
		}
	}()

	if s.dedupe != nil {
		first, derr := s.dedupe.Claim(ctx, ownerID, email.ID)
		switch {
		case derr != nil:
			s.logger.WarnContext(ctx, "Dedupe check failed, processing anyway", "error", derr.Error())
		case !first:
			metrics.DuplicateEvents.Inc()
			s.logger.InfoContext(ctx, "Duplicate email event ignored")
			return nil, ErrDuplicateEvent
		default:
			defer func() {
				if err != nil {
					if ferr := s.dedupe.Forget(context.WithoutCancel(ctx), ownerID, email.ID); ferr != nil {
						s.logger.WarnContext(ctx, "Failed to release dedupe key", "error", ferr.Error())
					}
				}
			}()
		}
	}

	plan, err := s.engine.MatchAndPlan(ctx, ownerID, email)
	if err != nil {
		return nil, err
	}

	var client provider.Client
	if plan.NeedsClient() {
		client, err = s.resolver.ClientFor(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to open provider client: %w", err)
		}
		defer client.Close()
	}

	res, err = s.engine.Execute(ctx, client, plan)
	if err != nil {
		return res, err
	}
	if res.Enqueued > 0 {
		s.processor.Notify(ctx)
	}
	return res, nil
}

// FetchEmail loads one message from the owner's provider as an EmailContext,
// for processing messages by id.
func (s *Service) FetchEmail(ctx context.Context, ownerID, messageID string) (*rules.EmailContext, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	client, err := s.resolver.ClientFor(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to open provider client: %w", err)
	}
	defer client.Close()

	msg, err := client.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return msg.EmailContext(), nil
}

// BatchOptions modify ExecuteBatchActions.
type BatchOptions struct {
	// Async queues the batch in the outbox instead of calling the provider.
	Async bool
}

// BatchResult is the result of ExecuteBatchActions. Queued batches carry
// outbox row ids and no per-item results.
type BatchResult struct {
	batch.Outcome
	Queued []string `json:"queued,omitempty"`
}

// ValidateBatchActions checks items without executing them.
func (s *Service) ValidateBatchActions(items []batch.Item) batch.ValidationResult {
	return s.batch.Validate(items)
}

// ExecuteBatchActions applies bulk actions to the owner's messages.
func (s *Service) ExecuteBatchActions(ctx context.Context, ownerID string, items []batch.Item, opts BatchOptions) (*BatchResult, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if err := s.batch.Validate(items).Err(); err != nil {
		return nil, err
	}
	ctx = logging.WithOwnerID(ctx, ownerID)

	if opts.Async {
		res := &BatchResult{Outcome: batch.Outcome{OptimisticUpdates: batch.OptimisticUpdates(items)}}
		for _, g := range batch.Groups(items) {
			row := &outbox.Action{
				OwnerID: ownerID,
				Payload: outbox.BatchModifyPayload{MessageIDs: g.EmailIDs, Modification: g.Modification},
			}
			if err := s.outbox.Enqueue(ctx, row); err != nil {
				return res, fmt.Errorf("failed to queue batch: %w", err)
			}
			res.Queued = append(res.Queued, row.ID)
		}
		s.processor.Notify(ctx)
		s.record(ctx, ownerID, audit.EventBatchExecute, "", map[string]any{"items": len(items), "queued": len(res.Queued)})
		return res, nil
	}

	client, err := s.resolver.ClientFor(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to open provider client: %w", err)
	}
	defer client.Close()

	out, err := s.batch.Execute(ctx, client, items)
	if err != nil {
		return nil, err
	}
	s.record(ctx, ownerID, audit.EventBatchExecute, "", map[string]any{"items": len(items), "succeeded": out.Succeeded, "failed": out.Failed})
	return &BatchResult{Outcome: *out}, nil
}

// ProcessPendingActions drains up to maxBatch due outbox rows of every owner.
func (s *Service) ProcessPendingActions(ctx context.Context, maxBatch int) (outbox.Result, error) {
	return s.processor.ProcessPendingActions(ctx, maxBatch)
}

// Stats summarizes an owner's rule activity and outbox.
type Stats struct {
	Executions *audit.Stats          `json:"executions"`
	Outbox     map[outbox.Status]int `json:"outbox"`
}

// GetStats returns the owner's execution statistics since the given time
// (zero for all time) and the owner's outbox counts by status.
func (s *Service) GetStats(ctx context.Context, ownerID string, since time.Time) (*Stats, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	execs, err := s.execs.Stats(ctx, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution stats: %w", err)
	}
	counts, err := s.outbox.CountByStatus(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox actions: %w", err)
	}
	return &Stats{Executions: execs, Outbox: counts}, nil
}

// ListExecutions returns the owner's execution log, newest first.
func (s *Service) ListExecutions(ctx context.Context, ownerID string, f audit.ListFilter) ([]*audit.Execution, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	return s.execs.List(ctx, ownerID, f)
}

// SetAccount stores the owner's provider account.
func (s *Service) SetAccount(ctx context.Context, ownerID string, a *provider.Account) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if s.accounts == nil {
		return errors.New("provider accounts are not configured")
	}
	a.OwnerID = ownerID
	if err := s.accounts.Put(ctx, a); err != nil {
		return err
	}
	s.record(ctx, ownerID, audit.EventAccountSet, ownerID, map[string]any{"kind": string(a.Kind), "address": a.Address})
	return nil
}

// DeleteAccount removes the owner's provider account.
func (s *Service) DeleteAccount(ctx context.Context, ownerID string) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if s.accounts == nil {
		return errors.New("provider accounts are not configured")
	}
	if err := s.accounts.Delete(ctx, ownerID); err != nil {
		return err
	}
	s.record(ctx, ownerID, audit.EventAccountDelete, ownerID, nil)
	return nil
}
