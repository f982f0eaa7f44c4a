// Package engine matches an owner's rules against an email and executes the
// resulting plan: synchronous actions against the provider, asynchronous
// ones through the outbox.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrules/internal/audit"
	"github.com/fenilsonani/mailrules/internal/logging"
	"github.com/fenilsonani/mailrules/internal/metrics"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/rules"
)

// ErrNoClient is returned by Execute when a plan needs the provider and no
// client was given.
var ErrNoClient = errors.New("provider client required")

// RuleLister returns an owner's rules.
type RuleLister interface {
	List(ctx context.Context, ownerID string, opts rules.ListOptions) ([]*rules.Rule, error)
}

// Enqueuer inserts outbox rows.
type Enqueuer interface {
	Enqueue(ctx context.Context, a *outbox.Action) error
}

// Recorder stores executions.
type Recorder interface {
	Append(ctx context.Context, execs ...*audit.Execution) error
}

// Config configures the engine.
type Config struct {
	// ActionTimeout bounds each synchronous provider call.
	ActionTimeout time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{ActionTimeout: 10 * time.Second}
}

// Engine runs rules for incoming email.
type Engine struct {
	rules    RuleLister
	outbox   Enqueuer
	recorder Recorder
	cfg      Config
	logger   *logging.Logger
}

// New creates an engine.
func New(rl RuleLister, ob Enqueuer, rec Recorder, cfg Config, logger *logging.Logger) *Engine {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultConfig().ActionTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{rules: rl, outbox: ob, recorder: rec, cfg: cfg, logger: logger.Engine()}
}

// Step is the evaluation of one rule.
type Step struct {
	Rule    *rules.Rule
	Matched bool
	// Err is set when the rule could not be evaluated.
	Err      error
	Duration time.Duration
}

// Plan is the ordered result of matching rules against one email.
type Plan struct {
	OwnerID string
	Email   *rules.EmailContext
	// Steps has one entry per evaluated rule, in execution order.
	Steps []Step
	// StoppedBy is the id of the rule whose stop_processing ended matching.
	StoppedBy string
}

// Matched returns the rules that matched, in order.
func (p *Plan) Matched() []*rules.Rule {
	var out []*rules.Rule
	for _, s := range p.Steps {
		if s.Matched {
			out = append(out, s.Rule)
		}
	}
	return out
}

// Actions returns the actions of matched rules, in order.
func (p *Plan) Actions() []rules.Action {
	var out []rules.Action
	for _, r := range p.Matched() {
		out = append(out, r.Actions...)
	}
	return out
}

// MatchAndPlan evaluates the owner's enabled rules against email.
func (e *Engine) MatchAndPlan(ctx context.Context, ownerID string, email *rules.EmailContext) (*Plan, error) {
	if email == nil {
		return nil, fmt.Errorf("%w: email is required", rules.ErrValidation)
	}
	rs, err := e.rules.List(ctx, ownerID, rules.ListOptions{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return Match(ownerID, rs, email), nil
}

// Match evaluates rs against email in rules.Compare order. Evaluation stops
// after a matching rule that contains stop_processing; that rule is still part
// of the plan. Disabled rules are skipped.
func Match(ownerID string, rs []*rules.Rule, email *rules.EmailContext) *Plan {
	ordered := make([]*rules.Rule, 0, len(rs))
	for _, r := range rs {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	rules.Sort(ordered)

	plan := &Plan{OwnerID: ownerID, Email: email}
	for _, r := range ordered {
		start := time.Now()
		matched, err := r.Conditions.Evaluate(email)
		step := Step{Rule: r, Matched: matched && err == nil, Err: err, Duration: time.Since(start)}
		plan.Steps = append(plan.Steps, step)
		metrics.RecordEvaluation(step.Matched)

		if step.Matched && r.Stops() {
			plan.StoppedBy = r.ID
			break
		}
	}
	return plan
}

// ActionOutcome is the result of one action of a matched rule.
type ActionOutcome struct {
	RuleID string
	Kind   rules.Kind
	Async  bool
	// OutboxID is the queued row of an asynchronous action.
	OutboxID string
	Err      error
}

// ExecutionResult is the result of Execute.
type ExecutionResult struct {
	EmailID    string
	Actions    []ActionOutcome
	Executions []*audit.Execution
	// Enqueued counts outbox rows created.
	Enqueued int
	// Failed counts actions that failed.
	Failed int
}

// Success reports whether every action succeeded and every rule evaluated.
func (r *ExecutionResult) Success() bool {
	if r.Failed > 0 {
		return false
	}
	for _, ex := range r.Executions {
		if !ex.Success {
			return false
		}
	}
	return true
}

// Execute runs plan. Synchronous actions call client inline under
// ActionTimeout; asynchronous actions become one pending outbox row each. A
// failed action never stops later ones. One Execution is recorded per step.
func (e *Engine) Execute(ctx context.Context, client provider.Client, plan *Plan) (*ExecutionResult, error) {
	if client == nil && plan.NeedsClient() {
		return nil, ErrNoClient
	}

	emailID := plan.Email.ID
	ctx = logging.WithEmailID(logging.WithOwnerID(ctx, plan.OwnerID), emailID)
	res := &ExecutionResult{EmailID: emailID}

	for _, step := range plan.Steps {
		start := time.Now()
		exec := &audit.Execution{
			RuleID:  step.Rule.ID,
			EmailID: emailID,
			OwnerID: plan.OwnerID,
			Matched: step.Matched,
			Success: step.Err == nil,
		}
		if step.Err != nil {
			exec.Error = step.Err.Error()
		}

		if step.Matched {
			var errs []error
			ruleCtx := logging.WithRuleID(ctx, step.Rule.ID)
			for _, a := range step.Rule.Actions {
				out := e.run(ruleCtx, client, plan, step.Rule, a)
				res.Actions = append(res.Actions, out)
				metrics.RecordAction(string(a.Kind()), out.Err == nil)

				if out.Err != nil {
					res.Failed++
					errs = append(errs, fmt.Errorf("%s: %w", a.Kind(), out.Err))
					continue
				}
				if out.Async {
					res.Enqueued++
				}
				if a.Kind() != rules.KindStopProcessing {
					exec.ActionsExecuted++
				}
			}
			if len(errs) > 0 {
				exec.Success = false
				exec.Error = errors.Join(errs...).Error()
			}
		}

		exec.Duration = step.Duration + time.Since(start)
		res.Executions = append(res.Executions, exec)
	}

	if e.recorder != nil {
		if err := e.recorder.Append(ctx, res.Executions...); err != nil {
			e.logger.ErrorContext(ctx, "Failed to record executions", err)
			return res, fmt.Errorf("failed to record executions: %w", err)
		}
	}

	e.logger.InfoContext(ctx, "Email processed",
		"rules_evaluated", len(plan.Steps),
		"rules_matched", len(plan.Matched()),
		"actions", len(res.Actions),
		"enqueued", res.Enqueued,
		"failed", res.Failed,
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, client provider.Client, plan *Plan, r *rules.Rule, a rules.Action) ActionOutcome {
	out := ActionOutcome{RuleID: r.ID, Kind: a.Kind(), Async: !a.Synchronous()}

	switch v := a.(type) {
	case rules.StopProcessing:
		return out
	case rules.Forward:
		row := &outbox.Action{
			OwnerID: plan.OwnerID,
			RuleID:  r.ID,
			EmailID: plan.Email.ID,
			Payload: outbox.ForwardPayload{MessageID: plan.Email.ID, To: v.Address},
		}
		if e.outbox == nil {
			out.Err = errors.New("outbox not configured")
		} else if out.Err = e.outbox.Enqueue(ctx, row); out.Err == nil {
			out.OutboxID = row.ID
		}
	default:
		mod, err := Modification(a)
		if err != nil {
			out.Err = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		out.Err = client.Modify(callCtx, plan.Email.ID, mod)
		cancel()
	}

	if out.Err != nil {
		e.logger.WarnContext(ctx, "Rule action failed",
			"action", string(a.Kind()),
			"class", provider.Classify(out.Err).String(),
			"error", out.Err.Error(),
		)
	}
	return out
}

// Modification converts a synchronous message action into a provider change.
func Modification(a rules.Action) (provider.Modification, error) {
	switch v := a.(type) {
	case rules.AddLabel:
		return provider.Modification{AddLabels: []string{v.Label}}, nil
	case rules.RemoveLabel:
		return provider.Modification{RemoveLabels: []string{v.Label}}, nil
	case rules.Archive:
		return provider.Modification{Archive: true}, nil
	case rules.MarkRead:
		read := v.Read
		return provider.Modification{MarkRead: &read}, nil
	default:
		return provider.Modification{}, fmt.Errorf("%w: %s is not a message modification", rules.ErrValidation, a.Kind())
	}
}

// Merge folds the message modifications among actions into one change,
// skipping actions that are not modifications.
func Merge(actions []rules.Action) provider.Modification {
	var m provider.Modification
	for _, a := range actions {
		mod, err := Modification(a)
		if err != nil {
			continue
		}
		m.AddLabels = append(m.AddLabels, mod.AddLabels...)
		m.RemoveLabels = append(m.RemoveLabels, mod.RemoveLabels...)
		m.Archive = m.Archive || mod.Archive
		if mod.MarkRead != nil {
			m.MarkRead = mod.MarkRead
		}
	}
	return m
}

// NeedsClient reports whether executing p calls the provider inline.
func (p *Plan) NeedsClient() bool {
	for _, a := range p.Actions() {
		if a.Synchronous() && a.Kind() != rules.KindStopProcessing {
			return true
		}
	}
	return false
}
