package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mailrules/internal/audit"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/provider/providertest"
	"github.com/fenilsonani/mailrules/internal/rules"
	"github.com/fenilsonani/mailrules/internal/storage/metadata"
)

type ruleList struct {
	rules []*rules.Rule
	err   error
}

func (l *ruleList) List(ctx context.Context, ownerID string, opts rules.ListOptions) ([]*rules.Rule, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []*rules.Rule
	for _, r := range l.rules {
		if r.OwnerID == ownerID && (!opts.EnabledOnly || r.Enabled) {
			out = append(out, r)
		}
	}
	return out, nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rule(id string, priority int, created int, cond rules.Condition, actions ...rules.Action) *rules.Rule {
	return &rules.Rule{
		ID:         id,
		OwnerID:    "owner-1",
		Name:       id,
		Enabled:    true,
		Priority:   priority,
		Conditions: cond,
		Actions:    actions,
		CreatedAt:  epoch.Add(time.Duration(created) * time.Minute),
	}
}

type fixture struct {
	engine *Engine
	rules  *ruleList
	outbox *outbox.Store
	execs  *audit.ExecutionLog
	client *providertest.Client
}

func setup(t *testing.T, rs ...*rules.Rule) *fixture {
	t.Helper()
	db, err := metadata.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	f := &fixture{
		rules:  &ruleList{rules: rs},
		outbox: outbox.NewStore(db.DB),
		execs:  audit.NewExecutionLog(db.DB),
		client: providertest.New(&provider.Message{ID: "msg-1", Labels: []string{provider.LabelInbox}}),
	}
	f.engine = New(f.rules, f.outbox, f.execs, Config{ActionTimeout: time.Second}, nil)
	return f
}

func email(from, subject string) *rules.EmailContext {
	return &rules.EmailContext{ID: "msg-1", From: from, Subject: subject, Labels: []string{provider.LabelInbox}}
}

func stepIDs(p *Plan) []string {
	var ids []string
	for _, s := range p.Steps {
		ids = append(ids, s.Rule.ID)
	}
	return ids
}

func TestMatchOrder(t *testing.T) {
	always := rules.Leaf(rules.FieldSubject, rules.OperatorExists, "")
	rs := []*rules.Rule{
		rule("late-low", 1, 2, always, rules.Archive{}),
		rule("high", 0, 3, always, rules.Archive{}),
		rule("early-low", 1, 1, always, rules.Archive{}),
	}

	plan := Match("owner-1", rs, email("a@b.com", "hello"))
	if got := stepIDs(plan); !slices.Equal(got, []string{"high", "early-low", "late-low"}) {
		t.Errorf("evaluation order = %v", got)
	}
	if len(plan.Actions()) != 3 {
		t.Errorf("Actions() = %v, want 3", plan.Actions())
	}
}

func TestMatchStopProcessing(t *testing.T) {
	yes := rules.Leaf(rules.FieldSubject, rules.OperatorContains, "hello")
	no := rules.Leaf(rules.FieldSubject, rules.OperatorContains, "bye")
	rs := []*rules.Rule{
		rule("miss", 0, 0, no, rules.Archive{}, rules.StopProcessing{}),
		rule("stopper", 1, 0, yes, rules.AddLabel{Label: "A"}, rules.StopProcessing{}),
		rule("suppressed", 2, 0, yes, rules.AddLabel{Label: "B"}),
	}

	plan := Match("owner-1", rs, email("a@b.com", "hello"))
	if got := stepIDs(plan); !slices.Equal(got, []string{"miss", "stopper"}) {
		t.Errorf("steps = %v, want miss then stopper", got)
	}
	if plan.StoppedBy != "stopper" {
		t.Errorf("StoppedBy = %q", plan.StoppedBy)
	}
	if plan.Steps[0].Matched || !plan.Steps[1].Matched {
		t.Errorf("matched flags = %v, %v", plan.Steps[0].Matched, plan.Steps[1].Matched)
	}
}

func TestMatchSkipsDisabled(t *testing.T) {
	r := rule("off", 0, 0, rules.Leaf(rules.FieldSubject, rules.OperatorExists, ""), rules.Archive{})
	r.Enabled = false
	if plan := Match("owner-1", []*rules.Rule{r}, email("a@b.com", "x")); len(plan.Steps) != 0 {
		t.Errorf("disabled rule evaluated: %v", stepIDs(plan))
	}
}

func TestNewsletterInvoiceExample(t *testing.T) {
	f := setup(t,
		rule("newsletter", 0, 0,
			rules.Leaf(rules.FieldFrom, rules.OperatorContains, "newsletter@x.com"),
			rules.AddLabel{Label: "Newsletter"}, rules.Archive{}, rules.StopProcessing{}),
		rule("invoice", 1, 0,
			rules.Leaf(rules.FieldSubject, rules.OperatorContains, "invoice"),
			rules.AddLabel{Label: "Finance"}),
	)
	ctx := context.Background()

	plan, err := f.engine.MatchAndPlan(ctx, "owner-1", email("newsletter@x.com", "invoice attached"))
	if err != nil {
		t.Fatalf("MatchAndPlan() error = %v", err)
	}
	res, err := f.engine.Execute(ctx, f.client, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success() {
		t.Errorf("Execute() failed: %+v", res.Actions)
	}

	msg, _ := f.client.Message("msg-1")
	if !slices.Equal(msg.Labels, []string{"Newsletter"}) {
		t.Errorf("labels = %v, want [Newsletter] (archived, no Finance)", msg.Labels)
	}

	execs, err := f.execs.List(ctx, "owner-1", audit.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if e := execs[0]; e.RuleID != "newsletter" || !e.Matched || !e.Success || e.ActionsExecuted != 2 {
		t.Errorf("execution = %+v", e)
	}
}

func TestExecuteRecordsEveryEvaluatedRule(t *testing.T) {
	f := setup(t,
		rule("newsletter", 0, 0,
			rules.Leaf(rules.FieldFrom, rules.OperatorContains, "newsletter@x.com"),
			rules.AddLabel{Label: "Newsletter"}, rules.StopProcessing{}),
		rule("invoice", 1, 0,
			rules.Leaf(rules.FieldSubject, rules.OperatorContains, "invoice"),
			rules.AddLabel{Label: "Finance"}),
	)
	ctx := context.Background()

	plan, _ := f.engine.MatchAndPlan(ctx, "owner-1", email("billing@shop.com", "Your invoice"))
	res, err := f.engine.Execute(ctx, f.client, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(res.Executions))
	}
	if res.Executions[0].Matched || res.Executions[0].ActionsExecuted != 0 {
		t.Errorf("unmatched execution = %+v", res.Executions[0])
	}
	if !res.Executions[1].Matched || res.Executions[1].ActionsExecuted != 1 {
		t.Errorf("matched execution = %+v", res.Executions[1])
	}

	msg, _ := f.client.Message("msg-1")
	if !slices.Contains(msg.Labels, "Finance") {
		t.Errorf("labels = %v, want Finance", msg.Labels)
	}
}

func TestForwardIsQueued(t *testing.T) {
	f := setup(t, rule("fwd", 0, 0,
		rules.Leaf(rules.FieldSubject, rules.OperatorContains, "urgent"),
		rules.Forward{Address: "boss@example.com"}, rules.MarkRead{Read: true}))
	ctx := context.Background()

	plan, _ := f.engine.MatchAndPlan(ctx, "owner-1", email("a@b.com", "URGENT: server down"))
	res, err := f.engine.Execute(ctx, f.client, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Enqueued != 1 {
		t.Fatalf("Enqueued = %d, want 1", res.Enqueued)
	}
	if len(f.client.Forwarded()) != 0 {
		t.Error("forward reached the provider synchronously")
	}

	row, err := f.outbox.Get(ctx, res.Actions[0].OutboxID)
	if err != nil {
		t.Fatalf("outbox Get() error = %v", err)
	}
	p, ok := row.Payload.(outbox.ForwardPayload)
	if !ok || p.To != "boss@example.com" || p.MessageID != "msg-1" {
		t.Errorf("payload = %#v", row.Payload)
	}
	if row.Status != outbox.StatusPending || row.RuleID != "fwd" || row.OwnerID != "owner-1" {
		t.Errorf("row = %+v", row)
	}

	if msg, _ := f.client.Message("msg-1"); !msg.IsRead {
		t.Error("mark_read after forward did not run")
	}
}

func TestFailedActionDoesNotStopLaterActions(t *testing.T) {
	f := setup(t, rule("r", 0, 0,
		rules.Leaf(rules.FieldSubject, rules.OperatorExists, ""),
		rules.AddLabel{Label: "First"}, rules.Archive{}, rules.AddLabel{Label: "Third"}))
	// The first Modify succeeds, the second fails.
	f.client.QueueError(nil, &provider.Error{Op: "modify", Err: errors.New("connection reset")})
	ctx := context.Background()

	plan, _ := f.engine.MatchAndPlan(ctx, "owner-1", email("a@b.com", "x"))
	res, err := f.engine.Execute(ctx, f.client, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Failed != 1 || res.Success() {
		t.Errorf("Failed = %d, Success = %v", res.Failed, res.Success())
	}
	exec := res.Executions[0]
	if exec.Success || exec.ActionsExecuted != 2 || !strings.Contains(exec.Error, "connection reset") {
		t.Errorf("execution = %+v", exec)
	}
	msg, _ := f.client.Message("msg-1")
	if !slices.Equal(msg.Labels, []string{provider.LabelInbox, "First", "Third"}) {
		t.Errorf("labels = %v", msg.Labels)
	}
}

func TestSlowProviderCallTimesOut(t *testing.T) {
	f := setup(t, rule("r", 0, 0,
		rules.Leaf(rules.FieldSubject, rules.OperatorExists, ""),
		rules.AddLabel{Label: "Slow"}, rules.Forward{Address: "boss@example.com"}, rules.AddLabel{Label: "After"}))
	f.engine = New(f.rules, f.outbox, f.execs, Config{ActionTimeout: 100 * time.Millisecond}, nil)
	f.client.StallModify(1)
	ctx := context.Background()

	plan, _ := f.engine.MatchAndPlan(ctx, "owner-1", email("a@b.com", "x"))
	start := time.Now()
	res, err := f.engine.Execute(ctx, f.client, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Execute() took %s with a 100ms action timeout", elapsed)
	}

	if len(res.Actions) != 3 {
		t.Fatalf("actions = %d, want 3", len(res.Actions))
	}
	if !errors.Is(res.Actions[0].Err, context.DeadlineExceeded) {
		t.Errorf("stalled action error = %v, want context.DeadlineExceeded", res.Actions[0].Err)
	}
	if res.Failed != 1 || res.Enqueued != 1 {
		t.Errorf("Failed = %d, Enqueued = %d, want 1 and 1", res.Failed, res.Enqueued)
	}
	if _, err := f.outbox.Get(ctx, res.Actions[1].OutboxID); err != nil {
		t.Errorf("forward was not queued: %v", err)
	}
	msg, _ := f.client.Message("msg-1")
	if !slices.Equal(msg.Labels, []string{provider.LabelInbox, "After"}) {
		t.Errorf("labels = %v, want [INBOX After]", msg.Labels)
	}

	execs, err := f.execs.List(ctx, "owner-1", audit.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if e := execs[0]; e.Success || !e.Matched || !strings.Contains(e.Error, "deadline exceeded") {
		t.Errorf("execution = %+v", e)
	}
}

func TestExecuteRequiresClientForSyncActions(t *testing.T) {
	f := setup(t, rule("r", 0, 0, rules.Leaf(rules.FieldSubject, rules.OperatorExists, ""), rules.Archive{}))
	plan, _ := f.engine.MatchAndPlan(context.Background(), "owner-1", email("a@b.com", "x"))

	if _, err := f.engine.Execute(context.Background(), nil, plan); !errors.Is(err, ErrNoClient) {
		t.Errorf("Execute(nil client) error = %v, want ErrNoClient", err)
	}
}

func TestMatchAndPlanErrors(t *testing.T) {
	f := setup(t)
	f.rules.err = errors.New("database is locked")

	if _, err := f.engine.MatchAndPlan(context.Background(), "owner-1", email("a", "b")); err == nil {
		t.Error("MatchAndPlan() ignored a rule store error")
	}
	if _, err := f.engine.MatchAndPlan(context.Background(), "owner-1", nil); !errors.Is(err, rules.ErrValidation) {
		t.Errorf("MatchAndPlan(nil) error = %v, want ErrValidation", err)
	}
}

func TestMerge(t *testing.T) {
	m := Merge([]rules.Action{
		rules.AddLabel{Label: "A"},
		rules.Forward{Address: "x@y.com"},
		rules.Archive{},
		rules.MarkRead{Read: true},
		rules.StopProcessing{},
	})
	if !slices.Equal(m.AddLabels, []string{"A"}) || !m.Archive || m.MarkRead == nil || !*m.MarkRead {
		t.Errorf("Merge() = %+v", m)
	}
}
