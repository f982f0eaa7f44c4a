package audit

import (
	"context"
	"testing"
	"time"
)

func TestExecutionLogAppendAndList(t *testing.T) {
	log := NewExecutionLog(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return now }

	execs := []*Execution{
		{RuleID: "r1", EmailID: "m1", OwnerID: "o1", Matched: true, ActionsExecuted: 3, Success: true, Duration: 12 * time.Millisecond},
		{RuleID: "r2", EmailID: "m1", OwnerID: "o1", Matched: false, Success: true},
		{RuleID: "r1", EmailID: "m2", OwnerID: "o1", Matched: true, ActionsExecuted: 1, Success: false, Error: "archive: provider modify: eof",
			CreatedAt: now.Add(time.Minute)},
		{RuleID: "rx", EmailID: "m9", OwnerID: "o2", Matched: true, Success: true},
	}
	if err := log.Append(ctx, execs...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	for _, e := range execs {
		if e.ID == "" || e.CreatedAt.IsZero() {
			t.Errorf("Append() did not assign id/timestamp: %+v", e)
		}
	}

	all, err := log.List(ctx, "o1", ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() returned %d executions, want 3", len(all))
	}
	if all[0].EmailID != "m2" || all[0].Error == "" || all[0].Success {
		t.Errorf("newest execution = %+v", all[0])
	}

	byEmail, _ := log.List(ctx, "o1", ListFilter{EmailID: "m1"})
	if len(byEmail) != 2 {
		t.Errorf("List(email m1) returned %d, want 2", len(byEmail))
	}
	byRule, _ := log.List(ctx, "o1", ListFilter{RuleID: "r1", Limit: 1})
	if len(byRule) != 1 {
		t.Errorf("List(rule r1, limit 1) returned %d, want 1", len(byRule))
	}
	for _, e := range byEmail {
		if e.RuleID == "r1" && e.Duration != 12*time.Millisecond {
			t.Errorf("Duration = %v, want 12ms", e.Duration)
		}
	}
}

func TestExecutionLogStats(t *testing.T) {
	log := NewExecutionLog(setupTestDB(t))
	ctx := context.Background()
	t0 := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	err := log.Append(ctx,
		&Execution{RuleID: "r1", EmailID: "m1", OwnerID: "o", Matched: true, ActionsExecuted: 2, Success: true, Duration: 10 * time.Millisecond, CreatedAt: t0},
		&Execution{RuleID: "r1", EmailID: "m2", OwnerID: "o", Matched: true, ActionsExecuted: 1, Success: false, Duration: 30 * time.Millisecond, CreatedAt: t0.Add(time.Hour)},
		&Execution{RuleID: "r2", EmailID: "m1", OwnerID: "o", Matched: false, Success: true, Duration: 20 * time.Millisecond, CreatedAt: t0},
		&Execution{RuleID: "r1", EmailID: "m3", OwnerID: "other", Matched: true, Success: true, CreatedAt: t0},
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	st, err := log.Stats(ctx, "o", time.Time{})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Evaluations != 3 || st.Matches != 2 || st.Failures != 1 || st.ActionsRun != 3 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.AvgExecutionMS != 20 {
		t.Errorf("AvgExecutionMS = %v, want 20", st.AvgExecutionMS)
	}
	if len(st.Rules) != 2 {
		t.Fatalf("Rules = %+v, want 2 entries", st.Rules)
	}
	r1 := st.Rules[0]
	if r1.RuleID != "r1" || r1.Evaluations != 2 || r1.Matches != 2 || r1.Failures != 1 {
		t.Errorf("r1 stats = %+v", r1)
	}
	if !r1.LastMatch.Equal(t0.Add(time.Hour)) {
		t.Errorf("r1 LastMatch = %v, want %v", r1.LastMatch, t0.Add(time.Hour))
	}
	if !st.Rules[1].LastMatch.IsZero() {
		t.Errorf("r2 never matched but LastMatch = %v", st.Rules[1].LastMatch)
	}

	recent, _ := log.Stats(ctx, "o", t0.Add(time.Minute))
	if recent.Evaluations != 1 {
		t.Errorf("Stats(since) evaluations = %d, want 1", recent.Evaluations)
	}

	empty, err := log.Stats(ctx, "nobody", time.Time{})
	if err != nil || empty.Evaluations != 0 || len(empty.Rules) != 0 {
		t.Errorf("Stats(nobody) = %+v, %v", empty, err)
	}
}

func TestExecutionLogCleanup(t *testing.T) {
	log := NewExecutionLog(setupTestDB(t))
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = log.Append(ctx,
		&Execution{RuleID: "r", EmailID: "old", OwnerID: "o", CreatedAt: t0},
		&Execution{RuleID: "r", EmailID: "new", OwnerID: "o", CreatedAt: t0.Add(48 * time.Hour)},
	)

	n, err := log.Cleanup(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Cleanup() = %d, %v; want 1", n, err)
	}
	left, _ := log.List(ctx, "o", ListFilter{})
	if len(left) != 1 || left[0].EmailID != "new" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestAppendNothing(t *testing.T) {
	if err := NewExecutionLog(nil).Append(context.Background()); err != nil {
		t.Errorf("Append() with no executions error = %v", err)
	}
}
