package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/provider/providertest"
)

func inbox(n int) *providertest.Client {
	c := providertest.New()
	for i := 0; i < n; i++ {
		c.Add(&provider.Message{
			ID:         fmt.Sprintf("m%d", i),
			Labels:     []string{provider.LabelInbox},
			ReceivedAt: time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		})
	}
	return c
}

func TestValidate(t *testing.T) {
	svc := NewService(Config{MaxBatchSize: 3}, nil)

	tests := []struct {
		name    string
		items   []Item
		valid   bool
		indexes []int
	}{
		{"valid", []Item{{EmailID: "a", Action: ActionArchive}, {EmailID: "b", Action: ActionAddLabel, LabelID: "Work"}}, true, nil},
		{"empty", nil, false, []int{-1}},
		{"oversize", []Item{{EmailID: "a", Action: ActionArchive}, {EmailID: "b", Action: ActionArchive}, {EmailID: "c", Action: ActionArchive}, {EmailID: "d", Action: ActionArchive}}, false, []int{-1}},
		{"missing label", []Item{{EmailID: "a", Action: ActionArchive}, {EmailID: "b", Action: ActionAddLabel}}, false, []int{1}},
		{"missing label on remove", []Item{{EmailID: "a", Action: ActionRemoveLabel, LabelID: " "}}, false, []int{0}},
		{"unknown action", []Item{{EmailID: "a", Action: "snooze"}}, false, []int{0}},
		{"empty email id", []Item{{Action: ActionTrash}}, false, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.Validate(tt.items)
			if got.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v (%+v)", got.Valid, tt.valid, got.Errors)
			}
			if len(got.Errors) != len(tt.indexes) {
				t.Fatalf("Errors = %+v, want indexes %v", got.Errors, tt.indexes)
			}
			for i, idx := range tt.indexes {
				if got.Errors[i].Index != idx {
					t.Errorf("Errors[%d].Index = %d, want %d", i, got.Errors[i].Index, idx)
				}
			}
			if err := got.Err(); (err == nil) != tt.valid {
				t.Errorf("Err() = %v", err)
			} else if err != nil && !errors.Is(err, ErrInvalidBatch) {
				t.Errorf("Err() = %v, want ErrInvalidBatch", err)
			}
		})
	}
}

func TestDefaultMaxBatchSize(t *testing.T) {
	svc := NewService(Config{}, nil)
	items := make([]Item, MaxBatchSize+1)
	for i := range items {
		items[i] = Item{EmailID: fmt.Sprintf("m%d", i), Action: ActionArchive}
	}
	if svc.Validate(items[:MaxBatchSize]).Valid != true {
		t.Error("batch of MaxBatchSize rejected")
	}
	if svc.Validate(items).Valid {
		t.Error("batch over MaxBatchSize accepted")
	}
}

func TestExecuteRejectsInvalidBatch(t *testing.T) {
	svc := NewService(Config{}, nil)
	client := inbox(1)

	_, err := svc.Execute(context.Background(), client, []Item{{EmailID: "m0", Action: ActionAddLabel}})
	if !errors.Is(err, ErrInvalidBatch) {
		t.Fatalf("Execute() error = %v, want ErrInvalidBatch", err)
	}
	if len(client.BatchCalls()) != 0 {
		t.Error("invalid batch reached the provider")
	}
}

func TestExecuteOneFailingItem(t *testing.T) {
	const n = 7
	client := inbox(n)
	client.SetBatchLimit(3)
	client.FailID("m4", fmt.Errorf("%w: m4", provider.ErrMessageNotFound))
	svc := NewService(Config{}, nil)

	items := make([]Item, n)
	for i := range items {
		items[i] = Item{EmailID: fmt.Sprintf("m%d", i), Action: ActionArchive}
	}

	out, err := svc.Execute(context.Background(), client, items)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(out.Results) != n {
		t.Fatalf("got %d results, want %d", len(out.Results), n)
	}
	for i, r := range out.Results {
		if r.EmailID != items[i].EmailID {
			t.Errorf("Results[%d].EmailID = %s, want %s", i, r.EmailID, items[i].EmailID)
		}
		if want := i != 4; r.Success != want {
			t.Errorf("Results[%d].Success = %v, want %v (%s)", i, r.Success, want, r.Error)
		}
	}
	if out.Results[4].Class != provider.ClassFatal.String() {
		t.Errorf("failed item class = %s, want fatal", out.Results[4].Class)
	}
	if out.Succeeded != n-1 || out.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d", out.Succeeded, out.Failed)
	}

	calls := client.BatchCalls()
	if len(calls) != 3 {
		t.Errorf("provider calls = %d, want 3 chunks of at most 3", len(calls))
	}
	for _, c := range calls {
		if len(c) > 3 {
			t.Errorf("chunk of %d exceeds the provider limit", len(c))
		}
	}

	if m, _ := client.Message("m0"); len(m.Labels) != 0 {
		t.Errorf("archived message labels = %v", m.Labels)
	}
}

func TestExecuteWholeChunkFailure(t *testing.T) {
	client := inbox(4)
	client.SetBatchLimit(2)
	// The first provider call fails as a whole.
	client.QueueError(&provider.RateLimitedError{RetryAfter: time.Second})
	svc := NewService(Config{Concurrency: 1}, nil)

	items := []Item{
		{EmailID: "m0", Action: ActionMarkRead},
		{EmailID: "m1", Action: ActionMarkRead},
		{EmailID: "m2", Action: ActionMarkRead},
		{EmailID: "m3", Action: ActionMarkRead},
	}
	out, err := svc.Execute(context.Background(), client, items)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Failed != 2 || out.Succeeded != 2 {
		t.Fatalf("Succeeded/Failed = %d/%d, want 2/2", out.Succeeded, out.Failed)
	}
	for _, r := range out.Results[:2] {
		if r.Success || r.Class != provider.ClassRateLimited.String() {
			t.Errorf("result %+v, want rate limited failure", r)
		}
	}
	for _, r := range out.Results[2:] {
		if !r.Success {
			t.Errorf("sibling chunk result %+v, want success", r)
		}
	}
}

func TestExecuteGroupsByModification(t *testing.T) {
	client := inbox(4)
	svc := NewService(Config{}, nil)

	items := []Item{
		{EmailID: "m0", Action: ActionAddLabel, LabelID: "Work"},
		{EmailID: "m1", Action: ActionArchive},
		{EmailID: "m2", Action: ActionAddLabel, LabelID: "Work"},
		{EmailID: "m3", Action: ActionAddLabel, LabelID: "Home"},
	}
	out, err := svc.Execute(context.Background(), client, items)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Failed != 0 {
		t.Fatalf("unexpected failures: %+v", out.Results)
	}
	if calls := client.BatchCalls(); len(calls) != 3 {
		t.Errorf("provider calls = %v, want one per distinct modification", calls)
	}
	if m, _ := client.Message("m2"); !strings.Contains(strings.Join(m.Labels, ","), "Work") {
		t.Errorf("m2 labels = %v, want Work", m.Labels)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	client := inbox(2)
	svc := NewService(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := svc.Execute(ctx, client, []Item{{EmailID: "m0", Action: ActionTrash}, {EmailID: "m1", Action: ActionTrash}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Failed != 2 {
		t.Errorf("Failed = %d, want 2", out.Failed)
	}
	if len(client.BatchCalls()) != 0 {
		t.Error("cancelled batch reached the provider")
	}
}

func TestOptimisticUpdates(t *testing.T) {
	items := []Item{
		{EmailID: "a", Action: ActionArchive},
		{EmailID: "b", Action: ActionTrash},
		{EmailID: "c", Action: ActionMarkUnread},
		{EmailID: "d", Action: ActionRemoveLabel, LabelID: "Work"},
		{EmailID: "e", Action: ActionUnarchive},
	}
	got := OptimisticUpdates(items)
	if len(got) != len(items) {
		t.Fatalf("got %d updates, want %d", len(got), len(items))
	}

	check := func(i int, add, remove string, read *bool) {
		t.Helper()
		u := got[i]
		if u.EmailID != items[i].EmailID {
			t.Errorf("update[%d].EmailID = %s", i, u.EmailID)
		}
		if strings.Join(u.AddLabels, ",") != add || strings.Join(u.RemoveLabels, ",") != remove {
			t.Errorf("update[%d] = +%v -%v, want +%s -%s", i, u.AddLabels, u.RemoveLabels, add, remove)
		}
		if (u.IsRead == nil) != (read == nil) || (read != nil && *u.IsRead != *read) {
			t.Errorf("update[%d].IsRead = %v", i, u.IsRead)
		}
	}
	unread := false
	check(0, "", provider.LabelInbox, nil)
	check(1, provider.LabelTrash, provider.LabelInbox, nil)
	check(2, "", "", &unread)
	check(3, "", "Work", nil)
	check(4, provider.LabelInbox, "", nil)
}

func TestGroupsKeepFirstAppearanceOrder(t *testing.T) {
	groups := Groups([]Item{
		{EmailID: "a", Action: ActionTrash},
		{EmailID: "b", Action: ActionArchive},
		{EmailID: "c", Action: ActionTrash},
	})
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if !groups[0].Modification.Trash || strings.Join(groups[0].EmailIDs, ",") != "a,c" {
		t.Errorf("groups[0] = %+v", groups[0])
	}
	if !groups[1].Modification.Archive || groups[1].indexes[0] != 1 {
		t.Errorf("groups[1] = %+v", groups[1])
	}
}
