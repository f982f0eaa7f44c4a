package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/fenilsonani/mailrules/internal/resilience"
	"github.com/fenilsonani/mailrules/internal/rules"
)

func boolPtr(b bool) *bool { return &b }

func TestModificationKey(t *testing.T) {
	a := Modification{AddLabels: []string{"b", "a"}, MarkRead: boolPtr(true)}
	b := Modification{AddLabels: []string{"a", "b"}, MarkRead: boolPtr(true)}
	c := Modification{AddLabels: []string{"a", "b"}, MarkRead: boolPtr(false)}

	if a.Key() != b.Key() {
		t.Errorf("Key() differs for equivalent modifications: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Error("Key() equal for different read state")
	}
	if (Modification{Archive: true}).Key() == (Modification{Trash: true}).Key() {
		t.Error("Key() equal for archive and trash")
	}
}

func TestModificationIsZero(t *testing.T) {
	if !(Modification{}).IsZero() {
		t.Error("empty modification is not zero")
	}
	if (Modification{MarkRead: boolPtr(false)}).IsZero() {
		t.Error("mark unread reported as zero")
	}
}

func TestModificationApply(t *testing.T) {
	tests := []struct {
		name       string
		mod        Modification
		labels     []string
		read       bool
		wantLabels []string
		wantRead   bool
	}{
		{"add label", Modification{AddLabels: []string{"Work"}}, []string{"INBOX"}, false, []string{"INBOX", "Work"}, false},
		{"add existing", Modification{AddLabels: []string{"work"}}, []string{"INBOX", "Work"}, false, []string{"INBOX", "Work"}, false},
		{"remove label", Modification{RemoveLabels: []string{"work"}}, []string{"INBOX", "Work"}, false, []string{"INBOX"}, false},
		{"archive", Modification{Archive: true}, []string{"INBOX", "Work"}, false, []string{"Work"}, false},
		{"trash", Modification{Trash: true}, []string{"INBOX"}, true, []string{"TRASH"}, true},
		{"mark read", Modification{MarkRead: boolPtr(true)}, []string{"INBOX"}, false, []string{"INBOX"}, true},
		{"mark unread", Modification{MarkRead: boolPtr(false)}, nil, true, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels, read := tt.mod.Apply(tt.labels, tt.read)
			if !slices.Equal(labels, tt.wantLabels) {
				t.Errorf("labels = %v, want %v", labels, tt.wantLabels)
			}
			if read != tt.wantRead {
				t.Errorf("read = %v, want %v", read, tt.wantRead)
			}
		})
	}
}

func TestMessageEmailContext(t *testing.T) {
	m := &Message{
		ID:         "1",
		From:       "a@b.com",
		To:         []string{"c@d.com"},
		Subject:    "hi",
		Snippet:    "body",
		Labels:     []string{"INBOX"},
		IsRead:     true,
		ReceivedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	ec := m.EmailContext()
	if ec.ID != "1" || ec.BodySnippet != "body" || !ec.IsRead || ec.From != "a@b.com" {
		t.Errorf("EmailContext() = %+v", ec)
	}

	ec.Labels[0] = "changed"
	if m.Labels[0] != "INBOX" {
		t.Error("EmailContext() shares the labels slice")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, ClassRateLimited},
		{"wrapped rate limited", fmt.Errorf("modify: %w", &RateLimitedError{}), ClassRateLimited},
		{"provider error", &Error{Op: "modify", Err: errors.New("timeout")}, ClassRetryable},
		{"fatal", Fatal("forward", errors.New("550 no such user")), ClassFatal},
		{"message not found", fmt.Errorf("%w: 12", ErrMessageNotFound), ClassFatal},
		{"account not found", ErrAccountNotFound, ClassFatal},
		{"rule not found", fmt.Errorf("%w: r1", rules.ErrNotFound), ClassFatal},
		{"circuit open", fmt.Errorf("modify for owner o: %w", resilience.ErrCircuitOpen), ClassUnavailable},
		{"deadline", context.DeadlineExceeded, ClassRetryable},
		{"unknown", errors.New("boom"), ClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &RateLimitedError{RetryAfter: 42 * time.Second})
	if got := RetryAfter(err); got != 42*time.Second {
		t.Errorf("RetryAfter() = %v, want 42s", got)
	}
	if got := RetryAfter(errors.New("x")); got != 0 {
		t.Errorf("RetryAfter(plain) = %v, want 0", got)
	}
}

func TestRateLimitedErrorMessage(t *testing.T) {
	err := &RateLimitedError{RetryAfter: time.Minute, Err: errors.New("429")}
	if got := err.Error(); got != "provider rate limited (retry after 1m0s): 429" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCountsAgainstCircuit(t *testing.T) {
	if countsAgainstCircuit(&RateLimitedError{}) {
		t.Error("rate limits should not open the circuit")
	}
	if countsAgainstCircuit(fmt.Errorf("%w: x", ErrMessageNotFound)) {
		t.Error("missing messages should not open the circuit")
	}
	if countsAgainstCircuit(context.Canceled) {
		t.Error("cancellation should not open the circuit")
	}
	if !countsAgainstCircuit(&Error{Op: "get", Err: errors.New("eof")}) {
		t.Error("provider errors should open the circuit")
	}
}
