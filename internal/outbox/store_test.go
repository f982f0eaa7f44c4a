package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenilsonani/mailrules/internal/storage/metadata"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := metadata.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := newTestClock()
	store := NewStore(db.DB)
	store.now = clock.Now
	return store, clock
}

func forward(owner, msg string) *Action {
	return &Action{OwnerID: owner, EmailID: msg, RuleID: "rule-1", Payload: ForwardPayload{MessageID: msg, To: "boss@example.com"}}
}

func TestEnqueueAndGet(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	a := forward("owner-1", "m1")
	if err := store.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if a.ID == "" || a.Status != StatusPending {
		t.Fatalf("Enqueue() left %+v", a)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	p, ok := got.Payload.(ForwardPayload)
	if !ok || p.MessageID != "m1" || p.To != "boss@example.com" {
		t.Errorf("Payload = %#v", got.Payload)
	}
	if got.RuleID != "rule-1" || got.Status != StatusPending || got.RetryCount != 0 || got.ClaimToken != "" {
		t.Errorf("Get() = %+v", got)
	}
	if !got.NextAttemptAt.Equal(a.NextAttemptAt) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, a.NextAttemptAt)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEnqueueRejectsIncompleteRows(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, &Action{Payload: ForwardPayload{}}); err == nil {
		t.Error("Enqueue() accepted a row without owner")
	}
	if err := store.Enqueue(ctx, &Action{OwnerID: "o"}); err == nil {
		t.Error("Enqueue() accepted a row without payload")
	}
}

func TestClaim(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()

	first := forward("o", "m1")
	_ = store.Enqueue(ctx, first)
	clock.Advance(time.Second)
	second := forward("o", "m2")
	_ = store.Enqueue(ctx, second)
	later := forward("o", "m3")
	later.NextAttemptAt = clock.Now().Add(time.Hour)
	_ = store.Enqueue(ctx, later)

	claimed, err := store.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Claim() returned %d rows, want 2 due rows", len(claimed))
	}
	if claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Errorf("Claim() order = %s, %s", claimed[0].EmailID, claimed[1].EmailID)
	}
	for _, a := range claimed {
		if a.Status != StatusProcessing || a.ClaimToken == "" || a.ClaimedAt.IsZero() {
			t.Errorf("claimed row = %+v", a)
		}
	}

	again, _ := store.Claim(ctx, 10)
	if len(again) != 0 {
		t.Errorf("second Claim() returned %d rows, want 0", len(again))
	}

	clock.Advance(2 * time.Hour)
	due, _ := store.Claim(ctx, 10)
	if len(due) != 1 || due[0].ID != later.ID {
		t.Errorf("Claim() after delay = %v", due)
	}
}

func TestClaimLimit(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = store.Enqueue(ctx, forward("o", "m"))
	}

	claimed, _ := store.Claim(ctx, 3)
	if len(claimed) != 3 {
		t.Errorf("Claim(3) returned %d rows", len(claimed))
	}
	if none, _ := store.Claim(ctx, 0); none != nil {
		t.Errorf("Claim(0) = %v, want nil", none)
	}
}

func TestTransition(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()
	_ = store.Enqueue(ctx, forward("o", "m1"))

	claimed, _ := store.Claim(ctx, 1)
	a := claimed[0]

	if err := store.Transition(ctx, a, EventRetry, time.Minute, errors.New("connection reset")); err != nil {
		t.Fatalf("Transition(retry) error = %v", err)
	}
	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusPending || got.RetryCount != 1 || got.Error != "connection reset" || got.ClaimToken != "" {
		t.Errorf("after retry = %+v", got)
	}
	if !got.NextAttemptAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("NextAttemptAt = %v, want now+1m", got.NextAttemptAt)
	}

	clock.Advance(time.Minute)
	claimed, _ = store.Claim(ctx, 1)
	a = claimed[0]
	if err := store.Transition(ctx, a, EventDefer, time.Minute, errors.New("rate limited")); err != nil {
		t.Fatalf("Transition(defer) error = %v", err)
	}
	if got, _ := store.Get(ctx, a.ID); got.RetryCount != 1 {
		t.Errorf("defer changed RetryCount to %d", got.RetryCount)
	}

	clock.Advance(time.Minute)
	claimed, _ = store.Claim(ctx, 1)
	a = claimed[0]
	if err := store.Transition(ctx, a, EventSucceed, 0, nil); err != nil {
		t.Fatalf("Transition(succeed) error = %v", err)
	}
	got, _ = store.Get(ctx, a.ID)
	if got.Status != StatusCompleted || got.Error != "" {
		t.Errorf("after succeed = %+v", got)
	}

	if err := store.Transition(ctx, a, EventRetry, 0, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition() on completed row error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionRequiresClaim(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	_ = store.Enqueue(ctx, forward("o", "m1"))

	claimed, _ := store.Claim(ctx, 1)
	a := claimed[0]

	stolen := *a
	stolen.ClaimToken = "someone-else"
	if err := store.Transition(ctx, &stolen, EventSucceed, 0, nil); !errors.Is(err, ErrClaimLost) {
		t.Errorf("Transition() with foreign token error = %v, want ErrClaimLost", err)
	}
	if got, _ := store.Get(ctx, a.ID); got.Status != StatusProcessing {
		t.Errorf("row changed to %s by a foreign claim", got.Status)
	}
}

func TestTouchRenewsClaim(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()
	_ = store.Enqueue(ctx, forward("o", "m1"))

	claimed, _ := store.Claim(ctx, 1)
	a := claimed[0]
	claimedAt := a.ClaimedAt

	clock.Advance(5 * time.Minute)
	if err := store.Touch(ctx, a); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if !a.ClaimedAt.After(claimedAt) {
		t.Errorf("ClaimedAt = %v, want renewed after %v", a.ClaimedAt, claimedAt)
	}
	if stale, _ := store.Stale(ctx, claimedAt.Add(time.Minute)); len(stale) != 0 {
		t.Errorf("renewed row still reported stale: %d", len(stale))
	}

	// Taken back by the stale sweep, then reclaimed elsewhere.
	orphan := *a
	if err := store.Transition(ctx, a, EventRetry, 0, nil); err != nil {
		t.Fatal(err)
	}
	if again, _ := store.Claim(ctx, 1); len(again) != 1 {
		t.Fatalf("swept row not reclaimable")
	}
	if err := store.Touch(ctx, &orphan); !errors.Is(err, ErrClaimLost) {
		t.Errorf("Touch() after takeover error = %v, want ErrClaimLost", err)
	}
}

func TestRetryExhaustionNeverReclaimed(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	policy := Policy{MaxRetries: 3}
	transient := errors.New("provider unavailable")

	a := forward("o", "m1")
	_ = store.Enqueue(ctx, a)

	for i := 0; ; i++ {
		claimed, err := store.Claim(ctx, 1)
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if len(claimed) == 0 {
			break
		}
		if i > 3 {
			t.Fatal("row claimed more than MaxRetries+1 times")
		}
		c := claimed[0]
		if err := store.Transition(ctx, c, policy.Decide(c, transient, time.Now()), 0, transient); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusFailed || got.RetryCount != 3 {
		t.Errorf("final row = %+v, want failed with 3 retries", got)
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	db, err := metadata.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := NewStore(db.DB)

	const rows = 60
	for i := 0; i < rows; i++ {
		if err := store.Enqueue(ctx, forward("o", "m")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.Claim(ctx, 4)
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, a := range claimed {
					seen[a.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Claim() error = %v", err)
	}

	if len(seen) != rows {
		t.Errorf("claimed %d distinct rows, want %d", len(seen), rows)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("row %s claimed %d times", id, n)
		}
	}
}

func TestStaleCountsAndCleanup(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()

	for _, msg := range []string{"m1", "m2", "m3"} {
		_ = store.Enqueue(ctx, forward("owner-1", msg))
		clock.Advance(time.Second)
	}
	_ = store.Enqueue(ctx, forward("owner-2", "x"))

	claimed, _ := store.Claim(ctx, 2)
	_ = store.Transition(ctx, claimed[0], EventSucceed, 0, nil)

	clock.Advance(15 * time.Minute)
	stale, err := store.Stale(ctx, clock.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("Stale() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != claimed[1].ID {
		t.Errorf("Stale() = %v, want the unfinished claim", stale)
	}

	counts, err := store.CountByStatus(ctx, "")
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	want := map[Status]int{StatusPending: 2, StatusProcessing: 1, StatusCompleted: 1, StatusFailed: 0}
	for st, n := range want {
		if counts[st] != n {
			t.Errorf("counts[%s] = %d, want %d", st, counts[st], n)
		}
	}
	owner2, _ := store.CountByStatus(ctx, "owner-2")
	if owner2[StatusPending] != 1 || owner2[StatusCompleted] != 0 {
		t.Errorf("owner-2 counts = %v", owner2)
	}

	list, _ := store.List(ctx, ListFilter{OwnerID: "owner-1", Status: StatusPending})
	if len(list) != 1 {
		t.Errorf("List(owner-1, pending) returned %d rows, want 1", len(list))
	}

	clock.Advance(time.Hour)
	n, err := store.Cleanup(ctx, clock.Now().Add(-30*time.Minute))
	if err != nil || n != 1 {
		t.Errorf("Cleanup() = %d, %v; want 1", n, err)
	}
	if _, err := store.Get(ctx, claimed[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed row survived cleanup: %v", err)
	}
}
