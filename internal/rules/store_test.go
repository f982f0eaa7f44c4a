package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mailrules/internal/storage/metadata"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := metadata.OpenMemory(name)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store := NewStore(db.DB)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

func TestStoreCreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	r := validRule()
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if r.ID == "" {
		t.Fatal("Create() did not assign an id")
	}

	got, err := store.Get(ctx, r.OwnerID, r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != r.Name || got.Priority != r.Priority || !got.Enabled {
		t.Errorf("Get() = %+v, want %+v", got, r)
	}
	if len(got.Actions) != 3 || got.Actions[0] != (AddLabel{Label: "Newsletter"}) {
		t.Errorf("Get() actions = %#v", got.Actions)
	}
	if got.Conditions.Field != FieldFrom || got.Conditions.Value != "newsletter@x.com" {
		t.Errorf("Get() conditions = %#v", got.Conditions)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func TestStoreCreateRejectsInvalid(t *testing.T) {
	store := setupStore(t)

	r := validRule()
	r.Actions = nil
	err := store.Create(context.Background(), r)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Create() error = %v, want ErrValidation", err)
	}
}

func TestStoreNameConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, validRule()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := store.Create(ctx, validRule())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Create() error = %v, want ErrConflict", err)
	}

	// Same name under a different owner is fine.
	other := validRule()
	other.OwnerID = "owner-2"
	if err := store.Create(ctx, other); err != nil {
		t.Errorf("Create() for other owner error = %v", err)
	}
}

func TestStoreDeleteFreesName(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	r := validRule()
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Delete(ctx, r.OwnerID, r.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := store.Get(ctx, r.OwnerID, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, r.OwnerID, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if err := store.Create(ctx, validRule()); err != nil {
		t.Errorf("Create() reusing name error = %v", err)
	}
}

func TestStoreOwnerScoping(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	r := validRule()
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := store.Get(ctx, "intruder", r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() by other owner error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "intruder", r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() by other owner error = %v, want ErrNotFound", err)
	}

	stolen := *r
	stolen.OwnerID = "intruder"
	if err := store.Update(ctx, &stolen); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() by other owner error = %v, want ErrNotFound", err)
	}
}

func TestStoreUpdate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	r := validRule()
	r.SystemType = "newsletter"
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	created := r.CreatedAt

	update := &Rule{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Name:       "Renamed",
		Enabled:    false,
		Priority:   5,
		Conditions: Leaf(FieldSubject, OperatorContains, "digest"),
		Actions:    []Action{MarkRead{Read: true}},
	}
	if err := store.Update(ctx, update); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Get(ctx, r.OwnerID, r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Renamed" || got.Enabled || got.Priority != 5 {
		t.Errorf("Get() after update = %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed: %v -> %v", created, got.CreatedAt)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", got.UpdatedAt, created)
	}
	if got.SystemType != "newsletter" {
		t.Errorf("SystemType = %q, want preserved", got.SystemType)
	}
}

func TestStoreUpdateConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first := validRule()
	second := validRule()
	second.Name = "Receipts"
	for _, r := range []*Rule{first, second} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	second.Name = first.Name
	if err := store.Update(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("Update() error = %v, want ErrConflict", err)
	}
}

func TestStoreListOrder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	specs := []struct {
		name     string
		priority int
		enabled  bool
	}{
		{"late-low", 10, true},
		{"first-high", 0, true},
		{"second-high", 0, false},
		{"middle", 5, true},
	}
	for _, s := range specs {
		r := validRule()
		r.Name = s.name
		r.Priority = s.priority
		r.Enabled = s.enabled
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create(%s) error = %v", s.name, err)
		}
	}

	all, err := store.List(ctx, "owner-1", ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var names []string
	for _, r := range all {
		names = append(names, r.Name)
	}
	want := []string{"first-high", "second-high", "middle", "late-low"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("List() order = %v, want %v", names, want)
	}

	enabled, err := store.List(ctx, "owner-1", ListOptions{EnabledOnly: true})
	if err != nil {
		t.Fatalf("List(EnabledOnly) error = %v", err)
	}
	if len(enabled) != 3 {
		t.Errorf("List(EnabledOnly) returned %d rules, want 3", len(enabled))
	}

	n, err := store.Count(ctx, "owner-1")
	if err != nil || n != 4 {
		t.Errorf("Count() = %d, %v; want 4", n, err)
	}
}
