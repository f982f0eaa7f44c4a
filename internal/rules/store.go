package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Store handles rule database operations
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new rule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ListOptions filters List.
type ListOptions struct {
	EnabledOnly bool
}

const ruleColumns = `id, owner_id, name, description, enabled, priority, conditions, actions, system_type, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r          Rule
		conditions string
		actions    string
		systemType sql.NullString
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Description, &r.Enabled, &r.Priority,
		&conditions, &actions, &systemType, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s: failed to decode conditions: %w", r.ID, err)
	}
	if r.Actions, err = UnmarshalActions([]byte(actions)); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.SystemType = systemType.String
	return &r, nil
}

func encodeRule(r *Rule) (conditions, actions string, err error) {
	c, err := json.Marshal(r.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conditions: %w", err)
	}
	a, err := MarshalActions(r.Actions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode actions: %w", err)
	}
	return string(c), string(a), nil
}

// Create validates and inserts a rule, assigning its id and timestamps.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	conditions, actions, err := encodeRule(r)
	if err != nil {
		return err
	}

	now := s.now()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.OwnerID, r.Name, r.Description, r.Enabled, r.Priority,
		conditions, actions, nullString(r.SystemType), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return mapWriteError(err, r.Name)
	}
	return nil
}

// Get returns one non-deleted rule of ownerID.
func (s *Store) Get(ctx context.Context, ownerID, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE owner_id = ? AND id = ? AND deleted_at IS NULL
	`, ownerID, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the owner's rules in execution order.
func (s *Store) List(ctx context.Context, ownerID string, opts ListOptions) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE owner_id = ? AND deleted_at IS NULL`
	if opts.EnabledOnly {
		query += ` AND enabled = 1`
	}

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	Sort(out)
	return out, nil
}

// Count returns the number of non-deleted rules of ownerID.
func (s *Store) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rules WHERE owner_id = ? AND deleted_at IS NULL`, ownerID,
	).Scan(&n)
	return n, err
}

// Update replaces the mutable fields of an existing rule. CreatedAt and
// SystemType are preserved from the stored row.
func (s *Store) Update(ctx context.Context, r *Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	conditions, actions, err := encodeRule(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := scanRule(tx.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE owner_id = ? AND id = ? AND deleted_at IS NULL
	`, r.OwnerID, r.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	if err != nil {
		return err
	}

	r.CreatedAt = existing.CreatedAt
	r.SystemType = existing.SystemType
	r.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `
		UPDATE rules
		SET name = ?, description = ?, enabled = ?, priority = ?, conditions = ?, actions = ?, updated_at = ?
		WHERE owner_id = ? AND id = ? AND deleted_at IS NULL
	`, r.Name, r.Description, r.Enabled, r.Priority, conditions, actions, r.UpdatedAt, r.OwnerID, r.ID)
	if err != nil {
		return mapWriteError(err, r.Name)
	}

	return tx.Commit()
}

// Delete soft-deletes a rule so its name can be reused while past
// executions keep their reference.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE rules SET deleted_at = ?, enabled = 0, updated_at = ?
		WHERE owner_id = ? AND id = ? AND deleted_at IS NULL
	`, now, now, ownerID, id)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// mapWriteError turns unique-index violations into ErrConflict.
func mapWriteError(err error, name string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %q", ErrConflict, name)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
