package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/mailrules/internal/storage/metadata"
)

// Store persists outbox rows in sqlite. Every status change is a
// compare-and-swap on the current status and claim token, so correctness
// across processes rests on the database alone.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new outbox store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const actionColumns = `id, owner_id, rule_id, email_id, action_type, action_data, status, retry_count,
	error_message, next_attempt_at, claimed_at, claim_token, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a          Action
		ruleID     sql.NullString
		actionType string
		data       string
		status     string
		errMsg     sql.NullString
		token      sql.NullString
		next       metadata.Timestamp
		claimed    metadata.Timestamp
		created    metadata.Timestamp
		updated    metadata.Timestamp
	)
	err := row.Scan(&a.ID, &a.OwnerID, &ruleID, &a.EmailID, &actionType, &data, &status, &a.RetryCount,
		&errMsg, &next, &claimed, &token, &created, &updated)
	if err != nil {
		return nil, err
	}

	if a.Payload, err = DecodePayload(Type(actionType), []byte(data)); err != nil {
		return nil, fmt.Errorf("outbox action %s: %w", a.ID, err)
	}
	a.RuleID = ruleID.String
	a.Status = Status(status)
	a.Error = errMsg.String
	a.ClaimToken = token.String
	a.NextAttemptAt = next.Time
	a.ClaimedAt = claimed.Time
	a.CreatedAt = created.Time
	a.UpdatedAt = updated.Time
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Enqueue inserts a as a new pending row. A zero NextAttemptAt means the row
// is due immediately.
func (s *Store) Enqueue(ctx context.Context, a *Action) error {
	if a.OwnerID == "" {
		return errors.New("outbox action requires an owner")
	}
	if a.Payload == nil {
		return errors.New("outbox action requires a payload")
	}
	data, err := EncodePayload(a.Payload)
	if err != nil {
		return err
	}

	now := s.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.NextAttemptAt.IsZero() {
		a.NextAttemptAt = now
	}
	a.NextAttemptAt = a.NextAttemptAt.UTC()
	a.Status = StatusPending
	a.RetryCount = 0
	a.Error = ""
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO async_actions (id, owner_id, rule_id, email_id, action_type, action_data, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, a.ID, a.OwnerID, nullString(a.RuleID), a.EmailID, string(a.Type()), string(data),
		string(a.Status), a.NextAttemptAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue action: %w", err)
	}
	return nil
}

// Claim atomically moves up to limit due pending rows to processing and
// returns them, oldest due first. All rows of one claim share a token.
func (s *Store) Claim(ctx context.Context, limit int) ([]*Action, error) {
	if limit <= 0 {
		return nil, nil
	}
	to, err := Next(StatusPending, EventClaim)
	if err != nil {
		return nil, err
	}

	now := s.now()
	token := uuid.New().String()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE async_actions
		SET status = ?, claimed_at = ?, claim_token = ?, updated_at = ?
		WHERE status = ? AND id IN (
			SELECT id FROM async_actions
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY next_attempt_at, created_at, id
			LIMIT ?
		)
		RETURNING `+actionColumns,
		string(to), now, token, now,
		string(StatusPending), string(StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim actions: %w", err)
	}
	defer rows.Close()

	var claimed []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim actions: %w", err)
	}

	sort.Slice(claimed, func(i, j int) bool {
		a, b := claimed[i], claimed[j]
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return claimed, nil
}

// Transition applies ev to a claimed row. delay sets the next attempt of a
// row returning to pending; cause is recorded as its error message. The
// write only succeeds while a still holds its claim; otherwise ErrClaimLost
// is returned and nothing changes.
func (s *Store) Transition(ctx context.Context, a *Action, ev Event, delay time.Duration, cause error) error {
	to, err := Next(a.Status, ev)
	if err != nil {
		return err
	}

	now := s.now()
	retries := a.RetryCount
	if ev == EventRetry {
		retries++
	}
	next := a.NextAttemptAt
	if to == StatusPending {
		next = now.Add(delay)
	}
	var errMsg sql.NullString
	if cause != nil {
		errMsg = sql.NullString{String: cause.Error(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE async_actions
		SET status = ?, retry_count = ?, error_message = ?, next_attempt_at = ?,
			claimed_at = NULL, claim_token = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?
	`, string(to), retries, errMsg, next, now, a.ID, string(a.Status), a.ClaimToken)
	if err != nil {
		return fmt.Errorf("failed to update action %s: %w", a.ID, err)
	}
	if err := claimHeld(res, a); err != nil {
		return err
	}

	a.Status = to
	a.RetryCount = retries
	a.Error = errMsg.String
	a.NextAttemptAt = next
	a.ClaimedAt = time.Time{}
	a.ClaimToken = ""
	a.UpdatedAt = now
	return nil
}

// Touch renews the claim on a processing row, restarting its stale clock.
// It returns ErrClaimLost when the row was taken over since it was claimed.
func (s *Store) Touch(ctx context.Context, a *Action) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_actions SET claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?
	`, now, now, a.ID, string(StatusProcessing), a.ClaimToken)
	if err != nil {
		return fmt.Errorf("failed to renew claim on action %s: %w", a.ID, err)
	}
	if err := claimHeld(res, a); err != nil {
		return err
	}
	a.ClaimedAt = now
	a.UpdatedAt = now
	return nil
}

func claimHeld(res sql.Result, a *Action) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update action %s: %w", a.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrClaimLost, a.ID)
	}
	return nil
}

// Stale returns processing rows claimed before cutoff.
func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]*Action, error) {
	return s.query(ctx, `SELECT `+actionColumns+` FROM async_actions
		WHERE status = ? AND claimed_at < ?
		ORDER BY claimed_at, id`, string(StatusProcessing), cutoff.UTC())
}

// Get returns one row by id.
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM async_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

// ListFilter narrows List.
type ListFilter struct {
	OwnerID string
	Status  Status
	Limit   int
}

// List returns rows matching f, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Action, error) {
	query := `SELECT ` + actionColumns + ` FROM async_actions WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CountByStatus returns the number of rows per status, every status present.
// An empty ownerID counts all owners.
func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM async_actions`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Cleanup deletes completed and failed rows last updated before cutoff.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM async_actions
		WHERE status IN (?, ?) AND updated_at < ?
	`, string(StatusCompleted), string(StatusFailed), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up actions: %w", err)
	}
	return res.RowsAffected()
}
