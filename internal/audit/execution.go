package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/mailrules/internal/storage/metadata"
)

// Execution is the immutable record of evaluating one rule against one email.
type Execution struct {
	ID              string
	RuleID          string
	EmailID         string
	OwnerID         string
	Matched         bool
	ActionsExecuted int
	Success         bool
	Error           string
	Duration        time.Duration
	CreatedAt       time.Time
}

// ExecutionLog is the append-only store of Executions.
type ExecutionLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewExecutionLog creates an execution log over db.
func NewExecutionLog(db *sql.DB) *ExecutionLog {
	return &ExecutionLog{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Append writes executions in one transaction, assigning ids and timestamps
// where they are unset.
func (l *ExecutionLog) Append(ctx context.Context, execs ...*Execution) error {
	if len(execs) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO executions (id, rule_id, email_id, owner_id, matched, actions_executed, success, error_message, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := l.now()
	for _, e := range execs {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		var errMsg sql.NullString
		if e.Error != "" {
			errMsg = sql.NullString{String: e.Error, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.RuleID, e.EmailID, e.OwnerID, e.Matched,
			e.ActionsExecuted, e.Success, errMsg, e.Duration.Milliseconds(), e.CreatedAt); err != nil {
			return fmt.Errorf("failed to record execution: %w", err)
		}
	}
	return tx.Commit()
}

// ListFilter narrows List.
type ListFilter struct {
	RuleID  string
	EmailID string
	Since   time.Time
	Limit   int
}

// List returns the owner's executions, newest first.
func (l *ExecutionLog) List(ctx context.Context, ownerID string, f ListFilter) ([]*Execution, error) {
	query := `SELECT id, rule_id, email_id, owner_id, matched, actions_executed, success, error_message, execution_time_ms, created_at
		FROM executions WHERE owner_id = ?`
	args := []any{ownerID}

	if f.RuleID != "" {
		query += " AND rule_id = ?"
		args = append(args, f.RuleID)
	}
	if f.EmailID != "" {
		query += " AND email_id = ?"
		args = append(args, f.EmailID)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var (
			e      Execution
			errMsg sql.NullString
			ms     int64
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.EmailID, &e.OwnerID, &e.Matched, &e.ActionsExecuted,
			&e.Success, &errMsg, &ms, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Error = errMsg.String
		e.Duration = time.Duration(ms) * time.Millisecond
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// RuleStats aggregates the executions of one rule.
type RuleStats struct {
	RuleID      string
	Evaluations int
	Matches     int
	Failures    int
	LastMatch   time.Time
}

// Stats aggregates an owner's executions.
type Stats struct {
	Evaluations    int
	Matches        int
	Failures       int
	ActionsRun     int
	AvgExecutionMS float64
	Rules          []RuleStats
}

// Stats aggregates the owner's executions created at or after since. A zero
// since covers all history.
func (l *ExecutionLog) Stats(ctx context.Context, ownerID string, since time.Time) (*Stats, error) {
	where := ` WHERE owner_id = ?`
	args := []any{ownerID}
	if !since.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}

	var st Stats
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN matched THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(actions_executed), 0),
			COALESCE(AVG(execution_time_ms), 0)
		FROM executions`+where, args...,
	).Scan(&st.Evaluations, &st.Matches, &st.Failures, &st.ActionsRun, &st.AvgExecutionMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate executions: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT rule_id, COUNT(*),
			COALESCE(SUM(CASE WHEN matched THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
			MAX(CASE WHEN matched THEN created_at END)
		FROM executions`+where+`
		GROUP BY rule_id
		ORDER BY rule_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rule executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rs        RuleStats
			lastMatch metadata.Timestamp
		)
		if err := rows.Scan(&rs.RuleID, &rs.Evaluations, &rs.Matches, &rs.Failures, &lastMatch); err != nil {
			return nil, err
		}
		rs.LastMatch = lastMatch.Time
		st.Rules = append(st.Rules, rs)
	}
	return &st, rows.Err()
}

// Cleanup deletes executions created before cutoff.
func (l *ExecutionLog) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
