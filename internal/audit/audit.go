// Package audit records what the rules engine did: one immutable Execution
// per rule evaluation, and an append-only trail of rule changes and terminal
// outbox transitions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	EventRuleCreate      EventType = "rule.create"
	EventRuleUpdate      EventType = "rule.update"
	EventRuleDelete      EventType = "rule.delete"
	EventAccountSet      EventType = "account.set"
	EventAccountDelete   EventType = "account.delete"
	EventActionCompleted EventType = "outbox.completed"
	EventActionFailed    EventType = "outbox.failed"
	EventActionRecovered EventType = "outbox.recovered"
	EventBatchExecute    EventType = "batch.execute"
)

// Event represents an audit log entry
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`   // owner id, or "system" for background workers
	Action    EventType `json:"action"`
	Target    string    `json:"target"`  // rule or outbox action id
	Details   string    `json:"details"` // JSON with additional context
}

// ActorSystem is the actor recorded for background workers.
const ActorSystem = "system"

// Logger handles audit logging
type Logger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLogger creates a new audit logger. The audit_log table is created by
// the metadata migrations. A nil db yields a nil Logger, which ignores all
// calls.
func NewLogger(db *sql.DB) *Logger {
	if db == nil {
		return nil
	}
	return &Logger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Log records an audit event
func (l *Logger) Log(ctx context.Context, actor string, action EventType, target string, details map[string]any) error {
	if l == nil || l.db == nil {
		return nil
	}

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			detailsJSON = "{}"
		} else {
			detailsJSON = string(data)
		}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, actor, action, target, details) VALUES (?, ?, ?, ?, ?)`,
		l.now(), actor, string(action), target, detailsJSON,
	)
	return err
}

// QueryFilter defines filters for querying audit logs
type QueryFilter struct {
	Actor     string
	Action    EventType
	Target    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

func (f QueryFilter) where() (string, []any) {
	clause := ` WHERE 1=1`
	var args []any

	if f.Actor != "" {
		clause += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		clause += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.Target != "" {
		clause += " AND target = ?"
		args = append(args, f.Target)
	}
	if !f.StartTime.IsZero() {
		clause += " AND timestamp >= ?"
		args = append(args, f.StartTime.UTC())
	}
	if !f.EndTime.IsZero() {
		clause += " AND timestamp <= ?"
		args = append(args, f.EndTime.UTC())
	}
	return clause, args
}

// Query retrieves audit events based on filters, newest first.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	where, args := filter.where()
	query := `SELECT id, timestamp, actor, action, target, details FROM audit_log` + where +
		` ORDER BY timestamp DESC, id DESC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var target, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &target, &details); err != nil {
			return nil, err
		}
		e.Target = target.String
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the total number of audit events matching the filter
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int, error) {
	if l == nil || l.db == nil {
		return 0, nil
	}

	where, args := filter.where()
	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&count)
	return count, err
}
