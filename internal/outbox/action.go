// Package outbox is the durable queue of slow or bulk provider actions. Rows
// are claimed atomically, run by a bounded worker pool and moved through a
// single state machine.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrules/internal/provider"
)

// Common errors
var (
	ErrNotFound          = errors.New("outbox action not found")
	ErrClaimLost         = errors.New("outbox action is no longer held by this claim")
	ErrInvalidTransition = errors.New("invalid outbox transition")
	ErrUnknownType       = errors.New("unknown outbox action type")
)

// Status is the lifecycle state of an Action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type names the payload variant of an Action.
type Type string

const (
	TypeForward     Type = "forward"
	TypeBatchModify Type = "batch_modify"
	TypeBulkApply   Type = "bulk_apply"
)

// Payload is the typed body of an outbox row. The set of implementations is
// closed.
type Payload interface {
	Type() Type
	payload()
}

// ForwardPayload forwards one message.
type ForwardPayload struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
}

// BatchModifyPayload applies one modification to many messages.
type BatchModifyPayload struct {
	MessageIDs   []string              `json:"message_ids"`
	Modification provider.Modification `json:"modification"`
}

// BulkApplyPayload runs a rule over messages that already exist in the
// mailbox.
type BulkApplyPayload struct {
	RuleID string    `json:"rule_id"`
	Label  string    `json:"label,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

func (ForwardPayload) Type() Type     { return TypeForward }
func (BatchModifyPayload) Type() Type { return TypeBatchModify }
func (BulkApplyPayload) Type() Type   { return TypeBulkApply }

func (ForwardPayload) payload()     {}
func (BatchModifyPayload) payload() {}
func (BulkApplyPayload) payload()   {}

// EncodePayload serializes p for the action_data column.
func EncodePayload(p Payload) ([]byte, error) {
	switch p.(type) {
	case ForwardPayload, BatchModifyPayload, BulkApplyPayload:
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, p)
	}
}

// DecodePayload parses the action_data column of a row of type t.
func DecodePayload(t Type, data []byte) (Payload, error) {
	switch t {
	case TypeForward:
		var p ForwardPayload
		err := json.Unmarshal(data, &p)
		return p, err
	case TypeBatchModify:
		var p BatchModifyPayload
		err := json.Unmarshal(data, &p)
		return p, err
	case TypeBulkApply:
		var p BulkApplyPayload
		err := json.Unmarshal(data, &p)
		return p, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Action is one outbox row.
type Action struct {
	ID            string
	OwnerID       string
	RuleID        string // empty for ad-hoc batch rows
	EmailID       string // empty for batch rows
	Payload       Payload
	Status        Status
	RetryCount    int
	Error         string
	NextAttemptAt time.Time
	ClaimedAt     time.Time
	ClaimToken    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Type returns the payload type.
func (a *Action) Type() Type {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.Type()
}
