package rules

import (
	"encoding/json"
	"fmt"
)

// Kind tags an Action variant.
type Kind string

const (
	KindAddLabel       Kind = "add_label"
	KindRemoveLabel    Kind = "remove_label"
	KindArchive        Kind = "archive"
	KindMarkRead       Kind = "mark_read"
	KindForward        Kind = "forward"
	KindStopProcessing Kind = "stop_processing"
)

// Action is one step of a rule. The set of implementations is closed: only
// the types in this file satisfy it.
type Action interface {
	Kind() Kind
	// Synchronous actions run inline while the email is processed; the rest
	// are queued in the outbox.
	Synchronous() bool
	sealed()
}

// AddLabel applies Label to the message.
type AddLabel struct{ Label string }

// RemoveLabel removes Label from the message.
type RemoveLabel struct{ Label string }

// Archive removes the message from the inbox.
type Archive struct{}

// MarkRead sets the read state of the message.
type MarkRead struct{ Read bool }

// Forward sends a copy of the message to Address.
type Forward struct{ Address string }

// StopProcessing prevents lower-priority rules from running for this email.
type StopProcessing struct{}

func (AddLabel) Kind() Kind       { return KindAddLabel }
func (RemoveLabel) Kind() Kind    { return KindRemoveLabel }
func (Archive) Kind() Kind        { return KindArchive }
func (MarkRead) Kind() Kind       { return KindMarkRead }
func (Forward) Kind() Kind        { return KindForward }
func (StopProcessing) Kind() Kind { return KindStopProcessing }

func (AddLabel) Synchronous() bool       { return true }
func (RemoveLabel) Synchronous() bool    { return true }
func (Archive) Synchronous() bool        { return true }
func (MarkRead) Synchronous() bool       { return true }
func (Forward) Synchronous() bool        { return false }
func (StopProcessing) Synchronous() bool { return true }

func (AddLabel) sealed()       {}
func (RemoveLabel) sealed()    {}
func (Archive) sealed()        {}
func (MarkRead) sealed()       {}
func (Forward) sealed()        {}
func (StopProcessing) sealed() {}

// ActionSpec is the untyped wire, storage and file form of an Action.
type ActionSpec struct {
	Type    Kind   `json:"type" yaml:"type"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	Read    *bool  `json:"read,omitempty" yaml:"read,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// SpecOf converts an Action into its untyped representation.
func SpecOf(a Action) ActionSpec {
	switch v := a.(type) {
	case AddLabel:
		return ActionSpec{Type: KindAddLabel, Label: v.Label}
	case RemoveLabel:
		return ActionSpec{Type: KindRemoveLabel, Label: v.Label}
	case Archive:
		return ActionSpec{Type: KindArchive}
	case MarkRead:
		read := v.Read
		return ActionSpec{Type: KindMarkRead, Read: &read}
	case Forward:
		return ActionSpec{Type: KindForward, Address: v.Address}
	case StopProcessing:
		return ActionSpec{Type: KindStopProcessing}
	default:
		panic(fmt.Sprintf("rules: unhandled action %T", a))
	}
}

// FromSpec converts the untyped representation into an Action.
func FromSpec(s ActionSpec) (Action, error) {
	switch s.Type {
	case KindAddLabel:
		return AddLabel{Label: s.Label}, nil
	case KindRemoveLabel:
		return RemoveLabel{Label: s.Label}, nil
	case KindArchive:
		return Archive{}, nil
	case KindMarkRead:
		read := true
		if s.Read != nil {
			read = *s.Read
		}
		return MarkRead{Read: read}, nil
	case KindForward:
		return Forward{Address: s.Address}, nil
	case KindStopProcessing:
		return StopProcessing{}, nil
	default:
		return nil, invalid("actions.type", "unknown action type %q", s.Type)
	}
}

// MarshalActions encodes an action list for storage.
func MarshalActions(actions []Action) ([]byte, error) {
	specs := make([]ActionSpec, 0, len(actions))
	for _, a := range actions {
		specs = append(specs, SpecOf(a))
	}
	return json.Marshal(specs)
}

// UnmarshalActions decodes an action list produced by MarshalActions.
func UnmarshalActions(data []byte) ([]Action, error) {
	var specs []ActionSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to decode actions: %w", err)
	}

	actions := make([]Action, 0, len(specs))
	for _, s := range specs {
		a, err := FromSpec(s)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}
