// Package rules defines user mail rules: their condition trees, the closed set
// of actions they can run, ordering, validation and sqlite persistence.
package rules

import (
	"time"
)

// Rule maps a condition tree to an ordered list of actions for one owner.
type Rule struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	Enabled     bool
	Priority    int // lower runs first
	Conditions  Condition
	Actions     []Action
	SystemType  string // empty for user-defined rules
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stops reports whether the rule ends rule iteration when it matches.
func (r *Rule) Stops() bool {
	for _, a := range r.Actions {
		if a.Kind() == KindStopProcessing {
			return true
		}
	}
	return false
}

// EmailContext is the metadata a rule is evaluated against.
type EmailContext struct {
	ID          string
	ThreadID    string
	From        string
	To          []string
	Subject     string
	BodySnippet string
	Labels      []string
	IsRead      bool
	ReceivedAt  time.Time
	AuthResults []string // e.g. "dkim=pass", "dmarc=fail"
}
