// Package provider is the boundary to the mail store a user's rules act on.
//
// A Client is resolved per owner (see Factory) and passed explicitly to the
// engine, the batch service and the outbox processor. Adapters live in the
// imap and maildir subpackages; providertest holds an in-memory fake.
package provider

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fenilsonani/mailrules/internal/rules"
)

// Client is the capability surface rules and batches need from a mailbox.
type Client interface {
	// ListMessages returns message ids, newest first.
	ListMessages(ctx context.Context, opts ListOptions) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	Modify(ctx context.Context, id string, mod Modification) error
	// BatchModify applies mod to at most BatchLimit ids. The returned slice
	// has one entry per id, in the same order; a non-nil error means the
	// whole call failed and no per-item results are available.
	BatchModify(ctx context.Context, ids []string, mod Modification) ([]ItemResult, error)
	Forward(ctx context.Context, id, to string) error
	BatchLimit() int
	Close() error
}

// ListOptions filters ListMessages.
type ListOptions struct {
	// Label restricts the listing to messages carrying it (empty = all).
	Label string
	// Since skips messages received before it.
	Since time.Time
	// Limit caps the number of ids (0 = no limit).
	Limit int
}

// Message is the metadata a provider returns for one message.
type Message struct {
	ID          string
	ThreadID    string
	From        string
	To          []string
	Subject     string
	Snippet     string
	Labels      []string
	IsRead      bool
	ReceivedAt  time.Time
	AuthResults []string
}

// EmailContext converts m into the input of rule evaluation.
func (m *Message) EmailContext() *rules.EmailContext {
	return &rules.EmailContext{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		From:        m.From,
		To:          slices.Clone(m.To),
		Subject:     m.Subject,
		BodySnippet: m.Snippet,
		Labels:      slices.Clone(m.Labels),
		IsRead:      m.IsRead,
		ReceivedAt:  m.ReceivedAt,
		AuthResults: slices.Clone(m.AuthResults),
	}
}

// Modification is a set of changes applied to one or more messages.
type Modification struct {
	AddLabels    []string `json:"add_labels,omitempty"`
	RemoveLabels []string `json:"remove_labels,omitempty"`
	MarkRead     *bool    `json:"mark_read,omitempty"`
	Archive      bool     `json:"archive,omitempty"`
	Trash        bool     `json:"trash,omitempty"`
}

// IsZero reports whether m changes nothing.
func (m Modification) IsZero() bool {
	return len(m.AddLabels) == 0 && len(m.RemoveLabels) == 0 && m.MarkRead == nil && !m.Archive && !m.Trash
}

// Key returns a canonical string identifying m, used to group batch items
// that can share one provider call.
func (m Modification) Key() string {
	var b strings.Builder
	add := slices.Clone(m.AddLabels)
	slices.Sort(add)
	remove := slices.Clone(m.RemoveLabels)
	slices.Sort(remove)

	b.WriteString("+")
	b.WriteString(strings.Join(add, ","))
	b.WriteString("|-")
	b.WriteString(strings.Join(remove, ","))
	b.WriteString("|r=")
	if m.MarkRead != nil {
		b.WriteString(strconv.FormatBool(*m.MarkRead))
	}
	b.WriteString("|a=")
	b.WriteString(strconv.FormatBool(m.Archive))
	b.WriteString("|t=")
	b.WriteString(strconv.FormatBool(m.Trash))
	return b.String()
}

// Apply returns the labels and read state a message would have after m,
// starting from labels and read. Archive removes the inbox label and Trash
// adds the trash label, mirroring what the adapters do server side.
func (m Modification) Apply(labels []string, read bool) ([]string, bool) {
	out := slices.Clone(labels)
	for _, l := range m.RemoveLabels {
		out = removeFold(out, l)
	}
	for _, l := range m.AddLabels {
		if !containsFold(out, l) {
			out = append(out, l)
		}
	}
	if m.Archive {
		out = removeFold(out, LabelInbox)
	}
	if m.Trash {
		out = removeFold(out, LabelInbox)
		if !containsFold(out, LabelTrash) {
			out = append(out, LabelTrash)
		}
	}
	if m.MarkRead != nil {
		read = *m.MarkRead
	}
	return out, read
}

// Well-known labels shared by every adapter.
const (
	LabelInbox = "INBOX"
	LabelTrash = "TRASH"
)

// ItemResult is the per-message outcome of BatchModify.
type ItemResult struct {
	ID  string
	Err error
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

func removeFold(list []string, s string) []string {
	return slices.DeleteFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
