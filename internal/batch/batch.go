// Package batch applies user-initiated bulk actions to many messages at once,
// independent of rule matching.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fenilsonani/mailrules/internal/logging"
	"github.com/fenilsonani/mailrules/internal/metrics"
	"github.com/fenilsonani/mailrules/internal/provider"
)

// MaxBatchSize is the default cap on items per request.
const MaxBatchSize = 500

// DefaultProviderLimit is used when a client reports no batch limit.
const DefaultProviderLimit = 100

// ErrInvalidBatch is returned by Execute for a batch that fails Validate.
var ErrInvalidBatch = errors.New("invalid batch")

// ActionType is a bulk action.
type ActionType string

const (
	ActionArchive     ActionType = "archive"
	ActionUnarchive   ActionType = "unarchive"
	ActionTrash       ActionType = "trash"
	ActionMarkRead    ActionType = "mark_read"
	ActionMarkUnread  ActionType = "mark_unread"
	ActionAddLabel    ActionType = "add_label"
	ActionRemoveLabel ActionType = "remove_label"
)

// NeedsLabel reports whether the action requires Item.LabelID.
func (a ActionType) NeedsLabel() bool {
	return a == ActionAddLabel || a == ActionRemoveLabel
}

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	switch a {
	case ActionArchive, ActionUnarchive, ActionTrash, ActionMarkRead, ActionMarkUnread, ActionAddLabel, ActionRemoveLabel:
		return true
	}
	return false
}

// Item is one requested change.
type Item struct {
	EmailID string     `json:"email_id" yaml:"email_id"`
	Action  ActionType `json:"action" yaml:"action"`
	LabelID string     `json:"label_id,omitempty" yaml:"label_id,omitempty"`
}

// Modification returns the provider change the item asks for.
func (it Item) Modification() provider.Modification {
	read, unread := true, false
	switch it.Action {
	case ActionArchive:
		return provider.Modification{Archive: true}
	case ActionUnarchive:
		return provider.Modification{AddLabels: []string{provider.LabelInbox}}
	case ActionTrash:
		return provider.Modification{Trash: true}
	case ActionMarkRead:
		return provider.Modification{MarkRead: &read}
	case ActionMarkUnread:
		return provider.Modification{MarkRead: &unread}
	case ActionAddLabel:
		return provider.Modification{AddLabels: []string{it.LabelID}}
	case ActionRemoveLabel:
		return provider.Modification{RemoveLabels: []string{it.LabelID}}
	}
	return provider.Modification{}
}

// ItemResult is the outcome of one item. Results are returned in input order.
type ItemResult struct {
	EmailID string     `json:"email_id"`
	Action  ActionType `json:"action"`
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
	// Class is the provider error class of a failure.
	Class string `json:"class,omitempty"`
}

// OptimisticUpdate is the change a caller may show before results arrive.
type OptimisticUpdate struct {
	EmailID      string   `json:"email_id"`
	AddLabels    []string `json:"add_labels,omitempty"`
	RemoveLabels []string `json:"remove_labels,omitempty"`
	IsRead       *bool    `json:"is_read,omitempty"`
}

// Outcome is the result of Execute.
type Outcome struct {
	Results           []ItemResult       `json:"results"`
	OptimisticUpdates []OptimisticUpdate `json:"optimistic_updates"`
	Succeeded         int                `json:"succeeded"`
	Failed            int                `json:"failed"`
}

// ItemError is a validation failure. Index is -1 for batch-level errors.
type ItemError struct {
	Index   int    `json:"index"`
	EmailID string `json:"email_id,omitempty"`
	Reason  string `json:"reason"`
}

func (e ItemError) String() string {
	if e.Index < 0 {
		return e.Reason
	}
	return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
}

// ValidationResult is the result of Validate.
type ValidationResult struct {
	Valid  bool        `json:"valid"`
	Errors []ItemError `json:"errors,omitempty"`
}

// Err returns nil for a valid batch, otherwise an error wrapping
// ErrInvalidBatch.
func (v ValidationResult) Err() error {
	if v.Valid {
		return nil
	}
	msgs := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidBatch, strings.Join(msgs, "; "))
}

// Group is a set of messages receiving the same modification.
type Group struct {
	Modification provider.Modification
	EmailIDs     []string
	// indexes maps each EmailIDs entry back to its item.
	indexes []int
}

// Config configures the service.
type Config struct {
	MaxBatchSize int
	// Concurrency bounds concurrent provider calls of one Execute.
	Concurrency int
	// CallTimeout bounds one provider batch call.
	CallTimeout time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: MaxBatchSize,
		Concurrency:  4,
		CallTimeout:  30 * time.Second,
	}
}

// Service validates and executes batches.
type Service struct {
	cfg    Config
	logger *logging.Logger
}

// NewService creates a batch service.
func NewService(cfg Config, logger *logging.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{cfg: cfg, logger: logger.Batch()}
}

// Validate checks the batch as a whole and every item.
func (s *Service) Validate(items []Item) ValidationResult {
	var errs []ItemError
	switch {
	case len(items) == 0:
		errs = append(errs, ItemError{Index: -1, Reason: "batch is empty"})
	case len(items) > s.cfg.MaxBatchSize:
		errs = append(errs, ItemError{Index: -1, Reason: fmt.Sprintf("batch has %d items, maximum is %d", len(items), s.cfg.MaxBatchSize)})
	}

	for i, it := range items {
		switch {
		case strings.TrimSpace(it.EmailID) == "":
			errs = append(errs, ItemError{Index: i, Reason: "email_id is required"})
		case !it.Action.Valid():
			errs = append(errs, ItemError{Index: i, EmailID: it.EmailID, Reason: fmt.Sprintf("unknown action %q", it.Action)})
		case it.Action.NeedsLabel() && strings.TrimSpace(it.LabelID) == "":
			errs = append(errs, ItemError{Index: i, EmailID: it.EmailID, Reason: fmt.Sprintf("%s requires label_id", it.Action)})
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Groups partitions items by modification, in order of first appearance.
func Groups(items []Item) []Group {
	var groups []Group
	byKey := make(map[string]int)
	for i, it := range items {
		mod := it.Modification()
		key := mod.Key()
		g, ok := byKey[key]
		if !ok {
			g = len(groups)
			byKey[key] = g
			groups = append(groups, Group{Modification: mod})
		}
		groups[g].EmailIDs = append(groups[g].EmailIDs, it.EmailID)
		groups[g].indexes = append(groups[g].indexes, i)
	}
	return groups
}

// OptimisticUpdates projects every requested item onto the field changes a
// caller can apply before the provider confirms them.
func OptimisticUpdates(items []Item) []OptimisticUpdate {
	out := make([]OptimisticUpdate, len(items))
	for i, it := range items {
		mod := it.Modification()
		u := OptimisticUpdate{EmailID: it.EmailID, IsRead: mod.MarkRead}
		u.AddLabels = append(u.AddLabels, mod.AddLabels...)
		u.RemoveLabels = append(u.RemoveLabels, mod.RemoveLabels...)
		if mod.Archive || mod.Trash {
			u.RemoveLabels = append(u.RemoveLabels, provider.LabelInbox)
		}
		if mod.Trash {
			u.AddLabels = append(u.AddLabels, provider.LabelTrash)
		}
		out[i] = u
	}
	return out
}

// Execute validates items and applies them through client. Items are grouped
// by modification, each group is chunked to the client's batch limit and the
// chunks run concurrently. One item's failure never fails its siblings; the
// returned error is non-nil only for an invalid batch.
func (s *Service) Execute(ctx context.Context, client provider.Client, items []Item) (*Outcome, error) {
	if err := s.Validate(items).Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]ItemResult, len(items))
	for i, it := range items {
		results[i] = ItemResult{EmailID: it.EmailID, Action: it.Action}
	}

	for _, g := range Groups(items) {
		outcomes := s.Apply(ctx, client, g.EmailIDs, g.Modification)
		for j, r := range outcomes {
			res := &results[g.indexes[j]]
			if r.Err == nil {
				res.Success = true
				continue
			}
			res.Error = r.Err.Error()
			res.Class = provider.Classify(r.Err).String()
		}
	}

	out := &Outcome{Results: results, OptimisticUpdates: OptimisticUpdates(items)}
	for _, r := range results {
		metrics.RecordBatchItem(r.Success)
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}

	s.logger.InfoContext(ctx, "Batch executed",
		"items", len(items),
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Apply applies mod to ids in chunks of the client's batch limit, with
// bounded concurrency, and returns one result per id in input order.
func (s *Service) Apply(ctx context.Context, client provider.Client, ids []string, mod provider.Modification) []provider.ItemResult {
	results := make([]provider.ItemResult, len(ids))
	limit := client.BatchLimit()
	if limit <= 0 {
		limit = DefaultProviderLimit
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for off := 0; off < len(ids); off += limit {
		end := min(off+limit, len(ids))
		chunk := ids[off:end]
		g.Go(func() error {
			// Chunks own disjoint ranges of results.
			copy(results[off:end], s.call(ctx, client, chunk, mod))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// call runs one provider batch call and spreads a whole-call failure over
// every id of the chunk.
func (s *Service) call(ctx context.Context, client provider.Client, ids []string, mod provider.Modification) []provider.ItemResult {
	out := make([]provider.ItemResult, len(ids))
	for i, id := range ids {
		out[i].ID = id
	}

	fail := func(err error) []provider.ItemResult {
		for i := range out {
			out[i].Err = err
		}
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	res, err := client.BatchModify(callCtx, ids, mod)
	if err != nil {
		s.logger.WarnContext(ctx, "Provider batch call failed",
			"size", len(ids),
			"class", provider.Classify(err).String(),
			"error", err.Error(),
		)
		return fail(err)
	}
	if len(res) != len(ids) {
		return fail(&provider.Error{Op: "batch_modify", Err: fmt.Errorf("provider returned %d results for %d ids", len(res), len(ids))})
	}
	for i, r := range res {
		out[i].Err = r.Err
	}
	return out
}
