package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrules/internal/audit"
	"github.com/fenilsonani/mailrules/internal/engine"
	"github.com/fenilsonani/mailrules/internal/logging"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/rules"
)

// handle runs one outbox row against the owner's client.
func (s *Service) handle(ctx context.Context, client provider.Client, a *outbox.Action) error {
	switch p := a.Payload.(type) {
	case outbox.ForwardPayload:
		return client.Forward(ctx, p.MessageID, p.To)
	case outbox.BatchModifyPayload:
		return s.modifyAll(ctx, client, p.MessageIDs, p.Modification)
	case outbox.BulkApplyPayload:
		return s.bulkApply(ctx, client, a.OwnerID, p)
	default:
		return provider.Fatal(string(a.Type()), fmt.Errorf("%w: %T", outbox.ErrUnknownType, a.Payload))
	}
}

// modifyAll applies mod to ids through the batch service. The row is retried
// while any item failed for a transient reason; items that failed
// permanently are dropped, and the row fails only when nothing succeeded.
func (s *Service) modifyAll(ctx context.Context, client provider.Client, ids []string, mod provider.Modification) error {
	if len(ids) == 0 || mod.IsZero() {
		return nil
	}
	results := s.batch.Apply(ctx, client, ids, mod)

	var retryable, permanent error
	failed := 0
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		failed++
		if provider.Classify(r.Err) == provider.ClassFatal {
			if permanent == nil {
				permanent = r.Err
			}
		} else if retryable == nil {
			retryable = r.Err
		}
	}

	switch {
	case retryable != nil:
		return retryable
	case failed == len(results):
		return provider.Fatal("batch_modify", permanent)
	case failed > 0:
		s.logger.WarnContext(ctx, "Batch applied with permanently failed items",
			"items", len(results),
			"failed", failed,
			"error", permanent.Error(),
		)
	}
	return nil
}

// bulkApply evaluates a rule over existing messages and applies its message
// modifications to the matches. Forwards are not replayed for old mail.
func (s *Service) bulkApply(ctx context.Context, client provider.Client, ownerID string, p outbox.BulkApplyPayload) error {
	ctx = logging.WithRuleID(ctx, p.RuleID)
	r, err := s.rules.Get(ctx, ownerID, p.RuleID)
	if err != nil {
		return err
	}
	if !r.Enabled {
		return nil
	}
	mod := engine.Merge(r.Actions)

	ids, err := client.ListMessages(ctx, provider.ListOptions{Label: p.Label, Since: p.Since, Limit: p.Limit})
	if err != nil {
		return err
	}

	var (
		matches []string
		execs   []*audit.Execution
	)
	for _, id := range ids {
		start := time.Now()
		msg, err := client.GetMessage(ctx, id)
		if errors.Is(err, provider.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		matched, err := r.Conditions.Evaluate(msg.EmailContext())
		if err != nil {
			return provider.Fatal("bulk_apply", err)
		}
		exec := &audit.Execution{
			RuleID:   r.ID,
			EmailID:  id,
			OwnerID:  ownerID,
			Matched:  matched,
			Success:  true,
			Duration: time.Since(start),
		}
		if matched {
			matches = append(matches, id)
			exec.ActionsExecuted = countModifications(r.Actions)
		}
		execs = append(execs, exec)
	}

	if err := s.modifyAll(ctx, client, matches, mod); err != nil {
		return err
	}
	if err := s.execs.Append(ctx, execs...); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record bulk apply executions", err)
	}
	s.logger.InfoContext(ctx, "Rule applied to existing messages",
		"scanned", len(ids),
		"matched", len(matches),
	)
	return nil
}

func countModifications(actions []rules.Action) int {
	n := 0
	for _, a := range actions {
		if _, err := engine.Modification(a); err == nil {
			n++
		}
	}
	return n
}
