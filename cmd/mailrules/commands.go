package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailrules/internal/audit"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/rules"
	"github.com/fenilsonani/mailrules/internal/service"
)

// Account commands
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage provider accounts",
}

var accountFlags struct {
	kind        string
	address     string
	username    string
	passwordEnv string
	mailbox     string
	forwardFrom string
}

var accountSetCmd = &cobra.Command{
	Use:   "set <owner>",
	Short: "Create or replace an owner's mailbox account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acct := &provider.Account{
			Kind:        provider.Kind(accountFlags.kind),
			Address:     accountFlags.address,
			Username:    accountFlags.username,
			Mailbox:     accountFlags.mailbox,
			ForwardFrom: accountFlags.forwardFrom,
		}
		if accountFlags.passwordEnv != "" {
			acct.Password = os.Getenv(accountFlags.passwordEnv)
			if acct.Password == "" {
				return fmt.Errorf("environment variable %s is empty", accountFlags.passwordEnv)
			}
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.SetAccount(cmd.Context(), args[0], acct); err != nil {
			return fmt.Errorf("failed to set account: %w", err)
		}
		fmt.Printf("Account for '%s' set (%s %s)\n", args[0], acct.Kind, acct.Address)
		return nil
	},
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete <owner>",
	Short: "Remove an owner's mailbox account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.DeleteAccount(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
		fmt.Printf("Account for '%s' deleted\n", args[0])
		return nil
	},
}

var processMessageID string

var processCmd = &cobra.Command{
	Use:   "process <owner> [email.yaml]",
	Short: "Run an owner's rules for one email",
	Long: `Runs the owner's rules for one email, read from a YAML file or fetched
from the owner's mailbox with --message.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerID := args[0]
		if (len(args) == 2) == (processMessageID != "") {
			return errors.New("give either an email file or --message")
		}

		var email *rules.EmailContext
		if len(args) == 2 {
			var doc emailDoc
			if err := readYAML(args[1], &doc); err != nil {
				return fmt.Errorf("failed to read email: %w", err)
			}
			email = doc.Email()
		}

		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if email == nil {
			email, err = a.svc.FetchEmail(cmd.Context(), ownerID, processMessageID)
			if err != nil {
				return fmt.Errorf("failed to fetch message: %w", err)
			}
		}

		res, err := a.svc.ProcessEmail(cmd.Context(), ownerID, email)
		if errors.Is(err, service.ErrDuplicateEvent) {
			fmt.Printf("Email %s was already processed\n", email.ID)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("%-36s %-8s %-8s %-8s %s\n", "RULE", "MATCHED", "ACTIONS", "SUCCESS", "ERROR")
		fmt.Println("--------------------------------------------------------------------------------")
		for _, e := range res.Executions {
			fmt.Printf("%-36s %-8t %-8d %-8t %s\n", e.RuleID, e.Matched, e.ActionsExecuted, e.Success, e.Error)
		}
		if res.Enqueued > 0 {
			fmt.Printf("%d action(s) queued\n", res.Enqueued)
		}
		if !res.Success() {
			return fmt.Errorf("%d action(s) failed", res.Failed)
		}
		return nil
	},
}

var (
	batchAsync    bool
	batchValidate bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <owner> <batch.yaml>",
	Short: "Apply bulk actions to many messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerID := args[0]

		var doc batchDoc
		if err := readYAML(args[1], &doc); err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}

		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if batchValidate {
			v := a.svc.ValidateBatchActions(doc.Items)
			for _, e := range v.Errors {
				fmt.Printf("item %d (%s): %s\n", e.Index, e.EmailID, e.Reason)
			}
			if !v.Valid {
				return errors.New("batch is invalid")
			}
			fmt.Printf("Batch of %d item(s) is valid\n", len(doc.Items))
			return nil
		}

		res, err := a.svc.ExecuteBatchActions(cmd.Context(), ownerID, doc.Items, service.BatchOptions{Async: batchAsync})
		if err != nil {
			return err
		}
		if len(res.Queued) > 0 {
			fmt.Printf("Queued %d outbox action(s): %v\n", len(res.Queued), res.Queued)
			return nil
		}

		fmt.Printf("%-24s %-14s %-8s %s\n", "EMAIL", "ACTION", "SUCCESS", "ERROR")
		fmt.Println("------------------------------------------------------------------")
		for _, r := range res.Results {
			fmt.Printf("%-24s %-14s %-8t %s\n", r.EmailID, r.Action, r.Success, r.Error)
		}
		fmt.Printf("%d succeeded, %d failed\n", res.Succeeded, res.Failed)
		return nil
	},
}

// Outbox commands
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drive the async action outbox",
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every due outbox action, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.svc.Processor().Drain(cmd.Context())
		printResult(res)
		return err
	},
}

var outboxRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Return actions stuck in processing to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.svc.Processor().RecoverStale(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Recovered %d action(s): %d requeued, %d failed\n", res.Retried+res.Failed, res.Retried, res.Failed)
		return nil
	},
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outbox counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.svc.Processor().Stats(cmd.Context())
		if err != nil {
			return err
		}
		printCounts(stats.Counts)
		return nil
	},
}

var statsSince string

var statsCmd = &cobra.Command{
	Use:   "stats <owner>",
	Short: "Show an owner's rule statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if statsSince != "" {
			d, err := time.ParseDuration(statsSince)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			since = time.Now().Add(-d)
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.svc.GetStats(cmd.Context(), args[0], since)
		if err != nil {
			return err
		}
		e := stats.Executions
		fmt.Printf("Evaluations: %d\nMatches:     %d\nFailures:    %d\nActions run: %d\nAvg time:    %.1fms\n\n",
			e.Evaluations, e.Matches, e.Failures, e.ActionsRun, e.AvgExecutionMS)

		if len(e.Rules) > 0 {
			fmt.Printf("%-36s %-11s %-8s %-8s %s\n", "RULE", "EVALUATED", "MATCHED", "FAILED", "LAST MATCH")
			fmt.Println("--------------------------------------------------------------------------------------")
			for _, r := range e.Rules {
				last := "-"
				if !r.LastMatch.IsZero() {
					last = r.LastMatch.Format(time.RFC3339)
				}
				fmt.Printf("%-36s %-11d %-8d %-8d %s\n", r.RuleID, r.Evaluations, r.Matches, r.Failures, last)
			}
			fmt.Println()
		}
		printCounts(stats.Outbox)
		return nil
	},
}

// Execution log commands
var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Inspect the rule execution log",
}

var executionsLimit int

var executionsListCmd = &cobra.Command{
	Use:   "list <owner>",
	Short: "List an owner's most recent executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.svc.ListExecutions(cmd.Context(), args[0], audit.ListFilter{Limit: executionsLimit})
		if err != nil {
			return err
		}
		fmt.Printf("%-25s %-36s %-20s %-8s %-8s %s\n", "TIME", "RULE", "EMAIL", "MATCHED", "SUCCESS", "ERROR")
		fmt.Println("-----------------------------------------------------------------------------------------------------------------")
		for _, e := range list {
			fmt.Printf("%-25s %-36s %-20s %-8t %-8t %s\n", e.CreatedAt.Format(time.RFC3339), e.RuleID, e.EmailID, e.Matched, e.Success, e.Error)
		}
		return nil
	},
}

var executionsPruneCmd = &cobra.Command{
	Use:   "prune <older-than>",
	Short: "Delete executions older than a duration (e.g. 720h)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration %q", args[0])
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.execs.Cleanup(cmd.Context(), time.Now().Add(-d))
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d execution(s)\n", n)
		return nil
	},
}

func printResult(res outbox.Result) {
	fmt.Printf("Claimed %d: %d completed, %d retried, %d deferred, %d failed, %d lost\n",
		res.Claimed, res.Completed, res.Retried, res.Deferred, res.Failed, res.Lost)
}

func printCounts(counts map[outbox.Status]int) {
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	fmt.Printf("%-12s %s\n", "STATUS", "COUNT")
	fmt.Println("--------------------")
	for _, st := range statuses {
		fmt.Printf("%-12s %d\n", st, counts[outbox.Status(st)])
	}
}

func init() {
	accountSetCmd.Flags().StringVar(&accountFlags.kind, "kind", string(provider.KindIMAP), "provider kind (imap, maildir)")
	accountSetCmd.Flags().StringVar(&accountFlags.address, "address", "", "host:port for imap, directory for maildir")
	accountSetCmd.Flags().StringVar(&accountFlags.username, "username", "", "imap username")
	accountSetCmd.Flags().StringVar(&accountFlags.passwordEnv, "password-env", "", "environment variable holding the imap password")
	accountSetCmd.Flags().StringVar(&accountFlags.mailbox, "mailbox", "INBOX", "mailbox the rules run on")
	accountSetCmd.Flags().StringVar(&accountFlags.forwardFrom, "forward-from", "", "envelope sender for forwarded mail")
	accountCmd.AddCommand(accountSetCmd)
	accountCmd.AddCommand(accountDeleteCmd)
	rootCmd.AddCommand(accountCmd)

	processCmd.Flags().StringVar(&processMessageID, "message", "", "fetch this message id from the owner's mailbox")
	rootCmd.AddCommand(processCmd)

	batchCmd.Flags().BoolVar(&batchAsync, "async", false, "queue the batch in the outbox instead of running it now")
	batchCmd.Flags().BoolVar(&batchValidate, "validate", false, "only validate the batch")
	rootCmd.AddCommand(batchCmd)

	outboxCmd.AddCommand(outboxDrainCmd)
	outboxCmd.AddCommand(outboxRecoverCmd)
	outboxCmd.AddCommand(outboxStatsCmd)
	rootCmd.AddCommand(outboxCmd)

	statsCmd.Flags().StringVar(&statsSince, "since", "", "only executions within this duration (e.g. 24h)")
	rootCmd.AddCommand(statsCmd)

	executionsListCmd.Flags().IntVar(&executionsLimit, "limit", 50, "maximum executions to show")
	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsPruneCmd)
	rootCmd.AddCommand(executionsCmd)
}
