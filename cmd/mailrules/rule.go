package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailrules/internal/service"
)

// Rule management commands
var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage mail rules",
}

var (
	ruleApplyExisting bool
	ruleApplyLabel    string
	ruleApplySince    string
)

var ruleAddCmd = &cobra.Command{
	Use:   "add <owner> <rule.yaml>",
	Short: "Add a rule from a YAML file (- for stdin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerID, path := args[0], args[1]

		var doc ruleDoc
		if err := readYAML(path, &doc); err != nil {
			return fmt.Errorf("failed to read rule: %w", err)
		}
		r, err := doc.Rule()
		if err != nil {
			return err
		}

		opts := service.CreateOptions{ApplyToExisting: ruleApplyExisting, Label: ruleApplyLabel}
		if ruleApplySince != "" {
			opts.Since, err = time.Parse("2006-01-02", ruleApplySince)
			if err != nil {
				return fmt.Errorf("invalid --since date: %w", err)
			}
		}

		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err = a.svc.CreateRule(cmd.Context(), ownerID, r, opts)
		if err != nil {
			return fmt.Errorf("failed to add rule: %w", err)
		}

		fmt.Printf("Rule '%s' added with ID %s\n", r.Name, r.ID)
		if opts.ApplyToExisting {
			fmt.Println("Queued apply to existing messages")
		}
		return nil
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list <owner>",
	Short: "List an owner's rules in execution order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.svc.ListRules(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}

		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			docs := make([]ruleDoc, 0, len(list))
			for _, r := range list {
				docs = append(docs, ruleDocOf(r))
			}
			return printYAML(os.Stdout, docs)
		}

		fmt.Printf("%-36s %-30s %-8s %-8s %-7s %s\n", "ID", "NAME", "PRIORITY", "ENABLED", "ACTIONS", "CREATED")
		fmt.Println("--------------------------------------------------------------------------------------------------------------")
		for _, r := range list {
			status := "yes"
			if !r.Enabled {
				status = "no"
			}
			fmt.Printf("%-36s %-30s %-8d %-8s %-7d %s\n", r.ID, r.Name, r.Priority, status, len(r.Actions), r.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var ruleUpdateCmd = &cobra.Command{
	Use:   "update <owner> <rule-id> <rule.yaml>",
	Short: "Replace a rule with the contents of a YAML file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerID, ruleID, path := args[0], args[1], args[2]

		var doc ruleDoc
		if err := readYAML(path, &doc); err != nil {
			return fmt.Errorf("failed to read rule: %w", err)
		}
		r, err := doc.Rule()
		if err != nil {
			return err
		}
		r.ID = ruleID

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.svc.UpdateRule(cmd.Context(), ownerID, r); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		fmt.Printf("Rule %s updated\n", ruleID)
		return nil
	},
}

var ruleDeleteCmd = &cobra.Command{
	Use:   "delete <owner> <rule-id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.DeleteRule(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		fmt.Printf("Rule %s deleted\n", args[1])
		return nil
	},
}

var ruleTestCmd = &cobra.Command{
	Use:   "test <owner> <rule.yaml> <email.yaml>",
	Short: "Dry-run a rule against a sample email",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerID := args[0]

		var doc ruleDoc
		if err := readYAML(args[1], &doc); err != nil {
			return fmt.Errorf("failed to read rule: %w", err)
		}
		r, err := doc.Rule()
		if err != nil {
			return err
		}
		var sample emailDoc
		if err := readYAML(args[2], &sample); err != nil {
			return fmt.Errorf("failed to read email: %w", err)
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.svc.TestRule(cmd.Context(), ownerID, r, sample.Email())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	ruleAddCmd.Flags().BoolVar(&ruleApplyExisting, "apply-existing", false, "also apply the rule to messages already in the mailbox")
	ruleAddCmd.Flags().StringVar(&ruleApplyLabel, "label", "", "with --apply-existing, only messages carrying this label")
	ruleAddCmd.Flags().StringVar(&ruleApplySince, "since", "", "with --apply-existing, only messages received after this date (YYYY-MM-DD)")
	ruleListCmd.Flags().Bool("yaml", false, "print rules as YAML documents")

	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleUpdateCmd)
	ruleCmd.AddCommand(ruleDeleteCmd)
	ruleCmd.AddCommand(ruleTestCmd)
	rootCmd.AddCommand(ruleCmd)
}

