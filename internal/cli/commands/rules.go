package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gm-agent-org/gm-warden/internal/cli/client"
	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// NewRulesCmd creates the rule-listing command.
func NewRulesCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List allow and deny rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := client.New(cfg.Server, cfg.Timeout)
			if err != nil {
				return err
			}
			status, body, err := cli.Get(cmd.Context(), "/api/rules")
			if err != nil {
				return err
			}
			if status != 200 {
				return fmt.Errorf("server returned %d: %s", status, body)
			}

			var rs types.RuleSet
			if err := json.Unmarshal(body, &rs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Fprintln(os.Stdout, styleApproved.Render("allow:"))
			printRules(rs.Allow)
			fmt.Fprintln(os.Stdout, styleDenied.Render("deny:"))
			printRules(rs.Deny)
			return nil
		},
	}
}

func printRules(list []string) {
	if len(list) == 0 {
		fmt.Fprintln(os.Stdout, styleMuted.Render("  (none)"))
		return
	}
	for _, rule := range list {
		fmt.Fprintf(os.Stdout, "  %s\n", rule)
	}
}

// NewAllowCmd creates the rule-adding command.
func NewAllowCmd(cfg *Config) *cobra.Command {
	var deny bool
	cmd := &cobra.Command{
		Use:   `allow "<rule>"`,
		Short: `Add an allow rule, e.g. allow "network(*.example.com)"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := args[0]
			if _, ok := rules.Parse(rule); !ok {
				return fmt.Errorf("unparseable rule %q (expected category(pattern))", rule)
			}

			listType := "allow"
			if deny {
				listType = "deny"
			}
			cli, err := client.New(cfg.Server, cfg.Timeout)
			if err != nil {
				return err
			}
			status, body, err := cli.Post(cmd.Context(), "/api/rules",
				map[string]any{"type": listType, "rule": rule})
			if err != nil {
				return err
			}
			if status != 200 {
				return fmt.Errorf("server returned %d: %s", status, body)
			}

			var resp struct {
				Added bool `json:"added"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if !resp.Added {
				fmt.Fprintln(os.Stdout, styleMuted.Render("rule not added (duplicate?)"))
				return nil
			}
			fmt.Fprintf(os.Stdout, "%s rule added: %s\n", listType, rule)
			return nil
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "Add to the deny list instead")
	return cmd
}
