package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gm-agent-org/gm-warden/internal/cli/client"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// NewApproveCmd creates the approve command.
func NewApproveCmd(cfg *Config) *cobra.Command {
	var all string
	cmd := &cobra.Command{
		Use:   "approve <id>...",
		Short: "Approve pending requests by id, or a whole category with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd.Context(), cfg, args, all, types.StatusApproved)
		},
	}
	cmd.Flags().StringVar(&all, "all", "", "Approve every pending request of a category")
	return cmd
}

// NewDenyCmd creates the deny command.
func NewDenyCmd(cfg *Config) *cobra.Command {
	var all string
	cmd := &cobra.Command{
		Use:   "deny <id>...",
		Short: "Deny pending requests by id, or a whole category with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd.Context(), cfg, args, all, types.StatusDenied)
		},
	}
	cmd.Flags().StringVar(&all, "all", "", "Deny every pending request of a category")
	return cmd
}

func resolve(ctx context.Context, cfg *Config, ids []string, all string, status types.Status) error {
	cli, err := client.New(cfg.Server, cfg.Timeout)
	if err != nil {
		return err
	}

	if all != "" {
		if !types.Category(all).Valid() {
			return fmt.Errorf("unknown category %q", all)
		}
		code, body, err := cli.Post(ctx, "/api/queue/bulk", map[string]any{
			"category":   all,
			"status":     status,
			"resolvedBy": "cli",
		})
		if err != nil {
			return err
		}
		if code != 200 {
			return fmt.Errorf("server returned %d: %s", code, body)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		fmt.Fprintf(os.Stdout, "%d %s request(s) %s\n", resp.Count, all, status)
		return nil
	}

	if len(ids) == 0 {
		return fmt.Errorf("provide request ids or --all <category>")
	}
	verb := "approve"
	if status == types.StatusDenied {
		verb = "deny"
	}
	for _, id := range ids {
		code, body, err := cli.Post(ctx, fmt.Sprintf("/api/queue/%s/%s", id, verb),
			map[string]any{"resolvedBy": "cli"})
		if err != nil {
			return err
		}
		if code != 200 {
			fmt.Fprintf(os.Stdout, "%s: server returned %d: %s\n", id, code, body)
			continue
		}
		fmt.Fprintf(os.Stdout, "%s %s\n", id, styledStatus(status))
	}
	return nil
}
