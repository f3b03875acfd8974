package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gm-agent-org/gm-warden/internal/cli/client"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

type queueResponse struct {
	Pending []*types.PermissionRequest `json:"pending"`
	Recent  []*types.PermissionRequest `json:"recent"`
}

// NewListCmd creates the pending-queue listing command.
func NewListCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending permission requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := client.New(cfg.Server, cfg.Timeout)
			if err != nil {
				return err
			}

			status, body, err := cli.Get(cmd.Context(), "/api/queue")
			if err != nil {
				return err
			}
			if status != 200 {
				return fmt.Errorf("server returned %d: %s", status, body)
			}

			var resp queueResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(resp.Pending) == 0 {
				fmt.Fprintln(os.Stdout, styleMuted.Render("no pending requests"))
				return nil
			}
			for _, req := range resp.Pending {
				fmt.Fprintln(os.Stdout, formatRequest(req))
			}
			return nil
		},
	}
}
