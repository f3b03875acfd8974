package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/gm-agent-org/gm-warden/internal/cli/client"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewWatchCmd creates the live-watch command: it streams queue events and
// accepts one-letter decisions on stdin (a <id>, d <id>, A <cat>, D <cat>,
// q).
func NewWatchCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream queue events and decide requests interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := client.New(cfg.Server, cfg.Timeout)
			if err != nil {
				return err
			}

			conn, _, err := websocket.DefaultDialer.Dial(cli.WSURL(), nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", cli.WSURL(), err)
			}
			defer conn.Close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				for {
					var msg wsMessage
					if err := conn.ReadJSON(&msg); err != nil {
						return
					}
					printEvent(msg)
					if msg.Type == "shutdown" {
						return
					}
				}
			}()

			fmt.Fprintln(os.Stdout, styleMuted.Render("commands: a <id> approve, d <id> deny, A <cat> approve all, D <cat> deny all, q quit"))
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				select {
				case <-done:
					return nil
				default:
				}
				fields := strings.Fields(scanner.Text())
				if len(fields) == 0 {
					continue
				}
				switch fields[0] {
				case "q":
					return nil
				case "a", "d":
					if len(fields) < 2 {
						fmt.Fprintln(os.Stdout, styleMuted.Render("usage: a <id> | d <id>"))
						continue
					}
					msgType := "approve"
					if fields[0] == "d" {
						msgType = "deny"
					}
					if err := conn.WriteJSON(map[string]any{"type": msgType, "id": fields[1]}); err != nil {
						return fmt.Errorf("send decision: %w", err)
					}
				case "A", "D":
					if len(fields) < 2 || !types.Category(fields[1]).Valid() {
						fmt.Fprintln(os.Stdout, styleMuted.Render("usage: A <category> | D <category>"))
						continue
					}
					status := types.StatusApproved
					if fields[0] == "D" {
						status = types.StatusDenied
					}
					code, body, err := cli.Post(cmd.Context(), "/api/queue/bulk", map[string]any{
						"category": fields[1], "status": status, "resolvedBy": "cli",
					})
					if err != nil || code != 200 {
						fmt.Fprintf(os.Stdout, "bulk failed: %d %s %v\n", code, body, err)
					}
				default:
					fmt.Fprintln(os.Stdout, styleMuted.Render("unknown command"))
				}
			}
			<-done
			return nil
		},
	}
}

func printEvent(msg wsMessage) {
	switch msg.Type {
	case "init":
		var data struct {
			Pending []*types.PermissionRequest `json:"pending"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		fmt.Fprintf(os.Stdout, "%s %d pending\n", styleMuted.Render("connected,"), len(data.Pending))
		for _, req := range data.Pending {
			fmt.Fprintln(os.Stdout, formatRequest(req))
		}
	case "request", "resolve":
		var req types.PermissionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		fmt.Fprintln(os.Stdout, formatRequest(&req))
	case "rules":
		fmt.Fprintln(os.Stdout, styleMuted.Render("rules updated"))
	case "shutdown":
		var data struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(msg.Data, &data)
		fmt.Fprintf(os.Stdout, "%s %s\n", styleDenied.Render("server shutting down:"), data.Reason)
	}
}
