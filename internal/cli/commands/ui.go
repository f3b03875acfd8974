package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

var (
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
	colorMuted   = lipgloss.Color("#6B7280")
	colorAccent  = lipgloss.Color("#7C3AED")

	styleID       = lipgloss.NewStyle().Bold(true)
	styleCategory = lipgloss.NewStyle().Foreground(colorAccent)
	styleApproved = lipgloss.NewStyle().Foreground(colorSuccess)
	styleDenied   = lipgloss.NewStyle().Foreground(colorError)
	stylePending  = lipgloss.NewStyle().Foreground(colorWarning)
	styleMuted    = lipgloss.NewStyle().Foreground(colorMuted)
)

func styledStatus(status types.Status) string {
	switch status {
	case types.StatusApproved:
		return styleApproved.Render(string(status))
	case types.StatusDenied:
		return styleDenied.Render(string(status))
	default:
		return stylePending.Render(string(status))
	}
}

// formatRequest renders one request as a single line for lists and watch
// output.
func formatRequest(req *types.PermissionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s",
		styleID.Render(req.ID),
		styleCategory.Render(fmt.Sprintf("%-10s", req.Category)),
		req.Action)
	if req.Status != types.StatusPending {
		fmt.Fprintf(&b, "  %s", styledStatus(req.Status))
		if req.ResolvedBy != "" {
			fmt.Fprintf(&b, " %s", styleMuted.Render("by "+req.ResolvedBy))
		}
	}
	if req.Reason != "" {
		fmt.Fprintf(&b, "\n      %s", styleMuted.Render(req.Reason))
	}
	return b.String()
}
