package syncer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// ApplyResult is the outcome of applying a filesystem request at approval
// time.
type ApplyResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Apply performs the Write or Edit a filesystem request describes. It is
// called at approval time, not request time, so the file may have moved on;
// stale edits fail rather than clobbering newer content. The caller denies
// the queue request on failure.
func (s *FileSyncer) Apply(req *types.PermissionRequest) ApplyResult {
	target := req.TargetFile()
	if target == "" {
		return ApplyResult{Error: "request has no target file"}
	}
	path := target
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.workspace, target)
	}

	switch req.ToolName() {
	case "Write":
		content, _ := req.Metadata["writeContent"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return ApplyResult{Error: fmt.Sprintf("create directory: %v", err)}
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return ApplyResult{Error: fmt.Sprintf("write %s: %v", target, err)}
		}
		return ApplyResult{OK: true}

	case "Edit":
		oldString, newString, ok := req.EditContext()
		if !ok {
			return ApplyResult{Error: "edit request has no edit context"}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return ApplyResult{Error: fmt.Sprintf("%s no longer exists, edit is stale", target)}
		}
		current := string(data)
		if !strings.Contains(current, oldString) {
			return ApplyResult{Error: fmt.Sprintf("%s changed since the edit was proposed, edit is stale", target)}
		}
		updated := strings.Replace(current, oldString, newString, 1)
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			return ApplyResult{Error: fmt.Sprintf("write %s: %v", target, err)}
		}
		return ApplyResult{OK: true}
	}

	return ApplyResult{Error: fmt.Sprintf("unsupported tool %q", req.ToolName())}
}

// DiffPreview renders a unified diff of what applying the request would do
// right now. An unreadable target counts as empty content, so a Write to a
// new file diffs against "". Returns "" when there is nothing to show (no
// change, binary content, an unsupported tool, or an Edit whose old string
// is not in the current content).
func (s *FileSyncer) DiffPreview(req *types.PermissionRequest) string {
	target := req.TargetFile()
	if target == "" {
		return ""
	}
	path := target
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.workspace, target)
	}

	current := ""
	if data, err := os.ReadFile(path); err == nil {
		current = string(data)
	}

	var proposed string
	switch req.ToolName() {
	case "Write":
		proposed, _ = req.Metadata["writeContent"].(string)
	case "Edit":
		oldString, newString, ok := req.EditContext()
		if !ok || !strings.Contains(current, oldString) {
			return ""
		}
		proposed = strings.Replace(current, oldString, newString, 1)
	default:
		return ""
	}
	if proposed == current || strings.ContainsRune(current+proposed, 0) {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(current, proposed, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(current, diffs)
	if len(patches) == 0 {
		return ""
	}
	return dmp.PatchToText(patches)
}
