// Package dto defines the request and response bodies of the control-plane
// REST surface.
package dto

import "github.com/gm-agent-org/gm-warden/pkg/types"

// SubmitRequest is the body of POST /api/queue.
type SubmitRequest struct {
	Category    types.Category `json:"category" binding:"required"`
	Action      string         `json:"action" binding:"required"`
	Description string         `json:"description"`
	Reason      string         `json:"reason"`
	Metadata    map[string]any `json:"metadata"`
}

// ResolveRequest is the body of POST /api/queue/:id/approve and /deny.
type ResolveRequest struct {
	ResolvedBy  string `json:"resolvedBy"`
	AlwaysAllow bool   `json:"alwaysAllow"`
	AlwaysDeny  bool   `json:"alwaysDeny"`
}

// BulkRequest is the body of POST /api/queue/bulk.
type BulkRequest struct {
	Category   types.Category `json:"category" binding:"required"`
	Status     types.Status   `json:"status" binding:"required"`
	ResolvedBy string         `json:"resolvedBy"`
}

// ProposeRequest is the body of POST /api/config/propose.
type ProposeRequest struct {
	Path   string `json:"path" binding:"required"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// RuleRequest is the body of POST and DELETE /api/rules.
type RuleRequest struct {
	Type string `json:"type" binding:"required"`
	Rule string `json:"rule" binding:"required"`
}

// FileSyncRequest is the body of POST /api/sync/files.
type FileSyncRequest struct {
	Paths []string `json:"paths"`
}

// GitSyncRequest is the body of POST /api/sync/git.
type GitSyncRequest struct {
	Branch string `json:"branch" binding:"required"`
}

// ExecSubmit is the body of POST /api/exec. Timeout is in milliseconds.
type ExecSubmit struct {
	Command string `json:"command" binding:"required"`
	Cwd     string `json:"cwd"`
	Reason  string `json:"reason"`
	Timeout int64  `json:"timeout"`
}

// PackageSubmit is the body of POST /api/packages.
type PackageSubmit struct {
	Manager  string   `json:"manager" binding:"required"`
	Packages []string `json:"packages" binding:"required"`
	Action   string   `json:"action"`
	Flags    []string `json:"flags"`
	Reason   string   `json:"reason"`
	Cwd      string   `json:"cwd"`
	Timeout  int64    `json:"timeout"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
