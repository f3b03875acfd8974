// Package service implements the approve and deny flows shared by the REST
// handlers and the WebSocket message loop.
package service

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/syncer"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// Resolver executes decision flows against the queue, applying filesystem
// edits, sandbox proposals, and always-allow/always-deny rule synthesis.
type Resolver struct {
	queue *queue.Queue
	store *config.Store
	files *syncer.FileSyncer
	log   *slog.Logger

	// onRulesChanged is invoked after a rule mutation so the control plane
	// can broadcast the new rule set. May be nil.
	onRulesChanged func()
}

// NewResolver wires the resolver. files may be nil in contexts without a
// workspace (filesystem approvals then fail closed).
func NewResolver(q *queue.Queue, store *config.Store, files *syncer.FileSyncer, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{queue: q, store: store, files: files, log: log}
}

// OnRulesChanged registers the broadcast hook.
func (r *Resolver) OnRulesChanged(fn func()) { r.onRulesChanged = fn }

// Result is the HTTP-shaped outcome of a decision flow.
type Result struct {
	Code int
	Body map[string]any
}

func okResult() Result {
	return Result{Code: http.StatusOK, Body: map[string]any{"ok": true}}
}

func errResult(code int, msg string) Result {
	return Result{Code: code, Body: map[string]any{"ok": false, "error": msg}}
}

// Approve runs the full approve flow for one request id.
func (r *Resolver) Approve(id, resolvedBy string, alwaysAllow bool) Result {
	req, ok := r.queue.Get(id)
	if !ok {
		return errResult(http.StatusNotFound, "request not found")
	}

	// Filesystem edits are applied at approval time; a stale edit denies
	// the request instead of clobbering newer content.
	if req.Category == types.CategoryFilesystem && req.ToolName() != "" {
		if r.files == nil {
			r.queue.Deny(id, resolvedBy)
			return errResult(http.StatusConflict, "no workspace attached")
		}
		if applied := r.files.Apply(req); !applied.OK {
			r.queue.Deny(id, resolvedBy)
			return errResult(http.StatusConflict, applied.Error)
		}
	}

	if !r.queue.Approve(id, resolvedBy) {
		return errResult(http.StatusOK, "request is not pending")
	}

	if req.Category == types.CategorySandbox {
		r.applyProposal(req)
	}

	if alwaysAllow {
		rule := rules.Generate(req.Category, req.Action)
		if r.store.AddRule("allow", rule) {
			r.saveAndBroadcastRules()
			r.autoResolveMatching(rules.VerdictAllow)
		}
	}
	return okResult()
}

// Deny runs the full deny flow for one request id.
func (r *Resolver) Deny(id, resolvedBy string, alwaysDeny bool) Result {
	req, ok := r.queue.Get(id)
	if !ok {
		return errResult(http.StatusNotFound, "request not found")
	}
	if !r.queue.Deny(id, resolvedBy) {
		return errResult(http.StatusOK, "request is not pending")
	}

	if alwaysDeny {
		rule := rules.Generate(req.Category, req.Action)
		if r.store.AddRule("deny", rule) {
			r.saveAndBroadcastRules()
			r.autoResolveMatching(rules.VerdictDeny)
		}
	}
	return okResult()
}

func (r *Resolver) applyProposal(req *types.PermissionRequest) {
	proposal, ok := req.Metadata["proposal"].(map[string]any)
	if !ok {
		return
	}
	path, _ := proposal["path"].(string)
	if path == "" {
		return
	}
	if err := r.store.ApplyConfigChange(path, proposal["value"]); err != nil {
		r.log.Warn("sandbox proposal failed", "id", req.ID, "path", path, "error", err)
		return
	}
	if err := r.store.Save(); err != nil {
		r.log.Warn("config save failed", "error", err)
	}
	r.log.Info("sandbox proposal applied", "id", req.ID, "path", path)
}

func (r *Resolver) saveAndBroadcastRules() {
	if err := r.store.Save(); err != nil {
		r.log.Warn("config save failed", "error", err)
	}
	if r.onRulesChanged != nil {
		r.onRulesChanged()
	}
}

// autoResolveMatching re-evaluates every pending request against the
// updated rules and resolves the ones the new rule now decides.
func (r *Resolver) autoResolveMatching(want rules.Verdict) {
	ruleSet := r.store.Rules()
	for _, pending := range r.queue.Pending() {
		verdict := rules.Evaluate(ruleSet, pending.Category, MatchTarget(pending))
		if verdict != want {
			continue
		}
		switch verdict {
		case rules.VerdictAllow:
			r.queue.Approve(pending.ID, "auto")
		case rules.VerdictDeny:
			r.queue.Deny(pending.ID, "auto")
		}
	}
}

// MatchTarget derives the rule-matching target from a request, per
// category: the bare host for network, the file path for filesystem, the
// branch for git, and the action verbatim elsewhere.
func MatchTarget(req *types.PermissionRequest) string {
	switch req.Category {
	case types.CategoryNetwork:
		if host := rules.ExtractNetworkHost(req.Action); host != "" {
			return host
		}
		return req.Action
	case types.CategoryFilesystem:
		if target := req.TargetFile(); target != "" {
			return target
		}
		return strings.TrimPrefix(req.Action, "sync ")
	case types.CategoryGit:
		return strings.TrimPrefix(req.Action, "push ")
	default:
		return req.Action
	}
}
