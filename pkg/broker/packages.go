package broker

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// flagWhitelist is the only set of flags ever forwarded to a package
// manager. Everything else (--registry=..., --pre, ...) is dropped
// silently so agents cannot smuggle options past the approval.
var flagWhitelist = map[string]bool{
	"-D":           true,
	"--dev":        true,
	"--save-dev":   true,
	"-E":           true,
	"--exact":      true,
	"-g":           true,
	"--global":     true,
	"--save":       true,
	"--save-exact": true,
}

// ParsedPackageCommand is the sanitized form of a package-manager command.
type ParsedPackageCommand struct {
	Manager  string
	Action   string
	Packages []string
	Flags    []string
}

// ParsePackageCommand recognizes bun/npm/pip/cargo install-style commands.
// Returns nil for anything else, including commands naming no packages.
func ParsePackageCommand(cmdline string) *ParsedPackageCommand {
	fields := strings.Fields(cmdline)
	if len(fields) < 3 {
		return nil
	}

	manager := fields[0]
	action := fields[1]
	switch manager {
	case "bun":
		if action != "add" && action != "remove" {
			return nil
		}
	case "npm":
		switch action {
		case "install", "i", "uninstall":
		default:
			return nil
		}
	case "pip", "pip3":
		if action != "install" && action != "uninstall" {
			return nil
		}
		manager = "pip"
	case "cargo":
		if action != "add" && action != "remove" {
			return nil
		}
	default:
		return nil
	}

	var packages, flags []string
	for _, arg := range fields[2:] {
		if strings.HasPrefix(arg, "-") {
			if flagWhitelist[arg] {
				flags = append(flags, arg)
			}
			continue
		}
		packages = append(packages, arg)
	}
	if len(packages) == 0 {
		return nil
	}

	return &ParsedPackageCommand{
		Manager:  manager,
		Action:   normalizeAction(manager, action),
		Packages: packages,
		Flags:    flags,
	}
}

// normalizeAction maps the manager's action aliases onto its canonical
// verb pair: add/remove for bun and cargo, install/uninstall for npm and pip.
func normalizeAction(manager, action string) string {
	installing := action == "install" || action == "i" || action == "add"
	switch manager {
	case "bun", "cargo":
		if installing {
			return "add"
		}
		return "remove"
	default:
		if installing {
			return "install"
		}
		return "uninstall"
	}
}

// BuildCommand rebuilds the canonical command line from sanitized parts.
func BuildCommand(manager, action string, packages, flags []string) string {
	parts := append([]string{manager, normalizeAction(manager, action)}, flags...)
	parts = append(parts, packages...)
	return strings.Join(parts, " ")
}

// PackageBroker tracks package-manager invocations. Like exec, the
// packages category is hardened to approve-each.
type PackageBroker struct {
	mu       sync.Mutex
	requests map[string]*types.PackageRequest

	queue *queue.Queue
	store *config.Store
	log   *slog.Logger
}

// NewPackageBroker wires the broker to the queue and config store.
func NewPackageBroker(q *queue.Queue, store *config.Store, log *slog.Logger) *PackageBroker {
	if log == nil {
		log = slog.Default()
	}
	return &PackageBroker{
		requests: make(map[string]*types.PackageRequest),
		queue:    q,
		store:    store,
		log:      log,
	}
}

// Submit evaluates a package operation and either denies it, runs it, or
// parks it behind a permission request. Flags must already be whitelisted
// (use ParsePackageCommand); unknown flags passed here are dropped too.
func (b *PackageBroker) Submit(manager, action string, packages, flags []string, reason, cwd string, timeout time.Duration) *types.PackageRequest {
	var kept []string
	for _, f := range flags {
		if flagWhitelist[f] {
			kept = append(kept, f)
		}
	}

	now := time.Now()
	action = normalizeAction(manager, action)
	command := BuildCommand(manager, action, packages, kept)
	target := fmt.Sprintf("%s %s %s", manager, action, strings.Join(packages, " "))

	rec := &types.PackageRequest{
		Manager:   manager,
		Action:    action,
		Packages:  packages,
		Flags:     kept,
		Command:   command,
		Cwd:       cwd,
		Reason:    reason,
		CreatedAt: now.UnixMilli(),
	}

	switch rules.Evaluate(b.store.Rules(), types.CategoryPackages, target) {
	case rules.VerdictDeny:
		rec.ID = fmt.Sprintf("pkg-denied-%d", now.UnixMilli())
		rec.Status = types.BrokerDenied
		b.put(rec)
		b.log.Info("package request denied by rule", "id", rec.ID, "command", command)
		return rec.Clone()

	case rules.VerdictAllow:
		rec.ID = fmt.Sprintf("pkg-auto-%d", now.UnixMilli())
		rec.Status = types.BrokerRunning
		b.put(rec)
		b.log.Info("package request auto-allowed by rule", "id", rec.ID, "command", command)
		go b.run(rec.ID, command, cwd, timeout)
		return rec.Clone()
	}

	// No rule matched; the packages mode is always approve-each.
	permReq, waiter := b.queue.Request(
		types.CategoryPackages,
		target,
		fmt.Sprintf("Run package command: %s", command),
		reason,
		map[string]any{"manager": manager, "action": action, "packages": packages, "command": command},
	)
	rec.ID = permReq.ID
	rec.Status = types.BrokerPending
	b.put(rec)

	go func() {
		if approved := <-waiter; !approved {
			b.setStatus(rec.ID, types.BrokerDenied)
			return
		}
		b.setStatus(rec.ID, types.BrokerRunning)
		b.run(rec.ID, command, cwd, timeout)
	}()

	return rec.Clone()
}

// Get returns a snapshot of one package request.
func (b *PackageBroker) Get(id string) (*types.PackageRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.requests[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (b *PackageBroker) put(rec *types.PackageRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests[rec.ID] = rec
}

func (b *PackageBroker) setStatus(id string, status types.BrokerStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.requests[id]; ok {
		rec.Status = status
	}
}

func (b *PackageBroker) run(id, command, cwd string, timeout time.Duration) {
	result := runCommand(command, cwd, timeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.requests[id]
	if !ok {
		return
	}
	rec.Result = &result
	if result.ExitCode == 0 {
		rec.Status = types.BrokerCompleted
	} else {
		rec.Status = types.BrokerFailed
	}
	b.log.Info("package command finished", "id", id, "exitCode", result.ExitCode)
}
