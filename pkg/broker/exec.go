package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// ExecBroker tracks host command executions through their approval and run
// lifecycle. The exec category is hardened: no category mode can auto-allow,
// only an explicit non-blanket allow rule can skip the queue.
type ExecBroker struct {
	mu       sync.Mutex
	requests map[string]*types.ExecRequest

	queue *queue.Queue
	store *config.Store
	log   *slog.Logger
}

// NewExecBroker wires the broker to the queue and config store.
func NewExecBroker(q *queue.Queue, store *config.Store, log *slog.Logger) *ExecBroker {
	if log == nil {
		log = slog.Default()
	}
	return &ExecBroker{
		requests: make(map[string]*types.ExecRequest),
		queue:    q,
		store:    store,
		log:      log,
	}
}

// Submit evaluates command against the exec rules and either denies it,
// runs it immediately, or parks it behind a permission request. The
// returned record reflects the state at submission time; poll Get for
// completion.
func (b *ExecBroker) Submit(command, cwd, reason string, timeout time.Duration) *types.ExecRequest {
	now := time.Now()
	rec := &types.ExecRequest{
		Command:   command,
		Cwd:       cwd,
		Reason:    reason,
		CreatedAt: now.UnixMilli(),
	}

	switch rules.Evaluate(b.store.Rules(), types.CategoryExec, command) {
	case rules.VerdictDeny:
		rec.ID = fmt.Sprintf("exec-denied-%d", now.UnixMilli())
		rec.Status = types.BrokerDenied
		b.put(rec)
		b.log.Info("exec denied by rule", "id", rec.ID, "command", command)
		return rec.Clone()

	case rules.VerdictAllow:
		rec.ID = fmt.Sprintf("exec-auto-%d", now.UnixMilli())
		rec.Status = types.BrokerRunning
		b.put(rec)
		b.log.Info("exec auto-allowed by rule", "id", rec.ID, "command", command)
		go b.run(rec.ID, command, cwd, timeout)
		return rec.Clone()
	}

	// No rule matched; the exec mode is always approve-each.
	permReq, waiter := b.queue.Request(
		types.CategoryExec,
		command,
		fmt.Sprintf("Execute command: %s", command),
		reason,
		map[string]any{"command": command, "cwd": cwd},
	)
	rec.ID = permReq.ID
	rec.Status = types.BrokerPending
	b.put(rec)

	go func() {
		if approved := <-waiter; !approved {
			b.setStatus(rec.ID, types.BrokerDenied)
			return
		}
		b.setStatus(rec.ID, types.BrokerApproved)
		b.setStatus(rec.ID, types.BrokerRunning)
		b.run(rec.ID, command, cwd, timeout)
	}()

	return rec.Clone()
}

// Get returns a snapshot of one exec request.
func (b *ExecBroker) Get(id string) (*types.ExecRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.requests[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (b *ExecBroker) put(rec *types.ExecRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests[rec.ID] = rec
}

func (b *ExecBroker) setStatus(id string, status types.BrokerStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.requests[id]; ok {
		rec.Status = status
	}
}

func (b *ExecBroker) run(id, command, cwd string, timeout time.Duration) {
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
	b.log.Info("exec finished", "id", id, "exitCode", result.ExitCode)
}
