// Package queue owns every active and historical permission request. Each
// pending request has a one-shot waiter channel that the submitting
// subsystem blocks on; resolution signals the waiter exactly once and fans
// out a typed event to subscribers.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/audit"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// EventKind distinguishes the two queue lifecycle events.
type EventKind string

const (
	EventRequest EventKind = "request"
	EventResolve EventKind = "resolve"
)

// Event is a queue lifecycle notification. Request is a snapshot; mutating
// it does not affect queue state.
type Event struct {
	Kind    EventKind
	Request *types.PermissionRequest
}

const (
	saveDelay        = 100 * time.Millisecond
	subscriberBuffer = 64
	defaultRecent    = 50
)

// Queue is the in-process permission request registry.
type Queue struct {
	mu          sync.Mutex
	byID        map[string]*types.PermissionRequest
	order       []*types.PermissionRequest
	waiters     map[string]chan bool
	nextID      int
	subscribers map[int]chan Event
	nextSub     int
	savePending bool

	path  string
	audit *audit.Logger
	log   *slog.Logger
}

// New creates a queue persisted to the JSON file at path. The audit logger
// may be nil; resolutions are then not audited.
func New(path string, auditLog *audit.Logger, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		byID:        make(map[string]*types.PermissionRequest),
		waiters:     make(map[string]chan bool),
		subscribers: make(map[int]chan Event),
		path:        path,
		audit:       auditLog,
		log:         log,
	}
}

// Init loads persisted requests and restores the id counter from the
// highest observed id. Historical records are terminal; no waiters are
// recreated for them.
func (q *Queue) Init() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read queue file: %w", err)
	}

	var stored []*types.PermissionRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse queue file: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, req := range stored {
		q.byID[req.ID] = req
		q.order = append(q.order, req)
		if n, ok := requestNumber(req.ID); ok && n >= q.nextID {
			q.nextID = n + 1
		}
	}
	return nil
}

func requestNumber(id string) (int, bool) {
	rest, found := strings.CutPrefix(id, "req-")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Request registers a new pending request and returns it together with its
// waiter. The waiter yields true on approval, false on denial (including
// auto-denial at shutdown or by supersession).
//
// For filesystem requests carrying metadata.targetFile, any older pending
// filesystem request for the same file is auto-denied before the new id is
// minted, so at most one approval per file is ever outstanding.
func (q *Queue) Request(category types.Category, action, description, reason string, metadata map[string]any) (*types.PermissionRequest, <-chan bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if category == types.CategoryFilesystem && metadata != nil {
		if target, _ := metadata["targetFile"].(string); target != "" {
			for _, prev := range q.order {
				if prev.Status == types.StatusPending &&
					prev.Category == types.CategoryFilesystem &&
					prev.TargetFile() == target {
					q.resolveLocked(prev, types.StatusDenied, "auto")
				}
			}
		}
	}

	req := &types.PermissionRequest{
		ID:          fmt.Sprintf("req-%d", q.nextID),
		Category:    category,
		Action:      action,
		Description: description,
		Reason:      reason,
		Status:      types.StatusPending,
		Metadata:    metadata,
		CreatedAt:   time.Now().UnixMilli(),
	}
	q.nextID++
	q.byID[req.ID] = req
	q.order = append(q.order, req)

	waiter := make(chan bool, 1)
	q.waiters[req.ID] = waiter

	q.emitLocked(Event{Kind: EventRequest, Request: req.Clone()})
	q.scheduleSaveLocked()

	q.log.Info("permission requested",
		"id", req.ID, "category", category, "action", action)
	return req.Clone(), waiter
}

// Resolve transitions a pending request to approved or denied. Returns
// false, with no side effects, when the request is unknown or already
// terminal.
func (q *Queue) Resolve(id string, status types.Status, resolvedBy string) bool {
	if status != types.StatusApproved && status != types.StatusDenied {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[id]
	if !ok {
		return false
	}
	return q.resolveLocked(req, status, resolvedBy)
}

// Approve resolves a request as approved.
func (q *Queue) Approve(id, resolvedBy string) bool {
	return q.Resolve(id, types.StatusApproved, resolvedBy)
}

// Deny resolves a request as denied.
func (q *Queue) Deny(id, resolvedBy string) bool {
	return q.Resolve(id, types.StatusDenied, resolvedBy)
}

// resolveLocked performs the single legal state transition. Callers hold mu.
func (q *Queue) resolveLocked(req *types.PermissionRequest, status types.Status, resolvedBy string) bool {
	if req.Status != types.StatusPending {
		return false
	}
	req.Status = status
	req.ResolvedAt = time.Now().UnixMilli()
	req.ResolvedBy = resolvedBy

	q.emitLocked(Event{Kind: EventResolve, Request: req.Clone()})

	if waiter, ok := q.waiters[req.ID]; ok {
		waiter <- status == types.StatusApproved
		delete(q.waiters, req.ID)
	}

	if q.audit != nil {
		entry := types.AuditEntry{
			Timestamp:  req.ResolvedAt,
			ID:         req.ID,
			Category:   req.Category,
			Action:     req.Action,
			Decision:   status,
			ResolvedBy: resolvedBy,
			DurationMs: req.ResolvedAt - req.CreatedAt,
			Metadata:   req.Metadata,
		}
		go q.audit.Append(entry)
	}

	q.scheduleSaveLocked()
	q.log.Info("permission resolved",
		"id", req.ID, "status", status, "by", resolvedBy)
	return true
}

// BulkResolve resolves every pending request of a category, in insertion
// order, and returns how many were resolved.
func (q *Queue) BulkResolve(category types.Category, status types.Status, resolvedBy string) int {
	if status != types.StatusApproved && status != types.StatusDenied {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, req := range q.order {
		if req.Status == types.StatusPending && req.Category == category {
			if q.resolveLocked(req, status, resolvedBy) {
				count++
			}
		}
	}
	return count
}

// DenyAllPending auto-denies every pending request regardless of category.
// Called during graceful shutdown so no agent waiter survives the process.
func (q *Queue) DenyAllPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, req := range q.order {
		if req.Status == types.StatusPending {
			if q.resolveLocked(req, types.StatusDenied, "auto") {
				count++
			}
		}
	}
	return count
}

// Pending returns snapshots of all pending requests in insertion order.
func (q *Queue) Pending() []*types.PermissionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*types.PermissionRequest
	for _, req := range q.order {
		if req.Status == types.StatusPending {
			out = append(out, req.Clone())
		}
	}
	return out
}

// Recent returns snapshots of resolved requests, newest first. A limit of
// zero or less uses the default of 50.
func (q *Queue) Recent(limit int) []*types.PermissionRequest {
	if limit <= 0 {
		limit = defaultRecent
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*types.PermissionRequest
	for i := len(q.order) - 1; i >= 0 && len(out) < limit; i-- {
		if q.order[i].Status != types.StatusPending {
			out = append(out, q.order[i].Clone())
		}
	}
	return out
}

// Get returns a snapshot of one request.
func (q *Queue) Get(id string) (*types.PermissionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// Subscribe registers an event consumer. Events arrive in emission order on
// a buffered channel; a consumer that falls more than the buffer behind
// loses messages rather than blocking the queue. The returned function
// unsubscribes.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSub
	q.nextSub++
	ch := make(chan Event, subscriberBuffer)
	q.subscribers[id] = ch
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subscribers, id)
	}
}

func (q *Queue) emitLocked(evt Event) {
	for id, ch := range q.subscribers {
		select {
		case ch <- evt:
		default:
			q.log.Warn("queue subscriber lagging, event dropped", "subscriber", id, "kind", evt.Kind)
		}
	}
}

// scheduleSaveLocked coalesces persistence: the first mutation in a window
// arms a timer, later mutations within the window piggyback on it.
func (q *Queue) scheduleSaveLocked() {
	if q.path == "" || q.savePending {
		return
	}
	q.savePending = true
	time.AfterFunc(saveDelay, func() {
		if err := q.Flush(); err != nil {
			q.log.Warn("queue persistence failed", "error", err)
		}
	})
}

// Flush writes the full request list to disk immediately.
func (q *Queue) Flush() error {
	q.mu.Lock()
	q.savePending = false
	snapshot := make([]*types.PermissionRequest, 0, len(q.order))
	for _, req := range q.order {
		snapshot = append(snapshot, req.Clone())
	}
	q.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	if err := os.WriteFile(q.path, data, 0o644); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return nil
}
