package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "queue.json"), nil, nil)
}

func TestRequestLifecycle(t *testing.T) {
	q := newTestQueue(t)
	req, waiter := q.Request(types.CategoryNetwork, "CONNECT test.example.com:443", "t", "", nil)
	if req.ID != "req-0" {
		t.Fatalf("first id = %q, want req-0", req.ID)
	}
	if req.Status != types.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}

	if !q.Approve(req.ID, "web") {
		t.Fatal("approve returned false")
	}
	select {
	case approved := <-waiter:
		if !approved {
			t.Fatal("waiter received false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never signaled")
	}

	recent := q.Recent(10)
	if len(recent) != 1 || recent[0].ID != "req-0" {
		t.Fatalf("recent = %+v", recent)
	}
	if recent[0].Status != types.StatusApproved || recent[0].ResolvedBy != "web" {
		t.Fatalf("resolved record = %+v", recent[0])
	}
	if len(q.Pending()) != 0 {
		t.Fatal("approved request still pending")
	}
}

func TestResolveIsSingleShot(t *testing.T) {
	q := newTestQueue(t)
	req, _ := q.Request(types.CategoryExec, "ls", "", "", nil)

	if !q.Deny(req.ID, "cli") {
		t.Fatal("first resolve failed")
	}
	if q.Approve(req.ID, "web") {
		t.Fatal("second resolve succeeded")
	}
	got, _ := q.Get(req.ID)
	if got.Status != types.StatusDenied || got.ResolvedBy != "cli" {
		t.Fatalf("terminal state mutated: %+v", got)
	}
}

func TestResolveUnknownID(t *testing.T) {
	q := newTestQueue(t)
	if q.Approve("req-99", "web") {
		t.Fatal("resolve of unknown id succeeded")
	}
}

func TestBulkResolve(t *testing.T) {
	q := newTestQueue(t)
	var waiters []<-chan bool
	for range 3 {
		_, w := q.Request(types.CategoryNetwork, "CONNECT a.example.com:443", "", "", nil)
		waiters = append(waiters, w)
	}
	q.Request(types.CategoryExec, "ls", "", "", nil)

	if n := q.BulkResolve(types.CategoryNetwork, types.StatusApproved, "web"); n != 3 {
		t.Fatalf("bulk resolved %d, want 3", n)
	}
	for i, w := range waiters {
		select {
		case ok := <-w:
			if !ok {
				t.Fatalf("waiter %d received false", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never signaled", i)
		}
	}
	// The exec request is untouched; no network request remains pending.
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Category != types.CategoryExec {
		t.Fatalf("pending after bulk = %+v", pending)
	}
}

func TestFilesystemSupersession(t *testing.T) {
	q := newTestQueue(t)
	md1 := map[string]any{"targetFile": "src/foo.ts", "toolName": "Write", "writeContent": "v1"}
	first, w1 := q.Request(types.CategoryFilesystem, "Write foo.ts", "", "", md1)

	md2 := map[string]any{"targetFile": "src/foo.ts", "toolName": "Write", "writeContent": "v2"}
	second, w2 := q.Request(types.CategoryFilesystem, "Write foo.ts", "", "", md2)

	select {
	case approved := <-w1:
		if approved {
			t.Fatal("superseded waiter received true")
		}
	case <-time.After(time.Second):
		t.Fatal("superseded waiter never signaled")
	}

	got, _ := q.Get(first.ID)
	if got.Status != types.StatusDenied || got.ResolvedBy != "auto" {
		t.Fatalf("superseded request = %+v", got)
	}
	got, _ = q.Get(second.ID)
	if got.Status != types.StatusPending {
		t.Fatalf("superseding request = %+v", got)
	}

	// A different file does not supersede.
	md3 := map[string]any{"targetFile": "src/bar.ts", "toolName": "Write"}
	q.Request(types.CategoryFilesystem, "Write bar.ts", "", "", md3)
	if len(q.Pending()) != 2 {
		t.Fatalf("pending = %+v", q.Pending())
	}
	_ = w2
}

func TestEventOrdering(t *testing.T) {
	q := newTestQueue(t)
	events, unsubscribe := q.Subscribe()
	defer unsubscribe()

	req, waiter := q.Request(types.CategoryGit, "push main", "", "", nil)
	q.Approve(req.ID, "cli")
	<-waiter

	first := <-events
	if first.Kind != EventRequest || first.Request.ID != req.ID {
		t.Fatalf("first event = %+v", first)
	}
	second := <-events
	if second.Kind != EventResolve || second.Request.Status != types.StatusApproved {
		t.Fatalf("second event = %+v", second)
	}
}

func TestPersistenceRestoresCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := New(path, nil, nil)
	for range 3 {
		req, _ := q.Request(types.CategoryNetwork, "CONNECT x.example.com:443", "", "", nil)
		q.Approve(req.ID, "web")
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	restored := New(path, nil, nil)
	if err := restored.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(restored.Recent(10)) != 3 {
		t.Fatalf("restored %d records", len(restored.Recent(10)))
	}
	req, _ := restored.Request(types.CategoryExec, "ls", "", "", nil)
	if req.ID != "req-3" {
		t.Fatalf("id after restore = %q, want req-3", req.ID)
	}
}

func TestDenyAllPending(t *testing.T) {
	q := newTestQueue(t)
	_, w1 := q.Request(types.CategoryNetwork, "CONNECT a.example.com:443", "", "", nil)
	_, w2 := q.Request(types.CategoryExec, "ls", "", "", nil)

	if n := q.DenyAllPending(); n != 2 {
		t.Fatalf("denied %d, want 2", n)
	}
	for i, w := range []<-chan bool{w1, w2} {
		select {
		case ok := <-w:
			if ok {
				t.Fatalf("waiter %d approved during shutdown", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never signaled", i)
		}
	}
	if len(q.Pending()) != 0 {
		t.Fatal("pending requests survived DenyAllPending")
	}
	for _, r := range q.Recent(10) {
		if r.ResolvedBy != "auto" {
			t.Fatalf("request %s resolvedBy = %q, want auto", r.ID, r.ResolvedBy)
		}
	}
}
