package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "audit.log")
	l := New(path, nil)

	for i, id := range []string{"req-0", "req-1", "req-2"} {
		l.Append(types.AuditEntry{
			Timestamp: int64(1000 + i),
			ID:        id,
			Category:  types.CategoryNetwork,
			Action:    "CONNECT example.com:443",
			Decision:  types.StatusApproved,
		})
	}

	entries := l.Read(2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "req-2" || entries[1].ID != "req-1" {
		t.Fatalf("expected newest first, got %s then %s", entries[0].ID, entries[1].ID)
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	content := `{"timestamp":1,"id":"req-0","category":"exec","action":"ls","decision":"denied"}
not json at all
{"timestamp":2,"id":"req-1","category":"exec","action":"ls","decision":"approved"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	entries := New(path, nil).Read(10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 parsed entries, got %d", len(entries))
	}
	if entries[0].ID != "req-1" {
		t.Fatalf("expected req-1 first, got %s", entries[0].ID)
	}
}

func TestReadMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope.log"), nil)
	if entries := l.Read(5); len(entries) != 0 {
		t.Fatalf("expected empty result, got %d entries", len(entries))
	}
}
