// Package audit provides the append-only JSONL decision log. Appends are
// best-effort: callers fire-and-forget and I/O failures never propagate.
package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// Logger appends audit entries to a JSONL file, one entry per line.
type Logger struct {
	path string
	log  *slog.Logger
}

// New creates a logger writing to path. The parent directory is created on
// first append.
func New(path string, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{path: path, log: log}
}

// Append writes one entry. All failures are swallowed; the audit trail must
// never block or fail a resolution.
func (l *Logger) Append(entry types.AuditEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		l.log.Warn("audit marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.log.Warn("audit mkdir failed", "error", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("audit open failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Warn("audit write failed", "error", err)
	}
}

// Read returns up to limit entries, most recent first. Malformed lines are
// skipped; a missing file yields an empty slice.
func (l *Logger) Read(limit int) []types.AuditEntry {
	f, err := os.Open(l.path)
	if err != nil {
		return []types.AuditEntry{}
	}
	defer f.Close()

	var entries []types.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry types.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
