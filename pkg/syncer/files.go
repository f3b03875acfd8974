// Package syncer keeps the host mirror of the agent workspace current and
// mediates explicit export requests: the live file mirror, approve-on-apply
// edit requests, per-file sync approvals, and git staging-to-remote pushes.
package syncer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

const (
	readinessPoll = 2 * time.Second
	flushQuiet    = 300 * time.Millisecond
)

// excluded path segments are never mirrored, in either direction.
var excluded = []string{".git", "node_modules"}

// FileSyncer mirrors the workspace to the host project directory and
// answers per-file sync requests through the permission queue.
type FileSyncer struct {
	workspace string
	mirror    string

	queue *queue.Queue
	store *config.Store
	log   *slog.Logger

	mu      sync.Mutex
	dirty   map[string]struct{}
	flush   *time.Timer
	watcher *fsnotify.Watcher
	stopped bool
}

// NewFileSyncer creates a syncer mirroring workspace into mirror.
func NewFileSyncer(workspace, mirror string, q *queue.Queue, store *config.Store, log *slog.Logger) *FileSyncer {
	if log == nil {
		log = slog.Default()
	}
	return &FileSyncer{
		workspace: workspace,
		mirror:    mirror,
		queue:     q,
		store:     store,
		log:       log,
		dirty:     make(map[string]struct{}),
	}
}

// Start blocks until the workspace is ready (a .git/HEAD appears), performs
// the initial full sync, and then watches for changes until ctx is done or
// Stop is called. Intended to run on its own goroutine.
func (s *FileSyncer) Start(ctx context.Context) {
	marker := filepath.Join(s.workspace, ".git", "HEAD")
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(readinessPoll):
		}
	}

	count, err := s.FullSync()
	if err != nil {
		s.log.Warn("initial full sync failed", "error", err)
	} else {
		s.log.Info("initial full sync complete", "files", count)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("file watcher unavailable, mirror falls back to periodic sync", "error", err)
		s.pollLoop(ctx)
		return
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	defer watcher.Close()

	s.watchTree(s.workspace)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(evt)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("file watcher error", "error", err)
		}
	}
}

// pollLoop is the watcher-less fallback: a full rsync at the readiness
// cadence gives the same eventually-consistent mirror with at most a
// couple of seconds of lag.
func (s *FileSyncer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(readinessPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FullSync(); err != nil {
				s.log.Warn("periodic sync failed", "error", err)
			}
		}
	}
}

// Stop halts the watcher and any pending flush timer.
func (s *FileSyncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.flush != nil {
		s.flush.Stop()
		s.flush = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

func isExcluded(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, ex := range excluded {
			if part == ex {
				return true
			}
		}
	}
	return false
}

// watchTree registers watches on dir and every non-excluded directory
// below it.
func (s *FileSyncer) watchTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.workspace, path)
		if relErr == nil && rel != "." && isExcluded(rel) {
			return filepath.SkipDir
		}
		s.mu.Lock()
		if s.watcher != nil {
			_ = s.watcher.Add(path)
		}
		s.mu.Unlock()
		return nil
	})
}

func (s *FileSyncer) handleEvent(evt fsnotify.Event) {
	rel, err := filepath.Rel(s.workspace, evt.Name)
	if err != nil || strings.HasPrefix(rel, "..") || isExcluded(rel) {
		return
	}

	if evt.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			s.watchTree(evt.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.dirty[rel] = struct{}{}
	// Flush once events have been quiet for the whole window.
	if s.flush != nil {
		s.flush.Stop()
	}
	s.flush = time.AfterFunc(flushQuiet, s.flushDirty)
}

func (s *FileSyncer) flushDirty() {
	s.mu.Lock()
	batch := s.dirty
	s.dirty = make(map[string]struct{})
	s.flush = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	for rel := range batch {
		src := filepath.Join(s.workspace, rel)
		dst := filepath.Join(s.mirror, rel)
		if _, err := os.Stat(src); err != nil {
			if err := os.RemoveAll(dst); err != nil {
				s.log.Warn("mirror remove failed", "path", rel, "error", err)
			}
			continue
		}
		if err := s.copyPath(rel); err != nil {
			s.log.Warn("mirror copy failed", "path", rel, "error", err)
		}
	}
}

// copyPath copies one workspace file (or directory) into the mirror.
func (s *FileSyncer) copyPath(rel string) error {
	src := filepath.Join(s.workspace, rel)
	dst := filepath.Join(s.mirror, rel)

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.MkdirAll(dst, info.Mode().Perm())
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// FullSync mirrors the whole workspace with rsync and returns the number of
// files now present in the mirror. Runs at startup and during graceful
// shutdown.
func (s *FileSyncer) FullSync() (int, error) {
	if err := os.MkdirAll(s.mirror, 0o755); err != nil {
		return 0, fmt.Errorf("create mirror dir: %w", err)
	}
	cmd := exec.Command("rsync", "-a", "--delete",
		"--exclude", ".git", "--exclude", "node_modules",
		s.workspace+"/", s.mirror+"/")
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("rsync: %w: %s", err, strings.TrimSpace(string(out)))
	}

	count := 0
	_ = filepath.WalkDir(s.mirror, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		count++
		return nil
	})
	return count, nil
}

// ListFiles reports every workspace file with its state relative to the
// mirror.
func (s *FileSyncer) ListFiles() ([]types.SyncFile, error) {
	files := []types.SyncFile{}
	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(s.workspace, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if isExcluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		files = append(files, types.SyncFile{
			Path:     filepath.ToSlash(rel),
			Status:   s.fileStatus(rel, info),
			Size:     info.Size(),
			Modified: info.ModTime().UnixMilli(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return files, nil
}

func (s *FileSyncer) fileStatus(rel string, src os.FileInfo) types.SyncFileStatus {
	dst, err := os.Stat(filepath.Join(s.mirror, rel))
	if err != nil {
		return types.SyncNew
	}
	if dst.Size() != src.Size() || dst.ModTime().Before(src.ModTime()) {
		return types.SyncModified
	}
	return types.SyncSynced
}

// RequestSync decides per file: deny rule blocks, allow rule copies, the
// allow-all mode copies, and everything else goes through the queue. All
// queue requests are registered before any waiter is awaited so one slow
// decision does not serialize the batch.
func (s *FileSyncer) RequestSync(paths []string) map[string]bool {
	results := make(map[string]bool, len(paths))
	waiters := make(map[string]<-chan bool)

	ruleSet := s.store.Rules()
	for _, path := range paths {
		rel := filepath.ToSlash(path)
		switch rules.Evaluate(ruleSet, types.CategoryFilesystem, rel) {
		case rules.VerdictDeny:
			results[rel] = false
			continue
		case rules.VerdictAllow:
			results[rel] = s.syncOne(rel)
			continue
		}
		if s.store.CategoryMode(types.CategoryFilesystem) == types.ModeAllowAll {
			results[rel] = s.syncOne(rel)
			continue
		}
		_, waiter := s.queue.Request(
			types.CategoryFilesystem,
			"sync "+rel,
			fmt.Sprintf("Sync %s to the host project", rel),
			"",
			map[string]any{"targetFile": rel},
		)
		waiters[rel] = waiter
	}

	for rel, waiter := range waiters {
		if approved := <-waiter; approved {
			results[rel] = s.syncOne(rel)
		} else {
			results[rel] = false
		}
	}
	return results
}

func (s *FileSyncer) syncOne(rel string) bool {
	if isExcluded(rel) {
		return false
	}
	if err := s.copyPath(rel); err != nil {
		s.log.Warn("file sync failed", "path", rel, "error", err)
		return false
	}
	return true
}
