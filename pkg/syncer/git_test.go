package syncer

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

// newGitFixture builds a staging bare repo holding one commit on main, with
// real-remote pointing at an empty bare repo.
func newGitFixture(t *testing.T) (*GitSyncer, *queue.Queue, *config.Store, string) {
	t.Helper()
	gitOrSkip(t)
	dir := t.TempDir()
	real := filepath.Join(dir, "real.git")
	staging := filepath.Join(dir, "staging.git")
	work := filepath.Join(dir, "work")

	runGit(t, dir, "init", "--bare", real)
	runGit(t, dir, "init", "--bare", staging)
	runGit(t, staging, "--git-dir", staging, "remote", "add", "real-remote", real)

	runGit(t, dir, "init", "-b", "main", work)
	if err := os.WriteFile(filepath.Join(work, "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	runGit(t, work, "add", ".")
	runGit(t, work, "commit", "-m", "initial")
	runGit(t, work, "push", staging, "main")

	q := queue.New(filepath.Join(dir, "queue.json"), nil, nil)
	store := config.NewStore(filepath.Join(dir, "sandbox.config.json"), nil)
	store.ApplyConfigChange("gitStagingRepo", staging)
	return NewGitSyncer(q, store, nil), q, store, real
}

func TestBranchesNewBranch(t *testing.T) {
	g, _, _, _ := newGitFixture(t)
	branches, err := g.Branches()
	if err != nil {
		t.Fatalf("branches: %v", err)
	}
	if len(branches) != 1 || branches[0].Branch != "main" {
		t.Fatalf("branches = %+v", branches)
	}
	if !branches[0].NewBranch {
		t.Fatal("main should be a new branch before the first push")
	}
}

func TestRequestSyncPushesOnAllowRule(t *testing.T) {
	g, q, store, real := newGitFixture(t)
	store.AddRule("allow", "git(main)")

	approved, err := g.RequestSync("main")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !approved {
		t.Fatal("allow-rule sync not approved")
	}
	if len(q.Pending()) != 0 {
		t.Fatal("rule-allowed push reached the queue")
	}

	// The real remote now has the branch.
	cmd := exec.Command("git", "--git-dir", real, "rev-parse", "--verify", "refs/heads/main")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("real remote missing branch: %v: %s", err, out)
	}
}

func TestRequestSyncDenyRule(t *testing.T) {
	g, q, store, _ := newGitFixture(t)
	store.AddRule("deny", "git(main)")

	approved, err := g.RequestSync("main")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if approved {
		t.Fatal("deny-rule sync approved")
	}
	if len(q.Pending()) != 0 {
		t.Fatal("rule-denied push reached the queue")
	}
}

func TestRequestSyncQueuedApproval(t *testing.T) {
	g, q, _, _ := newGitFixture(t)

	done := make(chan bool, 1)
	go func() {
		approved, _ := g.RequestSync("main")
		done <- approved
	}()

	req := waitForPending(t, q)
	if req.Action != "push main" {
		t.Fatalf("action = %q", req.Action)
	}
	q.Approve(req.ID, "web")
	if approved := <-done; !approved {
		t.Fatal("approved push reported false")
	}
}

func waitForPending(t *testing.T, q *queue.Queue) *types.PermissionRequest {
	t.Helper()
	for range 500 {
		if pending := q.Pending(); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no request ever queued")
	return nil
}
