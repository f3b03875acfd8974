package syncer

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// realRemote is the name of the push target configured in the staging repo.
const realRemote = "real-remote"

// GitSyncer pushes branches from the staging bare repo to the real remote,
// gated by the git category policy.
type GitSyncer struct {
	queue *queue.Queue
	store *config.Store
	log   *slog.Logger
}

// NewGitSyncer wires the syncer to the queue and config store.
func NewGitSyncer(q *queue.Queue, store *config.Store, log *slog.Logger) *GitSyncer {
	if log == nil {
		log = slog.Default()
	}
	return &GitSyncer{queue: q, store: store, log: log}
}

func (g *GitSyncer) git(args ...string) (string, error) {
	full := append([]string{"--git-dir", g.store.GitStagingRepo()}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", args[0], err, text)
	}
	return text, nil
}

// Branches enumerates staging branches with their position relative to the
// real remote. Branches without a remote counterpart surface as new.
func (g *GitSyncer) Branches() ([]types.GitBranch, error) {
	out, err := g.git("for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}

	branches := []types.GitBranch{}
	for _, name := range strings.Fields(out) {
		branch := types.GitBranch{Branch: name}
		remoteRef := realRemote + "/" + name
		if _, err := g.git("rev-parse", "--verify", "--quiet", "refs/remotes/"+remoteRef); err != nil {
			branch.NewBranch = true
			branches = append(branches, branch)
			continue
		}
		if counts, err := g.git("rev-list", "--left-right", "--count", remoteRef+"..."+name); err == nil {
			fmt.Sscanf(counts, "%d %d", &branch.Behind, &branch.Ahead)
		}
		if stat, err := g.git("diff", "--shortstat", remoteRef+"..."+name); err == nil {
			branch.DiffStat = stat
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

// RequestSync pushes branch to the real remote once the git policy allows
// it: deny rule or deny-all blocks, allow rule or allow-all pushes, and
// otherwise the decision goes through the queue.
func (g *GitSyncer) RequestSync(branch string) (bool, error) {
	switch rules.Evaluate(g.store.Rules(), types.CategoryGit, branch) {
	case rules.VerdictDeny:
		return false, nil
	case rules.VerdictAllow:
		return true, g.push(branch)
	}

	switch g.store.CategoryMode(types.CategoryGit) {
	case types.ModeAllowAll:
		return true, g.push(branch)
	case types.ModeDenyAll:
		return false, nil
	}

	_, waiter := g.queue.Request(
		types.CategoryGit,
		"push "+branch,
		fmt.Sprintf("Push branch %s to the real remote", branch),
		"",
		map[string]any{"branch": branch},
	)
	if approved := <-waiter; !approved {
		return false, nil
	}
	return true, g.push(branch)
}

func (g *GitSyncer) push(branch string) error {
	if _, err := g.git("push", realRemote, branch); err != nil {
		return err
	}
	g.log.Info("branch pushed", "branch", branch, "remote", realRemote)
	return nil
}
