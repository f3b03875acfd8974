package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "sandbox.config.json"), nil)
}

func TestHardenedCategoryModes(t *testing.T) {
	s := newTestStore(t)
	for _, cat := range []types.Category{types.CategoryExec, types.CategoryPackages} {
		for _, mode := range []types.Mode{types.ModeAllowAll, types.ModeDenyAll, types.ModeApproveBulk} {
			s.SetCategoryMode(cat, mode)
			if got := s.CategoryMode(cat); got != types.ModeApproveEach {
				t.Fatalf("%s after set %s: mode = %s, want approve-each", cat, mode, got)
			}
		}
	}
	// Non-hardened categories accept mode changes.
	s.SetCategoryMode(types.CategoryNetwork, types.ModeAllowAll)
	if got := s.CategoryMode(types.CategoryNetwork); got != types.ModeAllowAll {
		t.Fatalf("network mode = %s, want allow-all", got)
	}
}

func TestHardenedModeSurvivesPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.config.json")
	raw := `{"allowedEndpoints":[],"gitStagingRepo":"/tmp/staging","categories":{"exec":{"mode":"allow-all"},"network":{"mode":"deny-all"}},"rules":{"allow":[],"deny":[]}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	s := NewStore(path, nil)
	s.Load()
	if got := s.CategoryMode(types.CategoryExec); got != types.ModeApproveEach {
		t.Fatalf("exec mode from disk = %s, want approve-each", got)
	}
	if got := s.CategoryMode(types.CategoryNetwork); got != types.ModeDenyAll {
		t.Fatalf("network mode from disk = %s, want deny-all", got)
	}
}

func TestAddRuleRejectsUnparseable(t *testing.T) {
	s := newTestStore(t)
	for _, bad := range []string{"", "nonsense", "network()", "unknown(*)"} {
		if s.AddRule("allow", bad) {
			t.Fatalf("AddRule accepted %q", bad)
		}
	}
	if !s.AddRule("allow", "network(*.example.com)") {
		t.Fatal("AddRule rejected a valid rule")
	}
	if s.AddRule("allow", "network(*.example.com)") {
		t.Fatal("AddRule accepted a duplicate")
	}
	if !s.RemoveRule("allow", "network(*.example.com)") {
		t.Fatal("RemoveRule missed an existing rule")
	}
	if s.RemoveRule("allow", "network(*.example.com)") {
		t.Fatal("RemoveRule reported success twice")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.config.json")
	s := NewStore(path, nil)
	s.AddRule("allow", "network(*.example.com)")
	s.AddRule("deny", "exec(rm *)")
	s.AddAllowedEndpoint("registry.npmjs.org")
	s.SetCategoryMode(types.CategoryGit, types.ModeAllowAll)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Pretty-printed with a trailing newline.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Fatal("saved config missing trailing newline")
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("saved config not valid JSON: %v", err)
	}

	reloaded := NewStore(path, nil)
	reloaded.Load()
	if !reflect.DeepEqual(s.Get(), reloaded.Get()) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", s.Get(), reloaded.Get())
	}
}

func TestIsEndpointAllowed(t *testing.T) {
	s := newTestStore(t)
	s.AddAllowedEndpoint("example.com")
	cases := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"deep.api.example.com", true},
		{"notexample.com", false},
		{"example.org", false},
	}
	for _, tc := range cases {
		if got := s.IsEndpointAllowed(tc.host); got != tc.want {
			t.Fatalf("IsEndpointAllowed(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestApplyConfigChange(t *testing.T) {
	s := newTestStore(t)
	if err := s.ApplyConfigChange("categories.network.mode", "allow-all"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.CategoryMode(types.CategoryNetwork); got != types.ModeAllowAll {
		t.Fatalf("network mode = %s, want allow-all", got)
	}

	// A proposal relaxing a hardened category is normalized away.
	if err := s.ApplyConfigChange("categories.exec.mode", "allow-all"); err != nil {
		t.Fatalf("apply hardened: %v", err)
	}
	if got := s.CategoryMode(types.CategoryExec); got != types.ModeApproveEach {
		t.Fatalf("exec mode = %s, want approve-each", got)
	}

	if err := s.ApplyConfigChange("gitStagingRepo", "/srv/staging"); err != nil {
		t.Fatalf("apply scalar: %v", err)
	}
	if got := s.GitStagingRepo(); got != "/srv/staging" {
		t.Fatalf("gitStagingRepo = %q", got)
	}
}
