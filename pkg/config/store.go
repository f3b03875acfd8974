package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// Store owns the in-memory sandbox policy state and its load/save cycle.
// Mutations are funneled through the control plane so persistence and event
// broadcast happen together.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  types.SandboxConfig
	log  *slog.Logger
}

// NewStore creates a store backed by the JSON file at path. The in-memory
// state starts from defaults; call Load to pick up persisted state.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, cfg: defaultConfig(), log: log}
}

func defaultConfig() types.SandboxConfig {
	categories := make(map[types.Category]types.CategoryConfig, len(types.Categories))
	for _, cat := range types.Categories {
		categories[cat] = types.CategoryConfig{Mode: types.ModeApproveEach}
	}
	return types.SandboxConfig{
		AllowedEndpoints: []string{},
		GitStagingRepo:   "/workspace/git-staging",
		Categories:       categories,
		Rules:            types.RuleSet{Allow: []string{}, Deny: []string{}},
	}
}

// Load reads the persisted config. A missing or unparseable file falls back
// to defaults and the server continues.
func (s *Store) Load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("config read failed, using defaults", "path", s.path, "error", err)
		}
		return
	}

	var cfg types.SandboxConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn("config parse failed, using defaults", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	s.cfg = normalize(cfg)
	s.mu.Unlock()
}

// Save writes the config as pretty-printed JSON with a trailing newline.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// normalize patches holes left by older config files and re-asserts the
// hardened-category invariant on whatever was persisted.
func normalize(cfg types.SandboxConfig) types.SandboxConfig {
	if cfg.AllowedEndpoints == nil {
		cfg.AllowedEndpoints = []string{}
	}
	if cfg.Rules.Allow == nil {
		cfg.Rules.Allow = []string{}
	}
	if cfg.Rules.Deny == nil {
		cfg.Rules.Deny = []string{}
	}
	if cfg.Categories == nil {
		cfg.Categories = make(map[types.Category]types.CategoryConfig)
	}
	for _, cat := range types.Categories {
		cc, ok := cfg.Categories[cat]
		if !ok || !cc.Mode.Valid() || (cat.Hardened() && cc.Mode != types.ModeApproveEach) {
			cfg.Categories[cat] = types.CategoryConfig{Mode: types.ModeApproveEach}
		}
	}
	return cfg
}

// Get returns a deep copy of the current config.
func (s *Store) Get() types.SandboxConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyConfig(s.cfg)
}

func copyConfig(cfg types.SandboxConfig) types.SandboxConfig {
	out := cfg
	out.AllowedEndpoints = append([]string{}, cfg.AllowedEndpoints...)
	out.Rules.Allow = append([]string{}, cfg.Rules.Allow...)
	out.Rules.Deny = append([]string{}, cfg.Rules.Deny...)
	out.Categories = make(map[types.Category]types.CategoryConfig, len(cfg.Categories))
	for k, v := range cfg.Categories {
		out.Categories[k] = v
	}
	return out
}

// Rules returns a copy of the current rule set. Both lists are non-nil so
// they serialize as JSON arrays.
func (s *Store) Rules() types.RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.RuleSet{
		Allow: append([]string{}, s.cfg.Rules.Allow...),
		Deny:  append([]string{}, s.cfg.Rules.Deny...),
	}
}

// GitStagingRepo returns the configured staging repo path.
func (s *Store) GitStagingRepo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GitStagingRepo
}

// IsEndpointAllowed reports whether host is covered by the endpoint
// allowlist: equal to an entry, or ending with "." + entry.
func (s *Store) IsEndpointAllowed(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, suffix := range s.cfg.AllowedEndpoints {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// CategoryMode returns the effective mode for a category. Hardened
// categories always read as approve-each regardless of stored state.
func (s *Store) CategoryMode(cat types.Category) types.Mode {
	if cat.Hardened() {
		return types.ModeApproveEach
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cc, ok := s.cfg.Categories[cat]; ok && cc.Mode.Valid() {
		return cc.Mode
	}
	return types.ModeApproveEach
}

// SetCategoryMode updates a category's mode. Writes that would relax a
// hardened category, or set an invalid mode, are silently discarded.
func (s *Store) SetCategoryMode(cat types.Category, mode types.Mode) {
	if !cat.Valid() || !mode.Valid() {
		return
	}
	if cat.Hardened() && mode != types.ModeApproveEach {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Categories[cat] = types.CategoryConfig{Mode: mode}
}

// AddRule inserts a rule string into the allow or deny list. Returns false
// for unparseable rules, unknown list types, and duplicates.
func (s *Store) AddRule(listType, rule string) bool {
	if _, ok := rules.Parse(rule); !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.ruleList(listType)
	if list == nil {
		return false
	}
	for _, existing := range *list {
		if existing == rule {
			return false
		}
	}
	*list = append(*list, rule)
	return true
}

// RemoveRule deletes a rule string from the allow or deny list.
func (s *Store) RemoveRule(listType, rule string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.ruleList(listType)
	if list == nil {
		return false
	}
	for i, existing := range *list {
		if existing == rule {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) ruleList(listType string) *[]string {
	switch listType {
	case "allow":
		return &s.cfg.Rules.Allow
	case "deny":
		return &s.cfg.Rules.Deny
	}
	return nil
}

// AddAllowedEndpoint appends a host suffix to the network bypass list.
func (s *Store) AddAllowedEndpoint(endpoint string) bool {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cfg.AllowedEndpoints {
		if existing == endpoint {
			return false
		}
	}
	s.cfg.AllowedEndpoints = append(s.cfg.AllowedEndpoints, endpoint)
	return true
}

// RemoveAllowedEndpoint drops a host suffix from the bypass list.
func (s *Store) RemoveAllowedEndpoint(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.cfg.AllowedEndpoints {
		if existing == endpoint {
			s.cfg.AllowedEndpoints = append(s.cfg.AllowedEndpoints[:i], s.cfg.AllowedEndpoints[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyConfigChange walks a dot-separated path into the JSON form of the
// config and assigns value. Used when an approved sandbox proposal lands.
func (s *Store) ApplyConfigChange(path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty config path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	segments := strings.Split(path, ".")
	node := tree
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value

	patched, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal patched config: %w", err)
	}
	var cfg types.SandboxConfig
	if err := json.Unmarshal(patched, &cfg); err != nil {
		return fmt.Errorf("apply %s: %w", path, err)
	}
	s.cfg = normalize(cfg)
	return nil
}
