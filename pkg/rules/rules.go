// Package rules implements the pure policy rule engine: parsing rule
// strings, matching patterns against targets, evaluating rule sets, and
// generating rules from observed actions. It performs no I/O.
package rules

import (
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// Verdict is the outcome of evaluating a rule set against a target.
type Verdict string

const (
	// VerdictNone means no rule matched; the caller falls through to the
	// category mode.
	VerdictNone  Verdict = ""
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Rule is a parsed rule string.
type Rule struct {
	Category types.Category
	Pattern  string
}

// String renders the rule in its canonical category(pattern) form.
func (r Rule) String() string {
	return string(r.Category) + "(" + r.Pattern + ")"
}

// Parse parses "category(pattern)" or a bare "category" (which means
// "category(*)"). The second return is false for unknown categories,
// empty patterns, and malformed input.
func Parse(raw string) (Rule, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Rule{}, false
	}

	open := strings.Index(raw, "(")
	if open < 0 {
		cat := types.Category(raw)
		if !cat.Valid() {
			return Rule{}, false
		}
		return Rule{Category: cat, Pattern: "*"}, true
	}

	if !strings.HasSuffix(raw, ")") {
		return Rule{}, false
	}
	cat := types.Category(raw[:open])
	pattern := raw[open+1 : len(raw)-1]
	if !cat.Valid() || pattern == "" {
		return Rule{}, false
	}
	return Rule{Category: cat, Pattern: pattern}, true
}

// Match reports whether pattern matches target under the category's glob
// dialect. Filesystem patterns are path-aware: * stays within one path
// segment and ** crosses segments. Every other category uses a shell-style
// glob where * matches any run of characters.
func Match(pattern, target string, category types.Category) bool {
	if category == types.CategoryFilesystem {
		ok, err := doublestar.Match(pattern, target)
		return err == nil && ok
	}
	return shellGlobMatch(pattern, target)
}

// Evaluate runs the rule set against a target. Deny rules are checked first
// in insertion order; the first match wins. Allow rules are checked second,
// skipping blanket exec(*) and packages(*) rules, which are never honored.
func Evaluate(rs types.RuleSet, category types.Category, target string) Verdict {
	for _, raw := range rs.Deny {
		rule, ok := Parse(raw)
		if !ok || rule.Category != category {
			continue
		}
		if Match(rule.Pattern, target, category) {
			return VerdictDeny
		}
	}
	for _, raw := range rs.Allow {
		rule, ok := Parse(raw)
		if !ok || rule.Category != category {
			continue
		}
		// A blanket allow on a hardened category is too dangerous to honor.
		if rule.Category.Hardened() && rule.Pattern == "*" {
			continue
		}
		if Match(rule.Pattern, target, category) {
			return VerdictAllow
		}
	}
	return VerdictNone
}

// Generate derives a rule string from a resolved request's action, used by
// the Always Allow / Always Deny flows.
func Generate(category types.Category, action string) string {
	switch category {
	case types.CategoryNetwork:
		host := ExtractNetworkHost(action)
		if host == "" {
			host = action
		}
		if net.ParseIP(host) != nil {
			return "network(" + host + ")"
		}
		labels := strings.Split(host, ".")
		if len(labels) >= 2 {
			return "network(*." + strings.Join(labels[len(labels)-2:], ".") + ")"
		}
		return "network(" + host + ")"
	case types.CategoryFilesystem:
		file := strings.TrimPrefix(action, "sync ")
		dir := path.Dir(file)
		if dir == "." || dir == "/" {
			return "filesystem(" + file + ")"
		}
		return "filesystem(" + dir + "/*)"
	case types.CategoryGit:
		return "git(" + strings.TrimPrefix(action, "push ") + ")"
	default:
		return string(category) + "(" + action + ")"
	}
}

// ExtractNetworkHost pulls the bare hostname out of a network action string.
// Understands "CONNECT host[:port]" and "METHOD http(s)://host/path".
// Returns "" when no host can be extracted.
func ExtractNetworkHost(action string) string {
	fields := strings.Fields(action)
	if len(fields) < 2 {
		return ""
	}
	target := fields[1]

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}

	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if host == "" {
		return ""
	}
	return host
}

var globEscaper = regexp.MustCompile(`[.+^$(){}\[\]|\\]`)

// shellGlobMatch matches with shell semantics: * is any run of any
// characters (including separators and spaces), ? is any single character.
func shellGlobMatch(pattern, target string) bool {
	escaped := globEscaper.ReplaceAllString(pattern, `\$0`)
	escaped = strings.ReplaceAll(escaped, "*", ".*")
	escaped = strings.ReplaceAll(escaped, "?", ".")
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return false
	}
	return re.MatchString(target)
}
