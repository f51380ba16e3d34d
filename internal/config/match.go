package config

import (
	"path/filepath"
	"strings"
)

// Match returns the rule governing path, or false when no rule matches or
// an exclusion applies. Overlapping rules resolve deterministically: the
// longest literal path prefix wins, ties broken by declaration order.
func (rs *Ruleset) Match(path string) (*Rule, bool) {
	path = filepath.Clean(path)
	if ExcludedBy(rs.GlobalExclude, path) {
		return nil, false
	}

	var best *Rule
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.Covers(path) {
			continue
		}
		if ExcludedBy(r.ExcludePaths, path) {
			continue
		}
		if best == nil || len(r.literalPrefix) > len(best.literalPrefix) {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Excluded reports whether path is filtered out for this rule, either by a
// rule-level or a global exclusion pattern.
func (rs *Ruleset) Excluded(r *Rule, path string) bool {
	path = filepath.Clean(path)
	if ExcludedBy(rs.GlobalExclude, path) {
		return true
	}
	return r != nil && ExcludedBy(r.ExcludePaths, path)
}

// RealtimeRules returns the rules observed via filesystem notifications.
func (rs *Ruleset) RealtimeRules() []Rule {
	var out []Rule
	for _, r := range rs.Rules {
		if r.ScanType == ScanRealtime {
			out = append(out, r)
		}
	}
	return out
}

// ScheduledRules returns the rules driven by periodic full walks.
func (rs *Ruleset) ScheduledRules() []Rule {
	var out []Rule
	for _, r := range rs.Rules {
		if r.ScanType == ScanScheduled {
			out = append(out, r)
		}
	}
	return out
}

// Covers reports whether path falls under this rule's root. Rule paths may
// carry glob segments (e.g. /home/*/.ssh); each segment is matched with
// filepath.Match. A non-recursive rule covers its root and the root's
// direct children only.
func (r *Rule) Covers(path string) bool {
	ruleSegs := splitPath(filepath.Clean(r.Path))
	pathSegs := splitPath(filepath.Clean(path))

	if len(pathSegs) < len(ruleSegs) {
		return false
	}
	for i, rs := range ruleSegs {
		ok, err := filepath.Match(rs, pathSegs[i])
		if err != nil || !ok {
			return false
		}
	}
	depth := len(pathSegs) - len(ruleSegs)
	if depth == 0 {
		return true
	}
	if !r.Recursive {
		return depth == 1
	}
	return true
}

// Roots expands the rule path's glob segments into concrete filesystem
// roots. Literal paths pass through unchanged even when absent on disk.
func (r *Rule) Roots() []string {
	if r.literalPrefix == r.Path {
		return []string{r.Path}
	}
	matches, err := filepath.Glob(r.Path)
	if err != nil || len(matches) == 0 {
		return nil
	}
	return matches
}

// ExcludedBy applies one exclusion pattern list to a path. A pattern with
// a path separator excludes by prefix; a bare pattern excludes when it
// matches any single path segment (directory name, file name or glob).
// Every exclusion decision in the pipeline goes through this function so
// realtime matching and full walks agree on what is excluded.
func ExcludedBy(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return false
	}
	segs := splitPath(path)
	for _, pat := range patterns {
		if strings.ContainsRune(pat, filepath.Separator) {
			p := filepath.Clean(pat)
			if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
				return true
			}
			continue
		}
		for _, seg := range segs {
			if ok, _ := filepath.Match(pat, seg); ok {
				return true
			}
		}
	}
	return false
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, string(filepath.Separator))
	if path == "" {
		return nil
	}
	return strings.Split(path, string(filepath.Separator))
}
