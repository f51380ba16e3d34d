// Package config loads the YAML monitoring configuration and flattens the
// active profile into an ordered, validated rule list for one platform.
package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ekremunalytu/BasicFIM/internal/model"
)

// ScanType selects how a rule's root is observed.
type ScanType string

const (
	ScanRealtime  ScanType = "realtime"
	ScanScheduled ScanType = "scheduled"
)

// Config is the full parsed configuration file.
type Config struct {
	FIM FIMConfig `yaml:"fim"`
}

// FIMConfig is the `fim:` document root.
type FIMConfig struct {
	ActiveProfile string             `yaml:"active_profile"`
	Monitoring    Monitoring         `yaml:"monitoring"`
	Scanning      Scanning           `yaml:"scanning"`
	Profiles      map[string]Profile `yaml:"profiles"`
}

// Monitoring holds the top-level path list applied in addition to the
// active profile's rules.
type Monitoring struct {
	Paths            []string `yaml:"paths"`
	ExcludedPatterns []string `yaml:"excluded_patterns"`
	ScanInterval     string   `yaml:"scan_interval"`
	RealtimeEnabled  *bool    `yaml:"realtime_enabled"`
}

// Scanning bounds the hash/metadata computer and the shared worker pool.
type Scanning struct {
	MaxFileSize int64  `yaml:"max_file_size"`
	HashTimeout string `yaml:"hash_timeout"`
	Workers     int    `yaml:"workers"`
	DebounceMS  int    `yaml:"debounce_ms"`
}

// Profile is a named monitoring posture: a defaults block plus per-platform
// rule lists.
type Profile struct {
	Defaults  RawRule             `yaml:"defaults"`
	Platforms map[string]Platform `yaml:"platforms"`
}

// Platform carries the ordered rule list for one target OS.
type Platform struct {
	Rules []RawRule `yaml:"rules"`
}

// RawRule is a rule as written in YAML. Unset fields (nil pointers, empty
// strings) inherit from the profile's defaults block field-by-field.
type RawRule struct {
	Path                string   `yaml:"path"`
	Recursive           *bool    `yaml:"recursive"`
	ScanType            string   `yaml:"scan_type"`
	Schedule            string   `yaml:"schedule"`
	CheckHash           *bool    `yaml:"check_hash"`
	CheckMetadata       *bool    `yaml:"check_metadata"`
	Severity            string   `yaml:"severity"`
	ExcludePaths        []string `yaml:"exclude_paths"`
	AlertOnContentMatch []string `yaml:"alert_on_content_match"`
}

// Pattern is a compiled content-match pattern. ID is the source expression,
// used to annotate events.
type Pattern struct {
	ID string
	RE *regexp.Regexp
}

// Rule is a fully resolved monitoring policy for one path.
type Rule struct {
	ID            string
	Path          string
	Recursive     bool
	ScanType      ScanType
	Schedule      time.Duration
	CheckHash     bool
	CheckMetadata bool
	Severity      model.Severity
	ExcludePaths  []string
	Patterns      []Pattern

	index         int
	literalPrefix string
}

// Load parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &model.ConfigError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.FIM.ActiveProfile == "" {
		return &model.ConfigError{Reason: "fim.active_profile is required"}
	}
	if _, ok := c.FIM.Profiles[c.FIM.ActiveProfile]; !ok {
		return &model.ConfigError{Reason: fmt.Sprintf("profile %q not defined", c.FIM.ActiveProfile)}
	}
	if c.FIM.Monitoring.ScanInterval != "" {
		if _, err := time.ParseDuration(c.FIM.Monitoring.ScanInterval); err != nil {
			return &model.ConfigError{Reason: fmt.Sprintf("monitoring.scan_interval: %v", err)}
		}
	}
	if c.FIM.Scanning.HashTimeout != "" {
		if _, err := time.ParseDuration(c.FIM.Scanning.HashTimeout); err != nil {
			return &model.ConfigError{Reason: fmt.Sprintf("scanning.hash_timeout: %v", err)}
		}
	}
	return nil
}

// ScanInterval returns the top-level scheduled interval, defaulting to 5m.
func (m Monitoring) Interval() time.Duration {
	if m.ScanInterval == "" {
		return 5 * time.Minute
	}
	d, _ := time.ParseDuration(m.ScanInterval)
	return d
}

// Realtime reports whether top-level monitoring paths use the watcher.
func (m Monitoring) Realtime() bool {
	if m.RealtimeEnabled == nil {
		return true
	}
	return *m.RealtimeEnabled
}

// MaxFileSizeOrDefault returns the digest size ceiling, defaulting to 10 MiB.
func (s Scanning) MaxFileSizeOrDefault() int64 {
	if s.MaxFileSize <= 0 {
		return 10 << 20
	}
	return s.MaxFileSize
}

// HashTimeoutOrDefault returns the per-entry digest deadline, defaulting to 10s.
func (s Scanning) HashTimeoutOrDefault() time.Duration {
	if s.HashTimeout == "" {
		return 10 * time.Second
	}
	d, _ := time.ParseDuration(s.HashTimeout)
	return d
}

// WorkersOrDefault returns the shared pool size, defaulting to 8.
func (s Scanning) WorkersOrDefault() int {
	if s.Workers <= 0 {
		return 8
	}
	return s.Workers
}

// Debounce returns the watcher coalescing window, defaulting to 250ms.
func (s Scanning) Debounce() time.Duration {
	if s.DebounceMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(s.DebounceMS) * time.Millisecond
}

// CurrentPlatform maps GOOS onto the platform keys used in profiles.
func CurrentPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return "linux"
	}
}

// ResolveOptions tunes profile resolution.
type ResolveOptions struct {
	// LenientPatterns disables content matching for rules whose patterns
	// fail to compile instead of failing resolution. The returned
	// PatternErrors slice carries one entry per disabled pattern.
	LenientPatterns bool
}

// Ruleset is the flattened, priority-ordered rule list for one platform.
type Ruleset struct {
	Profile       string
	Platform      string
	Rules         []Rule
	GlobalExclude []string
	PatternErrors []*model.PatternError
}

// Resolve flattens the named profile for the given platform: profile
// defaults are inherited field-by-field, top-level monitoring paths are
// appended as implicit rules, and every rule is validated.
func Resolve(cfg *Config, profileName, platform string, opts ResolveOptions) (*Ruleset, error) {
	profile, ok := cfg.FIM.Profiles[profileName]
	if !ok {
		return nil, &model.ConfigError{Reason: fmt.Sprintf("profile %q not defined", profileName)}
	}

	rs := &Ruleset{
		Profile:       profileName,
		Platform:      platform,
		GlobalExclude: cfg.FIM.Monitoring.ExcludedPatterns,
	}

	raws := profile.Platforms[platform].Rules
	for i, raw := range raws {
		rule, err := buildRule(raw, profile.Defaults, fmt.Sprintf("%s/%s/%d", profileName, platform, i), len(rs.Rules), opts, rs)
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, rule)
	}

	// Top-level monitoring paths become implicit rules carrying the
	// profile defaults, so operators can add paths without editing the
	// profile itself.
	for i, p := range cfg.FIM.Monitoring.Paths {
		raw := RawRule{Path: p}
		if cfg.FIM.Monitoring.Realtime() {
			raw.ScanType = string(ScanRealtime)
		} else {
			raw.ScanType = string(ScanScheduled)
			raw.Schedule = cfg.FIM.Monitoring.Interval().String()
		}
		rule, err := buildRule(raw, profile.Defaults, fmt.Sprintf("%s/monitoring/%d", profileName, i), len(rs.Rules), opts, rs)
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, rule)
	}

	if len(rs.Rules) == 0 {
		return nil, &model.ConfigError{Reason: fmt.Sprintf("profile %q has no rules for platform %q and no monitoring paths", profileName, platform)}
	}
	return rs, nil
}

func buildRule(raw, defaults RawRule, id string, index int, opts ResolveOptions, rs *Ruleset) (Rule, error) {
	if raw.Path == "" {
		return Rule{}, &model.ConfigError{Reason: fmt.Sprintf("rule %s: path is required", id)}
	}

	rule := Rule{
		ID:            id,
		Path:          raw.Path,
		Recursive:     inheritBool(raw.Recursive, defaults.Recursive, true),
		CheckHash:     inheritBool(raw.CheckHash, defaults.CheckHash, true),
		CheckMetadata: inheritBool(raw.CheckMetadata, defaults.CheckMetadata, true),
		ExcludePaths:  raw.ExcludePaths,
		index:         index,
		literalPrefix: literalPrefix(raw.Path),
	}
	if len(rule.ExcludePaths) == 0 {
		rule.ExcludePaths = defaults.ExcludePaths
	}

	st := raw.ScanType
	if st == "" {
		st = defaults.ScanType
	}
	if st == "" {
		st = string(ScanScheduled)
	}
	switch ScanType(st) {
	case ScanRealtime, ScanScheduled:
		rule.ScanType = ScanType(st)
	default:
		return Rule{}, &model.ConfigError{Reason: fmt.Sprintf("rule %s: invalid scan_type %q", id, st)}
	}

	sched := raw.Schedule
	if sched == "" {
		sched = defaults.Schedule
	}
	if rule.ScanType == ScanScheduled {
		if sched == "" {
			return Rule{}, &model.ConfigError{Reason: fmt.Sprintf("rule %s: scheduled rule requires a schedule", id)}
		}
		d, err := time.ParseDuration(sched)
		if err != nil || d <= 0 {
			return Rule{}, &model.ConfigError{Reason: fmt.Sprintf("rule %s: invalid schedule %q", id, sched)}
		}
		rule.Schedule = d
	}

	sev := raw.Severity
	if sev == "" {
		sev = defaults.Severity
	}
	if sev == "" {
		sev = string(model.SeverityMedium)
	}
	rule.Severity = model.Severity(strings.ToUpper(sev))
	if !rule.Severity.Valid() {
		return Rule{}, &model.ConfigError{Reason: fmt.Sprintf("rule %s: invalid severity %q", id, sev)}
	}

	patterns := raw.AlertOnContentMatch
	if len(patterns) == 0 {
		patterns = defaults.AlertOnContentMatch
	}
	for _, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			perr := &model.PatternError{RuleID: id, Pattern: expr, Err: err}
			if opts.LenientPatterns {
				rs.PatternErrors = append(rs.PatternErrors, perr)
				rule.Patterns = nil
				break
			}
			return Rule{}, &model.ConfigError{Reason: perr.Error()}
		}
		rule.Patterns = append(rule.Patterns, Pattern{ID: expr, RE: re})
	}

	return rule, nil
}

func inheritBool(explicit, inherited *bool, fallback bool) bool {
	if explicit != nil {
		return *explicit
	}
	if inherited != nil {
		return *inherited
	}
	return fallback
}

// literalPrefix returns the part of a rule path before the first glob
// metacharacter, used for overlap precedence.
func literalPrefix(path string) string {
	if i := strings.IndexAny(path, "*?["); i >= 0 {
		return path[:i]
	}
	return path
}
