package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ekremunalytu/BasicFIM/internal/config"
	"github.com/Ekremunalytu/BasicFIM/internal/model"
)

// writeConfig writes a YAML document to a temp file and returns its path.
func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

const sampleConfig = `
fim:
  active_profile: test
  monitoring:
    paths:
      - /opt/extra
    excluded_patterns:
      - "*.tmp"
      - ".git"
    scan_interval: 2m
    realtime_enabled: false
  scanning:
    max_file_size: 1048576
    hash_timeout: 5s
    workers: 4
    debounce_ms: 100
  profiles:
    test:
      defaults:
        recursive: true
        scan_type: scheduled
        schedule: 10m
        check_hash: true
        check_metadata: true
        severity: medium
      platforms:
        linux:
          rules:
            - path: /etc
              scan_type: realtime
              severity: high
              exclude_paths:
                - "mtab"
            - path: /etc/shadow
              scan_type: realtime
              severity: critical
            - path: /usr/local/bin
            - path: /home/*/.ssh
              scan_type: realtime
              severity: critical
              alert_on_content_match:
                - "(?i)command="
`

func TestLoadAndResolve(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	rs, err := config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.NoError(t, err)

	// 4 platform rules plus 1 implicit monitoring path.
	require.Len(t, rs.Rules, 5)
	assert.Equal(t, "test", rs.Profile)
	assert.Equal(t, "linux", rs.Platform)
	assert.Equal(t, []string{"*.tmp", ".git"}, rs.GlobalExclude)

	etc := rs.Rules[0]
	assert.Equal(t, "/etc", etc.Path)
	assert.Equal(t, config.ScanRealtime, etc.ScanType)
	assert.Equal(t, model.SeverityHigh, etc.Severity)
	assert.True(t, etc.Recursive, "inherited from defaults")
	assert.True(t, etc.CheckHash)
	assert.True(t, etc.CheckMetadata)

	bin := rs.Rules[2]
	assert.Equal(t, config.ScanScheduled, bin.ScanType)
	assert.Equal(t, 10*time.Minute, bin.Schedule, "inherited schedule")
	assert.Equal(t, model.SeverityMedium, bin.Severity, "inherited severity")

	ssh := rs.Rules[3]
	require.Len(t, ssh.Patterns, 1)
	assert.Equal(t, "(?i)command=", ssh.Patterns[0].ID)

	// Monitoring path became a scheduled implicit rule because
	// realtime_enabled is false; schedule comes from scan_interval.
	extra := rs.Rules[4]
	assert.Equal(t, "/opt/extra", extra.Path)
	assert.Equal(t, config.ScanScheduled, extra.ScanType)
	assert.Equal(t, 2*time.Minute, extra.Schedule)
	assert.Contains(t, extra.ID, "monitoring")
}

func TestLoadMissingProfile(t *testing.T) {
	doc := `
fim:
  active_profile: nope
  profiles:
    test:
      platforms: {}
`
	_, err := config.Load(writeConfig(t, doc))
	require.Error(t, err)
	var cerr *model.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "nope")
}

func TestResolveInvalidSeverity(t *testing.T) {
	doc := `
fim:
  active_profile: test
  profiles:
    test:
      platforms:
        linux:
          rules:
            - path: /etc
              scan_type: realtime
              severity: apocalyptic
`
	cfg, err := config.Load(writeConfig(t, doc))
	require.NoError(t, err)
	_, err = config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apocalyptic")
}

func TestResolveScheduledRequiresSchedule(t *testing.T) {
	doc := `
fim:
  active_profile: test
  profiles:
    test:
      platforms:
        linux:
          rules:
            - path: /etc
              scan_type: scheduled
`
	cfg, err := config.Load(writeConfig(t, doc))
	require.NoError(t, err)
	_, err = config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule")
}

func TestResolveBadPatternStrictAndLenient(t *testing.T) {
	doc := `
fim:
  active_profile: test
  profiles:
    test:
      platforms:
        linux:
          rules:
            - path: /etc
              scan_type: realtime
              alert_on_content_match:
                - "([unclosed"
`
	cfg, err := config.Load(writeConfig(t, doc))
	require.NoError(t, err)

	_, err = config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.Error(t, err, "bad pattern refuses to resolve by default")

	rs, err := config.Resolve(cfg, "test", "linux", config.ResolveOptions{LenientPatterns: true})
	require.NoError(t, err)
	require.Len(t, rs.PatternErrors, 1)
	assert.Equal(t, "([unclosed", rs.PatternErrors[0].Pattern)
	assert.Empty(t, rs.Rules[0].Patterns, "content matching disabled for the rule")
}

func TestResolveNoRulesForPlatform(t *testing.T) {
	doc := `
fim:
  active_profile: test
  profiles:
    test:
      platforms:
        windows:
          rules:
            - path: C:\Windows
              scan_type: realtime
`
	cfg, err := config.Load(writeConfig(t, doc))
	require.NoError(t, err)
	_, err = config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.Error(t, err)
}

func TestMatchPrecedence(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	rs, err := config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.NoError(t, err)

	// /etc/shadow is covered by both /etc and /etc/shadow; the longer
	// literal prefix wins.
	rule, ok := rs.Match("/etc/shadow")
	require.True(t, ok)
	assert.Equal(t, "/etc/shadow", rule.Path)

	rule, ok = rs.Match("/etc/hosts")
	require.True(t, ok)
	assert.Equal(t, "/etc", rule.Path)

	// Rule-level exclusion.
	_, ok = rs.Match("/etc/mtab")
	assert.False(t, ok)

	// Global exclusion beats every rule.
	_, ok = rs.Match("/etc/cache.tmp")
	assert.False(t, ok)
	_, ok = rs.Match("/opt/extra/.git/HEAD")
	assert.False(t, ok)

	// Glob segment rule.
	rule, ok = rs.Match("/home/alice/.ssh/authorized_keys")
	require.True(t, ok)
	assert.Equal(t, "/home/*/.ssh", rule.Path)

	_, ok = rs.Match("/var/unrelated")
	assert.False(t, ok)
}

func TestMatchTieBreaksByDeclarationOrder(t *testing.T) {
	doc := `
fim:
  active_profile: test
  profiles:
    test:
      platforms:
        linux:
          rules:
            - path: /etc
              scan_type: realtime
              severity: high
            - path: /etc
              scan_type: realtime
              severity: low
`
	cfg, err := config.Load(writeConfig(t, doc))
	require.NoError(t, err)
	rs, err := config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.NoError(t, err)

	rule, ok := rs.Match("/etc/hosts")
	require.True(t, ok)
	assert.Equal(t, model.SeverityHigh, rule.Severity, "first declared rule wins the tie")
}

func TestExcludedByPrefixAndSegment(t *testing.T) {
	// Separator-bearing patterns exclude by prefix.
	assert.True(t, config.ExcludedBy([]string{"/var/cache"}, "/var/cache"))
	assert.True(t, config.ExcludedBy([]string{"/var/cache"}, "/var/cache/pkg/a.deb"))
	assert.False(t, config.ExcludedBy([]string{"/var/cache"}, "/var/cachefile"))

	// Bare patterns exclude on any path segment.
	assert.True(t, config.ExcludedBy([]string{"*.tmp"}, "/home/u/x.tmp"))
	assert.True(t, config.ExcludedBy([]string{".git"}, "/repo/.git/HEAD"))
	assert.False(t, config.ExcludedBy([]string{".git"}, "/repo/gitlog.txt"))
	assert.False(t, config.ExcludedBy(nil, "/anything"))
}

func TestCoversNonRecursive(t *testing.T) {
	doc := `
fim:
  active_profile: test
  profiles:
    test:
      platforms:
        linux:
          rules:
            - path: /etc
              scan_type: realtime
              recursive: false
`
	cfg, err := config.Load(writeConfig(t, doc))
	require.NoError(t, err)
	rs, err := config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.NoError(t, err)

	rule := &rs.Rules[0]
	assert.True(t, rule.Covers("/etc"))
	assert.True(t, rule.Covers("/etc/hosts"))
	assert.False(t, rule.Covers("/etc/ssl/certs"), "non-recursive stops at direct children")
}

func TestRealtimeAndScheduledSplit(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	rs, err := config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.NoError(t, err)

	assert.Len(t, rs.RealtimeRules(), 3)
	assert.Len(t, rs.ScheduledRules(), 2)
}

func TestScanningDefaults(t *testing.T) {
	var s config.Scanning
	assert.Equal(t, int64(10<<20), s.MaxFileSizeOrDefault())
	assert.Equal(t, 10*time.Second, s.HashTimeoutOrDefault())
	assert.Equal(t, 8, s.WorkersOrDefault())
	assert.Equal(t, 250*time.Millisecond, s.Debounce())
}
