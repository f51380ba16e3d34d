// Package model holds the data types shared across the monitoring pipeline:
// change events, baseline entries, filesystem snapshots and scan jobs.
package model

import (
	"io/fs"
	"time"
)

// ChangeType classifies how an entry drifted from its baseline.
type ChangeType string

const (
	ChangeCreated   ChangeType = "CREATED"
	ChangeModified  ChangeType = "MODIFIED"
	ChangeDeleted   ChangeType = "DELETED"
	ChangeMetadata  ChangeType = "METADATA_CHANGED"
	ChangeUnchanged ChangeType = "UNCHANGED"
)

// Severity is the rule-declared importance attached to every event the
// rule produces.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the higher of a and b. Unknown values rank lowest.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Skip reasons recorded on snapshots whose digest could not be computed.
const (
	SkipTooLarge = "skipped: too large"
	SkipTimeout  = "skipped: timeout"
)

// Metadata is the tracked portion of an entry's stat information.
type Metadata struct {
	Size    int64       `json:"size"`
	ModTime time.Time   `json:"mod_time"`
	Mode    fs.FileMode `json:"mode"`
}

// Equal compares the fields the metadata check cares about.
func (m Metadata) Equal(other Metadata) bool {
	return m.Size == other.Size &&
		m.ModTime.Equal(other.ModTime) &&
		m.Mode.Perm() == other.Mode.Perm()
}

// Snapshot is the freshly computed state of a live filesystem entry.
// Digest is empty when hashing was disabled for the owning rule or when
// SkipReason is set.
type Snapshot struct {
	Path       string
	Digest     string
	SkipReason string
	Meta       Metadata
	Observed   time.Time
}

// BaselineEntry is the last-accepted state of a monitored path. It is
// created on first scan, updated only by an accepted change event, and
// removed explicitly by a DELETED event.
type BaselineEntry struct {
	Path         string    `json:"path"`
	Digest       string    `json:"digest,omitempty"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	Mode         uint32    `json:"mode"`
	RuleID       string    `json:"rule_id"`
	LastVerified time.Time `json:"last_verified"`
}

// Event is an immutable record of a detected change. The event sink is
// append-only; events are never rewritten once stored.
type Event struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	Type      ChangeType `json:"type"`
	Severity  Severity   `json:"severity"`
	Timestamp time.Time  `json:"timestamp"`
	OldDigest string     `json:"old_hash,omitempty"`
	NewDigest string     `json:"new_hash,omitempty"`
	Matches   []string   `json:"content_matches,omitempty"`
	RuleID    string     `json:"rule_id"`
	Size      int64      `json:"size"`
}

// JobState is the lifecycle state of a scan job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// TriggerSource identifies what started a scan.
type TriggerSource string

const (
	TriggerRealtime  TriggerSource = "realtime"
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
)

// ScanJob tracks one walk of a rule root through the pipeline. Jobs are
// ephemeral; they do not survive restarts, but an interrupted job must be
// left in JobFailed rather than vanishing.
type ScanJob struct {
	ID        string        `json:"id"`
	RuleID    string        `json:"rule_id"`
	Trigger   TriggerSource `json:"trigger"`
	State     JobState      `json:"state"`
	Paths     []string      `json:"paths,omitempty"`
	Started   time.Time     `json:"started,omitempty"`
	Ended     time.Time     `json:"ended,omitempty"`
	Processed int64         `json:"processed"`
	Skipped   int64         `json:"skipped"`
	Error     string        `json:"error,omitempty"`
}

// Diagnostic is a non-fatal per-entry condition (permission denied, entry
// vanished mid-scan, oversized file). Diagnostics are logged and counted
// but never become change events.
type Diagnostic struct {
	Path   string
	Reason string
	Err    error
}
