// Package classify compares fresh snapshots against the baseline store,
// emits typed change events with rule-declared severity, and runs content
// pattern matching on new or modified text files.
package classify

import (
	"context"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/config"
	"github.com/Ekremunalytu/BasicFIM/internal/metrics"
	"github.com/Ekremunalytu/BasicFIM/internal/model"
	"github.com/Ekremunalytu/BasicFIM/internal/store"
)

// Classifier is the single consumer-side evaluator both scan producers
// feed into.
type Classifier struct {
	store   *store.Store
	matcher *Matcher
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New wires a classifier against its store. matcher and m may be nil.
func New(st *store.Store, matcher *Matcher, m *metrics.Metrics, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{store: st, matcher: matcher, metrics: m, logger: logger}
}

// Classify evaluates one snapshot under its governing rule. It returns the
// emitted event, or nil when the entry is unchanged. The read-compare-
// commit sequence holds the path's write lock, so events for the same path
// commit in observation order while distinct paths proceed in parallel.
func (c *Classifier) Classify(ctx context.Context, rule *config.Rule, snap model.Snapshot) (*model.Event, error) {
	var emitted *model.Event
	err := c.store.WithPathLock(snap.Path, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}

		base, exists, err := c.store.Baseline(snap.Path)
		if err != nil {
			return err
		}

		change := c.compare(rule, snap, base, exists)
		if change == model.ChangeUnchanged {
			return c.store.Refresh(snap.Path, snap.Observed)
		}

		ev := model.Event{
			ID:        uuid.New().String(),
			Path:      snap.Path,
			Type:      change,
			Severity:  rule.Severity,
			Timestamp: snap.Observed,
			NewDigest: snap.Digest,
			RuleID:    rule.ID,
			Size:      snap.Meta.Size,
		}
		if exists {
			ev.OldDigest = base.Digest
		}

		if c.matcher != nil && len(rule.Patterns) > 0 &&
			(change == model.ChangeCreated || change == model.ChangeModified) {
			if matches := c.matcher.Scan(snap.Path, snap.Meta.Size, rule.Patterns); len(matches) > 0 {
				ev.Matches = matches
				// Escalate, never downgrade: at least HIGH, at least the
				// rule's own level.
				ev.Severity = model.MaxSeverity(rule.Severity, model.SeverityHigh)
			}
		}

		entry := entryFrom(rule, snap)
		if snap.SkipReason != "" && exists {
			// A skipped digest is unknown, not empty; keep the last
			// accepted one so later content drift stays detectable.
			entry.Digest = base.Digest
		}
		if err := c.store.CommitChange(ev, &entry); err != nil {
			return err
		}
		emitted = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	if emitted != nil {
		c.logger.Info("change detected",
			zap.String("path", emitted.Path),
			zap.String("type", string(emitted.Type)),
			zap.String("severity", string(emitted.Severity)),
			zap.String("rule", emitted.RuleID))
		if c.metrics != nil {
			c.metrics.EventEmitted(string(emitted.Type), string(emitted.Severity))
		}
	}
	return emitted, nil
}

// Deleted emits a DELETED event for a baselined path that is gone from
// disk and removes the baseline entry in the same transaction.
func (c *Classifier) Deleted(ctx context.Context, rule *config.Rule, base model.BaselineEntry) (*model.Event, error) {
	var emitted *model.Event
	err := c.store.WithPathLock(base.Path, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := model.Event{
			ID:        uuid.New().String(),
			Path:      base.Path,
			Type:      model.ChangeDeleted,
			Severity:  rule.Severity,
			Timestamp: time.Now().UTC(),
			OldDigest: base.Digest,
			RuleID:    rule.ID,
		}
		if err := c.store.CommitChange(ev, nil); err != nil {
			return err
		}
		emitted = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("change detected",
		zap.String("path", emitted.Path),
		zap.String("type", string(model.ChangeDeleted)),
		zap.String("severity", string(emitted.Severity)),
		zap.String("rule", rule.ID))
	if c.metrics != nil {
		c.metrics.EventEmitted(string(model.ChangeDeleted), string(emitted.Severity))
	}
	return emitted, nil
}

// Rebaseline force-accepts the snapshot as the new baseline without
// emitting an event (manual scans with force_rescan set).
func (c *Classifier) Rebaseline(ctx context.Context, rule *config.Rule, snap model.Snapshot) error {
	return c.store.WithPathLock(snap.Path, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.store.PutBaseline(entryFrom(rule, snap))
	})
}

func (c *Classifier) compare(rule *config.Rule, snap model.Snapshot, base model.BaselineEntry, exists bool) model.ChangeType {
	if !exists {
		return model.ChangeCreated
	}

	// A skipped digest can't prove content equality; fall through to the
	// metadata comparison instead of reporting a phantom modification.
	if rule.CheckHash && snap.Digest != "" && base.Digest != "" && snap.Digest != base.Digest {
		return model.ChangeModified
	}

	if rule.CheckMetadata {
		baseMeta := model.Metadata{Size: base.Size, ModTime: base.ModTime, Mode: fs.FileMode(base.Mode)}
		if !snap.Meta.Equal(baseMeta) {
			return model.ChangeMetadata
		}
	}
	return model.ChangeUnchanged
}

func entryFrom(rule *config.Rule, snap model.Snapshot) model.BaselineEntry {
	return model.BaselineEntry{
		Path:         snap.Path,
		Digest:       snap.Digest,
		Size:         snap.Meta.Size,
		ModTime:      snap.Meta.ModTime,
		Mode:         uint32(snap.Meta.Mode.Perm()),
		RuleID:       rule.ID,
		LastVerified: snap.Observed,
	}
}
