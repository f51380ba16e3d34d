// Package store persists baseline entries and the append-only change log
// in an embedded sqlite database. Writes are serialized per path through a
// sharded lock table so distinct paths commit in parallel; transient
// failures are retried with backoff before surfacing a StoreError.
package store

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Ekremunalytu/BasicFIM/internal/model"
)

const (
	lockShards    = 64
	cacheSize     = 4096
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS baseline (
	path          TEXT PRIMARY KEY,
	digest        TEXT,
	size          INTEGER NOT NULL,
	mod_time      INTEGER NOT NULL,
	mode          INTEGER NOT NULL,
	rule_id       TEXT NOT NULL,
	last_verified INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS change_log (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	event_type TEXT NOT NULL,
	severity   TEXT NOT NULL,
	event_time INTEGER NOT NULL,
	old_digest TEXT,
	new_digest TEXT,
	matches    TEXT,
	rule_id    TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_log_time ON change_log(event_time);
CREATE INDEX IF NOT EXISTS idx_change_log_path ON change_log(path);
CREATE INDEX IF NOT EXISTS idx_baseline_rule  ON baseline(rule_id);
`

// Store owns the sqlite handle and the per-path write serialization.
type Store struct {
	db     *sql.DB
	cache  *lru.Cache[string, model.BaselineEntry]
	locks  [lockShards]sync.Mutex
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and prepares the
// schema. WAL mode keeps readers off the writers' backs.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// modernc sqlite is not safe for concurrent writers on one handle
	// pool without busy retries; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	cache, _ := lru.New[string, model.BaselineEntry](cacheSize)
	return &Store{db: db, cache: cache, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports database connectivity for the status endpoint.
func (s *Store) Ping() error { return s.db.Ping() }

// WithPathLock runs fn while holding the write lock for path. The
// classifier uses this to make its read-compare-commit sequence atomic
// per path without stalling unrelated paths.
func (s *Store) WithPathLock(path string, fn func() error) error {
	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (s *Store) lockFor(path string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(path))
	return &s.locks[h.Sum32()%lockShards]
}

// Baseline returns the entry for path, if one exists.
func (s *Store) Baseline(path string) (model.BaselineEntry, bool, error) {
	if entry, ok := s.cache.Get(path); ok {
		return entry, true, nil
	}
	row := s.db.QueryRow(
		`SELECT path, digest, size, mod_time, mode, rule_id, last_verified FROM baseline WHERE path = ?`, path)
	entry, err := scanBaseline(row)
	if err == sql.ErrNoRows {
		return model.BaselineEntry{}, false, nil
	}
	if err != nil {
		return model.BaselineEntry{}, false, &model.StoreError{Op: "read baseline", Err: err}
	}
	s.cache.Add(path, entry)
	return entry, true, nil
}

// ListBaseline returns all entries whose path sits at or under prefix,
// used by the deletion sweep after a full scan.
func (s *Store) ListBaseline(prefix string) ([]model.BaselineEntry, error) {
	rows, err := s.db.Query(
		`SELECT path, digest, size, mod_time, mode, rule_id, last_verified FROM baseline
		 WHERE path = ? OR path LIKE ? ORDER BY path`,
		prefix, strings.TrimSuffix(prefix, "/")+"/%")
	if err != nil {
		return nil, &model.StoreError{Op: "list baseline", Err: err}
	}
	defer rows.Close()

	var out []model.BaselineEntry
	for rows.Next() {
		entry, err := scanBaseline(rows)
		if err != nil {
			return nil, &model.StoreError{Op: "list baseline", Err: err}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// FileStatuses lists every baselined path for the file-status query.
func (s *Store) FileStatuses() ([]model.BaselineEntry, error) {
	return s.ListBaseline("/")
}

// CommitChange appends ev to the change log and applies the matching
// baseline mutation in one transaction: upsert for accepted snapshots,
// delete when entry is nil (DELETED). The baseline therefore always
// reflects the last-seen accepted state.
func (s *Store) CommitChange(ev model.Event, entry *model.BaselineEntry) error {
	err := s.withRetry("commit change", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(
			`INSERT INTO change_log (id, path, event_type, severity, event_time, old_digest, new_digest, matches, rule_id, size)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Path, string(ev.Type), string(ev.Severity), ev.Timestamp.UnixNano(),
			ev.OldDigest, ev.NewDigest, strings.Join(ev.Matches, "\n"), ev.RuleID, ev.Size,
		); err != nil {
			return err
		}

		if entry == nil {
			if _, err := tx.Exec(`DELETE FROM baseline WHERE path = ?`, ev.Path); err != nil {
				return err
			}
		} else if err := upsertBaseline(tx, *entry); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if entry == nil {
		s.cache.Remove(ev.Path)
	} else {
		s.cache.Add(entry.Path, *entry)
	}
	return nil
}

// PutBaseline writes an entry without emitting an event, used for forced
// re-baselining and the initial baseline build.
func (s *Store) PutBaseline(entry model.BaselineEntry) error {
	err := s.withRetry("put baseline", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := upsertBaseline(tx, entry); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.cache.Add(entry.Path, entry)
	return nil
}

// Refresh bumps last_verified for an unchanged path.
func (s *Store) Refresh(path string, t time.Time) error {
	err := s.withRetry("refresh baseline", func() error {
		_, err := s.db.Exec(`UPDATE baseline SET last_verified = ? WHERE path = ?`, t.UnixNano(), path)
		return err
	})
	if err != nil {
		return err
	}
	if entry, ok := s.cache.Get(path); ok {
		entry.LastVerified = t
		s.cache.Add(path, entry)
	}
	return nil
}

// Events returns stored events newest-first. limit <= 0 defaults to 100;
// a zero since disables the time filter.
func (s *Store) Events(limit int, since time.Time) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}
	rows, err := s.db.Query(
		`SELECT id, path, event_type, severity, event_time, old_digest, new_digest, matches, rule_id, size
		 FROM change_log WHERE event_time > ? ORDER BY event_time DESC, id LIMIT ?`,
		sinceNanos, limit)
	if err != nil {
		return nil, &model.StoreError{Op: "query events", Err: err}
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsForPath returns the newest events recorded for one path.
func (s *Store) EventsForPath(path string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, path, event_type, severity, event_time, old_digest, new_digest, matches, rule_id, size
		 FROM change_log WHERE path = ? ORDER BY event_time DESC, id LIMIT ?`,
		path, limit)
	if err != nil {
		return nil, &model.StoreError{Op: "query events", Err: err}
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Counts returns the number of baselined files and stored events.
func (s *Store) Counts() (files, events int64, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM baseline`).Scan(&files); err != nil {
		return 0, 0, &model.StoreError{Op: "count baseline", Err: err}
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM change_log`).Scan(&events); err != nil {
		return 0, 0, &model.StoreError{Op: "count events", Err: err}
	}
	return files, events, nil
}

// EventCountsSince aggregates event counts by type for the statistics
// endpoint.
func (s *Store) EventCountsSince(since time.Time) (map[model.ChangeType]int64, error) {
	rows, err := s.db.Query(
		`SELECT event_type, COUNT(*) FROM change_log WHERE event_time > ? GROUP BY event_type`,
		since.UnixNano())
	if err != nil {
		return nil, &model.StoreError{Op: "count events", Err: err}
	}
	defer rows.Close()

	out := make(map[model.ChangeType]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, &model.StoreError{Op: "count events", Err: err}
		}
		out[model.ChangeType(typ)] = n
	}
	return out, rows.Err()
}

func (s *Store) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		delay := retryBase << attempt
		s.logger.Warn("store write failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		time.Sleep(delay)
	}
	return &model.StoreError{Op: op, Err: err}
}

func upsertBaseline(tx *sql.Tx, entry model.BaselineEntry) error {
	_, err := tx.Exec(
		`INSERT INTO baseline (path, digest, size, mod_time, mode, rule_id, last_verified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			digest = excluded.digest,
			size = excluded.size,
			mod_time = excluded.mod_time,
			mode = excluded.mode,
			rule_id = excluded.rule_id,
			last_verified = excluded.last_verified`,
		entry.Path, entry.Digest, entry.Size, entry.ModTime.UnixNano(),
		entry.Mode, entry.RuleID, entry.LastVerified.UnixNano())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBaseline(row rowScanner) (model.BaselineEntry, error) {
	var entry model.BaselineEntry
	var modNanos, verifiedNanos int64
	err := row.Scan(&entry.Path, &entry.Digest, &entry.Size, &modNanos, &entry.Mode, &entry.RuleID, &verifiedNanos)
	if err != nil {
		return entry, err
	}
	entry.ModTime = time.Unix(0, modNanos).UTC()
	entry.LastVerified = time.Unix(0, verifiedNanos).UTC()
	return entry, nil
}

func collectEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var nanos int64
		var typ, sev, matches string
		if err := rows.Scan(&ev.ID, &ev.Path, &typ, &sev, &nanos, &ev.OldDigest, &ev.NewDigest, &matches, &ev.RuleID, &ev.Size); err != nil {
			return nil, &model.StoreError{Op: "scan event", Err: err}
		}
		ev.Type = model.ChangeType(typ)
		ev.Severity = model.Severity(sev)
		ev.Timestamp = time.Unix(0, nanos).UTC()
		if matches != "" {
			ev.Matches = strings.Split(matches, "\n")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
