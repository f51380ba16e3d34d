// Package walker enumerates the filesystem entries governed by a rule.
// It walks with a bounded worker pool, prunes excluded subtrees before
// descending into them, and guards against symlink cycles with a
// visited-inode set rather than unbounded recursion.
package walker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/config"
	"github.com/Ekremunalytu/BasicFIM/internal/model"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 8

// Entry is a single regular file discovered by a walk.
type Entry struct {
	Path string
	Info fs.FileInfo
}

// EntryFn receives each discovered entry. It may be called concurrently.
type EntryFn func(Entry) error

// DiagFn receives non-fatal per-entry conditions (unreadable directories,
// entries that vanish mid-walk). Implementations must be thread-safe.
type DiagFn func(model.Diagnostic)

// Options configures one walk invocation. Every walk starts fresh: no
// state is shared between invocations.
type Options struct {
	Root           string
	Recursive      bool
	Excludes       []string // names, globs and path prefixes, pruned pre-descent
	GlobalExcludes []string
	FollowSymlinks bool
	Concurrency    int
	Logger         *zap.Logger
	OnDiag         DiagFn
}

// Walk enumerates opts.Root and calls fn for every regular file that
// survives exclusion filtering. Directory entries matching an exclusion
// are pruned whole, so excluded trees cost one name comparison. Returns
// the first error from fn, or ctx.Err() on cancellation.
func Walk(ctx context.Context, opts Options, fn EntryFn) error {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &walk{
		opts:   opts,
		logger: logger,
		seen:   make(map[fileID]struct{}),
		tasks:  make(chan Entry, opts.Concurrency),
	}

	var walkErr error
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() { walkErr = err })
	}

	var workerWg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for entry := range w.tasks {
				if ctx.Err() != nil {
					continue
				}
				if err := fn(entry); err != nil {
					fail(err)
				}
			}
		}()
	}

	err := w.produce(ctx)
	close(w.tasks)
	workerWg.Wait()

	if err != nil {
		fail(err)
	}
	return walkErr
}

type walk struct {
	opts   Options
	logger *zap.Logger
	seen   map[fileID]struct{}
	seenMu sync.Mutex
	tasks  chan Entry
}

func (w *walk) produce(ctx context.Context) error {
	root := filepath.Clean(w.opts.Root)
	info, err := os.Stat(root)
	if err != nil {
		w.diag(root, "root not accessible", err)
		return nil
	}

	if !info.IsDir() {
		if !w.excluded(root) {
			return w.send(ctx, Entry{Path: root, Info: info})
		}
		return nil
	}
	w.markSeen(info)
	return w.walkDir(ctx, root, 0)
}

// walkDir descends iteratively per directory level; depth counts levels
// below the root so non-recursive rules stop after the first.
func (w *walk) walkDir(ctx context.Context, dir string, depth int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.diag(dir, "unreadable directory", err)
		return nil
	}

	for _, de := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := filepath.Join(dir, de.Name())
		if w.excluded(path) {
			continue
		}

		info, err := os.Lstat(path)
		if err != nil {
			w.diag(path, "entry vanished", err)
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				continue
			}
			target, err := os.Stat(path)
			if err != nil {
				w.diag(path, "broken symlink", err)
				continue
			}
			if !w.markSeen(target) {
				// Already visited through another link; a cycle
				// would loop forever without this guard.
				continue
			}
			info = target
		}

		if info.IsDir() {
			if !w.opts.Recursive {
				continue
			}
			if info.Mode()&os.ModeSymlink == 0 && !w.markSeen(info) {
				continue
			}
			if err := w.walkDir(ctx, path, depth+1); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := w.send(ctx, Entry{Path: path, Info: info}); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) send(ctx context.Context, e Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.tasks <- e:
		return nil
	}
}

func (w *walk) excluded(path string) bool {
	return config.ExcludedBy(w.opts.Excludes, path) ||
		config.ExcludedBy(w.opts.GlobalExcludes, path)
}

// markSeen records the entry's device/inode pair and reports whether it
// was new. On platforms without inode support every entry is new.
func (w *walk) markSeen(info fs.FileInfo) bool {
	id, ok := statID(info)
	if !ok {
		return true
	}
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	if _, dup := w.seen[id]; dup {
		return false
	}
	w.seen[id] = struct{}{}
	return true
}

func (w *walk) diag(path, reason string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		reason = "entry vanished"
	}
	w.logger.Debug("walk diagnostic",
		zap.String("path", path),
		zap.String("reason", reason),
		zap.Error(err))
	if w.opts.OnDiag != nil {
		w.opts.OnDiag(model.Diagnostic{Path: path, Reason: reason, Err: err})
	}
}
