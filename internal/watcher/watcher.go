// Package watcher subscribes to native filesystem notifications for every
// realtime-mode rule root and feeds affected paths to the classifier
// pipeline after a short debounce window.
//
// Each watched path cycles Armed -> Debouncing -> Dispatched -> Armed: the
// first change starts a timer, further changes inside the window reset it,
// and the path is handed off once the burst settles. Stopping the watcher
// abandons pending windows without dispatching. After a notification-layer
// error the watcher only re-arms; missed events are recovered by the next
// scheduled or manual scan, not retroactively.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/config"
)

// Dispatch hands a settled path and its governing rule to the pipeline.
type Dispatch func(rule *config.Rule, path string)

// Watcher owns the fsnotify subscription set for all realtime rules.
type Watcher struct {
	ruleset  *config.Ruleset
	debounce time.Duration
	dispatch Dispatch
	logger   *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the ruleset's realtime rules. It does not
// subscribe until Start is called.
func New(rs *config.Ruleset, debounce time.Duration, dispatch Dispatch, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		ruleset:  rs,
		debounce: debounce,
		dispatch: dispatch,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// Start subscribes to every realtime rule root and begins delivering.
// Recursive roots get a subscription per subdirectory since the native
// layer watches single directories; directories created later are added
// as their create events arrive.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	count := 0
	for _, rule := range w.ruleset.RealtimeRules() {
		for _, root := range rule.Roots() {
			n, err := w.addRoot(root, rule.Recursive)
			if err != nil {
				w.logger.Warn("cannot watch root",
					zap.String("root", root),
					zap.String("rule", rule.ID),
					zap.Error(err))
				continue
			}
			count += n
		}
	}
	w.logger.Info("realtime watcher armed", zap.Int("watched_dirs", count))

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop unsubscribes and abandons in-flight debounce windows without
// dispatching partial events.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) addRoot(root string, recursive bool) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		// Watching the parent is the only way to see atomic replaces
		// (write temp + rename over), which editors use for single files.
		return 1, w.fsw.Add(filepath.Dir(root))
	}
	if err := w.fsw.Add(root); err != nil {
		return 0, err
	}
	count := 1
	if recursive {
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() || path == root {
				return nil
			}
			if w.ruleset.Excluded(nil, path) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err == nil {
				count++
			}
			return nil
		})
	}
	return count, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Re-arm only; gaps are reconciled by the next full scan.
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return
	}
	path := filepath.Clean(ev.Name)

	rule, ok := w.ruleset.Match(path)
	if !ok {
		return
	}

	if ev.Op&fsnotify.Create != 0 && rule.Recursive {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.logger.Warn("cannot watch new directory", zap.String("path", path), zap.Error(err))
			}
			return
		}
	}

	w.debouncePath(rule, path)
}

// debouncePath coalesces change bursts on one path (editor save-rewrite,
// chunked downloads) into a single dispatch once the window expires.
func (w *Watcher) debouncePath(rule *config.Rule, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()
		w.dispatch(rule, path)
	})
}
