// Package monitor wires the producers (realtime watcher, scheduled
// orchestrator, manual scans) into one consumer pipeline: a bounded work
// queue drained by a shared worker pool that computes snapshots and runs
// them through the classifier.
package monitor

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/classify"
	"github.com/Ekremunalytu/BasicFIM/internal/config"
	"github.com/Ekremunalytu/BasicFIM/internal/metrics"
	"github.com/Ekremunalytu/BasicFIM/internal/model"
	"github.com/Ekremunalytu/BasicFIM/internal/scheduler"
	"github.com/Ekremunalytu/BasicFIM/internal/snapshot"
	"github.com/Ekremunalytu/BasicFIM/internal/store"
	"github.com/Ekremunalytu/BasicFIM/internal/walker"
)

const queueDepth = 1024

type task struct {
	rule  *config.Rule
	path  string
	job   *job
	force bool
}

type job struct {
	mu sync.Mutex
	model.ScanJob
	wg sync.WaitGroup
}

func (j *job) snapshotState() model.ScanJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ScanJob
}

func (j *job) setState(state model.JobState, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.State = state
	if errMsg != "" {
		j.Error = errMsg
	}
	switch state {
	case model.JobRunning:
		j.Started = time.Now().UTC()
	case model.JobCompleted, model.JobFailed:
		j.Ended = time.Now().UTC()
	}
}

func (j *job) addProcessed() { atomic.AddInt64(&j.Processed, 1) }
func (j *job) addSkipped()   { atomic.AddInt64(&j.Skipped, 1) }

// Engine owns the full monitoring pipeline for one resolved ruleset.
type Engine struct {
	cfg        *config.Config
	ruleset    *config.Ruleset
	store      *store.Store
	classifier *classify.Classifier
	computer   *snapshot.Computer
	metrics    *metrics.Metrics
	logger     *zap.Logger

	queue    chan task
	workerWg sync.WaitGroup

	watch Realtime
	sched *scheduler.Scheduler

	mu           sync.Mutex
	jobs         map[string]*job
	activeByRule map[string]string
	lastScan     time.Time
	active       bool

	// sendMu is held for reading across every queue send; Stop takes the
	// write side before closing the queue so no sender can race the close.
	sendMu sync.RWMutex
	closed bool

	scanWg sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Realtime is the watcher surface the engine drives; narrowed to an
// interface so tests can run the pipeline without inotify.
type Realtime interface {
	Start(ctx context.Context) error
	Stop()
}

// New assembles an engine. metrics may be nil.
func New(cfg *config.Config, rs *config.Ruleset, st *store.Store, cl *classify.Classifier, comp *snapshot.Computer, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:          cfg,
		ruleset:      rs,
		store:        st,
		classifier:   cl,
		computer:     comp,
		metrics:      m,
		logger:       logger,
		queue:        make(chan task, queueDepth),
		jobs:         make(map[string]*job),
		activeByRule: make(map[string]string),
	}
}

// SetRealtime installs the watcher implementation. Leaving it unset (or
// nil) runs the engine without realtime coverage.
func (e *Engine) SetRealtime(w Realtime) { e.watch = w }

// Ruleset exposes the resolved rules (status endpoint).
func (e *Engine) Ruleset() *config.Ruleset { return e.ruleset }

// DispatchRealtime is the watcher's hand-off into the pipeline.
func (e *Engine) DispatchRealtime(rule *config.Rule, path string) {
	if e.metrics != nil {
		e.metrics.RealtimeDispatch()
	}
	e.enqueue(task{rule: rule, path: path})
}

// Start launches the worker pool, the realtime watcher, the scheduler and
// an initial baseline scan over every rule.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	workers := e.cfg.FIM.Scanning.WorkersOrDefault()
	for i := 0; i < workers; i++ {
		e.workerWg.Add(1)
		go func() {
			defer e.workerWg.Done()
			for t := range e.queue {
				e.process(t)
			}
		}()
	}

	if e.watch != nil {
		if err := e.watch.Start(e.ctx); err != nil {
			return err
		}
	}

	e.sched = scheduler.New(e.ruleset, func(ctx context.Context, rule config.Rule) error {
		return e.runRuleScan(ctx, rule, model.TriggerScheduled)
	}, e.logger)
	e.sched.Start(e.ctx)

	e.mu.Lock()
	e.active = true
	e.mu.Unlock()

	// First pass builds (or reconciles) the baseline for every rule so
	// realtime events have something to compare against.
	e.scanWg.Add(1)
	go func() {
		defer e.scanWg.Done()
		for _, rule := range e.ruleset.Rules {
			if err := e.runRuleScan(e.ctx, rule, model.TriggerManual); err != nil {
				if _, busy := err.(*scheduler.ErrScanActive); !busy {
					e.logger.Error("initial scan failed", zap.String("rule", rule.ID), zap.Error(err))
				}
			}
		}
	}()

	e.logger.Info("monitoring engine started",
		zap.Int("workers", workers),
		zap.Int("rules", len(e.ruleset.Rules)),
		zap.String("profile", e.ruleset.Profile))
	return nil
}

// Stop shuts down cooperatively: producers stop first, in-flight scans
// are cancelled and marked Failed, then the worker pool drains what is
// already queued before the process exits.
func (e *Engine) Stop() {
	if e.watch != nil {
		e.watch.Stop()
	}
	if e.sched != nil {
		e.sched.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.scanWg.Wait()

	e.mu.Lock()
	e.active = false
	for _, j := range e.jobs {
		if st := j.snapshotState().State; st == model.JobRunning || st == model.JobPending {
			j.setState(model.JobFailed, "interrupted by shutdown")
		}
	}
	e.mu.Unlock()

	e.sendMu.Lock()
	e.closed = true
	e.sendMu.Unlock()
	close(e.queue)
	e.workerWg.Wait()
	e.logger.Info("monitoring engine stopped")
}

// ScanPaths starts a manual scan over the given path set and returns the
// job identifier immediately; completion is asynchronous. An empty path
// set scans every rule root. force re-accepts current state as baseline
// without emitting events.
func (e *Engine) ScanPaths(paths []string, force bool) (string, error) {
	j := e.newJob("", model.TriggerManual, paths)
	e.scanWg.Add(1)
	go func() {
		defer e.scanWg.Done()
		e.runManual(j, paths, force)
	}()
	return j.ID, nil
}

// Job returns a point-in-time copy of the job's state.
func (e *Engine) Job(id string) (model.ScanJob, bool) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return model.ScanJob{}, false
	}
	return j.snapshotState(), true
}

// Jobs lists all jobs this process has run, newest first.
func (e *Engine) Jobs() []model.ScanJob {
	e.mu.Lock()
	out := make([]model.ScanJob, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.snapshotState())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Started.After(out[k].Started) })
	return out
}

// Status is the engine-side payload behind the status query.
type Status struct {
	MonitoringActive bool      `json:"monitoring_active"`
	DatabaseOK       bool      `json:"database_ok"`
	LastScan         time.Time `json:"last_scan,omitempty"`
	ActiveProfile    string    `json:"active_profile"`
	Platform         string    `json:"platform"`
	MonitoredPaths   []string  `json:"monitored_paths"`
	BaselineCount    int64     `json:"baseline_count"`
	EventCount       int64     `json:"event_count"`
	SkippedLastScan  int64     `json:"skipped_last_scan"`
}

// Status reports current monitoring state, including per-scan skip counts
// so operators can spot silent gaps.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		MonitoringActive: e.active,
		LastScan:         e.lastScan,
		ActiveProfile:    e.ruleset.Profile,
		Platform:         e.ruleset.Platform,
	}
	var newest *job
	for _, j := range e.jobs {
		if s := j.snapshotState(); s.State == model.JobCompleted {
			if newest == nil || s.Ended.After(newest.snapshotState().Ended) {
				newest = j
			}
		}
	}
	e.mu.Unlock()

	if newest != nil {
		st.SkippedLastScan = atomic.LoadInt64(&newest.Skipped)
	}
	for _, r := range e.ruleset.Rules {
		st.MonitoredPaths = append(st.MonitoredPaths, r.Path)
	}
	st.DatabaseOK = e.store.Ping() == nil
	if files, events, err := e.store.Counts(); err == nil {
		st.BaselineCount = files
		st.EventCount = events
	}
	return st
}

// --------------------------------------------------------------------------
// Scan execution
// --------------------------------------------------------------------------

func (e *Engine) newJob(ruleID string, trigger model.TriggerSource, paths []string) *job {
	j := &job{ScanJob: model.ScanJob{
		ID:      uuid.New().String(),
		RuleID:  ruleID,
		Trigger: trigger,
		State:   model.JobPending,
		Paths:   paths,
	}}
	e.mu.Lock()
	e.jobs[j.ID] = j
	e.mu.Unlock()
	return j
}

// tryAcquireRule enforces at-most-one running scan per rule.
func (e *Engine) tryAcquireRule(ruleID, jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.activeByRule[ruleID]; busy {
		return false
	}
	e.activeByRule[ruleID] = jobID
	return true
}

func (e *Engine) releaseRule(ruleID string) {
	e.mu.Lock()
	delete(e.activeByRule, ruleID)
	e.lastScan = time.Now().UTC()
	e.mu.Unlock()
}

// runRuleScan walks every root of one rule through the pipeline.
func (e *Engine) runRuleScan(ctx context.Context, rule config.Rule, trigger model.TriggerSource) error {
	j := e.newJob(rule.ID, trigger, nil)
	if !e.tryAcquireRule(rule.ID, j.ID) {
		j.setState(model.JobFailed, "overlapping trigger skipped")
		return &scheduler.ErrScanActive{RuleID: rule.ID}
	}
	defer e.releaseRule(rule.ID)

	err := e.walkRule(ctx, j, &rule, rule.Roots(), false)
	e.finishJob(ctx, j, trigger, err)
	return err
}

// runManual resolves each requested path to its governing rule and scans
// it; paths no rule covers are skipped with a diagnostic. Rules whose
// scheduled scan is currently running are skipped to keep the one-scan-
// per-rule invariant.
func (e *Engine) runManual(j *job, paths []string, force bool) {
	ctx := e.ctx
	if len(paths) == 0 {
		for _, r := range e.ruleset.Rules {
			for _, root := range r.Roots() {
				paths = append(paths, root)
			}
		}
	}

	var firstErr error
	acquired := make(map[string]bool)
	defer func() {
		for ruleID := range acquired {
			e.releaseRule(ruleID)
		}
	}()

	for _, p := range paths {
		rule, ok := e.ruleset.Match(p)
		if !ok {
			e.logger.Warn("manual scan path matches no rule", zap.String("path", p))
			j.addSkipped()
			continue
		}
		if !acquired[rule.ID] {
			if !e.tryAcquireRule(rule.ID, j.ID) {
				e.logger.Warn("manual scan skipped, rule scan running",
					zap.String("path", p), zap.String("rule", rule.ID))
				j.addSkipped()
				continue
			}
			acquired[rule.ID] = true
		}
		if err := e.walkRule(ctx, j, rule, []string{p}, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.finishJob(ctx, j, model.TriggerManual, firstErr)
}

// walkRule enumerates the given roots under one rule, feeds every entry
// through the shared pool, waits for them to drain, then sweeps the
// baseline for deletions under those roots.
func (e *Engine) walkRule(ctx context.Context, j *job, rule *config.Rule, roots []string, force bool) error {
	if j.snapshotState().State == model.JobPending {
		j.setState(model.JobRunning, "")
	}

	seen := make(map[string]struct{})
	for _, root := range roots {
		opts := walker.Options{
			Root:           root,
			Recursive:      rule.Recursive,
			Excludes:       rule.ExcludePaths,
			GlobalExcludes: e.ruleset.GlobalExclude,
			FollowSymlinks: true,
			Concurrency:    1, // enumeration only; hashing happens in the shared pool
			Logger:         e.logger,
			OnDiag: func(d model.Diagnostic) {
				j.addSkipped()
				if e.metrics != nil {
					e.metrics.EntrySkipped("access")
				}
			},
		}
		err := walker.Walk(ctx, opts, func(entry walker.Entry) error {
			seen[entry.Path] = struct{}{}
			j.wg.Add(1)
			if !e.enqueue(task{rule: rule, path: entry.Path, job: j, force: force}) {
				j.wg.Done()
			}
			return nil
		})
		if err != nil {
			j.wg.Wait()
			return err
		}
	}
	j.wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return e.sweepDeleted(ctx, rule, roots, seen)
}

// sweepDeleted emits DELETED for baselined paths under the scanned roots
// that the walk did not encounter.
func (e *Engine) sweepDeleted(ctx context.Context, rule *config.Rule, roots []string, seen map[string]struct{}) error {
	for _, root := range roots {
		entries, err := e.store.ListBaseline(root)
		if err != nil {
			return err
		}
		for _, base := range entries {
			if _, ok := seen[base.Path]; ok {
				continue
			}
			owner, ok := e.ruleset.Match(base.Path)
			if !ok || owner.ID != rule.ID {
				continue
			}
			if _, statErr := os.Lstat(base.Path); statErr == nil {
				// Present but unseen: excluded since baselining. Leave it;
				// exclusions must never produce events.
				continue
			}
			if _, err := e.classifier.Deleted(ctx, rule, base); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) finishJob(ctx context.Context, j *job, trigger model.TriggerSource, err error) {
	result := "completed"
	switch {
	case err != nil:
		j.setState(model.JobFailed, err.Error())
		result = "failed"
	case ctx != nil && ctx.Err() != nil:
		j.setState(model.JobFailed, "interrupted")
		result = "failed"
	default:
		j.setState(model.JobCompleted, "")
	}
	if e.metrics != nil {
		e.metrics.ScanFinished(string(trigger), result)
	}
	s := j.snapshotState()
	e.logger.Info("scan finished",
		zap.String("job", s.ID),
		zap.String("rule", s.RuleID),
		zap.String("trigger", string(trigger)),
		zap.String("state", string(s.State)),
		zap.Int64("processed", s.Processed),
		zap.Int64("skipped", s.Skipped))
}

// --------------------------------------------------------------------------
// Pipeline consumption
// --------------------------------------------------------------------------

func (e *Engine) enqueue(t task) bool {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.queue <- t:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// process computes one entry's snapshot and classifies it. Per-entry
// failures are isolated: they are logged and counted, never allowed to
// abort the enclosing scan.
func (e *Engine) process(t task) {
	if t.job != nil {
		defer t.job.wg.Done()
	}
	ctx := e.ctx
	if ctx.Err() != nil {
		return
	}

	info, err := os.Lstat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Realtime delete, or vanished between enumeration and
			// processing.
			base, ok, berr := e.store.Baseline(t.path)
			if berr == nil && ok {
				if _, derr := e.classifier.Deleted(ctx, t.rule, base); derr != nil {
					e.logger.Error("delete classification failed", zap.String("path", t.path), zap.Error(derr))
				}
			}
			return
		}
		e.logger.Debug("entry not accessible", zap.String("path", t.path), zap.Error(err))
		if t.job != nil {
			t.job.addSkipped()
		}
		if e.metrics != nil {
			e.metrics.EntrySkipped("access")
		}
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// Hash the link target, not the link.
		info, err = os.Stat(t.path)
		if err != nil {
			e.logger.Debug("broken symlink", zap.String("path", t.path), zap.Error(err))
			if t.job != nil {
				t.job.addSkipped()
			}
			if e.metrics != nil {
				e.metrics.EntrySkipped("access")
			}
			return
		}
	}
	if !info.Mode().IsRegular() {
		return
	}

	snap, err := e.computer.Take(ctx, t.path, info, t.rule.CheckHash, t.rule.CheckMetadata)
	if err != nil {
		e.logger.Debug("snapshot failed", zap.String("path", t.path), zap.Error(err))
		if t.job != nil {
			t.job.addSkipped()
		}
		if e.metrics != nil {
			e.metrics.EntrySkipped("access")
		}
		return
	}
	if snap.SkipReason != "" && e.metrics != nil {
		e.metrics.EntrySkipped(snap.SkipReason)
	}

	if t.force {
		if err := e.classifier.Rebaseline(ctx, t.rule, snap); err != nil {
			e.logger.Error("rebaseline failed", zap.String("path", t.path), zap.Error(err))
			return
		}
		if t.job != nil {
			t.job.addProcessed()
		}
		return
	}

	if _, err := e.classifier.Classify(ctx, t.rule, snap); err != nil {
		e.logger.Error("classification failed", zap.String("path", t.path), zap.Error(err))
		if t.job != nil {
			t.job.addSkipped()
		}
		return
	}
	if t.job != nil {
		t.job.addProcessed()
	}
}
