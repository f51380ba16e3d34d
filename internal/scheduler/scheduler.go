// Package scheduler drives periodic full scans for every scheduled-mode
// rule. A single dispatch loop checks due times once a second; a trigger
// that fires while the previous scan for the same rule is still running is
// skipped and logged rather than queued, so a slow filesystem cannot build
// an unbounded backlog.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/config"
)

// RunFunc executes one full scan of a rule. It must return ErrScanActive
// (or any error) without side effects when a scan for the rule is already
// running; the scheduler only logs and moves on.
type RunFunc func(ctx context.Context, rule config.Rule) error

// ErrScanActive signals an overlapping trigger.
type ErrScanActive struct{ RuleID string }

func (e *ErrScanActive) Error() string {
	return "scan already running for rule " + e.RuleID
}

const tickInterval = time.Second

type entry struct {
	rule    config.Rule
	nextRun time.Time
}

// Scheduler owns one schedule per scheduled rule.
type Scheduler struct {
	run    RunFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler over the ruleset's scheduled rules. The first
// trigger for each rule fires one full interval after Start.
func New(rs *config.Ruleset, run RunFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{run: run, logger: logger}
	now := time.Now()
	for _, rule := range rs.ScheduledRules() {
		s.entries = append(s.entries, &entry{rule: rule, nextRun: now.Add(rule.Schedule)})
	}
	return s
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", zap.Int("rules", len(s.entries)))
}

// Stop halts the dispatch loop. In-flight scans belong to the engine and
// drain there.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			continue
		}
		e.nextRun = now.Add(e.rule.Schedule)

		rule := e.rule
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.run(ctx, rule); err != nil {
				if _, active := err.(*ErrScanActive); active {
					s.logger.Warn("scheduled scan skipped, previous still running",
						zap.String("rule", rule.ID))
					return
				}
				s.logger.Error("scheduled scan failed",
					zap.String("rule", rule.ID),
					zap.Error(err))
			}
		}()
	}
}
