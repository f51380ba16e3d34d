package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/api"
	"github.com/Ekremunalytu/BasicFIM/internal/classify"
	"github.com/Ekremunalytu/BasicFIM/internal/config"
	"github.com/Ekremunalytu/BasicFIM/internal/metrics"
	"github.com/Ekremunalytu/BasicFIM/internal/monitor"
	"github.com/Ekremunalytu/BasicFIM/internal/snapshot"
	"github.com/Ekremunalytu/BasicFIM/internal/store"
	"github.com/Ekremunalytu/BasicFIM/internal/watcher"
)

const usage = `basicfim - File integrity monitoring daemon.

Usage:
  basicfim [options]
  basicfim -h | --help
  basicfim --version

Options:
  -h --help              Show this help message.
  --version              Show version.
  -c --config=<path>     Configuration file [default: config.yaml].
  --db=<path>            Baseline database file [default: fim.db].
  --listen=<addr>        HTTP listen address [default: :8000].
  --platform=<name>      Override platform rule selection (linux|windows|macos).
  --lenient-patterns     Disable content matching per rule on bad patterns
                         instead of refusing to start.
  -v --verbose           Enable verbose logging.
  --silent               Disable all output except errors.
`

const version = "v1.0.0"

type options struct {
	configPath string
	dbPath     string
	listen     string
	platform   string
	lenient    bool
	verbose    bool
	silent     bool
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}
	o := parseOptions(opts)

	logger := initLogger(o)
	defer logger.Sync()

	if err := run(o, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

func parseOptions(opts docopt.Opts) options {
	o := options{
		configPath: opts["--config"].(string),
		dbPath:     opts["--db"].(string),
		listen:     opts["--listen"].(string),
		lenient:    opts["--lenient-patterns"].(bool),
		verbose:    opts["--verbose"].(bool),
		silent:     opts["--silent"].(bool),
	}
	if p, ok := opts["--platform"].(string); ok {
		o.platform = p
	}
	return o
}

func initLogger(o options) *zap.Logger {
	var logger *zap.Logger
	var err error

	if o.silent {
		logger = zap.NewNop()
	} else if o.verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func run(o options, logger *zap.Logger) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	platform := o.platform
	if platform == "" {
		platform = config.CurrentPlatform()
	}
	ruleset, err := config.Resolve(cfg, cfg.FIM.ActiveProfile, platform,
		config.ResolveOptions{LenientPatterns: o.lenient})
	if err != nil {
		return err
	}
	for _, perr := range ruleset.PatternErrors {
		logger.Warn("content matching disabled for rule",
			zap.String("rule", perr.RuleID),
			zap.String("pattern", perr.Pattern),
			zap.Error(perr.Err))
	}
	logger.Info("configuration resolved",
		zap.String("profile", ruleset.Profile),
		zap.String("platform", ruleset.Platform),
		zap.Int("rules", len(ruleset.Rules)))

	st, err := store.Open(o.dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	scanning := cfg.FIM.Scanning
	computer := snapshot.New(scanning.MaxFileSizeOrDefault(), scanning.HashTimeoutOrDefault(), logger)
	matcher := classify.NewMatcher(scanning.MaxFileSizeOrDefault(), logger)
	classifier := classify.New(st, matcher, m, logger)

	engine := monitor.New(cfg, ruleset, st, classifier, computer, m, logger)
	if cfg.FIM.Monitoring.Realtime() && len(ruleset.RealtimeRules()) > 0 {
		engine.SetRealtime(watcher.New(ruleset, scanning.Debounce(), engine.DispatchRealtime, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         o.listen,
		Handler:      api.New(engine, st, registry, logger).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", o.listen))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-serverErr:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	engine.Stop()
	return nil
}
