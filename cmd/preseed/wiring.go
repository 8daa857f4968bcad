package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/executor"
	"github.com/holthome/preseed/internal/guard"
	"github.com/holthome/preseed/internal/host"
	"github.com/holthome/preseed/internal/logging"
	"github.com/holthome/preseed/internal/metrics"
	"github.com/holthome/preseed/internal/notify"
	"github.com/holthome/preseed/internal/preseed"
	"github.com/holthome/preseed/internal/redact"
	"github.com/holthome/preseed/internal/restic"
	"github.com/holthome/preseed/internal/retry"
	"github.com/holthome/preseed/internal/statedb"
	"github.com/holthome/preseed/internal/strategy"
	"github.com/holthome/preseed/internal/syncoid"
	"github.com/holthome/preseed/internal/zfs"
	"go.uber.org/zap"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds everything a command needs to drive the orchestrator.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	exec    *executor.Executor
	opts    preseed.Options
	db      *statedb.DB
	closers []io.Closer
}

// newApp wires the orchestrator from cfg. With sinks unset the run reports
// nowhere, which is what check wants.
func newApp(cfg *config.Config, sinks bool) (*app, error) {
	log, logCloser := logging.New(cfg.Log, logging.Options{Debug: debug})
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}
	a.exec = executor.New(executor.Options{Timeout: seconds(cfg.ZFS.Timeout), Log: log})

	repl, err := cfg.ReplicationThreshold()
	if err != nil {
		return nil, err
	}
	pres, err := cfg.PresenceThreshold()
	if err != nil {
		return nil, err
	}

	backend := zfs.New(a.exec, zfs.Options{Binary: cfg.ZFS.Binary, Timeout: seconds(cfg.ZFS.Timeout), Log: log})
	h := host.NewLocal(a.exec, host.Options{ChownBinary: cfg.Host.ChownBinary, ChownTimeout: seconds(cfg.Host.ChownTimeout)})
	g := guard.New(repl, pres)
	deps := strategy.Deps{
		Backend:           backend,
		Host:              h,
		Guard:             g,
		Keep:              cfg.Defaults.ProtectiveSnapshotKeep,
		ScheduledPrefixes: cfg.Defaults.ScheduledSnapshotPrefix,
	}

	policy := retry.Once(seconds(cfg.Restic.RetryDelay))
	policy.MaxAttempts = cfg.Restic.MaxAttempts

	a.opts = preseed.Options{
		Backend: backend,
		Host:    h,
		Guard:   g,
		Deps:    deps,
		Strategies: []strategy.Strategy{
			strategy.NewSyncoid(deps, syncoid.New(a.exec, syncoid.Options{Binary: cfg.Syncoid.Binary, Timeout: seconds(cfg.Syncoid.Timeout)})),
			strategy.NewLocal(deps),
			strategy.NewRestic(deps, restic.New(a.exec, restic.Options{Binary: cfg.Restic.Binary, Timeout: seconds(cfg.Restic.Timeout)}), policy),
		},
		Redactor: redact.New(cfg.Redact),
		Log:      log,
	}
	if hn, err := os.Hostname(); err == nil {
		a.opts.Hostname = hn
	}
	if !sinks {
		return a, nil
	}

	d, err := notify.FromConfig(cfg.Notify, a.exec)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.opts.Notifier = d
	if cfg.Metrics.TextfileDir != "" {
		a.opts.Metrics = metrics.NewEmitter(cfg.Metrics.TextfileDir)
	}

	if err := cfg.EnsureDirs(); err != nil {
		log.Warn("cannot create state directory, run history disabled", zap.Error(err))
		return a, nil
	}
	db, err := statedb.Open(cfg.DBPath())
	if err != nil {
		log.Warn("cannot open run history, continuing without it", zap.String("path", cfg.DBPath()), zap.Error(err))
		return a, nil
	}
	a.db = db
	a.opts.History = db
	a.closers = append(a.closers, db)
	return a, nil
}

// orchestrator returns a fresh orchestrator; runID fixes the id of its
// next run when set.
func (a *app) orchestrator(runID string) *preseed.Orchestrator {
	opts := a.opts
	if runID != "" {
		opts.NewID = func() string { return runID }
	}
	return preseed.New(opts)
}

func (a *app) Close() {
	_ = a.log.Sync()
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// selectPaths resolves names to managed paths, or all of them.
func selectPaths(cfg *config.Config, names []string, all bool) ([]config.ManagedPath, error) {
	if all {
		if len(names) > 0 {
			return nil, fmt.Errorf("--all cannot be combined with path names")
		}
		if len(cfg.Paths) == 0 {
			return nil, fmt.Errorf("no paths configured in %s", configPath)
		}
		return cfg.Paths, nil
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("name at least one path, or use --all")
	}
	var out []config.ManagedPath
	for _, n := range names {
		p, ok := cfg.Path(n)
		if !ok {
			return nil, fmt.Errorf("unknown path %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}
