// Package app wires the agent's subsystems together: configuration, logging,
// stores, the task scheduler, the external cron mirror and the control-plane
// bridge. Lifecycle is owned here; packages below stay wiring-free.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"patzeagent/internal/bridge"
	"patzeagent/internal/command"
	"patzeagent/internal/config"
	"patzeagent/internal/cronsync"
	"patzeagent/internal/eventbus"
	"patzeagent/internal/history"
	"patzeagent/internal/observability/pprof"
	"patzeagent/internal/runtime/supervisor"
	"patzeagent/internal/task"
	"patzeagent/pkg/logx"
)

type App struct {
	cfg  *config.Config
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	sup  *supervisor.Supervisor

	runs   history.Store
	sched  *task.Scheduler
	sync   *cronsync.Service
	poller *bridge.Poller
	prof   *pprof.Service
}

// New loads configuration and constructs every subsystem. Nothing runs yet;
// Start kicks off the loops. Configuration errors here are the only fatal
// errors in the agent.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})

	a := &App{cfg: cfg, logs: logs, log: log, bus: eventbus.New()}

	historyPath := cfg.History.Path
	if strings.TrimSpace(historyPath) == "" {
		historyPath = filepath.Join(cfg.StateDir, "history.jsonl")
		if cfg.History.Driver != "file" {
			historyPath = filepath.Join(cfg.StateDir, "history.db")
		}
	}
	a.runs, err = history.Open(history.Config{
		Driver: cfg.History.Driver,
		Path:   historyPath,
		Cap:    cfg.History.Cap,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}

	exec := command.NewExecutor(command.Config{
		Program:        cfg.Executor.Program,
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
		DefaultTimeout: cfg.Executor.DefaultTimeout.D(),
	}, log)
	actions := command.NewActionRunner(exec, log)

	store := task.NewStore(filepath.Join(cfg.StateDir, "tasks.json"), log)
	snaps := task.NewSnapshotStore(filepath.Join(cfg.StateDir, "snapshots"), cfg.Scheduler.SnapshotCap, log)
	a.sched = task.NewScheduler(task.SchedulerConfig{
		MaxConcurrentRuns: cfg.Scheduler.MaxConcurrentRuns,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout.D(),
		RearmHorizon:      cfg.Scheduler.RearmHorizon.D(),
		JitterFraction:    cfg.Scheduler.JitterFraction,
		BackoffLadder:     cfg.Scheduler.BackoffDurations(),
	}, store, snaps, a.runs, actions.ExecuteFunc(), a.bus, log)

	if cfg.CronSync.Enabled {
		a.sync = cronsync.New(cronsync.Config{
			JobsPath:   cfg.CronSync.JobsPath,
			Interval:   cfg.CronSync.Interval.D(),
			MaxBackoff: cfg.CronSync.MaxBackoff.D(),
			Watch:      cfg.CronSync.Watch,
		}, a.bus, log)
	}

	if cfg.Bridge.Enabled {
		receipts, err := bridge.OpenReceiptStore(filepath.Join(cfg.StateDir, "receipts.json"), cfg.Bridge.ReceiptCap)
		if err != nil {
			return nil, fmt.Errorf("open receipt store: %w", err)
		}
		a.poller = bridge.NewPoller(bridge.Config{
			BaseURL:        cfg.Bridge.BaseURL,
			PollPath:       cfg.Bridge.PollPath,
			AckPath:        cfg.Bridge.AckPath,
			ResultPath:     cfg.Bridge.ResultPath,
			Token:          cfg.Bridge.Token,
			MachineID:      cfg.MachineID,
			PollInterval:   cfg.Bridge.PollInterval.D(),
			LeaseTTL:       cfg.Bridge.LeaseTTL.D(),
			RequestTimeout: cfg.Bridge.RequestTimeout.D(),
		}, receipts, exec, a.bus, log)
	}

	if cfg.Pprof.Enabled {
		a.prof = pprof.New(pprof.Config{
			Enabled: true,
			Addr:    cfg.Pprof.Addr,
			Token:   cfg.Pprof.Token,
		}, log)
	}

	return a, nil
}

// Start loads persisted tasks, arms the scheduler and launches the
// supervised loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.sync != nil {
		a.sup.GoRestart("cronsync", a.sync.Run)
	}
	if a.poller != nil {
		a.sup.GoRestart("bridge", a.poller.Run)
	}
	if a.prof != nil {
		a.sup.GoRestart("pprof", a.prof.Run)
	}
	a.startWatchdog()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("agent.started",
		logx.String("machine", a.cfg.MachineID),
		logx.Int("tasks", len(a.sched.List())),
		logx.Bool("cronsync", a.sync != nil),
		logx.Bool("bridge", a.poller != nil))
	return nil
}

// startWatchdog feeds the systemd watchdog at half its configured interval.
// Outside systemd (or with no WatchdogSec) it does nothing.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go("watchdog", func(ctx context.Context) error {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// Stop shuts everything down in reverse dependency order, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if err := a.sched.Stop(ctx); err != nil {
		a.log.Warn("scheduler stop incomplete", logx.Err(err))
	}
	if err := a.runs.Close(); err != nil {
		a.log.Warn("history close failed", logx.Err(err))
	}
	a.log.Info("agent.stopped")
	return a.logs.Close()
}

// Scheduler exposes the task scheduler for embedding surfaces.
func (a *App) Scheduler() *task.Scheduler { return a.sched }

// CronSync exposes the foreign job mirror; nil when disabled.
func (a *App) CronSync() *cronsync.Service { return a.sync }

// Bus exposes the in-process event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }
