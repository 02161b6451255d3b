package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"taglockd/internal/config"
	"taglockd/internal/lockstate"
	"taglockd/internal/monitor"
	"taglockd/internal/observe"
	"taglockd/internal/profile"
)

// cmdRun starts the monitoring daemon: observation adapter, event
// monitor, and config hot-reload. On boot the singleton rows are
// ensured, abandoned draft profiles are pruned, and persisted lock
// state is left exactly as found so a lock survives restart.
func cmdRun() {
	cfg, s := openStore()
	defer s.Close()

	log := newLogger(cfg)
	defer log.Close()

	pruned, err := profile.New(s).PruneEmpty()
	if err != nil {
		fatal(err)
	}
	if pruned > 0 {
		log.Info("pruned abandoned draft profiles", "count", pruned)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observer := observe.New(observe.Config{
		PollInterval: time.Duration(cfg.Observe.PollIntervalMs) * time.Millisecond,
	})
	if err := observer.Start(ctx); err != nil {
		log.Error("observation facility unavailable, running without foreground events", "err", err)
	}
	defer observer.Stop()

	machine := lockstate.New(s, observer)
	if locked, err := machine.IsLocked(); err == nil && locked {
		log.Info("restored persisted lock state", "locked", true)
	}
	if !machine.CanLock() {
		log.Warn("observation facility not confirmed active; locking is advisory-unsafe")
	}

	mon := monitor.New(monitor.Config{
		OwnIdentity: cfg.Monitor.OwnIdentity,
		Cooldown:    time.Duration(cfg.Monitor.CooldownMs) * time.Millisecond,
		ExtraSkip:   cfg.Monitor.SkipPackages,
	}, s, observe.NewRedirector(), log)

	// Reloadable settings: log level swaps require a new logger, so
	// only the cooldown is applied live; everything else logs a notice.
	var lastLevel atomic.Value
	lastLevel.Store(cfg.Logging.Level)
	go func() {
		err := config.Watch(ctx, "", func(next *config.Config) {
			mon.SetCooldown(time.Duration(next.Monitor.CooldownMs) * time.Millisecond)
			if prev := lastLevel.Load().(string); prev != next.Logging.Level {
				log.Info("log level change requires restart", "from", prev, "to", next.Logging.Level)
				lastLevel.Store(next.Logging.Level)
			}
			log.Info("config reloaded", "cooldown_ms", next.Monitor.CooldownMs)
		}, func(err error) {
			log.Warn("config reload skipped", "err", err)
		})
		if err != nil {
			log.Warn("config watcher stopped", "err", err)
		}
	}()

	log.Info("taglockd running",
		"db", cfg.Storage.Path,
		"cooldown_ms", cfg.Monitor.CooldownMs,
		"observer_running", observer.Running(),
		"pid", os.Getpid(),
	)

	mon.Run(ctx, observer.Events())

	log.Info("taglockd stopped")
}
