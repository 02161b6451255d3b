package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is how long the config file must be quiet before a
// reload fires. Editors write in bursts.
const watchDebounce = 500 * time.Millisecond

// Watch monitors the configuration file and invokes onReload with the
// freshly loaded config after each change. Invalid configs are reported
// through onError and skipped; the previous configuration stays in
// effect. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onReload func(*Config), onError func(error)) error {
	if path == "" {
		path = Path()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace the file, which breaks a
	// direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				// A fired-but-undrained timer leaves a stale tick in the
				// channel; drain it before the reset.
				if !timer.Stop() {
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil

			cfg, err := Load(path)
			if err != nil {
				onError(fmt.Errorf("reload config: %w", err))
				continue
			}
			if err := cfg.Validate(); err != nil {
				onError(fmt.Errorf("reloaded config invalid: %w", err))
				continue
			}
			onReload(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}
