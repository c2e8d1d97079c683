package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch monitors the config file and calls deliver with each freshly parsed
// snapshot. Parse or validation failures are logged and skipped — the running
// configuration is never replaced by a broken one. Watch blocks until ctx is
// cancelled.
//
// The parent directory is watched rather than the file itself so that
// editors which rename-and-replace (vim, sed -i) keep triggering events.
func Watch(ctx context.Context, path string, logger *slog.Logger, deliver func(*Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var (
		mu            sync.Mutex
		debounceTimer *time.Timer
		pending       bool
	)

	doReload := func() {
		mu.Lock()
		pending = false
		mu.Unlock()

		snap, err := Load(abs)
		if err != nil {
			logger.Error("config reload rejected",
				slog.String("path", abs),
				slog.String("error", err.Error()),
			)
			return
		}
		logger.Info("config file changed",
			slog.String("path", abs),
			slog.Int("servers", len(snap.Servers)),
		)
		deliver(snap)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			mu.Unlock()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce: editors fire several events per save.
			mu.Lock()
			if !pending {
				pending = true
				debounceTimer = time.AfterFunc(watchDebounce, doReload)
			} else {
				debounceTimer.Reset(watchDebounce)
			}
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
