package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events a single save produces.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the config file changes and hands
// each successfully loaded Config to onChange. Invalid files are logged and
// skipped. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, logger *slog.Logger, onChange func(Config)) error {
	path := FilePath()
	return watchPath(ctx, path, logger, func() (Config, error) {
		return loadWith(newFileBackend(path), secretsFile{path: secretsFilePath()})
	}, onChange)
}

func watchPath(ctx context.Context, path string, logger *slog.Logger, load func() (Config, error), onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: saves replace the file, which drops a file watch.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		target = filepath.Clean(path)
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			cfg, err := load()
			if err != nil {
				logger.Warn("config reload failed, keeping previous settings", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
