package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/codefionn/sockshell/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors produce on save
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the configuration at path whenever it changes and hands
// every successfully parsed version to onChange. Invalid files are logged
// and skipped. The parent directory is watched so that editors replacing
// the file by rename are noticed. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logger.Debug("Watching config %s", target)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("Ignoring invalid config %s: %v", path, err)
				continue
			}
			logger.Info("Config %s reloaded", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("Config watcher error: %v", err)
		}
	}
}
