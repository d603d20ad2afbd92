package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"lorekeeper/internal/logging"
)

// Watch monitors the config file and re-applies the logging section when it
// changes. Other sections are load-time only; components snapshot them at
// construction. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	log := logging.Get(logging.CategoryConfig)
	log.Info("Watching config file: %s", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("Config reload failed, keeping previous settings: %v", err)
				continue
			}
			logging.Configure(cfg.Logging.DebugMode, cfg.Logging.Level, cfg.Logging.Categories, cfg.Logging.JSONFormat)
			log.Info("Logging config reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error: %v", err)
		}
	}
}
