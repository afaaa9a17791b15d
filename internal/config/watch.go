package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/courtflow/schedsync/internal/logging"
)

// Watch re-reads the config file whenever it changes and hands the new
// configuration to apply. An unreadable or invalid file is logged and
// skipped; the previous configuration stays in effect. Watch blocks until
// the context is canceled.
//
// The parent directory is watched rather than the file itself so atomic
// rename-into-place updates (the usual editor and configmap behavior) are
// seen.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	log := logging.Component("config")
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload skipped", "path", path, "error", err)
				continue
			}
			log.Info("config reloaded", "path", path)
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
