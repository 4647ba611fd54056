package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/okian/ocufatigue/pkg/logger"
)

// Watch monitors path and calls onChange with the reloaded Config each time
// the file is written or replaced. It runs until ctx is canceled.
//
// The parent directory is watched so editors that save by renaming a
// temporary file over path keep triggering reloads. A reload that fails to
// parse or validate is logged and the previous config stays active.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %w", ErrWatchConfig, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatchConfig, err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWatchConfig, path, err)
	}

	log := logger.Get().Named("config")
	log.Info(ctx, "watching for changes", logger.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			// a rename-save shows up as Create on path; Remove and Rename
			// are the old inode going away
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(ctx)
			if err != nil {
				log.Error(ctx, "reload failed, keeping previous config",
					logger.String("path", path), logger.Error(err))
				continue
			}
			log.Info(ctx, "reloaded", logger.String("path", path))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(ctx, "watcher error", logger.Error(err))
		}
	}
}

// ApplyLogLevel is an onChange hook that applies the reloaded log level.
func ApplyLogLevel(cfg *Config) {
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Named("config").Warn(context.Background(), "ignoring log level",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
	}
}
