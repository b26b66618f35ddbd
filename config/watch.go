package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events a single save typically
// produces (temp-file write + rename) into one reload.
const watchDebounce = 300 * time.Millisecond

// Watcher reloads a single project config file whenever it changes on
// disk, trimmed from the teacher's directory-tree DocWatcher down to the
// one file manifest.yaml's layered Loader reads last.
type Watcher struct {
	path   string
	logger *slog.Logger
	fsw    *fsnotify.Watcher
}

// NewWatcher starts watching path's parent directory (fsnotify watches
// directories, not files, so an editor's write-rename-replace sequence
// still fires an event against the same watch).
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, fsw: fsw}, nil
}

// Watch blocks until ctx is done, invoking onReload with the freshly
// loaded Config each time path settles after a burst of edits. Load
// errors (a config mid-save, or syntactically invalid YAML) are logged
// and skipped rather than propagated, since a transient parse failure
// during a save should never crash a running process.
func (w *Watcher) Watch(ctx context.Context, loader *Loader, onReload func(*Config)) {
	defer w.fsw.Close()

	var pending bool
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			pending = true
			timer.Reset(watchDebounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			cfg, err := loader.Load()
			if err != nil {
				w.logger.Warn("config reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("config reloaded", slog.String("path", w.path))
			onReload(cfg)
		}
	}
}
