package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reloader re-reads the configuration file whenever it changes on disk and
// hands every valid result to a callback. Invalid edits are logged and the
// previous configuration stays in effect.
type Reloader struct {
	path     string
	logger   *slog.Logger
	onReload func(*Config)
	watcher  *fsnotify.Watcher
}

// NewReloader watches the directory holding path so that editors which
// replace the file by rename are noticed too.
func NewReloader(path string, logger *slog.Logger, onReload func(*Config)) (*Reloader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %q: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config: watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		path:     abs,
		logger:   logger,
		onReload: onReload,
		watcher:  w,
	}, nil
}

// Run processes file events until ctx is cancelled. It closes the underlying
// watcher before returning.
func (r *Reloader) Run(ctx context.Context) {
	defer r.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config reloader: fsnotify error", slog.Any("error", err))
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := LoadConfig(r.path)
	if err != nil {
		r.logger.Warn("config reloader: keeping previous configuration",
			slog.String("path", r.path),
			slog.Any("error", err))
		return
	}
	r.logger.Info("config reloader: configuration reloaded",
		slog.String("path", r.path),
		slog.Int("num_paths", len(cfg.Beacon.Files)))
	r.onReload(cfg)
}
