package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/usersync/internal/config"
)

// flushControl is the part of the Operation Repo a config reload adjusts.
type flushControl interface {
	Pause(reason string)
	Resume(reason string)
	SetFlushInterval(d time.Duration)
}

// configPauseReason marks a pause that came from sync.paused, so only that
// pause is lifted when the key is cleared.
const configPauseReason = "paused in config"

// configReloader applies hot-reloadable settings from the config file to a
// running daemon.
type configReloader struct {
	holder *config.Holder
	target flushControl
	logger *slog.Logger
}

// reload rereads the file. An invalid file is logged and the running
// settings stay.
func (r *configReloader) reload(reason string) {
	prev, next, err := r.holder.Reload()
	if err != nil {
		r.logger.Warn("config reload failed, keeping current settings",
			slog.String("path", r.holder.Path()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)

		return
	}

	r.logger.Info("config reloaded", slog.String("path", r.holder.Path()), slog.String("reason", reason))
	r.apply(prev, next)
}

func (r *configReloader) apply(prev, next *config.Config) {
	switch {
	case next.Sync.Paused && !prev.Sync.Paused:
		r.target.Pause(configPauseReason)
	case !next.Sync.Paused && prev.Sync.Paused:
		r.target.Resume(configPauseReason)
	}

	if next.FlushEvery() != prev.FlushEvery() && next.FlushEvery() > 0 {
		r.target.SetFlushInterval(next.FlushEvery())
	}

	if next.Logging != prev.Logging {
		r.logger.Info("logging settings change on restart")
	}
}

// watch reloads whenever the config file is written, created or renamed
// into place. The directory is watched rather than the file so atomic
// rename-over saves are seen.
func (r *configReloader) watch(ctx context.Context, hup <-chan struct{}) error {
	w, err := newConfigWatcher(r.holder.Path())
	if err != nil {
		r.logger.Warn("config file not watched, reload with SIGHUP", slog.String("error", err.Error()))
		return r.waitHUP(ctx, hup)
	}
	defer w.Close()

	path := filepath.Clean(r.holder.Path())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			r.reload("SIGHUP")
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}

			r.reload("file changed")
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}

			r.logger.Warn("config watcher error", slog.String("error", werr.Error()))
		}
	}
}

func newConfigWatcher(path string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	dir := filepath.Dir(filepath.Clean(path))
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return w, nil
}

// waitHUP is watch without a file watcher.
func (r *configReloader) waitHUP(ctx context.Context, hup <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			r.reload("SIGHUP")
		}
	}
}
