package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettle is how long a file must stay quiet before onChange fires.
// Editors and config management tools often produce several events per save.
const watchSettle = 200 * time.Millisecond

// Watch calls onChange with the absolute path of any of paths that is written
// or recreated, once the file has settled. It runs until ctx is cancelled.
//
// Parent directories are watched rather than the files so the watch survives
// rename-over-target saves. The agent resolves the endpoint and queue once,
// so callers only log that a restart is needed.
func Watch(ctx context.Context, paths []string, onChange func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()

	targets := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("config: watch %s: %w", p, err)
		}
		targets[abs] = true
	}
	added := make(map[string]bool)
	for abs := range targets {
		dir := filepath.Dir(abs)
		if added[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("config: watch %s: %w", dir, err)
		}
		added[dir] = true
	}
	slog.Info("config: watching for changes", "paths", paths)

	dirty := make(map[string]bool)
	settle := time.NewTimer(watchSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || !targets[name] {
				continue
			}
			dirty[name] = true
			settle.Reset(watchSettle)

		case <-settle.C:
			for name := range dirty {
				delete(dirty, name)
				onChange(name)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
