package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ErrRosterChanged ends a supervised task group when the roster file changes.
// The roster is immutable in-process, so the process supervisor restarts
// the bot and the new file goes through startup validation again.
var ErrRosterChanged = errors.New("roster file changed")

// Watch blocks until the roster file at path is written, replaced or removed,
// then returns ErrRosterChanged. It returns nil when ctx is cancelled.
//
// The parent directory is watched rather than the file itself because
// editors and config management tools usually replace files by rename.
func Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve roster path: %w", err)
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create roster watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Debug("watching roster", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				logger.Warn("roster file changed, restart required", "path", abs, "op", event.Op.String())
				return ErrRosterChanged
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("roster watcher error", "error", err)
		}
	}
}
