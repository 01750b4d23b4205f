package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/charlie-x/focus-stack/internal/fsutil"
)

// WaitForFiles blocks until every path in files exists, watching the
// containing directories for create events. This allows stacking to start
// while a camera is still writing out the tail of the sequence. It gives
// up after timeout and returns an error naming the first missing file.
func WaitForFiles(ctx context.Context, files []string, timeout time.Duration, logger *slog.Logger) error {
	if fsutil.AllExist(files) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]struct{}{}
	for _, f := range files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		logger.Debug("watching directory for images", "dir", dir)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Events can be coalesced or lost between the existence check and the
	// watch registration, so re-check on a slow tick as well.
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for input files: %s missing", firstMissing(files))
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if fsutil.AllExist(files) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			logger.Warn("filesystem watcher error", "error", err)
		case <-tick.C:
			if fsutil.AllExist(files) {
				return nil
			}
		}
	}
}

func firstMissing(files []string) string {
	for _, f := range files {
		if !fsutil.AllExist([]string{f}) {
			return f
		}
	}
	return ""
}
