package async

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/racai-ai/saroj/constants"
)

// WatchPending watches the pending directory and signals on the returned
// channel whenever a task file shows up there. Bursts are coalesced: the
// channel holds at most one signal and sends never block.
func WatchPending(ctx context.Context, dir string, debounce time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if dir == "" {
		return nil, errors.New("no directory provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create fsnotify watcher", "error", err)
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		logger.Error("failed to watch pending directory", "dir", dir, "error", err)
		_ = w.Close()
		return nil, err
	}

	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	go func() {
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("watcher close failed", "error", err)
			}
		}()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if !isTaskEvent(e) {
					continue
				}
				logger.Debug("watcher.task_file", "name", filepath.Base(e.Name), "op", e.Op.String())
				if debounce <= 0 {
					signal()
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, signal)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("watcher error", "error", err)
			}
		}
	}()

	return wake, nil
}

func isTaskEvent(e fsnotify.Event) bool {
	if !e.Op.Has(fsnotify.Create) && !e.Op.Has(fsnotify.Rename) && !e.Op.Has(fsnotify.Write) {
		return false
	}
	name := filepath.Base(e.Name)
	return !strings.HasPrefix(name, ".") && !strings.Contains(name, constants.TempFileMarker)
}
