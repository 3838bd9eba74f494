package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/testfold/reportcache/internal/store"
)

// Watch monitors the report store and announces the latest artifact on
// notify whenever the latest-artifact marker moves. It exists for the
// downstream watchdog collaborator, which only needs "the latest one".
// Returns when ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, notify io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create store watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(e.Store.Dir()); err != nil {
		return fmt.Errorf("failed to watch store directory '%s': %w", e.Store.Dir(), err)
	}

	debounce := e.Opts.Watch.Debounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	var debounceTimer *time.Timer
	trigger := make(chan struct{}, 1)

	e.Logger.Info("Watching report store for new artifacts", "dir", e.Store.Dir())

	for {
		select {
		case <-ctx.Done():
			e.Logger.Info("Store watch cancelled, exiting")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if filepath.Base(event.Name) != store.LatestMarkerName {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			name, err := e.Store.Latest()
			if err != nil {
				e.Logger.Warn("Latest-artifact marker changed but could not be resolved", "error", err)
				continue
			}
			e.Logger.Info("New artifact observed", "artifact", name)
			fmt.Fprintf(notify, "%s\n", e.Store.ArtifactPath(name))

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			e.Logger.Error("Store watcher error, continuing", "error", err)
		}
	}
}
