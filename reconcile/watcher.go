package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marcus-crane/signpost/storage"
)

const defaultDebounce = 2 * time.Second

// Watch notices cached files being removed or renamed out from under us and
// runs an integrity pass once things settle. It blocks until ctx is done.
func (r *Reconciler) Watch(ctx context.Context) error {
	return r.watch(ctx, defaultDebounce)
}

func (r *Reconciler) watch(ctx context.Context, debounce time.Duration) error {
	mediaPath := r.storage.MediaPath()
	if err := os.MkdirAll(mediaPath, 0o755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(mediaPath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", mediaPath, err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isCacheRemoval(mediaPath, event) {
				continue
			}
			slog.Debug("Cached media changed on disk", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Media watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			if _, err := r.ReconcileMediaIntegrity(ctx); err != nil {
				slog.Error("Failed to reconcile media after file removal", slog.String("error", err.Error()))
			}
		}
	}
}

func isCacheRemoval(mediaPath string, event fsnotify.Event) bool {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if filepath.Dir(event.Name) != filepath.Clean(mediaPath) {
		return false
	}
	return filepath.Base(event.Name) != storage.TempDirName
}
