package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const catalogDebounce = 200 * time.Millisecond

// WatchCatalog reloads the catalog at path into r whenever the file changes,
// until ctx is cancelled. A catalog that fails to parse is logged and the
// previous descriptors stay in place.
func (r *Registry) WatchCatalog(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file by rename are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(catalogDebounce)
			} else {
				timer.Reset(catalogDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			r.reloadCatalog(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Str("path", path).Msg("catalog watcher error")
		}
	}
}

func (r *Registry) reloadCatalog(path string) {
	models, err := LoadCatalog(path)
	if err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("catalog reload failed")
		return
	}
	if err := r.Replace(models); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("catalog reload rejected")
	}
}
