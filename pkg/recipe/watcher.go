package recipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc is invoked with the freshly validated spec whenever the
// watched recipe file changes. A load or validation failure is delivered
// through err with a nil spec.
type ReloadFunc func(spec *RecipeSpec, msgs []ValidationMessage, err error)

// Watcher revalidates a recipe file whenever it changes on disk.
// Reloads are debounced so editors that write in bursts trigger a single
// validation.
type Watcher struct {
	path    string
	probe   ResolveProbe
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the given recipe file.
func NewWatcher(path string, probe ResolveProbe, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		probe:  probe,
		logger: logger,
	}
}

// Watch validates the recipe once, then blocks revalidating it on every
// write or create event until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context, reload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.reload(reload)

	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Recipe file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounce, func() {
				w.reload(reload)
			})
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(reload ReloadFunc) {
	spec, msgs, err := ValidateFile(w.path, w.probe)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload recipe")
		reload(nil, nil, err)
		return
	}

	w.logger.Info().
		Str("path", w.path).
		Str("recipe", spec.Metadata.Name).
		Int("steps", len(spec.Steps)).
		Bool("valid", spec.IsValid()).
		Msg("Recipe reloaded")

	reload(spec, msgs, nil)
}
