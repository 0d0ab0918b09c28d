package intents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher submits intent files as they are created or rewritten in a
// directory.
type Watcher struct {
	dir      string
	manager  Manager
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*time.Timer
	stopped  bool
	inflight sync.WaitGroup
}

// NewWatcher creates a watcher for dir. A debounce of zero uses DefaultDebounce.
func NewWatcher(dir string, manager Manager, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		manager:  manager,
		debounce: debounce,
		logger:   logger.With().Str("component", "intent-watcher").Str("dir", dir).Logger(),
		pending:  make(map[string]*time.Timer),
	}
}

// Run applies the files already present in the directory, then watches it
// until ctx is cancelled. Files that fail to load are logged and skipped.
// Run returns only after every submission it started has finished.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	paths, err := listFiles(w.dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		w.submit(ctx, path)
	}

	w.logger.Info().Int("files", len(paths)).Msg("Started watching intent directory")

	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !IsIntentFile(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Intent file changed")

			w.schedule(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule debounces submissions per file.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.inflight.Add(1)
		w.mu.Unlock()
		defer w.inflight.Done()

		if ctx.Err() == nil {
			w.submit(ctx, path)
		}
	})
}

func (w *Watcher) submit(ctx context.Context, path string) {
	doc, err := LoadFile(path)
	if err != nil {
		w.logger.Warn().Err(err).Str("file", path).Msg("Skipping invalid intent file")
		return
	}

	summary, err := Apply(ctx, w.manager, w.logger, doc)
	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("Failed to apply intent file")
		return
	}

	event := w.logger.Info()
	if len(summary.Failures) > 0 {
		event = w.logger.Warn().Int("failed_devices", len(summary.Failures))
	}
	event.
		Str("file", path).
		Int("intents", summary.Intents).
		Int("sent", summary.Sent).
		Msg("Intent file submitted")
}

// stopTimers cancels pending submissions and waits for running ones.
func (w *Watcher) stopTimers() {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.inflight.Wait()
}
