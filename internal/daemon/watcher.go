package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher monitors the local manifest file and triggers a sync when
// it changes. Only meaningful for file-kind manifest sources; remote sources
// rely on the periodic schedule.
type ManifestWatcher struct {
	path         string
	watcher      *fsnotify.Watcher
	onChange     func()
	stopChan     chan struct{}
	changeChan   chan struct{}
	debounceTime time.Duration
	logger       *slog.Logger
}

// NewManifestWatcher creates a watcher for the manifest at path; onChange is
// called, debounced, after each detected modification.
func NewManifestWatcher(path string, onChange func(), logger *slog.Logger) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestWatcher{
		path:         absPath,
		watcher:      watcher,
		onChange:     onChange,
		stopChan:     make(chan struct{}),
		changeChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
		logger:       logger,
	}, nil
}

// Start begins monitoring. The containing directory is watched rather than
// the file itself, so editors that replace the file via rename are seen.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch manifest directory %s: %w", dir, err)
	}
	w.logger.Info("Starting manifest watcher", "path", w.path)

	go w.watchLoop(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *ManifestWatcher) Stop() {
	w.logger.Info("Stopping manifest watcher")
	close(w.stopChan)
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Error closing file watcher", "error", err)
	}
}

func (w *ManifestWatcher) watchLoop(ctx context.Context) {
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Op&fsnotify.Write == fsnotify.Write,
				event.Op&fsnotify.Create == fsnotify.Create,
				event.Op&fsnotify.Rename == fsnotify.Rename:
				w.logger.Debug("Manifest change detected", "event", event.Op.String())
				w.markChanged()
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				w.logger.Warn("Manifest file removed", "path", w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Manifest watcher error", "error", err)
		}
	}
}

func (w *ManifestWatcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.changeChan:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounceTime, w.onChange)
		}
	}
}

func (w *ManifestWatcher) markChanged() {
	select {
	case w.changeChan <- struct{}{}:
	default:
		// Change already pending.
	}
}
