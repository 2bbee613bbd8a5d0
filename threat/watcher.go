package threat

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a catalog file into a detector whenever the file changes,
// so new signatures roll out without a restart. A reload that fails to parse
// keeps the previous catalog active.
type Watcher struct {
	path     string
	detector *Detector
	logger   *slog.Logger

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher starts watching path and hot-swaps the detector's catalog on
// change. The initial load must succeed; afterwards, bad writes are logged
// and skipped.
func NewWatcher(path string, detector *Detector, logger *slog.Logger) (*Watcher, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("initial catalog load: %w", err)
	}
	detector.SetCatalog(catalog)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config rollouts
	// typically replace the file via rename, which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	w := &Watcher{
		path:     path,
		detector: detector,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}

	go w.loop()

	logger.Info("Watching threat catalog for changes",
		"path", path,
		"patterns", catalog.Len())

	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Catalog watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// reload parses the catalog file and swaps it in. On failure the detector
// keeps the previous catalog.
func (w *Watcher) reload() {
	catalog, err := LoadCatalog(w.path)
	if err != nil {
		w.logger.Warn("Catalog reload failed, keeping previous catalog",
			"path", w.path,
			"error", err)
		return
	}
	w.detector.SetCatalog(catalog)
}

// Stop stops watching. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("Failed to close file watcher", "error", err)
		}
	})
}
