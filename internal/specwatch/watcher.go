// Package specwatch implements auto-run mode: a drop directory is watched
// for new planning specs, and each new spec starts a pipeline run. Consumed
// specs are renamed in place so a restarted watcher does not run them again.
package specwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/event"
	"github.com/nshotdev/nshot/internal/logging"
)

// processedSuffix marks a spec file that already produced a run.
const processedSuffix = ".processed"

// RunFunc starts a pipeline run for one planning spec.
type RunFunc func(ctx context.Context, specPath string) error

// Watcher scans a drop directory for planning specs. Specs can land either
// directly in the directory or one level down, one per subdirectory.
type Watcher struct {
	dir      string
	specName string
	rescan   time.Duration
	run      RunFunc
	logger   *logging.Logger
	bus      *event.Bus

	mu        sync.Mutex
	attempted map[string]bool
}

// New creates a Watcher over the configured drop directory.
func New(cfg config.WatchConfig, run RunFunc, logger *logging.Logger, bus *event.Bus) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.NewValidationError("watch directory is not configured").WithField("watch.dir")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil || !info.IsDir() {
		return nil, errors.NewValidationError("watch directory does not exist").
			WithField("watch.dir").
			WithValue(cfg.Dir)
	}
	return &Watcher{
		dir:       cfg.Dir,
		specName:  cfg.SpecFileName,
		rescan:    cfg.RescanInterval(),
		run:       run,
		logger:    logger,
		bus:       bus,
		attempted: make(map[string]bool),
	}, nil
}

// Watch scans until the context ends. Specs already present at startup are
// processed first; afterwards fsnotify shortens the reaction time and the
// rescan ticker remains the correctness backstop.
func (w *Watcher) Watch(ctx context.Context) error {
	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(w.dir); err == nil {
			watchEvents = make(chan fsnotify.Event, 16)
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case watchEvents <- ev:
						default:
						}
					case <-watcher.Errors:
					case <-ctx.Done():
						return
					}
				}
			}()
			defer watcher.Close()
		} else {
			watcher.Close()
		}
	} else {
		w.logger.Warn("fsnotify unavailable, relying on rescan", "error", err.Error())
	}

	w.logger.Info("watching for planning specs", "dir", w.dir, "spec_file", w.specName)

	for {
		w.scan(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-watchEvents:
		}
	}
}

// scan finds unprocessed specs and runs each one.
func (w *Watcher) scan(ctx context.Context) {
	for _, path := range w.candidates() {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, path)
	}
}

// candidates lists spec files in the drop directory and its immediate
// subdirectories, in lexical order.
func (w *Watcher) candidates() []string {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("cannot read watch directory", "dir", w.dir, "error", err.Error())
		return nil
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			nested := filepath.Join(w.dir, entry.Name(), w.specName)
			if _, err := os.Stat(nested); err == nil {
				paths = append(paths, nested)
			}
			continue
		}
		if entry.Name() == w.specName {
			paths = append(paths, filepath.Join(w.dir, entry.Name()))
		}
	}
	return paths
}

func (w *Watcher) process(ctx context.Context, path string) {
	w.mu.Lock()
	if w.attempted[path] {
		w.mu.Unlock()
		return
	}
	w.attempted[path] = true
	w.mu.Unlock()

	w.logger.Info("planning spec detected", "path", path)
	if w.bus != nil {
		w.bus.Publish(event.NewSpecDetectedEvent(path))
	}

	if err := w.run(ctx, path); err != nil {
		// The spec stays in place; a restarted watcher retries it.
		w.logger.Error("run failed for detected spec", "path", path, "error", err.Error())
		return
	}

	if err := os.Rename(path, path+processedSuffix); err != nil {
		w.logger.Warn("could not mark spec processed", "path", path, "error", err.Error())
	}
}
