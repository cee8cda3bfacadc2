// Package watch feeds images dropped into hot folders to a callback.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"vfxproc/internal/fsutil"
)

// Event is one image arrival or change.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified
	Time      time.Time `json:"time"`
}

// Watcher monitors directories for new images.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// New starts watching dirs. Subdirectories are not watched.
func New(logger *slog.Logger, dirs ...string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		logger.Info("watching directory", "dir", dir)
	}
	return &Watcher{watcher: fw, log: logger}, nil
}

// Run delivers image events to fn until ctx is done, then releases the
// underlying watcher. fn runs on the watcher goroutine.
func (w *Watcher) Run(ctx context.Context, fn func(Event)) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			op, keep := operation(ev.Op)
			if !keep || !fsutil.IsImageFile(ev.Name) {
				continue
			}
			fn(Event{Path: ev.Name, Operation: op, Time: time.Now()})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func operation(op fsnotify.Op) (string, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return "created", true
	case op.Has(fsnotify.Write):
		return "modified", true
	default:
		return "", false
	}
}
