package calibration

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reports changes to calibration files in a directory. Lookups already
// reload stale tables on their own; the watcher makes a change visible before
// the next lookup.
type Watcher struct {
	dir string
	w   *fsnotify.Watcher
}

// NewWatcher starts watching dir.
func NewWatcher(dir string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, w: w}, nil
}

// Run calls onChange with the cleaned path of every calibration file that is
// written, created or renamed into the directory. It returns when ctx is done
// or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !IsSource(ev.Name) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"source": ev.Name,
				"op":     ev.Op.String(),
			}).Debug("calibration file event")
			onChange(filepath.Clean(ev.Name))
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			logrus.Warnf("calibration watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.w.Close()
}

// IsSource reports whether path has an extension a table can be loaded from.
func IsSource(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml", ".csv", ".JSON", ".YAML", ".YML", ".CSV":
		return true
	}
	return false
}
