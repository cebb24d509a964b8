package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"adoconnect/pkg/logging"
)

// DefaultDebounceInterval is the time to wait before reloading after the
// last change to the connections file.
const DefaultDebounceInterval = 500 * time.Millisecond

// ConnectionsWatcher reloads the connections file whenever it changes and
// hands the normalized list to OnChange.
type ConnectionsWatcher struct {
	path     string
	debounce time.Duration
	onChange func([]ConnectionConfig)

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewConnectionsWatcher creates a watcher for the connections file at path.
func NewConnectionsWatcher(path string, onChange func([]ConnectionConfig)) *ConnectionsWatcher {
	return &ConnectionsWatcher{
		path:     path,
		debounce: DefaultDebounceInterval,
		onChange: onChange,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched rather
// than the file so atomic replace-by-rename is seen.
func (w *ConnectionsWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	logging.Info("ConfigWatcher", "Watching %s for connection changes", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("ConfigWatcher", err, "fsnotify error")
		}
	}
}

func (w *ConnectionsWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	logging.Debug("ConfigWatcher", "Connections file changed: %s (%s)", event.Name, event.Op)
	w.reloadDebounced()
}

func (w *ConnectionsWatcher) reloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *ConnectionsWatcher) stopTimer() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
}

func (w *ConnectionsWatcher) reload() {
	// Saving synthesized fields triggers one more event; the second pass is
	// a no-op because normalization is idempotent.
	conns, _, err := LoadAndNormalizeConnections(w.path)
	if err != nil {
		logging.Error("ConfigWatcher", err, "Ignoring unreadable connections file")
		return
	}
	if w.onChange != nil {
		w.onChange(conns)
	}
}
