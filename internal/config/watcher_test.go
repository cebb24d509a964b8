package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionsWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connections.json")

	var mu sync.Mutex
	var seen [][]ConnectionConfig

	w := NewConnectionsWatcher(path, func(conns []ConnectionConfig) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, conns)
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","organization":"acme","project":"P"}]`), 0o600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && len(seen[len(seen)-1]) == 1 && seen[len(seen)-1][0].ID == "a"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestConnectionsWatcher_ReloadWithoutCallback(t *testing.T) {
	dir := t.TempDir()
	w := NewConnectionsWatcher(filepath.Join(dir, "connections.json"), nil)
	w.debounce = time.Millisecond

	w.reloadDebounced()
	w.stopTimer()
	// A nil callback and a missing file must not panic.
	w.reload()
}
