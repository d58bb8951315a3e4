package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"

	"github.com/routeworks/geminipanel/internal/config"
)

func writeConfig(t *testing.T, path string, port int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("port: %d\n", port)), 0o644))
}

func TestHandleEventReloadsOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, 9001)

	var got []*config.Config
	w, err := New(path, func(cfg *config.Config) { got = append(got, cfg) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	event := fsnotify.Event{Name: path, Op: fsnotify.Write}

	w.handleEvent(event)
	require.Len(t, got, 1)
	require.Equal(t, 9001, got[0].Port)

	// Same content again: the hash check suppresses the reload.
	w.handleEvent(event)
	require.Len(t, got, 1)

	writeConfig(t, path, 9002)
	w.handleEvent(event)
	require.Len(t, got, 2)
	require.Equal(t, 9002, got[1].Port)
}

func TestHandleEventFilters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, 9001)

	calls := 0
	w, err := New(path, func(*config.Config) { calls++ })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	// Events for sibling files are ignored.
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "other.yaml"), Op: fsnotify.Write})
	require.Zero(t, calls)

	// Non-write ops are ignored.
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	require.Zero(t, calls)

	// A truncation event (empty file) is skipped; the follow-up write
	// with content lands.
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	require.Zero(t, calls)

	writeConfig(t, path, 9001)
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	require.Equal(t, 1, calls)
}

func TestWatcherDeliversFilesystemEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, 9001)

	reloaded := make(chan *config.Config, 1)
	w, err := New(path, func(cfg *config.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	writeConfig(t, path, 9002)

	select {
	case cfg := <-reloaded:
		require.Equal(t, 9002, cfg.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
