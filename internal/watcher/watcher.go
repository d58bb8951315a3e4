// Package watcher hot-reloads the YAML configuration file. A write to
// the watched file re-parses it and hands the result to the reload
// callback; content hashing suppresses the duplicate events editors and
// atomic saves produce.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/config"
)

// Watcher monitors one configuration file for changes.
type Watcher struct {
	configPath string
	onReload   func(*config.Config)
	watcher    *fsnotify.Watcher

	// lastHash is only touched on the event goroutine.
	lastHash string
}

// New creates a watcher for configPath. onReload runs on the watcher
// goroutine after every successful re-parse.
func New(configPath string, onReload func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{configPath: configPath, onReload: onReload, watcher: fsw}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so rename-over saves keep delivering events.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	log.Debugf("config file event detected: %s %s", event.Op.String(), event.Name)

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		// Editors that truncate before writing fire an event here; the
		// write event that follows carries the real content.
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])
	if w.lastHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}
	w.lastHash = newHash
	log.Infof("config file changed, reloading: %s", w.configPath)
	w.onReload(cfg)
}
