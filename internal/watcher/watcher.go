// Package watcher provides file system monitoring for the account storage
// file. When another process writes the file (for example a second login),
// the in-memory account pool is reloaded.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounceWindow coalesces bursts of write events (atomic saves
// produce create+rename pairs).
const reloadDebounceWindow = 500 * time.Millisecond

// Watcher observes the storage file and invokes the reload callback.
type Watcher struct {
	path     string
	reload   func()
	watcher  *fsnotify.Watcher
	schedule func(func())
}

// NewWatcher creates a watcher for the storage file at path.
func NewWatcher(path string, reload func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		reload:   reload,
		watcher:  fsw,
		schedule: debounce.New(reloadDebounceWindow),
	}, nil
}

// Start begins watching until ctx is cancelled. The parent directory is
// watched because atomic saves replace the file inode.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		log.Errorf("watcher: failed to watch %s: %v", dir, err)
		return err
	}
	log.Debugf("watcher: watching %s", dir)

	go func() {
		defer func() {
			_ = w.watcher.Close()
		}()
		base := filepath.Base(w.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if strings.HasSuffix(event.Name, ".tmp") {
					continue
				}
				log.Debugf("watcher: %s changed (%s), scheduling reload", event.Name, event.Op)
				w.schedule(w.reload)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher: error: %v", err)
			}
		}
	}()
	return nil
}
