package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// replaceCheckDelay lets an atomic replace (rename) settle before a Remove
// event is treated as a real deletion.
const replaceCheckDelay = 50 * time.Millisecond

// Watcher propagates session file changes made by other processes into the
// FileStore, re-emitting the auth-state-changed notification. It watches the
// parent directory so atomic renames over the session file are observed.
type Watcher struct {
	store   *FileStore
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher bound to the given file store.
func NewWatcher(store *FileStore) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("session watcher: store is nil")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{store: store, watcher: fsw}, nil
}

// Start begins watching the session file's directory until the context is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("session watcher: watch %s failed: %w", dir, err)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	log.Debugf("session watcher started for %s", w.store.Path())
	return nil
}

// Stop stops the watcher and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("session watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.store.Path()) {
		return
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// An editor or sibling process may be replacing the file atomically;
		// give the rename a moment to settle before reloading.
		time.Sleep(replaceCheckDelay)
	} else if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if err := w.store.reload(); err != nil {
		log.Warnf("session watcher: reload failed: %v", err)
		return
	}
	log.Debugf("session file changed externally, store reloaded")
}
