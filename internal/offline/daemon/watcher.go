package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// configWatcher watches one config file. The parent directory is watched
// because editors replace files by rename, which drops a file-level watch.
type configWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	apply    func(path string)
	log      *logrus.Entry

	mu        sync.Mutex
	changedAt time.Time // zero when no change is queued
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newConfigWatcher(path string, debounce time.Duration, apply func(string), log *logrus.Entry) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory %s: %w", filepath.Dir(abs), err)
	}

	w := &configWatcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		apply:    apply,
		log:      log,
		done:     make(chan struct{}),
	}
	w.wg.Add(2)
	go w.watchEvents()
	go w.processChanges()
	return w, nil
}

// Close stops watching and waits for the goroutines to exit. It is safe to
// call more than once.
func (w *configWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// watchEvents queues changes to the config file.
func (w *configWatcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.WithField("op", event.Op.String()).Debug("config file event")
			w.mu.Lock()
			w.changedAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *configWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == w.path
}

// processChanges applies a queued change once writes have settled.
func (w *configWatcher) processChanges() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case <-ticker.C:
			w.mu.Lock()
			due := !w.changedAt.IsZero() && time.Since(w.changedAt) >= w.debounce
			if due {
				w.changedAt = time.Time{}
			}
			w.mu.Unlock()

			if due {
				w.apply(w.path)
			}
		}
	}
}
