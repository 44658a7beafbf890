package cloudstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// DefaultDebounce is how long the watcher waits for a burst of file events
// to settle before signalling.
const DefaultDebounce = 500 * time.Millisecond

// Watcher evicts cached clouds when files in the store directory change and
// signals listeners once per settled burst of changes.
type Watcher struct {
	store     *DirStore
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher for store's directory. Call Start to begin.
func NewWatcher(store *DirStore, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:     store,
		fsWatcher: fsw,
		debounce:  debounce,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start watches the directory. The returned channel receives a value after
// each settled burst of relevant changes; sends are dropped while a previous
// signal is still unread.
func (w *Watcher) Start() (<-chan struct{}, error) {
	if err := w.fsWatcher.Add(w.store.Dir()); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.store.Dir(), err)
	}
	go w.loop()
	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			// Evict immediately so no stale cloud is served while debouncing.
			w.store.Invalidate(filepath.Base(event.Name))

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			select {
			case w.onChange <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			monitoring.Logf("[clouds] watcher error: %v", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return pointcloud.SupportedExtension(event.Name)
}
