package catalog

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"onemcp/pkg/logging"
)

// DefaultDebounceInterval collapses bursts of filesystem events from
// editors and atomic-rename saves into one reload.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher keeps an up-to-date catalog snapshot and notifies subscribers
// when the file changes.
//
// The watch is placed on the directory containing the catalog file, not the
// file itself, so that atomic-rename saves (write temp, rename over target)
// are observed. Parse and read failures are logged and the last good
// snapshot is retained.
type Watcher struct {
	mu sync.RWMutex

	path    string
	current Snapshot

	watcher          *fsnotify.Watcher
	debounceInterval time.Duration
	debounceTimer    *time.Timer

	subscribers []chan Snapshot

	stopCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for the catalog file at path. The initial
// snapshot is loaded immediately; a missing file yields an empty snapshot.
func NewWatcher(path string) (*Watcher, error) {
	w := &Watcher{
		path:             path,
		debounceInterval: DefaultDebounceInterval,
		stopCh:           make(chan struct{}),
	}

	snap, err := Load(path)
	if err != nil {
		logging.Warn("Catalog", "Initial catalog load failed (%v), starting empty", err)
		snap = Snapshot{Servers: map[string]Entry{}}
	}
	w.current = snap

	return w, nil
}

// Current returns the latest good snapshot. Safe for concurrent use.
func (w *Watcher) Current() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives each new snapshot. The channel
// is buffered; a subscriber that falls behind misses intermediate snapshots
// but always eventually observes the newest one via Current.
func (w *Watcher) Subscribe() <-chan Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan Snapshot, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Start begins watching for changes. It is a no-op if already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		w.mu.Unlock()
		return err
	}

	w.watcher = watcher
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx)

	logging.Info("Catalog", "Watching %s for catalog changes", dir)
	return nil
}

// Stop ends the watch and releases the fsnotify resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
	w.running = false
}

func (w *Watcher) processEvents(ctx context.Context) {
	w.mu.RLock()
	watcher := w.watcher
	stopCh := w.stopCh
	w.mu.RUnlock()
	if watcher == nil {
		return
	}

	target := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Catalog", "Watcher error: %v", err)
		}
	}
}

// scheduleReload arms (or re-arms) the debounce timer.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceInterval, w.reload)
}

func (w *Watcher) reload() {
	snap, err := Load(w.path)
	if err != nil {
		logging.Warn("Catalog", "Reload failed, keeping last good snapshot: %v", err)
		return
	}

	w.mu.Lock()
	w.current = snap
	subscribers := make([]chan Snapshot, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	logging.Info("Catalog", "Catalog reloaded: %d servers", len(snap.Servers))

	for _, ch := range subscribers {
		select {
		case ch <- snap:
		default:
			// Subscriber still has an unconsumed snapshot; drop the
			// stale one so the channel always holds the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
