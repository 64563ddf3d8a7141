package policy

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the global and project config files for changes between
// sessions and invalidates a cached EffectivePolicy so the next
// Session.open re-runs Store.Load. It never mutates a policy already
// frozen for a running session; the only mutation a live policy permits is
// DenyRetryProtocol's AllowSession append.
type Watcher struct {
	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	stale   bool
	done    chan struct{}
	onStale func()
}

// NewWatcher watches the given config file paths (any that don't yet
// exist are skipped; the caller should re-create the Watcher if a config
// file is authored later). onStale, if non-nil, is invoked once per
// transition into the stale state.
func NewWatcher(paths []string, onStale func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			continue
		}
	}
	w := &Watcher{fsw: fsw, done: make(chan struct{}), onStale: onStale}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.markStale()
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) markStale() {
	w.mu.Lock()
	wasStale := w.stale
	w.stale = true
	w.mu.Unlock()
	if !wasStale && w.onStale != nil {
		w.onStale()
	}
}

// Stale reports whether a watched file has changed since the last Reset.
func (w *Watcher) Stale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stale
}

// Reset clears the stale flag after the caller has reloaded the policy
// (i.e. a new Session.open picked up the change).
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.stale = false
	w.mu.Unlock()
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
