// Package device supplies the presence signal for the removable device
// carrying the key artifact. Presence means "the artifact file exists at
// the device root"; enumeration of actual USB hardware stays outside the
// core and is reduced to this boolean stream.
package device

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval matches the original one-second presence poll.
const DefaultPollInterval = time.Second

// Watcher watches one device path for the key artifact. It polls on a
// timer (unmounts do not always produce events) and additionally consumes
// fsnotify events on the device root for prompt removal detection.
type Watcher struct {
	path     string
	keyName  string
	Interval time.Duration // set before Start; DefaultPollInterval if zero

	mu      sync.Mutex
	present bool

	events chan bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(devicePath, keyName string) *Watcher {
	return &Watcher{
		path:    devicePath,
		keyName: keyName,
		events:  make(chan bool, 1),
		done:    make(chan struct{}),
	}
}

// Events delivers presence transitions. Values are coalesced: a reader
// always sees the latest state, never a stale intermediate one.
func (w *Watcher) Events() <-chan bool { return w.events }

// Present returns the last observed presence state.
func (w *Watcher) Present() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.present
}

func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.mu.Lock()
	w.present = w.check()
	w.mu.Unlock()

	// fsnotify is best effort here; polling alone is sufficient.
	var fsw *fsnotify.Watcher
	if nw, err := fsnotify.NewWatcher(); err == nil {
		if err := nw.Add(w.path); err == nil {
			fsw = nw
		} else {
			nw.Close()
		}
	}
	go w.run(ctx, fsw)
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	if fsw != nil {
		defer fsw.Close()
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.update()
		case _, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			w.update()
		case _, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
			}
		}
	}
}

func (w *Watcher) check() bool {
	_, err := os.Stat(filepath.Join(w.path, w.keyName))
	return err == nil
}

func (w *Watcher) update() {
	now := w.check()
	w.mu.Lock()
	changed := now != w.present
	w.present = now
	w.mu.Unlock()
	if changed {
		w.notify(now)
	}
}

// notify coalesces: drop a stale buffered value in favor of the latest.
func (w *Watcher) notify(present bool) {
	for {
		select {
		case w.events <- present:
			return
		default:
			select {
			case <-w.events:
			default:
			}
		}
	}
}

// FindDevice scans mount roots (and their immediate children) for a
// directory containing the key artifact, mirroring the original removable
// drive scan over /media, /run/media and /mnt.
func FindDevice(roots []string, keyName string) (string, bool) {
	for _, root := range roots {
		if _, err := os.Stat(filepath.Join(root, keyName)); err == nil {
			return root, true
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			mount := filepath.Join(root, e.Name())
			if _, err := os.Stat(filepath.Join(mount, keyName)); err == nil {
				return mount, true
			}
		}
	}
	return "", false
}
