// Package reserve is the §4.8 reservation hook: a stand-in for the
// cross-process device reservation protocol, realized as an advisory lock
// file plus a debounced watcher for other processes releasing or taking it.
// It is grounded on the pack's generic fsnotify-based config watcher,
// repointed at a lock file instead of a config file.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrReserved is returned by Acquire when another process holds the lock.
var ErrReserved = errors.New("reserve: device already reserved by another process")

// Watcher implements internal/engine.Reservation against path, an advisory
// lock file. Acquire/Release are called from the capture goroutine around
// suspend/resume (§4.8); the background watcher notifies interested callers
// when the file's availability changes so the main thread can, for example,
// retry a reservation that previously failed.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.SugaredLogger

	mu       sync.Mutex
	file     *os.File
	held     bool
	handlers []func(available bool)

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the default 250ms debounce on availability
// notifications.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(w *Watcher) { w.log = log }
}

// New constructs a reservation watcher over path, which need not exist yet.
func New(path string, opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		log:      zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// OnAvailabilityChange registers a handler invoked with true when the lock
// file becomes free and false when another process takes it, observed via
// fsnotify rather than polling. Must be called before Start.
func (w *Watcher) OnAvailabilityChange(handler func(available bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers = append(w.handlers, handler)
}

// Start begins watching path's parent directory for the lock file's
// creation and removal.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reserve: new watcher: %w", err)
	}

	dir := dirOf(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()

		return fmt.Errorf("reserve: watch %s: %w", dir, err)
	}

	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(context.Background())

	go w.watch()

	return nil
}

// Stop tears down the background watcher. It does not release a held
// reservation; call Release for that.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	if w.fsw != nil {
		return w.fsw.Close()
	}

	return nil
}

func (w *Watcher) watch() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if ev.Name != w.path {
				continue
			}

			available := ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0

			if timer != nil {
				timer.Stop()
			}

			timer = time.NewTimer(w.debounce)
			timerC = timer.C

			go func(avail bool) {
				<-timerC
				w.notify(avail)
			}(available)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.Warnw("reservation watcher error", "error", err)
		}
	}
}

func (w *Watcher) notify(available bool) {
	w.mu.Lock()
	handlers := append([]func(bool){}, w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(available)
	}
}

// Acquire implements internal/engine.Reservation: takes an exclusive,
// non-blocking advisory lock on path, creating it if absent.
func (w *Watcher) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.held {
		return nil
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reserve: open %s: %w", w.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrReserved
		}

		return fmt.Errorf("reserve: flock %s: %w", w.path, err)
	}

	w.file = f
	w.held = true

	w.log.Debugw("reservation acquired", "path", w.path)

	return nil
}

// Release implements internal/engine.Reservation: drops the lock and closes
// the underlying file. Safe to call when no reservation is held.
func (w *Watcher) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.held || w.file == nil {
		return
	}

	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_UN); err != nil {
		w.log.Warnw("reservation release: unlock failed", "error", err)
	}

	w.file.Close()
	w.file = nil
	w.held = false

	// Removing the lock file (rather than merely unlocking it) is what a
	// directory-scoped fsnotify watcher can actually observe; flock state
	// alone produces no filesystem event.
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.log.Warnw("reservation release: remove lock file failed", "error", err)
	}

	w.log.Debugw("reservation released", "path", w.path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return "."
}
