// Package evloop is the main-thread event loop bridge (§6): a shim that
// lets collaborators outside the capture engine — the mixer change
// notifier, the reservation watcher — register for fd and timer wakeups
// without depending on whatever concrete loop the entrypoint ends up
// running. It carries no logic beyond bit-flag translation and lifecycle
// bookkeeping; the actual waiting is one goroutine per watch against the
// standard library's poller and timer.
package evloop

import (
	"context"
	"sync"
	"time"
)

// Events is a bitset over the readiness conditions a watch can be notified
// for, mirroring poll(2)'s bits without depending on golang.org/x/sys/unix
// from this package.
type Events uint8

const (
	EventInput  Events = 1 << iota // readable
	EventOutput                    // writable
	EventError                     // error condition
	EventHangup                    // peer closed
)

// Has reports whether e contains all bits set in mask.
func (e Events) Has(mask Events) bool {
	return e&mask == mask
}

// WatchFunc is invoked on the watch's own poll goroutine whenever the
// underlying fd reports any of the subscribed events. Callbacks of different
// watches and timeouts may run concurrently.
type WatchFunc func(w *Watch, events Events)

// TimeoutFunc is invoked on the timer's own goroutine (time.AfterFunc) when a
// timeout fires.
type TimeoutFunc func(t *Timeout)

// Bridge owns every live Watch and Timeout and is the single point through
// which they are all freed, e.g. on main-thread shutdown.
type Bridge struct {
	mu       sync.Mutex
	watches  map[*Watch]struct{}
	timeouts map[*Timeout]struct{}
}

// New constructs an empty Bridge.
func New() *Bridge {
	return &Bridge{
		watches:  make(map[*Watch]struct{}),
		timeouts: make(map[*Timeout]struct{}),
	}
}

// Watch is a registered fd interest. The bridge does not perform the actual
// readiness polling itself — fd is expected to come wrapped in a
// *net.Conn/*os.File-like source that the caller's Poll function already
// knows how to wait on; Watch exists so unrelated collaborators share one
// {new, update, get_events, free} vocabulary instead of each inventing its
// own.
type Watch struct {
	bridge *Bridge
	cancel context.CancelFunc

	mu     sync.Mutex
	events Events
	cb     WatchFunc
}

// WatchNew registers a new watch for fd's readiness, invoking poll in a
// dedicated goroutine until the watch is freed or the given context is
// done. poll must block until one of events fires (or ctx is canceled) and
// return the events observed.
func (b *Bridge) WatchNew(ctx context.Context, events Events, cb WatchFunc, poll func(ctx context.Context, interest Events) (Events, error)) *Watch {
	wctx, cancel := context.WithCancel(ctx)

	w := &Watch{bridge: b, cancel: cancel, events: events, cb: cb}

	b.mu.Lock()
	b.watches[w] = struct{}{}
	b.mu.Unlock()

	go w.run(wctx, poll)

	return w
}

func (w *Watch) run(ctx context.Context, poll func(ctx context.Context, interest Events) (Events, error)) {
	for {
		w.mu.Lock()
		interest := w.events
		cb := w.cb
		w.mu.Unlock()

		if interest == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		got, err := poll(ctx, interest)
		if err != nil {
			return
		}

		if got != 0 && cb != nil {
			cb(w, got)
		}
	}
}

// WatchUpdate changes the set of events a live watch is interested in.
func (w *Watch) WatchUpdate(events Events) {
	w.mu.Lock()
	w.events = events
	w.mu.Unlock()
}

// WatchGetEvents returns the watch's currently subscribed event set.
func (w *Watch) WatchGetEvents() Events {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.events
}

// WatchFree cancels the watch's poll goroutine and releases it from the
// bridge. Idempotent.
func (w *Watch) WatchFree() {
	w.cancel()

	w.bridge.mu.Lock()
	delete(w.bridge.watches, w)
	w.bridge.mu.Unlock()
}

// Timeout is a one-shot or rearmable wakeup at an absolute time.
type Timeout struct {
	bridge *Bridge
	timer  *time.Timer
	cb     TimeoutFunc

	mu   sync.Mutex
	done bool
}

// TimeoutNew arms a timeout firing at when, calling cb on the timer's own
// goroutine.
func (b *Bridge) TimeoutNew(when time.Time, cb TimeoutFunc) *Timeout {
	t := &Timeout{bridge: b, cb: cb}

	b.mu.Lock()
	b.timeouts[t] = struct{}{}
	b.mu.Unlock()

	t.timer = time.AfterFunc(max(0, time.Until(when)), func() {
		t.mu.Lock()
		done := t.done
		t.mu.Unlock()

		if !done && t.cb != nil {
			t.cb(t)
		}
	})

	return t
}

// TimeoutUpdate rearms t to fire at when instead.
func (t *Timeout) TimeoutUpdate(when time.Time) {
	t.timer.Reset(max(0, time.Until(when)))
}

// TimeoutFree cancels the timeout and releases it from the bridge.
// Idempotent.
func (t *Timeout) TimeoutFree() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()

	t.timer.Stop()

	t.bridge.mu.Lock()
	delete(t.bridge.timeouts, t)
	t.bridge.mu.Unlock()
}

// Close frees every watch and timeout still registered with the bridge.
func (b *Bridge) Close() {
	b.mu.Lock()
	watches := make([]*Watch, 0, len(b.watches))
	for w := range b.watches {
		watches = append(watches, w)
	}

	timeouts := make([]*Timeout, 0, len(b.timeouts))
	for t := range b.timeouts {
		timeouts = append(timeouts, t)
	}
	b.mu.Unlock()

	for _, w := range watches {
		w.WatchFree()
	}

	for _, t := range timeouts {
		t.TimeoutFree()
	}
}
