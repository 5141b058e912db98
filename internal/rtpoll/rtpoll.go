// Package rtpoll implements the capture engine's single blocking wait primitive:
// a real-time poll core that blends a relative timer, an externally supplied set
// of file descriptors, and an inbound message queue, modeled on PulseAudio's
// pa_rtpoll. Only this package and the root alsa package touch raw poll
// descriptors; internal/engine deals exclusively in alsa.PollFd values and
// Go channels.
package rtpoll

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/avtsched/alsasource"
)

// maxPollWait bounds how long a single raw poll(2) call may block when the
// engine has disabled its own relative timer (tsched off). Without a bound, a
// poll goroutine left in flight by a non-poll wakeup (a message arriving on
// msgCh first) would never return until an fd became ready, and a quiet fd
// set during a burst of control messages would accumulate one blocked
// goroutine per burst message.
const maxPollWait = time.Second

// Reason identifies why a Run call returned.
type Reason int

const (
	// ReasonTimeout means the relative timer expired before anything else.
	ReasonTimeout Reason = iota
	// ReasonMessage means a value arrived on the supplied message channel.
	ReasonMessage
	// ReasonPollReady means one or more polled descriptors became ready.
	ReasonPollReady
	// ReasonShutdown means Run was asked to stop via closed channel semantics.
	ReasonShutdown
)

// Event describes the outcome of a single Run call.
type Event struct {
	Reason  Reason
	Message any
	Fds     []alsa.PollFd
}

// Core is the real-time poll core. Between calls it remembers at most one
// in-flight poll goroutine, so that a Run which returns via msgCh or the
// timer before the poll completes doesn't orphan it: the next Run call
// watching the same fd set picks up that same goroutine's result instead of
// spawning a second one underneath it.
type Core struct {
	mu       sync.Mutex
	inflight *inflightPoll
}

type inflightPoll struct {
	fds  []alsa.PollFd
	done chan pollResult
}

// New constructs a poll core.
func New() *Core {
	return &Core{}
}

// Run blocks until the earliest of: the relative timer (timeout, ignored if
// zero or negative), any fd in fds becoming ready, or a value arriving on
// msgCh. This is the engine's single suspension point.
//
// The actual blocking poll(2) call happens on a goroutine so that Run's
// select can additionally watch msgCh and the timer; the fd set given to the
// engine rarely changes between iterations, so reusing one in-flight poll
// across several Run calls is the common case, not a new syscall per wakeup.
func (c *Core) Run(fds []alsa.PollFd, timeout time.Duration, msgCh <-chan any) (Event, error) {
	var timerC <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		timerC = timer.C
	}

	pollDone := c.pollFor(fds, timeout)

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return Event{Reason: ReasonShutdown}, nil
			}

			return Event{Reason: ReasonMessage, Message: msg}, nil

		case <-timerC:
			return Event{Reason: ReasonTimeout}, nil

		case res := <-pollDone:
			c.clearInflight(pollDone)

			if res.err != nil {
				return Event{}, res.err
			}

			ready := false
			for _, fd := range res.fds {
				if fd.Revents != 0 {
					ready = true
					break
				}
			}

			if !ready {
				// poll(2) reached its own bound with no fd ready; wait again.
				pollDone = c.pollFor(fds, timeout)

				continue
			}

			return Event{Reason: ReasonPollReady, Fds: res.fds}, nil
		}
	}
}

// pollFor returns a channel that will deliver the next poll result for fds,
// reusing the poll goroutine left running by a previous Run call if it is
// still watching the same descriptors, and starting a fresh one otherwise.
// A stale goroutine watching a now-abandoned fd set is not cancelled — its
// raw poll(2) call is bounded by maxPollWait, so it exits on its own and its
// unread result is simply dropped.
func (c *Core) pollFor(fds []alsa.PollFd, timeout time.Duration) chan pollResult {
	if len(fds) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != nil && sameFds(c.inflight.fds, fds) {
		return c.inflight.done
	}

	done := make(chan pollResult, 1)
	c.inflight = &inflightPoll{fds: fds, done: done}

	go runPoll(fds, timeout, done)

	return done
}

// clearInflight drops the remembered in-flight poll once its result has been
// consumed, but only if nothing replaced it in the meantime.
func (c *Core) clearInflight(done chan pollResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != nil && c.inflight.done == done {
		c.inflight = nil
	}
}

func sameFds(a, b []alsa.PollFd) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Fd != b[i].Fd || a[i].Events != b[i].Events {
			return false
		}
	}

	return true
}

type pollResult struct {
	fds []alsa.PollFd
	err error
}

func runPoll(fds []alsa.PollFd, timeout time.Duration, done chan<- pollResult) {
	raw := make([]unix.PollFd, len(fds))
	for i, f := range fds {
		raw[i] = unix.PollFd{Fd: f.Fd, Events: f.Events}
	}

	timeoutMs := int(maxPollWait / time.Millisecond)
	if timeout > 0 && timeout < maxPollWait {
		timeoutMs = int(timeout / time.Millisecond)
	}

	_, err := unix.Poll(raw, timeoutMs)

	out := make([]alsa.PollFd, len(fds))
	for i, r := range raw {
		out[i] = alsa.PollFd{Fd: r.Fd, Events: r.Events, Revents: r.Revents}
	}

	done <- pollResult{fds: out, err: err}
}
