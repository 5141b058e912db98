// Package engine implements the capture thread: the real-time main loop, its
// two I/O paths (memory-mapped and copy-based), the timer-scheduled wakeup
// budget, the overrun-recovery policy, and the suspend/resume state machine.
// It is grounded line-by-line on PulseAudio's alsa-source module's
// thread_func/mmap_read/unix_read/adjust_after_overrun/update_sw_params, with
// the driver and poll core replaced by this repository's own narrow
// interfaces so the engine itself never imports golang.org/x/sys/unix or
// inspects a raw errno.
package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avtsched/alsasource"
	"github.com/avtsched/alsasource/internal/rtpoll"
	"github.com/avtsched/alsasource/internal/smoother"
	"github.com/avtsched/alsasource/internal/source"
)

// Reservation is the hook the state controller drives around suspend/resume,
// standing in for the cross-process device reservation protocol (internal/reserve
// implements it against an advisory lock file).
type Reservation interface {
	Acquire() error
	Release()
}

// MaxBlockSize bounds a single pooled or fixed chunk posted downstream in one
// inner-loop iteration (§4.6/§4.7), matching the memory pool's own block cap.
const MaxBlockSize = 64 * 1024

const maxSubIterations = 10

// Options configures a new Engine, gathering the construction-time inputs
// the state controller and volume bridge need beyond the driver handle
// itself.
type Options struct {
	Driver      alsa.CaptureDriver
	Sink        *source.Sink
	Pool        *source.Pool
	Geometry    Geometry
	MaxLatency  time.Duration
	Reopen      func() (alsa.CaptureDriver, Geometry, error)
	Reservation Reservation
	VolumeCtl   *alsa.MixerCtl
	MuteCtl     *alsa.MixerCtl
	Logger      *zap.SugaredLogger
}

// Engine is the capture thread. All fields below this point are owned
// exclusively by the goroutine that calls Run; the only supported way for
// another goroutine to interact with a running Engine is through the
// message-sending methods in message.go.
type Engine struct {
	driver   alsa.CaptureDriver
	sink     *source.Sink
	pool     *source.Pool
	smoother *smoother.Smoother
	poll     *rtpoll.Core

	geometry Geometry
	state    State

	reopenFn    func() (alsa.CaptureDriver, Geometry, error)
	reservation Reservation
	mixer       *mixerBinding
	maxLatency  time.Duration

	lastVolume Volume
	lastMute   bool

	pollFds []alsa.PollFd
	polled  bool

	readCount      uint64
	overrunCount   uint64
	watermarkBumps uint64
	latencyBumps   uint64
	postsCount     uint64

	inbox   chan message
	msgChan chan any
	done    chan struct{}

	log *zap.SugaredLogger

	start time.Time
}

// New constructs an Engine but does not start its capture goroutine.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Engine{
		driver:      opts.Driver,
		sink:        opts.Sink,
		pool:        opts.Pool,
		smoother:    smoother.New(2*time.Second, 5),
		poll:        rtpoll.New(),
		geometry:    opts.Geometry,
		state:       StateInit,
		reopenFn:    opts.Reopen,
		reservation: opts.Reservation,
		mixer:       bindMixer(opts.VolumeCtl, opts.MuteCtl),
		maxLatency:  opts.MaxLatency,
		inbox:       make(chan message, 16),
		msgChan:     make(chan any),
		done:        make(chan struct{}),
		log:         log,
		start:       time.Now(),
	}
}

// now returns the frame-time-domain-comparable wall clock value the smoother
// expects: elapsed monotonic time since the engine was constructed.
func (e *Engine) now() time.Duration {
	return time.Since(e.start)
}

// Run runs the capture loop on the calling goroutine (starting only the
// message forwarder alongside it) and blocks until the loop exits, either
// because of a SHUTDOWN message or a fatal error. The returned error is nil
// on a clean shutdown.
func (e *Engine) Run() error {
	defer close(e.done)
	defer close(e.inbox)

	go e.pumpMessages()

	if err := e.applyState(StateRunning); err != nil {
		return fmt.Errorf("engine: initial start failed: %w", err)
	}

	return e.loop()
}

// loop is §4.5's main loop.
func (e *Engine) loop() error {
	for {
		var workDone int
		var sleepUsec time.Duration
		haveSleepUsec := false

		if e.state.isOpened() {
			var err error

			if e.geometry.Mmap {
				workDone, sleepUsec, err = e.mmapRead()
			} else {
				workDone, sleepUsec, err = e.unixRead()
			}

			haveSleepUsec = true

			if err != nil {
				e.postUnload(err)
				e.drainUntilShutdown()

				return err
			}

			if workDone > 0 {
				e.feedSmoother()
			}
		}

		timeout := e.armTimer(sleepUsec, haveSleepUsec)

		ev, err := e.poll.Run(e.pollFds, timeout, e.msgChan)
		if err != nil {
			return fmt.Errorf("engine: poll core failed: %w", err)
		}

		switch ev.Reason {
		case rtpoll.ReasonShutdown:
			return nil

		case rtpoll.ReasonMessage:
			msg := ev.Message.(message)
			if shutdown := e.handleMessage(msg); shutdown {
				return nil
			}

		case rtpoll.ReasonTimeout:
			e.polled = false

		case rtpoll.ReasonPollReady:
			if err := e.handlePollReady(ev.Fds); err != nil {
				e.postUnload(err)
				e.drainUntilShutdown()

				return err
			}
		}
	}
}

// pumpMessages forwards the typed inbox channel onto the untyped channel
// rtpoll selects on. One forwarder runs for the engine's entire lifetime,
// so messages are never raced over by multiple listeners the way a
// fresh-goroutine-per-iteration adapter would.
func (e *Engine) pumpMessages() {
	for msg := range e.inbox {
		e.msgChan <- msg
	}
}

// handlePollReady inspects revents for the driver's fds: any bit other than
// the expected readiness bit triggers a recover+start; POLLIN alone becomes
// next iteration's "polled" signal.
func (e *Engine) handlePollReady(fds []alsa.PollFd) error {
	events, err := e.driver.PollRevents(fds)
	if err != nil {
		return fmt.Errorf("engine: poll revents: %w", err)
	}

	if events&alsa.PollOther != 0 {
		if err := e.driver.Recover(alsa.ErrSuspended, true); err != nil {
			return fmt.Errorf("engine: recover from poll error: %w", err)
		}

		if err := e.driver.Start(); err != nil {
			return fmt.Errorf("engine: restart after poll error: %w", err)
		}

		e.polled = false

		return nil
	}

	e.polled = events&alsa.PollReady != 0

	return nil
}

// armTimer implements §4.3/§4.6's final step: arm the relative wakeup timer
// from the capture path's own dynamic sleep_usec (the buffer-fullness-derived
// budget mmapRead/unixRead just computed), translated from the sound card's
// clock domain to the system clock domain and bounded by the earlier of the
// two since the translation isn't trusted blindly. When the engine is closed
// this wake (haveSleepUsec false) there is no fresh sleep_usec to arm from,
// so the budget falls back to the static latency-only estimate. Disabled
// entirely when timer scheduling is off.
func (e *Engine) armTimer(sleepUsec time.Duration, haveSleepUsec bool) time.Duration {
	if !e.geometry.Tsched {
		return 0
	}

	if !haveSleepUsec {
		sleepUsec = e.geometry.computeWakeupBudget(e.sink.RequestedLatencyWithinThread()).Sleep
	}

	if sleepUsec < 0 {
		sleepUsec = 0
	}

	translated := e.smoother.Translate(e.now(), sleepUsec)

	if translated < sleepUsec {
		return translated
	}

	return sleepUsec
}

// feedSmoother implements §4.2's usage: position = read_count + delay bytes,
// converted to the frame-time domain and fed against either the hardware
// timestamp or the monotonic clock if none is available.
func (e *Engine) feedSmoother() {
	delayFrames, err := e.driver.Delay()
	if err != nil {
		e.log.Debugw("delay query failed", "error", err)

		delayFrames = 0
	}

	delayBytes := delayFrames * e.driver.FrameSize()
	position := e.readCount + uint64(delayBytes)
	positionTime := e.geometry.bytesToDuration(position)

	now := e.driver.StatusTimestamp()

	var wallNow time.Duration
	if now.IsZero() {
		wallNow = e.now()
	} else {
		wallNow = time.Duration(now.UnixNano()) - time.Duration(e.start.UnixNano())
	}

	e.smoother.Put(wallNow, positionTime)
}

// Latency answers §4.2's latency query: max(0, smoother.at(now) - bytes_to_usec(read_count)).
func (e *Engine) Latency() time.Duration {
	readTime := e.geometry.bytesToDuration(e.readCount)
	estimate := e.smoother.At(e.now()) - readTime

	if estimate < 0 {
		return 0
	}

	return estimate
}

// handleMessage applies msg synchronously and replies if a reply channel was
// supplied; returns true if the engine should shut down.
func (e *Engine) handleMessage(msg message) bool {
	switch msg.kind {
	case msgSetState:
		err := e.applyState(msg.state)
		if msg.reply != nil {
			msg.reply <- err
		}

	case msgGetLatency:
		if msg.reply != nil {
			msg.reply <- e.Latency()
		}

	case msgSetLatencyRange:
		clamped := e.sink.SetLatencyRangeWithinThread(msg.latency)
		e.updateSWParams()

		if msg.reply != nil {
			msg.reply <- clamped
		}

	case msgSetVolume:
		err := e.applyVolume(msg.volume)
		if msg.reply != nil {
			msg.reply <- err
		}

	case msgSetMute:
		err := e.applyMute(msg.mute)
		if msg.reply != nil {
			msg.reply <- err
		}

	case msgGetStats:
		if msg.reply != nil {
			msg.reply <- e.snapshotStats()
		}

	case msgShutdown:
		return true
	}

	return false
}

// drainUntilShutdown consumes and discards inbound messages, replying with
// errShutdown to any that expect one, until SHUTDOWN is observed. This
// guarantees the main thread's sends never deadlock after a fatal exit.
// It reads from msgChan, the same channel the normal loop selects on, since
// pumpMessages is the sole reader of the raw inbox for the engine's entire
// lifetime.
func (e *Engine) drainUntilShutdown() {
	for v := range e.msgChan {
		msg := v.(message)

		if msg.reply != nil {
			msg.reply <- errShutdown
		}

		if msg.kind == msgShutdown {
			return
		}
	}
}

// postUnload is the main-thread notification path on a fatal error; this
// repository has no separate module-unload channel, so it is logged at error
// level as the user-visible counterpart to §7's "main thread error reporting
// is via the unload message" rule.
func (e *Engine) postUnload(err error) {
	e.log.Errorw("fatal capture error, requesting unload", "error", err)
}

// buildPollFds refreshes the poll-fd set from the driver after any state
// transition that opens it.
func (e *Engine) buildPollFds() error {
	e.pollFds = e.driver.PollDescriptors()

	return nil
}

// reopen reopens the driver using the configured constructor, returning the
// newly negotiated geometry so the resume path can assert it matches.
func (e *Engine) reopen() (Geometry, error) {
	if e.reopenFn == nil {
		return Geometry{}, fmt.Errorf("engine: no reopen function configured")
	}

	drv, geom, err := e.reopenFn()
	if err != nil {
		return Geometry{}, err
	}

	e.driver = drv

	return geom, nil
}

// updateSWParams implements §4.9, pushed conceptually to the driver's
// sw-params interface; this binding has no separate sw_params ioctl exposed
// through CaptureDriver, so the computed avail_min is folded into the next
// wakeup budget calculation rather than written through a dedicated call.
func (e *Engine) updateSWParams() {
	requested := e.sink.RequestedLatencyWithinThread()
	_, _ = e.geometry.updateSWParamsFor(requested)
}

// snapshotStats builds a Stats value from the live counters. Only ever
// called from the capture goroutine itself (handleMessage's msgGetStats
// case), since readCount/overrunCount/etc. are otherwise unsynchronized.
func (e *Engine) snapshotStats() Stats {
	return Stats{
		ReadCount:      e.readCount,
		OverrunCount:   e.overrunCount,
		WatermarkBumps: e.watermarkBumps,
		LatencyBumps:   e.latencyBumps,
		PostsCount:     e.postsCount,
	}
}
