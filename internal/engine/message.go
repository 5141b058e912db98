package engine

import "time"

// messageKind discriminates the closed set of messages the main thread may
// send to the capture goroutine. Modeled on the original's asynchronous
// message queue, collapsed here into a single Go struct union instead of a
// tagged pa_msgobject call, since the capture goroutine only ever consumes
// this through msgChan (the poll core's select in Engine.loop, or
// drainUntilShutdown after a fatal exit).
type messageKind int

const (
	msgSetState messageKind = iota
	msgGetLatency
	msgSetLatencyRange
	msgSetVolume
	msgSetMute
	msgGetStats
	msgShutdown
)

// message is the single concrete type carried over the engine's inbound
// channel; reply is non-nil when the sender expects a response.
type message struct {
	kind  messageKind
	state State

	latency time.Duration
	volume  Volume
	mute    bool

	reply chan any
}

// Stats is a point-in-time snapshot of CaptureStats, safe to hand to the main
// thread: the capture goroutine never shares the live counters directly.
type Stats struct {
	ReadCount      uint64
	OverrunCount   uint64
	WatermarkBumps uint64
	LatencyBumps   uint64
	PostsCount     uint64
}

// SetState asks the capture goroutine to transition to the given state,
// blocking until the transition (or its failure) completes.
func (e *Engine) SetState(s State) error {
	reply := make(chan any, 1)
	if !e.send(message{kind: msgSetState, state: s, reply: reply}) {
		return errShutdown
	}

	v := <-reply
	if err, ok := v.(error); ok {
		return err
	}

	return nil
}

// GetLatency returns the engine's current output latency estimate.
func (e *Engine) GetLatency() (time.Duration, error) {
	reply := make(chan any, 1)
	if !e.send(message{kind: msgGetLatency, reply: reply}) {
		return 0, errShutdown
	}

	v := <-reply
	if d, ok := v.(time.Duration); ok {
		return d, nil
	}

	if err, ok := v.(error); ok {
		return 0, err
	}

	return 0, errShutdown
}

// SetLatencyRange requests a new latency target, returning the clamped value
// actually applied.
func (e *Engine) SetLatencyRange(requested time.Duration) (time.Duration, error) {
	reply := make(chan any, 1)
	if !e.send(message{kind: msgSetLatencyRange, latency: requested, reply: reply}) {
		return 0, errShutdown
	}

	v := <-reply
	if d, ok := v.(time.Duration); ok {
		return d, nil
	}

	return 0, errShutdown
}

// SetVolume pushes a new virtual volume, remembered for resume reapplication.
func (e *Engine) SetVolume(vol Volume) error {
	reply := make(chan any, 1)
	if !e.send(message{kind: msgSetVolume, volume: vol, reply: reply}) {
		return errShutdown
	}

	v := <-reply
	if err, ok := v.(error); ok {
		return err
	}

	return nil
}

// SetMute pushes a new mute state.
func (e *Engine) SetMute(mute bool) error {
	reply := make(chan any, 1)
	if !e.send(message{kind: msgSetMute, mute: mute, reply: reply}) {
		return errShutdown
	}

	v := <-reply
	if err, ok := v.(error); ok {
		return err
	}

	return nil
}

// Stats returns a point-in-time snapshot of the engine's capture counters,
// routed through the inbox like GetLatency since the counters themselves are
// owned exclusively by the capture goroutine (§3: "exposed to the main
// thread only via snapshot copies").
func (e *Engine) Stats() (Stats, error) {
	reply := make(chan any, 1)
	if !e.send(message{kind: msgGetStats, reply: reply}) {
		return Stats{}, errShutdown
	}

	v := <-reply
	if s, ok := v.(Stats); ok {
		return s, nil
	}

	return Stats{}, errShutdown
}

// Shutdown asks the capture goroutine to drain and exit, and waits for it to
// do so.
func (e *Engine) Shutdown() {
	e.send(message{kind: msgShutdown})
	<-e.done
}

// send enqueues msg, returning false if the engine has already shut down.
func (e *Engine) send(msg message) bool {
	select {
	case <-e.done:
		return false
	default:
	}

	select {
	case e.inbox <- msg:
		return true
	case <-e.done:
		return false
	}
}
