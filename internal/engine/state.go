package engine

import (
	"errors"
	"fmt"
)

// State is the engine's own state enumeration. It is never aliased to, or
// compared against, a playback-side concept — the original's suspend hook
// compared against the sink-side state constants by copy-paste error, and
// keeping a single enumeration here removes the class of bug rather than
// fixing one call site.
type State int

const (
	StateInit State = iota
	StateRunning
	StateIdle
	StateSuspended
	StateUnlinked
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateSuspended:
		return "suspended"
	case StateUnlinked:
		return "unlinked"
	default:
		return "invalid"
	}
}

// isOpened reports whether the driver handle is expected to be live in this
// state.
func (s State) isOpened() bool {
	return s == StateRunning || s == StateIdle
}

var errShutdown = errors.New("engine: shut down")

// ErrGeometryMismatch is returned from a resume attempt whose renegotiated
// hardware geometry does not bitwise match the geometry in effect before
// suspend. Fatal: the caller should tear the session down.
var ErrGeometryMismatch = errors.New("engine: resume negotiated a different geometry than before suspend")

// applyState runs the state controller (spec §4.8) synchronously on the
// capture goroutine, transitioning from e.state to target.
func (e *Engine) applyState(target State) error {
	switch {
	case target == StateSuspended:
		return e.suspend()

	case target.isOpened() && e.state == StateInit:
		return e.openFresh()

	case target.isOpened() && e.state == StateSuspended:
		return e.resume()

	case target == e.state:
		return nil

	default:
		return fmt.Errorf("engine: unsupported transition %s -> %s", e.state, target)
	}
}

// suspend tears the driver down, pausing the smoother and releasing the
// poll-fd set. It always closes the driver handle and is refused unless the
// engine is in an opened state.
func (e *Engine) suspend() error {
	if !e.state.isOpened() {
		return fmt.Errorf("engine: suspend requested from non-opened state %s", e.state)
	}

	e.smoother.Pause(e.now())

	if e.reservation != nil {
		e.reservation.Release()
	}

	if err := e.driver.Close(); err != nil {
		e.log.Warnw("suspend: driver close failed", "error", err)
	}

	e.pollFds = nil
	e.state = StateSuspended

	return nil
}

// openFresh builds the poll-fd set and starts the driver from the INIT state,
// with no prior geometry to verify against.
func (e *Engine) openFresh() error {
	if err := e.buildPollFds(); err != nil {
		return err
	}

	if err := e.driver.Start(); err != nil {
		return fmt.Errorf("engine: start failed: %w", err)
	}

	e.state = StateRunning

	return nil
}

// resume reopens the driver after a suspend, verifying the renegotiated
// geometry matches exactly before restarting the stream, re-applies the last
// known volume, then resumes the smoother — closing the original's deferred
// "reload the volume somehow" gap.
func (e *Engine) resume() error {
	if e.reservation != nil {
		if err := e.reservation.Acquire(); err != nil {
			return fmt.Errorf("engine: reservation not available: %w", err)
		}
	}

	negotiated, err := e.reopen()
	if err != nil {
		return fmt.Errorf("engine: reopen failed: %w", err)
	}

	if !negotiated.Equal(e.geometry) {
		e.log.Errorw("resume geometry mismatch", "before", e.geometry, "after", negotiated)

		return ErrGeometryMismatch
	}

	e.updateSWParams()

	if err := e.buildPollFds(); err != nil {
		return err
	}

	if err := e.reapplyVolume(); err != nil {
		e.log.Warnw("resume: volume reapply failed", "error", err)
	}

	if err := e.driver.Start(); err != nil {
		return fmt.Errorf("engine: start after resume failed: %w", err)
	}

	e.smoother.Resume(e.now())
	e.state = StateRunning

	return nil
}
