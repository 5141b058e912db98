package alsa

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Sentinel errors forming the closed driver error variant. A capture engine built on
// top of CaptureDriver should never inspect a raw syscall.Errno; every driver-level
// failure is translated to one of these (or wrapped fatally) at the adapter boundary.
var (
	// ErrOverrun signals that the hardware buffer filled faster than it was drained.
	// It is non-fatal: the caller should invoke Recover and then Start again.
	ErrOverrun = errors.New("alsa: capture overrun")

	// ErrSuspended signals the device was suspended by the kernel (e.g. system
	// sleep). Non-fatal in the same sense as ErrOverrun.
	ErrSuspended = errors.New("alsa: device suspended")

	// ErrDisconnected signals the device has been physically or logically removed.
	// Fatal: Recover will not succeed.
	ErrDisconnected = errors.New("alsa: device disconnected")
)

// translateDriverErr maps a raw errno-bearing error from the underlying binding into
// the closed error variant above. Errors that don't match a known transient condition
// are wrapped as-is and treated as fatal by callers.
func translateDriverErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.EPIPE):
		return ErrOverrun
	case errors.Is(err, unix.ESTRPIPE):
		return ErrSuspended
	case errors.Is(err, syscall.ENODEV):
		return ErrDisconnected
	default:
		return fmt.Errorf("alsa: fatal driver error: %w", err)
	}
}

// MmapRegion describes a borrowed, zero-copy view into the driver's ring buffer,
// valid only until the matching MmapCommit call. Callers must not retain Data past
// that call; see the fixed-region chunk lifetime discussion in the engine package.
//
// AreaFirstBit and ChannelStrideBits describe the channel area layout the region
// was sliced from, in bits, mirroring ALSA's snd_pcm_channel_area_t: AreaFirstBit
// is the offset of channel 0's first sample within Data, and ChannelStrideBits is
// the distance between successive samples of the same channel. A caller draining
// Data as a flat interleaved byte slice requires AreaFirstBit == 0 and
// ChannelStrideBits == FrameSize()*8; anything else means the region isn't the
// simple interleaved layout that caller assumes.
type MmapRegion struct {
	Data         []byte
	OffsetFrames uint32
	Frames       uint32

	AreaFirstBit      uint32
	ChannelStrideBits uint32
}

// PollFd is a pollable descriptor and its requested/observed event bits, decoupled
// from unix.PollFd so that internal/engine can hold and pass these around without
// importing golang.org/x/sys/unix itself; only this package, internal/rtpoll and
// internal/reserve do.
type PollFd struct {
	Fd      int32
	Events  int16
	Revents int16
}

// PollEvents is a small bitset describing what a PollRevents call observed, decoupled
// from any particular raw poll() constant so the engine never imports golang.org/x/sys/unix.
type PollEvents uint32

const (
	// PollReady indicates the descriptor is ready for its expected direction (POLLIN
	// for a capture stream).
	PollReady PollEvents = 1 << iota
	// PollOther indicates a revents bit other than the expected readiness bit was
	// set (error/hangup/invalid); the caller must recover and restart.
	PollOther
)

// CaptureDriver is the narrow, synchronous contract the capture engine consumes from
// an open hardware PCM handle. Implementations are not assumed thread-safe; the engine
// serializes all calls onto its own capture goroutine.
type CaptureDriver interface {
	// Avail reports frames currently available to read, clamped to the configured
	// buffer size. A non-fatal EAGAIN-equivalent condition is reported as (0, nil).
	Avail() (uint32, error)

	// MmapBegin acquires a zero-copy region of up to wantFrames frames.
	MmapBegin(wantFrames uint32) (MmapRegion, error)

	// MmapCommit releases the region most recently returned by MmapBegin, advancing
	// the driver's application pointer by frames.
	MmapCommit(frames uint32) error

	// Read performs a blocking copy-based read of up to len(buf)/FrameSize() frames,
	// returning the number of bytes actually read.
	Read(buf []byte) (int, error)

	// Delay reports frames currently buffered by the driver and not yet delivered.
	Delay() (uint32, error)

	// StatusTimestamp returns the hardware-latched capture timestamp for the most
	// recent boundary; the zero Time means none is available yet.
	StatusTimestamp() time.Time

	// PollDescriptors returns the fd set the real-time poll core should watch.
	PollDescriptors() []PollFd

	// PollRevents translates the revents observed on PollDescriptors' fds.
	PollRevents(pfd []PollFd) (PollEvents, error)

	// Recover attempts to bring the stream back from a transient error without
	// reopening the device. silent suppresses overrun-counter bookkeeping for
	// callers that already account for the condition themselves.
	Recover(err error, silent bool) error

	// Start explicitly starts the stream; must be called after a successful Recover.
	Start() error

	// Close releases the underlying device handle.
	Close() error

	// FrameSize returns the number of bytes per sample frame.
	FrameSize() uint32

	// BufferSize returns the configured hardware buffer size, in frames.
	BufferSize() uint32
}

// pcmCaptureDriver adapts *PCM to the CaptureDriver contract, translating its error
// space into the closed variant above and clamping avail to the configured buffer.
type pcmCaptureDriver struct {
	pcm *PCM
}

// NewCaptureDriver wraps an already-configured, capture-direction *PCM as a
// CaptureDriver for use by the capture engine.
func NewCaptureDriver(pcm *PCM) CaptureDriver {
	return &pcmCaptureDriver{pcm: pcm}
}

func (d *pcmCaptureDriver) Avail() (uint32, error) {
	n, err := d.pcm.SafeAvail()
	if err != nil {
		return 0, translateDriverErr(err)
	}

	return n, nil
}

func (d *pcmCaptureDriver) MmapBegin(wantFrames uint32) (MmapRegion, error) {
	buf, offset, frames, _, err := d.pcm.MmapBegin(wantFrames)
	if err != nil {
		return MmapRegion{}, translateDriverErr(err)
	}

	// *PCM.MmapBegin always slices a single flat interleaved buffer starting
	// exactly at the requested byte offset, so channel 0's area always starts
	// at bit 0 and its stride is always one full frame.
	return MmapRegion{
		Data:              buf,
		OffsetFrames:      offset,
		Frames:            frames,
		AreaFirstBit:      0,
		ChannelStrideBits: d.pcm.FrameSize() * 8,
	}, nil
}

func (d *pcmCaptureDriver) MmapCommit(frames uint32) error {
	if err := d.pcm.MmapCommit(frames); err != nil {
		return translateDriverErr(err)
	}

	return nil
}

func (d *pcmCaptureDriver) Read(buf []byte) (int, error) {
	n, err := d.pcm.Read(buf)
	if err != nil {
		return 0, translateDriverErr(err)
	}

	return n, nil
}

func (d *pcmCaptureDriver) Delay() (uint32, error) {
	frames, err := d.pcm.Delay()
	if err != nil {
		return 0, translateDriverErr(err)
	}

	if frames < 0 {
		return 0, nil
	}

	return uint32(frames), nil
}

func (d *pcmCaptureDriver) StatusTimestamp() time.Time {
	return d.pcm.HWTimestamp()
}

func (d *pcmCaptureDriver) PollDescriptors() []PollFd {
	raw := d.pcm.PollDescriptors()
	out := make([]PollFd, len(raw))

	for i, r := range raw {
		out[i] = PollFd{Fd: r.Fd, Events: r.Events}
	}

	return out
}

func (d *pcmCaptureDriver) PollRevents(pfd []PollFd) (PollEvents, error) {
	if len(pfd) == 0 {
		return 0, nil
	}

	ready, err := d.pcm.PollRevents(pfd[0].Revents)
	if err != nil {
		return PollOther, translateDriverErr(err)
	}

	if ready {
		return PollReady, nil
	}

	return 0, nil
}

func (d *pcmCaptureDriver) Recover(err error, silent bool) error {
	// Re-derive the raw errno-bearing error so *PCM.Recover's errors.Is checks still
	// match; the engine only ever sees the translated sentinel.
	var raw error

	switch {
	case errors.Is(err, ErrOverrun):
		raw = syscall.EPIPE
	case errors.Is(err, ErrSuspended):
		raw = unix.ESTRPIPE
	default:
		raw = err
	}

	if recErr := d.pcm.Recover(raw, silent); recErr != nil {
		return translateDriverErr(recErr)
	}

	return nil
}

func (d *pcmCaptureDriver) Start() error {
	return d.pcm.Start()
}

func (d *pcmCaptureDriver) Close() error {
	return d.pcm.Close()
}

func (d *pcmCaptureDriver) FrameSize() uint32 {
	return d.pcm.FrameSize()
}

func (d *pcmCaptureDriver) BufferSize() uint32 {
	return d.pcm.BufferSize()
}
