package source

import (
	"encoding/binary"
	"sync"
	"time"
)

// NormalizedVolumeMax mirrors alsa.NormalizedVolumeMax without importing the
// alsa package: the software volume scale and Volume.PerChannel entries are
// both normalized to this ceiling regardless of which path applies them.
const NormalizedVolumeMax = 0x10000

// Format describes the interleaved PCM layout bytes posted through a Sink are
// in. SampleWidth is bytes per sample per channel (2, 3, or 4 for s16/s24/s32
// little-endian signed PCM, the only formats this repository negotiates); the
// zero value disables software volume/mute scaling since Post has no way to
// interpret the bytes it would otherwise rewrite.
type Format struct {
	SampleWidth uint32
	Channels    uint32
}

// Capabilities carries the optional hooks the state controller and mixer
// bridge drive on a Sink — the Go realization of the original's function
// pointer tables attached to the generic source object, expressed here as a
// struct of optional fields set once at construction rather than wired at
// runtime.
type Capabilities struct {
	// GetMute and SetMute back the capture switch on a bound mixer control.
	// Left nil, NewSink fills them with the sink's built-in software mute.
	GetMute func() (bool, error)
	SetMute func(bool) error

	// GetVolume and SetVolume back the bound hardware or software volume
	// path. Left nil, NewSink fills them with the sink's built-in software
	// volume.
	GetVolume func() (Volume, error)
	SetVolume func(Volume) error
}

// Volume is a per-channel normalized software volume vector, mirroring the
// engine package's own Volume type without importing it, so this package
// stays a leaf with no dependency on the engine.
type Volume struct {
	PerChannel []uint32 // normalized [0, 0x10000] per channel
}

// LatencyRange bounds what requested_latency negotiation may settle on.
type LatencyRange struct {
	Min time.Duration
	Max time.Duration
}

// Sink is the downstream consumer the capture engine posts chunks to. It owns
// no capture logic of its own; it is the narrow surface the engine treats as
// "the rest of the audio server".
type Sink struct {
	mu sync.Mutex

	capabilities Capabilities
	latencyRange LatencyRange
	requested    time.Duration

	format      Format
	volumeScale uint32
	muted       bool

	pool     *Pool
	posted   []*Chunk
	maxQueue int
}

// NewSink constructs a sink with the given capability table and latency
// bounds. maxQueue caps how many unconsumed chunks Post retains before it
// starts dropping the oldest; the engine's own posting is fire-and-forget per
// the error-handling design's "no back-pressure modeled" rule, so a consumer
// that never drains is a caller bug, not a condition the engine reacts to.
// pool backs the copy Post takes of a Fixed chunk (see Post); it must be the
// same pool the engine's mmap path was constructed with, or a dedicated one
// sized the same way.
//
// Any capability left nil in caps is filled in with the sink's own built-in
// software volume/mute implementation, so a caller with no hardware mixer
// control to bind can pass a zero Capabilities and still get a working
// volume/mute path rather than silently inert hooks.
func NewSink(caps Capabilities, latencyRange LatencyRange, maxQueue int, pool *Pool) *Sink {
	if maxQueue < 1 {
		maxQueue = 1
	}

	s := &Sink{
		latencyRange: latencyRange,
		maxQueue:     maxQueue,
		pool:         pool,
		volumeScale:  NormalizedVolumeMax,
	}

	if caps.SetVolume == nil {
		caps.SetVolume = s.applySoftwareVolume
	}
	if caps.GetVolume == nil {
		caps.GetVolume = s.softwareVolume
	}
	if caps.SetMute == nil {
		caps.SetMute = s.applySoftwareMute
	}
	if caps.GetMute == nil {
		caps.GetMute = s.softwareMuted
	}

	s.capabilities = caps

	return s
}

// SetFormat records the PCM layout Post's software volume/mute path should
// interpret posted bytes as. Called once by the entrypoint (cmd/alsa-sourced)
// after the capture format is negotiated; until then Post leaves bytes
// untouched.
func (s *Sink) SetFormat(f Format) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.format = f
}

// applySoftwareVolume is the default SetVolume hook: stores the requested
// scale for Post to apply to subsequently posted chunks. Only PerChannel[0]
// is honored, mirroring the hardware path's own single-value simplification.
func (s *Sink) applySoftwareVolume(vol Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(vol.PerChannel) == 0 {
		s.volumeScale = NormalizedVolumeMax
		return nil
	}

	s.volumeScale = vol.PerChannel[0]

	return nil
}

func (s *Sink) softwareVolume() (Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Volume{PerChannel: []uint32{s.volumeScale}}, nil
}

// applySoftwareMute is the default SetMute hook.
func (s *Sink) applySoftwareMute(mute bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muted = mute

	return nil
}

func (s *Sink) softwareMuted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.muted, nil
}

// Post appends chunk to the outbound stream. Fire-and-forget: Post never
// blocks and never reports back-pressure to the caller.
//
// A Fixed chunk is a borrowed view into the driver's mmap ring, valid only
// until the matching commit call the engine makes right after Post returns
// (capture_paths.go's mmapDrain). AddRef alone would not extend that
// lifetime — the bytes themselves get overwritten once the driver's read
// pointer advances — so Post copies a Fixed chunk's bytes into a pool-owned
// chunk before queuing it; a Pooled chunk is already safe to retain and is
// queued as-is.
func (s *Sink) Post(chunk *Chunk) {
	toQueue := chunk

	if chunk.Provenance() == Fixed {
		data := chunk.Bytes()

		cp, ok := s.pool.Get(len(data))
		if !ok {
			return
		}

		copy(cp.Bytes(), data)
		toQueue = cp
	} else {
		chunk.AddRef()
	}

	s.applySoftwareScale(toQueue)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.posted) >= s.maxQueue {
		dropped := s.posted[0]
		s.posted = s.posted[1:]
		dropped.Release()
	}

	s.posted = append(s.posted, toQueue)
}

// applySoftwareScale rewrites toQueue's bytes in place to the sink's current
// software volume/mute state, applied once at post time so every downstream
// consumer that later reads Bytes() sees already-scaled samples. A toQueue
// with no known format (SetFormat never called) or at unity gain and unmuted
// is left untouched.
func (s *Sink) applySoftwareScale(toQueue *Chunk) {
	s.mu.Lock()
	format := s.format
	scale := s.volumeScale
	muted := s.muted
	s.mu.Unlock()

	if format.SampleWidth == 0 {
		return
	}

	if !muted && scale == NormalizedVolumeMax {
		return
	}

	toQueue.mu.Lock()
	defer toQueue.mu.Unlock()

	scaleSamples(toQueue.data, format.SampleWidth, scale, muted)
}

// scaleSamples applies a normalized [0, NormalizedVolumeMax] linear gain (or
// silences entirely, if muted) to data in place, interpreting it as a stream
// of little-endian signed PCM samples of the given width. Trailing bytes
// that don't fill a whole sample are left untouched.
func scaleSamples(data []byte, width uint32, scale uint32, muted bool) {
	if muted {
		for i := range data {
			data[i] = 0
		}

		return
	}

	switch width {
	case 2:
		for i := 0; i+2 <= len(data); i += 2 {
			v := int16(binary.LittleEndian.Uint16(data[i : i+2]))
			scaled := int16(int64(v) * int64(scale) / int64(NormalizedVolumeMax))
			binary.LittleEndian.PutUint16(data[i:i+2], uint16(scaled))
		}
	case 3:
		for i := 0; i+3 <= len(data); i += 3 {
			v := int32(data[i]) | int32(data[i+1])<<8 | int32(data[i+2])<<16
			if v&0x800000 != 0 {
				v |= ^0xffffff
			}
			scaled := int32(int64(v) * int64(scale) / int64(NormalizedVolumeMax))
			data[i] = byte(scaled)
			data[i+1] = byte(scaled >> 8)
			data[i+2] = byte(scaled >> 16)
		}
	case 4:
		for i := 0; i+4 <= len(data); i += 4 {
			v := int32(binary.LittleEndian.Uint32(data[i : i+4]))
			scaled := int32(int64(v) * int64(scale) / int64(NormalizedVolumeMax))
			binary.LittleEndian.PutUint32(data[i:i+4], uint32(scaled))
		}
	}
}

// Drain removes and returns every chunk posted so far, transferring ownership
// of their references to the caller.
func (s *Sink) Drain() []*Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.posted
	s.posted = nil

	return out
}

// AssertRef verifies the sink is still live; a Sink value is always live for
// the lifetime of the engine that holds it; this exists to mirror the
// original's liveness-check call site at post time, giving any future
// refactor toward shared ownership a single place to add a real check.
func (s *Sink) AssertRef() bool {
	return true
}

// RequestedLatencyWithinThread returns the currently negotiated latency
// target, as last set by SetLatencyRangeWithinThread.
func (s *Sink) RequestedLatencyWithinThread() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requested
}

// MinLatency and MaxLatency report the negotiable latency bounds.
func (s *Sink) MinLatency() time.Duration {
	return s.latencyRange.Min
}

func (s *Sink) MaxLatency() time.Duration {
	return s.latencyRange.Max
}

// SetLatencyRangeWithinThread clamps and stores a newly requested latency,
// called by the engine's state controller in response to a configuration
// change.
func (s *Sink) SetLatencyRangeWithinThread(requested time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	clamped := requested
	if clamped < s.latencyRange.Min {
		clamped = s.latencyRange.Min
	}

	if s.latencyRange.Max > 0 && clamped > s.latencyRange.Max {
		clamped = s.latencyRange.Max
	}

	s.requested = clamped

	return clamped
}

// Capabilities returns the sink's capability table.
func (s *Sink) Capabilities() Capabilities {
	return s.capabilities
}
