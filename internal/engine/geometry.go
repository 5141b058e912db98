package engine

import "time"

// Geometry is the hardware buffer geometry negotiated with the driver,
// mirroring §3's BufferGeometry. All byte-valued fields are frame-aligned.
type Geometry struct {
	Spec SampleSpec

	FragmentSize uint32 // bytes per driver period
	NFragments   uint32

	HWBufSize   uint32 // FragmentSize * NFragments
	HWBufUnused uint32

	MinSleep      uint32
	MinWakeup     uint32
	TschedWatermark uint32
	WatermarkStep uint32

	Mmap   bool
	Tsched bool
}

// SampleSpec is the negotiated format, immutable for the session.
type SampleSpec struct {
	Format      string
	RateHz      uint32
	Channels    uint32
	SampleWidth uint32 // bytes per channel sample
}

// FrameSize returns bytes per sample frame for this spec.
func (s SampleSpec) FrameSize() uint32 {
	return s.Channels * s.SampleWidth
}

// Equal reports whether two geometries are bitwise equal in every field the
// resume path must verify (spec §8's suspend/resume round-trip law).
func (g Geometry) Equal(other Geometry) bool {
	return g.Spec == other.Spec &&
		g.FragmentSize == other.FragmentSize &&
		g.NFragments == other.NFragments &&
		g.Mmap == other.Mmap &&
		g.Tsched == other.Tsched
}

// usableBuffer is the portion of the hardware buffer the engine is allowed to
// fill before it must have drained, i.e. hwbuf_size - hwbuf_unused.
func (g Geometry) usableBuffer() uint32 {
	if g.HWBufUnused >= g.HWBufSize {
		return 0
	}

	return g.HWBufSize - g.HWBufUnused
}

// bytesToDuration converts a byte count to a duration under g's sample spec.
// bytes is uint64 because read_count is a monotonic byte counter that would
// otherwise wrap within hours at typical capture rates (§3/§8), corrupting
// position_time and the smoother fit.
func (g Geometry) bytesToDuration(bytes uint64) time.Duration {
	frameSize := g.Spec.FrameSize()
	if frameSize == 0 || g.Spec.RateHz == 0 {
		return 0
	}

	frames := float64(bytes) / float64(frameSize)

	return time.Duration(frames / float64(g.Spec.RateHz) * float64(time.Second))
}

// durationToBytes is the inverse of bytesToDuration, truncated to a whole
// number of frames.
func (g Geometry) durationToBytes(d time.Duration) uint32 {
	frameSize := g.Spec.FrameSize()
	if frameSize == 0 {
		return 0
	}

	frames := uint32(float64(d) / float64(time.Second) * float64(g.Spec.RateHz))
	bytes := frames * frameSize

	return bytes
}

// fixMinSleepWakeup clamps MinSleep/MinWakeup to [frame_size, usable/2],
// frame-aligned, per §3's invariants.
func (g *Geometry) fixMinSleepWakeup() {
	frameSize := g.Spec.FrameSize()
	if frameSize == 0 {
		return
	}

	half := g.usableBuffer() / 2

	g.MinSleep = clampFrameAligned(g.MinSleep, frameSize, half, frameSize)
	g.MinWakeup = clampFrameAligned(g.MinWakeup, frameSize, half, frameSize)
}

// fixTschedWatermark clamps TschedWatermark to [min_wakeup, usable - min_sleep].
func (g *Geometry) fixTschedWatermark() {
	frameSize := g.Spec.FrameSize()
	if frameSize == 0 {
		return
	}

	lo := g.MinWakeup

	usable := g.usableBuffer()

	var hi uint32
	if usable > g.MinSleep {
		hi = usable - g.MinSleep
	}

	if hi < lo {
		hi = lo
	}

	g.TschedWatermark = clampFrameAligned(g.TschedWatermark, lo, hi, frameSize)
}

func clampFrameAligned(v, lo, hi, frameSize uint32) uint32 {
	if v < lo {
		v = lo
	}

	if v > hi {
		v = hi
	}

	return v - (v % frameSize)
}

// wakeupBudget is the result of §4.3's timer-scheduled wakeup calculation.
type wakeupBudget struct {
	Sleep   time.Duration
	Process time.Duration
}

// computeWakeupBudget implements §4.3's formula: given the requested latency
// (or the full usable buffer if unset) and the current watermark, split the
// period into a sleep budget and a process (drain) budget.
func (g Geometry) computeWakeupBudget(requested time.Duration) wakeupBudget {
	l := requested
	if l <= 0 {
		l = g.bytesToDuration(uint64(g.usableBuffer()))
	}

	wm := g.bytesToDuration(uint64(g.TschedWatermark))
	if wm > l {
		wm = l / 2
	}

	return wakeupBudget{
		Sleep:   l - wm,
		Process: wm,
	}
}

// adjustAfterOverrun implements §4.4's overrun adjuster: first try doubling
// the watermark (capped by +watermark_step), then try doubling the minimum
// latency by the same rule clamped to maxLatency, otherwise give up silently.
// Returns which counter (if any) should be bumped.
func (g *Geometry) adjustAfterOverrun(maxLatency time.Duration) (watermarkBumped, latencyBumped bool) {
	before := g.TschedWatermark

	doubled := before * 2
	step := g.WatermarkStep

	capped := before + step
	if doubled > capped {
		doubled = capped
	}

	usable := g.usableBuffer()
	hi := usable
	if usable > g.MinSleep {
		hi = usable - g.MinSleep
	}

	if doubled > hi {
		doubled = hi
	}

	if doubled > before {
		g.TschedWatermark = doubled
		g.fixTschedWatermark()

		return true, false
	}

	maxLatencyBytes := g.durationToBytes(maxLatency)

	beforeUnused := g.HWBufUnused
	doubledUnused := beforeUnused * 2

	cappedUnused := beforeUnused + step
	if doubledUnused > cappedUnused {
		doubledUnused = cappedUnused
	}

	if maxLatencyBytes > 0 && maxLatencyBytes < g.HWBufSize && g.HWBufSize-doubledUnused > maxLatencyBytes {
		// clamp so the resulting usable buffer never exceeds maxLatency in bytes
		if g.HWBufSize > maxLatencyBytes {
			doubledUnused = g.HWBufSize - maxLatencyBytes
		} else {
			doubledUnused = 0
		}
	}

	if doubledUnused > beforeUnused {
		g.HWBufUnused = doubledUnused
		g.fixMinSleepWakeup()
		g.fixTschedWatermark()

		return false, true
	}

	return false, false
}

// updateSWParamsFor implements §4.9: recomputes hwbuf_unused and derives the
// sleep budget the driver's avail_min should be set from.
func (g *Geometry) updateSWParamsFor(requestedLatency time.Duration) (availMinFrames uint32, sleep time.Duration) {
	frameSize := g.Spec.FrameSize()
	if frameSize == 0 {
		return 1, 0
	}

	if requestedLatency <= 0 {
		g.HWBufUnused = 0
	} else {
		b := g.durationToBytes(requestedLatency)
		if b < frameSize {
			b = frameSize
		}

		if b > g.HWBufSize {
			g.HWBufUnused = 0
		} else {
			g.HWBufUnused = g.HWBufSize - b
		}
	}

	g.fixMinSleepWakeup()
	g.fixTschedWatermark()

	budget := g.computeWakeupBudget(requestedLatency)
	sleepFrames := g.durationToBytes(budget.Sleep) / frameSize

	return 1 + sleepFrames, budget.Sleep
}
