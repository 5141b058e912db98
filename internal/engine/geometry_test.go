package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testGeometry() Geometry {
	spec := SampleSpec{Format: "s16le", RateHz: 44100, Channels: 2, SampleWidth: 2}

	g := Geometry{
		Spec:          spec,
		FragmentSize:  4096,
		NFragments:    4,
		HWBufSize:     4096 * 4,
		WatermarkStep: spec.FrameSize() * 100,
		Mmap:          false,
		Tsched:        true,
	}

	g.TschedWatermark = spec.FrameSize() * 200
	g.MinSleep = spec.FrameSize() * 10
	g.MinWakeup = spec.FrameSize() * 4

	// Establish a realistic, non-zero hwbuf_unused the way construction
	// would via an initial requested-latency negotiation, so later overrun
	// adjustments have headroom to double from.
	g.updateSWParamsFor(50 * time.Millisecond)

	return g
}

func TestGeometryInvariantsHoldAfterSWParamsUpdate(t *testing.T) {
	g := testGeometry()

	g.updateSWParamsFor(50 * time.Millisecond)

	frameSize := g.Spec.FrameSize()
	usable := g.HWBufSize - g.HWBufUnused

	assert.GreaterOrEqual(t, g.MinWakeup, frameSize)
	assert.GreaterOrEqual(t, g.TschedWatermark, g.MinWakeup)
	assert.LessOrEqual(t, g.TschedWatermark, usable-g.MinSleep)
}

func TestOverrunAdjusterDoublesWatermarkFirst(t *testing.T) {
	g := testGeometry()

	before := g.TschedWatermark

	watermarkBumped, latencyBumped := g.adjustAfterOverrun(time.Second)

	assert.True(t, watermarkBumped)
	assert.False(t, latencyBumped)
	assert.Greater(t, g.TschedWatermark, before)
}

func TestOverrunAdjusterFallsBackToLatencyWhenWatermarkSaturated(t *testing.T) {
	g := testGeometry()

	usable := g.HWBufSize - g.HWBufUnused
	g.TschedWatermark = usable - g.MinSleep // already at the ceiling

	before := g.HWBufUnused

	watermarkBumped, latencyBumped := g.adjustAfterOverrun(time.Second)

	assert.False(t, watermarkBumped)
	assert.True(t, latencyBumped)
	assert.Greater(t, g.HWBufUnused, before)
}

func TestWakeupBudgetSplitsRequestedLatency(t *testing.T) {
	g := testGeometry()

	budget := g.computeWakeupBudget(50 * time.Millisecond)

	assert.Equal(t, 50*time.Millisecond, budget.Sleep+budget.Process)
}

func TestGeometryEqualIgnoresUnrelatedFields(t *testing.T) {
	a := testGeometry()
	b := testGeometry()
	b.HWBufUnused = 12345 // not part of the resume equality check

	assert.True(t, a.Equal(b))

	b.NFragments++
	assert.False(t, a.Equal(b))
}
