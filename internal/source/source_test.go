package source_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtsched/alsasource/internal/source"
)

func TestPoolGetReleaseRoundTrip(t *testing.T) {
	p := source.NewPool(4096, 2, 0)

	c, ok := p.Get(1024)
	require.True(t, ok)
	assert.Equal(t, source.Pooled, c.Provenance())
	assert.Len(t, c.Bytes(), 1024)

	c.Release()
}

func TestPoolAllocationGuard(t *testing.T) {
	p := source.NewPool(64, 0, 1)

	first, ok := p.Get(64)
	require.True(t, ok)

	_, ok = p.Get(64)
	assert.False(t, ok, "second Get should be refused while the pool guard is saturated")

	first.Release()

	_, ok = p.Get(64)
	assert.True(t, ok, "Get should succeed again once the outstanding chunk is released")
}

func TestFixedChunkHasNoPool(t *testing.T) {
	data := []byte{1, 2, 3}
	c := source.NewFixed(data)

	assert.Equal(t, source.Fixed, c.Provenance())
	assert.Equal(t, data, c.Bytes())

	c.Release() // must not panic despite no backing pool
}

func TestSinkPostCopiesFixedChunkBeforeReturning(t *testing.T) {
	p := source.NewPool(64, 1, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Max: time.Second}, 4, p)

	region := []byte{1, 2, 3, 4}
	fixed := source.NewFixed(region)

	sink.Post(fixed)
	fixed.Release()

	// Simulate the driver reclaiming the mmap region right after commit, the
	// way the real capture path does once Post returns.
	for i := range region {
		region[i] = 0xFF
	}

	drained := sink.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, source.Pooled, drained[0].Provenance())
	assert.Equal(t, []byte{1, 2, 3, 4}, drained[0].Bytes())

	drained[0].Release()
}

func TestSinkPostAndDrain(t *testing.T) {
	p := source.NewPool(256, 1, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Min: 5 * time.Millisecond, Max: 200 * time.Millisecond}, 8, p)

	c, ok := p.Get(128)
	require.True(t, ok)

	sink.Post(c)
	c.Release()

	drained := sink.Drain()
	require.Len(t, drained, 1)

	drained[0].Release()
}

func TestSinkLatencyClamping(t *testing.T) {
	p := source.NewPool(64, 0, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Min: 10 * time.Millisecond, Max: 100 * time.Millisecond}, 4, p)

	got := sink.SetLatencyRangeWithinThread(1 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, got)

	got = sink.SetLatencyRangeWithinThread(1 * time.Second)
	assert.Equal(t, 100*time.Millisecond, got)

	assert.Equal(t, 100*time.Millisecond, sink.RequestedLatencyWithinThread())
}

func TestSinkQueueDropsOldestOnOverflow(t *testing.T) {
	p := source.NewPool(64, 0, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Max: time.Second}, 2, p)

	var chunks []*source.Chunk
	for i := 0; i < 3; i++ {
		c, ok := p.Get(16)
		require.True(t, ok)
		chunks = append(chunks, c)
		sink.Post(c)
	}

	drained := sink.Drain()
	assert.Len(t, drained, 2, "oldest chunk should have been dropped once maxQueue was exceeded")

	for _, c := range chunks {
		c.Release()
	}

	for _, c := range drained {
		c.Release()
	}
}

func TestNewSinkPopulatesSoftwareCapabilitiesWhenUnset(t *testing.T) {
	p := source.NewPool(64, 0, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Max: time.Second}, 4, p)

	caps := sink.Capabilities()
	require.NotNil(t, caps.SetVolume)
	require.NotNil(t, caps.GetVolume)
	require.NotNil(t, caps.SetMute)
	require.NotNil(t, caps.GetMute)

	vol, err := caps.GetVolume()
	require.NoError(t, err)
	assert.Equal(t, uint32(source.NormalizedVolumeMax), vol.PerChannel[0], "unity gain is the default before SetVolume is ever called")

	muted, err := caps.GetMute()
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestSinkPostAppliesSoftwareVolumeScale(t *testing.T) {
	p := source.NewPool(64, 1, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Max: time.Second}, 4, p)
	sink.SetFormat(source.Format{SampleWidth: 2, Channels: 1})

	require.NoError(t, sink.Capabilities().SetVolume(source.Volume{PerChannel: []uint32{source.NormalizedVolumeMax / 2}}))

	c, ok := p.Get(2)
	require.True(t, ok)
	c.Bytes()[0] = 0x00
	c.Bytes()[1] = 0x40 // int16 0x4000

	sink.Post(c)
	c.Release()

	drained := sink.Drain()
	require.Len(t, drained, 1)

	got := int16(uint16(drained[0].Bytes()[0]) | uint16(drained[0].Bytes()[1])<<8)
	assert.Equal(t, int16(0x2000), got, "half gain must halve the sample value")

	drained[0].Release()
}

func TestSinkPostAppliesSoftwareMute(t *testing.T) {
	p := source.NewPool(64, 1, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Max: time.Second}, 4, p)
	sink.SetFormat(source.Format{SampleWidth: 2, Channels: 1})

	require.NoError(t, sink.Capabilities().SetMute(true))

	c, ok := p.Get(2)
	require.True(t, ok)
	c.Bytes()[0] = 0xAB
	c.Bytes()[1] = 0xCD

	sink.Post(c)
	c.Release()

	drained := sink.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, []byte{0, 0}, drained[0].Bytes())

	drained[0].Release()
}

func TestSinkPostLeavesBytesUntouchedWithoutFormat(t *testing.T) {
	p := source.NewPool(64, 1, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Max: time.Second}, 4, p)

	require.NoError(t, sink.Capabilities().SetVolume(source.Volume{PerChannel: []uint32{source.NormalizedVolumeMax / 2}}))

	c, ok := p.Get(2)
	require.True(t, ok)
	c.Bytes()[0] = 0xAB
	c.Bytes()[1] = 0xCD

	sink.Post(c)
	c.Release()

	drained := sink.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, []byte{0xAB, 0xCD}, drained[0].Bytes(), "no format means Post cannot interpret samples, so it must not touch the bytes")

	drained[0].Release()
}

func TestNameRegistryDisambiguatesCollisions(t *testing.T) {
	reg := source.NewNameRegistry()

	first := reg.Reserve("alsa_input.pci-0000_00_1b.0")
	assert.Equal(t, "alsa_input.pci-0000_00_1b.0", first)

	second := reg.Reserve("alsa_input.pci-0000_00_1b.0")
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "alsa_input.pci-0000_00_1b.0.")

	reg.Release(first)
	third := reg.Reserve("alsa_input.pci-0000_00_1b.0")
	assert.Equal(t, first, third, "releasing a name should make it reservable again")
}
