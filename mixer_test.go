package alsa_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtsched/alsasource"
)

func TestMixerOpenNilSafety(t *testing.T) {
	var nilMixer *alsa.Mixer

	assert.Equal(t, "", nilMixer.Name())
	assert.Equal(t, 0, nilMixer.NumCtls())
	assert.Equal(t, ^uintptr(0), nilMixer.Fd())

	_, err := nilMixer.Ctl(0)
	assert.Error(t, err)

	var nilCtl *alsa.MixerCtl
	assert.Equal(t, "", nilCtl.Name())
	assert.Equal(t, uint32(0), nilCtl.ID())
	assert.Equal(t, alsa.SNDRV_CTL_ELEM_TYPE_UNKNOWN, nilCtl.Type())

	_, _, ok := nilCtl.HardwareVolume()
	assert.False(t, ok)
}

func TestMixerEnumerateAndLookup(t *testing.T) {
	if dummyCard == -1 {
		t.Skip("no dummy card available")
	}

	m, err := alsa.MixerOpen(uint(dummyCard))
	require.NoError(t, err)
	defer m.Close()

	assert.NotEmpty(t, m.Name())

	n := m.NumCtls()
	for i := 0; i < n; i++ {
		ctl, err := m.CtlByIndex(uint(i))
		require.NoError(t, err)

		byID, err := m.Ctl(ctl.ID())
		require.NoError(t, err)
		assert.Same(t, ctl, byID)
	}

	_, err = m.CtlByIndex(uint(n))
	assert.Error(t, err, "out-of-bounds index must error")
}

func TestMixerCtlIntegerRangeAndHardwareVolume(t *testing.T) {
	if dummyCard == -1 {
		t.Skip("no dummy card available")
	}

	m, err := alsa.MixerOpen(uint(dummyCard))
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < m.NumCtls(); i++ {
		ctl, err := m.CtlByIndex(uint(i))
		require.NoError(t, err)

		if ctl.Type() != alsa.SNDRV_CTL_ELEM_TYPE_INTEGER {
			continue
		}

		min, max, err := ctl.Range()
		require.NoError(t, err)
		assert.LessOrEqual(t, min, max)

		_, _, ok := ctl.HardwareVolume()
		if max-min < 3 {
			assert.False(t, ok, "control %s with range < 3 must decline hardware volume", ctl.Name())
		}
	}
}

// TestToFromAlsaVolumeRoundTrip checks the round-trip law from the spec's testable
// properties: from_alsa_volume(to_alsa_volume(v)) == v modulo one rounding step, for
// any non-degenerate hardware range (max - min >= 3).
func TestToFromAlsaVolumeRoundTrip(t *testing.T) {
	ranges := [][2]int64{{0, 255}, {0, 100}, {0, 65535}, {10, 20}, {0, 3}}

	for _, r := range ranges {
		min, max := r[0], r[1]
		if max-min < 3 {
			continue
		}

		step := alsa.NormalizedVolumeMax / (max - min)
		if step < 1 {
			step = 1
		}

		for _, v := range []int64{0, 1, alsa.NormalizedVolumeMax / 4, alsa.NormalizedVolumeMax / 2, alsa.NormalizedVolumeMax} {
			raw := alsa.ToAlsaVolume(v, min, max)
			assert.GreaterOrEqual(t, raw, min)
			assert.LessOrEqual(t, raw, max)

			back := alsa.FromAlsaVolume(raw, min, max)
			assert.InDelta(t, v, back, float64(step), "range [%d,%d] v=%d raw=%d back=%d", min, max, v, raw, back)
		}
	}
}

func TestToAlsaVolumeClampsInput(t *testing.T) {
	assert.Equal(t, int64(0), alsa.ToAlsaVolume(-10, 0, 100))
	assert.Equal(t, int64(100), alsa.ToAlsaVolume(alsa.NormalizedVolumeMax*2, 0, 100))
}

func TestFromAlsaVolumeClampsInput(t *testing.T) {
	assert.Equal(t, int64(0), alsa.FromAlsaVolume(-5, 0, 100))
	assert.Equal(t, int64(alsa.NormalizedVolumeMax), alsa.FromAlsaVolume(1000, 0, 100))
}

func TestMixerSubscribeAndEventRoundtrip(t *testing.T) {
	if dummyCard == -1 {
		t.Skip("no dummy card available")
	}

	m, err := alsa.MixerOpen(uint(dummyCard))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SubscribeEvents(true))
	defer m.SubscribeEvents(false)

	var writable *alsa.MixerCtl
	for i := 0; i < m.NumCtls(); i++ {
		ctl, _ := m.CtlByIndex(uint(i))
		if ctl.Type() == alsa.SNDRV_CTL_ELEM_TYPE_BOOLEAN && ctl.IsWritable() {
			writable = ctl
			break
		}
	}

	if writable == nil {
		t.Skip("no writable boolean control on dummy card")
	}

	original, err := writable.GetBool()
	require.NoError(t, err)
	defer writable.SetBool(original)

	require.NoError(t, writable.SetBool(!original))

	got, err := m.WaitEvent(1000)
	require.NoError(t, err)
	assert.True(t, got)

	ev, err := m.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, writable.ID(), ev.ControlID)
}
