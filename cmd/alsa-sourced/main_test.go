package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alsa "github.com/avtsched/alsasource"
	"github.com/avtsched/alsasource/internal/config"
)

func TestResolveFormat(t *testing.T) {
	format, bits, err := resolveFormat("s16")
	require.NoError(t, err)
	assert.Equal(t, alsa.SNDRV_PCM_FORMAT_S16_LE, format)
	assert.Equal(t, 16, bits)

	_, _, err = resolveFormat("float32")
	assert.Error(t, err)
}

func TestNegotiatePeriodsTschedSizesOffBufferDuration(t *testing.T) {
	opts := config.Defaults()
	opts.Tsched = true
	opts.Fragments = 4

	frameSize := uint32(2) // mono s16
	periodSize, periodCount := negotiatePeriods(opts, frameSize, 44100)

	assert.Equal(t, uint32(4), periodCount)
	assert.Greater(t, periodSize, uint32(0))
}

func TestNegotiatePeriodsFallsBackToFragmentSize(t *testing.T) {
	opts := config.Defaults()
	opts.Tsched = false
	opts.FragmentSize = 4096
	opts.Fragments = 4

	periodSize, periodCount := negotiatePeriods(opts, 2, 44100)

	assert.Equal(t, uint32(2048), periodSize)
	assert.Equal(t, uint32(4), periodCount)
}

func TestSourceNameDefaultsFromDevice(t *testing.T) {
	opts := config.Defaults()
	assert.Equal(t, "alsa_input.hw:0,0", sourceName(opts, "hw:0,0"))

	opts.SourceName = "studio_mic"
	assert.Equal(t, "studio_mic", sourceName(opts, "hw:0,0"))
}

func TestBytesToIntBufferDecodesS16LE(t *testing.T) {
	// Two mono frames: 1 and -1.
	data := []byte{0x01, 0x00, 0xFF, 0xFF}

	buf, err := bytesToIntBuffer(data, alsa.SNDRV_PCM_FORMAT_S16_LE, 1, 44100)
	require.NoError(t, err)
	assert.Equal(t, []int{1, -1}, buf.Data)
	assert.Equal(t, 44100, buf.Format.SampleRate)
	assert.Equal(t, 16, buf.SourceBitDepth)
}

func TestBytesToIntBufferRejectsUnknownFormat(t *testing.T) {
	_, err := bytesToIntBuffer([]byte{0, 0}, 0, 1, 44100)
	assert.Error(t, err)
}
