package alsa_test

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtsched/alsasource"
)

// To run these tests, the 'snd-aloop' kernel module must be loaded:
//
// sudo modprobe snd-aloop
//
// This creates a virtual loopback sound card. These tests only exercise the
// capture direction and the raw binding primitives the capture engine's
// driver adapter (driver.go) wraps; nothing here writes to the playback side.

var (
	defaultConfig = alsa.Config{
		Channels:    2,
		Rate:        48000,
		PeriodSize:  1024,
		PeriodCount: 4,
		Format:      alsa.SNDRV_PCM_FORMAT_S16_LE,
	}
)

func TestPcmFormatToBits(t *testing.T) {
	testCases := map[alsa.PcmFormat]uint32{
		alsa.SNDRV_PCM_FORMAT_INVALID:    0,
		alsa.SNDRV_PCM_FORMAT_S16_LE:     16,
		alsa.SNDRV_PCM_FORMAT_S32_LE:     32,
		alsa.SNDRV_PCM_FORMAT_S8:         8,
		alsa.SNDRV_PCM_FORMAT_S24_LE:     32, // 24-bit stored in 32-bit container
		alsa.SNDRV_PCM_FORMAT_S24_3LE:    24, // Packed 24-bit
		alsa.SNDRV_PCM_FORMAT_S16_BE:     16,
		alsa.SNDRV_PCM_FORMAT_S24_BE:     32,
		alsa.SNDRV_PCM_FORMAT_S24_3BE:    24,
		alsa.SNDRV_PCM_FORMAT_S32_BE:     32,
		alsa.SNDRV_PCM_FORMAT_FLOAT_LE:   32,
		alsa.SNDRV_PCM_FORMAT_FLOAT_BE:   32,
		alsa.SNDRV_PCM_FORMAT_FLOAT64_LE: 64,
		alsa.SNDRV_PCM_FORMAT_FLOAT64_BE: 64,
	}

	for format, expectedBits := range testCases {
		t.Run(alsa.PcmParamFormatNames[format], func(t *testing.T) {
			bits := alsa.PcmFormatToBits(format)
			if bits != expectedBits {
				t.Errorf("PcmFormatToBits(%v) = %d; want %d", format, bits, expectedBits)
			}
		})
	}
}

// TestPcmHardware runs all capture-direction hardware tests sequentially.
func TestPcmHardware(t *testing.T) {
	t.Run("PcmOpenAndClose", testPcmOpenAndClose)
	t.Run("PcmOpenByName", testPcmOpenByName)
	t.Run("PcmGetters", testPcmGetters)
	t.Run("PcmFramesBytesConvert", testPcmFramesBytesConvert)
	t.Run("PcmReadFailsOnPlayback", testPcmReadFailsOnPlayback)
	t.Run("PcmGetDelay", testPcmGetDelay)
	t.Run("PcmState", testPcmState)
	t.Run("PcmWaitTimeout", testPcmWaitTimeout)
	t.Run("PcmParams", testPcmParams)
	t.Run("SetConfig", testSetConfig)
	t.Run("PcmNonBlockingRead", testPcmNonBlockingRead)
	t.Run("PcmMmapNonBlockingRead", testPcmMmapNonBlockingRead)
	t.Run("PcmMmapBeginCommit", testPcmMmapBeginCommit)
}

func testPcmOpenAndClose(t *testing.T) {
	// Opening a non-existent device must fail.
	pcm, err := alsa.PcmOpen(1000, 1000, alsa.PCM_IN, &defaultConfig)
	if err == nil {
		t.Error("expected error when opening non-existent device, but got nil")
		pcm.Close()
	}

	if pcm != nil && pcm.IsReady() {
		t.Error("pcm.IsReady() should be false for non-existent device")
	}

	// Closing a nil pcm must not panic or error.
	if err := (*alsa.PCM)(nil).Close(); err != nil {
		t.Errorf("closing a nil pcm should not return an error, but got %v", err)
	}

	testCases := []struct {
		name  string
		flags alsa.PcmFlag
	}{
		{"IN", alsa.PCM_IN},
		{"IN_MMAP", alsa.PCM_IN | alsa.PCM_MMAP},
		{"IN_MMAP_NOIRQ", alsa.PCM_IN | alsa.PCM_MMAP | alsa.PCM_NOIRQ},
		{"IN_NONBLOCK", alsa.PCM_IN | alsa.PCM_NONBLOCK},
		{"IN_MONOTONIC", alsa.PCM_IN | alsa.PCM_MONOTONIC},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), tc.flags, &defaultConfig)
			if err != nil {
				// The TTSTAMP ioctl for PCM_MONOTONIC is not supported by all kernels/devices.
				if tc.flags&alsa.PCM_MONOTONIC != 0 {
					if errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) {
						t.Fatalf("Skipping monotonic test, TTSTAMP ioctl not supported by device: %v", err)

						return
					}
				}

				t.Fatalf("PcmOpen failed: %v", err)
			}

			if !pcm.IsReady() {
				t.Fatal("pcm.IsReady() returned false after successful open")
			}

			if err := pcm.Close(); err != nil {
				t.Fatalf("pcm.Close() failed: %v", err)
			}
		})
	}
}

func testPcmOpenByName(t *testing.T) {
	name := fmt.Sprintf("hw:%d,%d", loopbackCard, loopbackCaptureDevice)
	pcm, err := alsa.PcmOpenByName(name, alsa.PCM_IN, &defaultConfig)
	require.NoError(t, err, "PcmOpenByName failed for a valid name")
	require.NotNil(t, pcm)
	require.True(t, pcm.IsReady())
	pcm.Close()

	_, err = alsa.PcmOpenByName("invalid_name", alsa.PCM_IN, &defaultConfig)
	require.Error(t, err, "PcmOpenByName should fail for a name without 'hw:' prefix")

	_, err = alsa.PcmOpenByName("hw:foo,bar", alsa.PCM_IN, &defaultConfig)
	require.Error(t, err, "PcmOpenByName should fail for non-numeric card/device")

	_, err = alsa.PcmOpenByName("hw:0", alsa.PCM_IN, &defaultConfig)
	require.Error(t, err, "PcmOpenByName should fail for incomplete name")
}

func testPcmGetters(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	if pcm.Fd() == ^uintptr(0) {
		t.Error("expected a valid file descriptor")
	}

	require.Equal(t, alsa.PCM_IN, pcm.Flags())
	require.Equal(t, defaultConfig.PeriodCount, pcm.PeriodCount())
	require.Equal(t, uint32(loopbackCaptureDevice), pcm.Subdevice())
	require.Equal(t, 0, pcm.Xruns(), "Xruns should be 0 on a newly opened stream")

	require.Equal(t, defaultConfig.Channels, pcm.Channels())
	require.Equal(t, defaultConfig.Rate, pcm.Rate())
	require.Equal(t, defaultConfig.Format, pcm.Format())
	require.Equal(t, defaultConfig.PeriodSize*defaultConfig.PeriodCount, pcm.BufferSize())

	expectedNs := (1e9 * float64(defaultConfig.PeriodSize)) / float64(defaultConfig.Rate)
	expectedDuration := time.Duration(expectedNs)
	require.Equal(t, expectedDuration, pcm.PeriodTime(), "PeriodTime should be calculated correctly")
}

func testPcmFramesBytesConvert(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	bytesPerFrame := alsa.PcmFormatToBits(defaultConfig.Format) / 8 * defaultConfig.Channels
	require.Equal(t, bytesPerFrame, alsa.PcmFramesToBytes(pcm, 1))
	require.Equal(t, uint32(1), alsa.PcmBytesToFrames(pcm, bytesPerFrame))
}

func testPcmReadFailsOnPlayback(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackPlaybackDevice), alsa.PCM_OUT, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	buffer := make([]byte, 128)
	_, err = pcm.Read(buffer)

	require.Error(t, err, "expected error when calling Read on a playback stream")
	require.Contains(t, err.Error(), "cannot read from a playback device")
}

func testPcmGetDelay(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	// Delay should return an error or a non-negative value if the stream is not running.
	delay, err := pcm.Delay()
	if err == nil {
		if delay < 0 {
			t.Errorf("expected non-negative delay, got %d", delay)
		}
	}
}

func testPcmState(t *testing.T) {
	t.Run("StateNonMmap", func(t *testing.T) {
		pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN, &defaultConfig)
		require.NoError(t, err)
		defer pcm.Close()

		initialState := pcm.State()
		assert.Contains(t, []alsa.PcmState{alsa.SNDRV_PCM_STATE_OPEN, alsa.SNDRV_PCM_STATE_SETUP}, initialState)

		require.NoError(t, pcm.Prepare())
		assert.Equal(t, alsa.SNDRV_PCM_STATE_PREPARED, pcm.State(), "State should be PREPARED after prepare")
	})

	t.Run("StateMmap", func(t *testing.T) {
		pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN|alsa.PCM_MMAP, &defaultConfig)
		require.NoError(t, err)
		defer pcm.Close()

		// For MMAP streams, the status struct is mmapped, so State should be accurate
		// without a syscall round trip.
		initialState := pcm.State()
		assert.Contains(t, []alsa.PcmState{alsa.SNDRV_PCM_STATE_OPEN, alsa.SNDRV_PCM_STATE_SETUP}, initialState)

		require.NoError(t, pcm.Prepare())
		assert.Equal(t, alsa.SNDRV_PCM_STATE_PREPARED, pcm.State(), "State should be PREPARED after prepare")
	})
}

func testPcmWaitTimeout(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	require.NoError(t, pcm.Prepare())

	// On a prepared but non-running capture stream, Wait should time out as no data is available.
	ready, err := pcm.Wait(10)
	assert.NoError(t, err)
	assert.False(t, ready, "Wait should time out and return false on an empty capture stream")
}

func testPcmParams(t *testing.T) {
	t.Run("GetHwParams", func(t *testing.T) {
		params, err := alsa.PcmParamsGet(1000, 1000, alsa.PCM_IN)
		require.Error(t, err, "expected error when getting params for non-existent device")
		require.Nil(t, params)

		params, err = alsa.PcmParamsGet(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN)
		require.NoError(t, err, "PcmParamsGet failed for valid device")
		require.NotNil(t, params, "PcmParamsGet returned nil params for valid device")

		rate, errMin := params.RangeMin(alsa.SNDRV_PCM_HW_PARAM_RATE)
		rateMax, errMax := params.RangeMax(alsa.SNDRV_PCM_HW_PARAM_RATE)
		require.NoError(t, errMin)
		require.NoError(t, errMax)
		assert.NotZero(t, rateMax, "Max rate should not be zero")
		assert.NotZero(t, rate, "Min rate should not be zero")

		channels, err := params.RangeMin(alsa.SNDRV_PCM_HW_PARAM_CHANNELS)
		require.NoError(t, err)
		assert.NotZero(t, channels, "Channels should not be zero")

		s := params.String()
		require.NotEmpty(t, s)
		t.Log("\n" + s)
	})
}

func testSetConfig(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN, nil)
	require.NoError(t, err, "PcmOpen with nil config failed")
	defer pcm.Close()

	require.NotZero(t, pcm.Channels(), "expected non-zero channels with default config")

	newConfig := alsa.Config{
		Channels:    defaultConfig.Channels,
		Rate:        defaultConfig.Rate,
		PeriodSize:  512,
		PeriodCount: 2,
		Format:      alsa.SNDRV_PCM_FORMAT_S16_LE,
	}

	err = pcm.SetConfig(&newConfig)
	require.NoError(t, err)

	finalConfig := pcm.Config()
	require.Equal(t, newConfig.Channels, finalConfig.Channels)
	require.Equal(t, newConfig.Rate, finalConfig.Rate)

	if finalConfig.PeriodSize != newConfig.PeriodSize {
		t.Logf("driver adjusted period size from %d to %d", newConfig.PeriodSize, finalConfig.PeriodSize)
	}
}

func testPcmNonBlockingRead(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN|alsa.PCM_NONBLOCK, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	buffer := make([]byte, alsa.PcmFramesToBytes(pcm, pcm.PeriodSize()))
	read, err := pcm.Read(buffer)

	assert.Equal(t, 0, read, "Read should return 0 frames when no data is available")
	assert.ErrorIs(t, err, syscall.EAGAIN, "Expected EAGAIN when reading from an empty non-blocking buffer")
}

func testPcmMmapNonBlockingRead(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN|alsa.PCM_MMAP|alsa.PCM_NONBLOCK, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	require.NoError(t, pcm.Prepare())

	buffer := make([]byte, alsa.PcmFramesToBytes(pcm, pcm.PeriodSize()))
	read, err := pcm.MmapRead(buffer)

	assert.Equal(t, 0, read, "MmapRead should return 0 frames when no data is available")
	assert.ErrorIs(t, err, syscall.EAGAIN, "Expected EAGAIN when reading from an empty non-blocking mmap buffer")
}

// testPcmMmapBeginCommit exercises the raw capture-direction mmap primitives
// driver.go's adapter wraps (Avail/MmapBegin/MmapCommit), without depending on
// any playback-side data actually flowing through the loopback.
func testPcmMmapBeginCommit(t *testing.T) {
	pcm, err := alsa.PcmOpen(uint(loopbackCard), uint(loopbackCaptureDevice), alsa.PCM_IN|alsa.PCM_MMAP, &defaultConfig)
	require.NoError(t, err)
	defer pcm.Close()

	require.NoError(t, pcm.Prepare())

	avail, err := pcm.AvailUpdate()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, avail, 0)

	buffer, offsetFrames, frames, _, err := pcm.MmapBegin(pcm.PeriodSize())
	require.NoError(t, err)
	assert.LessOrEqual(t, frames, pcm.PeriodSize())
	assert.Equal(t, int(alsa.PcmFramesToBytes(pcm, frames)), len(buffer))
	assert.Less(t, offsetFrames, pcm.BufferSize())

	// Release the region without advancing the application pointer, mirroring
	// a driver adapter call that found nothing worth keeping.
	require.NoError(t, pcm.MmapCommit(0))
}
