// Command alsa-sourced is the runnable daemon wiring configuration, the
// ALSA driver adapter, the capture engine, the downstream source object,
// metrics, and the reservation watcher together.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	alsa "github.com/avtsched/alsasource"
	"github.com/avtsched/alsasource/internal/config"
	"github.com/avtsched/alsasource/internal/engine"
	"github.com/avtsched/alsasource/internal/evloop"
	"github.com/avtsched/alsasource/internal/metrics"
	"github.com/avtsched/alsasource/internal/reserve"
	"github.com/avtsched/alsasource/internal/source"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliExtras are the cmd-local flags that pin the sample spec once at
// startup — format negotiation is the engine's own Non-goal, resolved here
// instead, not an ongoing concern the engine itself renegotiates.
type cliExtras struct {
	channels int
	rateHz   int
	format   string
	wavOut   string
}

func newRootCmd() *cobra.Command {
	opts := config.Defaults()
	extras := cliExtras{channels: 1, rateHz: 44100, format: "s16"}

	cmd := &cobra.Command{
		Use:   "alsa-sourced",
		Short: "Timer-scheduled ALSA capture source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts, extras)
		},
	}

	config.BindFlags(cmd, &opts)
	cmd.Flags().IntVar(&extras.channels, "channels", extras.channels, "capture channel count")
	cmd.Flags().IntVar(&extras.rateHz, "rate", extras.rateHz, "capture sample rate in Hz")
	cmd.Flags().StringVar(&extras.format, "format", extras.format, "sample format: s16, s24, or s32")
	cmd.Flags().StringVar(&extras.wavOut, "wav-out", "", "if set, also mirror captured audio to this WAV file for diagnostics")

	return cmd
}

func run(cmd *cobra.Command, opts *config.Options, extras cliExtras) error {
	if err := config.Load(opts, cmd); err != nil {
		return err
	}

	log, err := newLogger(opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	sugar := log.Sugar()

	pcmFormat, bitDepth, err := resolveFormat(extras.format)
	if err != nil {
		return err
	}

	device := opts.Device
	if device == "" {
		device = "hw:0,0"
	}

	frameSize := uint32(extras.channels) * uint32(alsa.PcmFormatToBits(pcmFormat)/8)

	periodSize, periodCount := negotiatePeriods(*opts, frameSize, uint32(extras.rateHz))

	pcmConfig := alsa.Config{
		Channels:    uint32(extras.channels),
		Rate:        uint32(extras.rateHz),
		PeriodSize:  periodSize,
		PeriodCount: periodCount,
		Format:      pcmFormat,
	}

	flags := alsa.PCM_IN
	if opts.Mmap {
		flags |= alsa.PCM_MMAP
	}

	pcm, err := alsa.PcmOpenByName(device, flags, &pcmConfig)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}

	if err := pcm.Prepare(); err != nil {
		pcm.Close()

		return fmt.Errorf("prepare %s: %w", device, err)
	}

	driver := alsa.NewCaptureDriver(pcm)
	geometry := geometryFromPCM(pcm, *opts, extras)

	registry := source.NewNameRegistry()
	name := registry.Reserve(sourceName(*opts, device))
	defer registry.Release(name)

	pool := source.NewPool(int(engine.MaxBlockSize), 8, 0)
	sink := source.NewSink(source.Capabilities{}, source.LatencyRange{Min: 10 * time.Millisecond, Max: 2 * time.Second}, 64, pool)
	sink.SetFormat(source.Format{SampleWidth: uint32(bitDepth / 8), Channels: uint32(extras.channels)})

	var reservation *reserve.Watcher
	if opts.ReservationLockPath != "" {
		reservation = reserve.New(opts.ReservationLockPath, reserve.WithLogger(sugar))
		if err := reservation.Start(); err != nil {
			sugar.Warnw("reservation watcher failed to start, continuing without it", "error", err)
		} else {
			defer reservation.Stop() //nolint:errcheck
		}
	}

	volumeCtl, muteCtl := openMixerControls(device, sugar)

	eng := engine.New(engine.Options{
		Driver:      driver,
		Sink:        sink,
		Pool:        pool,
		Geometry:    geometry,
		MaxLatency:  sink.MaxLatency(),
		Reopen:      reopenFunc(device, flags, &pcmConfig, extras.format, opts.Tsched),
		Reservation: reservationOrNil(reservation),
		VolumeCtl:   volumeCtl,
		MuteCtl:     muteCtl,
		Logger:      sugar,
	})

	bridge := evloop.New()
	defer bridge.Close()

	reporter := metrics.NewReporter(name)
	defer reporter.Forget()

	stopMetricsServer := serveMetrics(opts.MetricsAddr, sugar)
	defer stopMetricsServer()

	schedulePolling(bridge, eng, reporter)

	var wavDone chan struct{}
	if extras.wavOut != "" {
		wavDone = mirrorToWAV(sink, extras.wavOut, extras.rateHz, bitDepth, extras.channels, pcm.Format(), sugar)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run() }()

	select {
	case <-sigCh:
		sugar.Info("signal received, shutting down")
		eng.Shutdown()
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("engine exited with error", "error", err)
		}

		if wavDone != nil {
			close(wavDone)
		}

		return err
	}

	err = <-errCh
	if wavDone != nil {
		close(wavDone)
	}

	return err
}

func reservationOrNil(w *reserve.Watcher) engine.Reservation {
	if w == nil {
		return nil
	}

	return w
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level.SetLevel(zap.InfoLevel)
	}

	return cfg.Build()
}

func resolveFormat(formatStr string) (alsa.PcmFormat, int, error) {
	switch formatStr {
	case "s16":
		return alsa.SNDRV_PCM_FORMAT_S16_LE, 16, nil
	case "s24":
		return alsa.SNDRV_PCM_FORMAT_S24_LE, 24, nil
	case "s32":
		return alsa.SNDRV_PCM_FORMAT_S32_LE, 32, nil
	default:
		return 0, 0, fmt.Errorf("unsupported format %q (want s16, s24, or s32)", formatStr)
	}
}

// negotiatePeriods derives a period-size/period-count pair to request from
// the driver, per §6's config surface: in tsched mode the hardware buffer is
// sized off tsched_buffer_size (default 2s) instead of fragments/fragment_size.
func negotiatePeriods(opts config.Options, frameSize, rateHz uint32) (periodSize, periodCount uint32) {
	periodCount = uint32(opts.Fragments)
	if periodCount == 0 {
		periodCount = 4
	}

	if opts.Tsched {
		bufBytes := opts.TschedBufferSize
		if bufBytes == 0 {
			bufBytes = 2 * frameSize * rateHz // 2 seconds
		}

		periodSize = bufBytes / frameSize / periodCount

		return periodSize, periodCount
	}

	fragBytes := opts.FragmentSize
	if fragBytes == 0 {
		fragBytes = 4096
	}

	return fragBytes / frameSize, periodCount
}

// geometryFromPCM builds the engine's Geometry from the negotiated PCM
// handle plus §6's byte-unit defaults, converted under the actual
// negotiated sample spec.
func geometryFromPCM(pcm *alsa.PCM, opts config.Options, extras cliExtras) engine.Geometry {
	frameSize := pcm.FrameSize()
	rateHz := pcm.Rate()

	g := engine.Geometry{
		Spec: engine.SampleSpec{
			Format:      extras.format,
			RateHz:      rateHz,
			Channels:    pcm.Channels(),
			SampleWidth: frameSize / max32(pcm.Channels(), 1),
		},
		FragmentSize: pcm.PeriodSize() * frameSize,
		NFragments:   pcm.PeriodCount(),
		HWBufSize:    pcm.BufferSize() * frameSize,
		Mmap:         opts.Mmap,
		Tsched:       opts.Tsched,
	}

	g.WatermarkStep = bytesFor(10*time.Millisecond, frameSize, rateHz)
	g.MinSleep = bytesFor(10*time.Millisecond, frameSize, rateHz)
	g.MinWakeup = bytesFor(4*time.Millisecond, frameSize, rateHz)

	watermark := opts.TschedBufferWatermark
	if watermark == 0 {
		watermark = bytesFor(20*time.Millisecond, frameSize, rateHz)
	}

	g.TschedWatermark = watermark

	return g
}

func bytesFor(d time.Duration, frameSize, rateHz uint32) uint32 {
	frames := uint32(d.Seconds() * float64(rateHz))

	return frames * frameSize
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}

	return b
}

func sourceName(opts config.Options, device string) string {
	if opts.SourceName != "" {
		return opts.SourceName
	}

	return "alsa_input." + device
}

// reopenFunc closes over the device path, config, sample format and tsched
// setting so the state controller's resume path (§4.8) can reopen
// identically after a suspend.
func reopenFunc(device string, flags alsa.PcmFlag, cfg *alsa.Config, format string, tsched bool) func() (alsa.CaptureDriver, engine.Geometry, error) {
	return func() (alsa.CaptureDriver, engine.Geometry, error) {
		pcm, err := alsa.PcmOpenByName(device, flags, cfg)
		if err != nil {
			return nil, engine.Geometry{}, err
		}

		if err := pcm.Prepare(); err != nil {
			pcm.Close()

			return nil, engine.Geometry{}, err
		}

		frameSize := pcm.FrameSize()

		g := engine.Geometry{
			Spec: engine.SampleSpec{
				Format:      format,
				RateHz:      pcm.Rate(),
				Channels:    pcm.Channels(),
				SampleWidth: frameSize / max32(pcm.Channels(), 1),
			},
			FragmentSize: pcm.PeriodSize() * frameSize,
			NFragments:   pcm.PeriodCount(),
			HWBufSize:    pcm.BufferSize() * frameSize,
			Mmap:         flags&alsa.PCM_MMAP != 0,
			Tsched:       tsched,
		}

		return alsa.NewCaptureDriver(pcm), g, nil
	}
}

// openMixerControls resolves the hardware volume/mute controls for the
// card named in device ("hw:C,D"), tolerating their absence (§4.10's
// software-only fallback).
func openMixerControls(device string, log *zap.SugaredLogger) (volumeCtl, muteCtl *alsa.MixerCtl) {
	var card uint
	if _, err := fmt.Sscanf(device, "hw:%d,", &card); err != nil {
		log.Debugw("cannot parse card number from device, volume control disabled", "device", device, "error", err)

		return nil, nil
	}

	mixer, err := alsa.MixerOpen(card)
	if err != nil {
		log.Debugw("mixer open failed, volume control disabled", "error", err)

		return nil, nil
	}

	volumeCtl, err = mixer.CtlByName("Capture Volume")
	if err != nil {
		log.Debugw("no Capture Volume control", "error", err)
	}

	muteCtl, err = mixer.CtlByName("Capture Switch")
	if err != nil {
		log.Debugw("no Capture Switch control", "error", err)
	}

	return volumeCtl, muteCtl
}

// schedulePolling arms a recurring evloop.Timeout that samples the engine's
// stats and pushes them into the metrics Reporter, exercising the event
// loop bridge from a real collaborator instead of a bare time.Ticker.
func schedulePolling(bridge *evloop.Bridge, eng *engine.Engine, reporter *metrics.Reporter) {
	var prev metrics.Snapshot

	var arm func()
	arm = func() {
		bridge.TimeoutNew(time.Now().Add(time.Second), func(*evloop.Timeout) {
			stats, err := eng.Stats()
			if err != nil {
				return
			}

			curr := metrics.Snapshot{
				ReadCount:      stats.ReadCount,
				OverrunCount:   stats.OverrunCount,
				WatermarkBumps: stats.WatermarkBumps,
				LatencyBumps:   stats.LatencyBumps,
				PostsCount:     stats.PostsCount,
			}

			latency, _ := eng.GetLatency()
			reporter.Observe(prev, curr, latency, 0)
			prev = curr

			arm()
		})
	}

	arm()
}

func serveMetrics(addr string, log *zap.SugaredLogger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		srv.Shutdown(ctx) //nolint:errcheck
	}
}

// mirrorToWAV drains sink on a short interval and encodes every chunk to a
// WAV file. Returns a channel the caller closes to stop the mirror and
// finalize the file.
func mirrorToWAV(sink *source.Sink, path string, rate, bitDepth, channels int, format alsa.PcmFormat, log *zap.SugaredLogger) chan struct{} {
	done := make(chan struct{})

	f, err := os.Create(path)
	if err != nil {
		log.Errorw("wav mirror: create failed", "error", err)
		close(done)

		return done
	}

	encoder := wav.NewEncoder(f, rate, bitDepth, channels, 1)

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		defer encoder.Close()
		defer f.Close()

		for {
			select {
			case <-done:
				drainToEncoder(sink, encoder, format, channels, rate, log)

				return
			case <-ticker.C:
				drainToEncoder(sink, encoder, format, channels, rate, log)
			}
		}
	}()

	return done
}

func drainToEncoder(sink *source.Sink, encoder *wav.Encoder, format alsa.PcmFormat, channels, rate int, log *zap.SugaredLogger) {
	chunks := sink.Drain()
	for _, c := range chunks {
		buf, err := bytesToIntBuffer(c.Bytes(), format, channels, rate)
		if err == nil {
			if err := encoder.Write(buf); err != nil {
				log.Warnw("wav mirror: write failed", "error", err)
			}
		}

		c.Release()
	}
}

// bytesToIntBuffer converts a raw byte slice from ALSA into an
// audio.IntBuffer the go-audio/wav encoder understands.
func bytesToIntBuffer(data []byte, format alsa.PcmFormat, channels, rate int) (*audio.IntBuffer, error) {
	bytesPerSample := int(alsa.PcmFormatToBits(format) / 8)
	if bytesPerSample == 0 {
		return nil, fmt.Errorf("unsupported ALSA format for conversion: %v", format)
	}

	numSamples := len(data) / bytesPerSample
	intData := make([]int, numSamples)

	offset := 0
	for i := 0; i < numSamples; i++ {
		switch format {
		case alsa.SNDRV_PCM_FORMAT_S16_LE:
			intData[i] = int(int16(binary.LittleEndian.Uint16(data[offset:])))
		case alsa.SNDRV_PCM_FORMAT_S24_LE:
			val := uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2])<<16
			if val&0x800000 != 0 {
				val |= 0xFF000000
			}

			intData[i] = int(int32(val))
		case alsa.SNDRV_PCM_FORMAT_S32_LE:
			intData[i] = int(int32(binary.LittleEndian.Uint32(data[offset:])))
		default:
			return nil, fmt.Errorf("unhandled ALSA format in conversion: %v", format)
		}

		offset += bytesPerSample
	}

	bitDepth := int(alsa.PcmFormatToBits(format))

	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           intData,
		SourceBitDepth: bitDepth,
	}, nil
}
