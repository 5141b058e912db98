package engine

import (
	"fmt"

	"github.com/avtsched/alsasource"
	"github.com/avtsched/alsasource/internal/source"
)

// Volume is a per-channel normalized software volume vector in
// [0, alsa.NormalizedVolumeMax], mirroring source.Volume without importing
// the engine package from there.
type Volume struct {
	PerChannel []uint32
}

// toSource converts to the source package's own Volume shape.
func (v Volume) toSource() source.Volume {
	return source.Volume{PerChannel: v.PerChannel}
}

// mixerBinding is the hardware volume/mute path, bound at construction when
// a suitable control is found (§4.10). A nil binding means software-only.
type mixerBinding struct {
	volumeCtl *alsa.MixerCtl
	muteCtl   *alsa.MixerCtl
	min, max  int64
}

// bindMixer inspects ctl for hardware-volume suitability per §4.10/§8: an
// integer control whose range spans at least 3 steps. muteCtl may be nil.
func bindMixer(volumeCtl, muteCtl *alsa.MixerCtl) *mixerBinding {
	if volumeCtl == nil {
		return nil
	}

	min, max, ok := volumeCtl.HardwareVolume()
	if !ok {
		return nil
	}

	return &mixerBinding{volumeCtl: volumeCtl, muteCtl: muteCtl, min: min, max: max}
}

// push writes the first channel of vol to the bound hardware control as a
// single value set on every channel of the control; the other entries of vol
// are not used.
func (b *mixerBinding) push(vol Volume) error {
	if b == nil || b.volumeCtl == nil || len(vol.PerChannel) == 0 {
		return nil
	}

	raw := alsa.ToAlsaVolume(int64(vol.PerChannel[0]), b.min, b.max)
	if err := b.volumeCtl.SetInt(raw); err != nil {
		return fmt.Errorf("engine: push hardware volume: %w", err)
	}

	return nil
}

func (b *mixerBinding) read() (Volume, error) {
	if b == nil || b.volumeCtl == nil {
		return Volume{}, nil
	}

	raw, err := b.volumeCtl.GetInt(0)
	if err != nil {
		return Volume{}, fmt.Errorf("engine: read hardware volume: %w", err)
	}

	norm := uint32(alsa.FromAlsaVolume(raw, b.min, b.max))

	return Volume{PerChannel: []uint32{norm}}, nil
}

func (b *mixerBinding) setMute(mute bool) error {
	if b == nil || b.muteCtl == nil {
		return nil
	}

	if err := b.muteCtl.SetBool(!mute); err != nil {
		return fmt.Errorf("engine: set capture switch: %w", err)
	}

	return nil
}

// applyVolume is the synchronous handler for msgSetVolume: remembers the
// requested volume and pushes it to whichever path is actually usable. A
// bound hardware control takes it; otherwise it falls to the sink's software
// volume capability (always present, see source.NewSink), which is how a
// device with no usable mixer control still gets a working volume knob.
func (e *Engine) applyVolume(vol Volume) error {
	e.lastVolume = vol

	if e.mixer != nil {
		return e.mixer.push(vol)
	}

	if set := e.sink.Capabilities().SetVolume; set != nil {
		return set(vol.toSource())
	}

	return nil
}

// applyMute is the synchronous handler for msgSetMute, falling to the sink's
// software mute capability when no hardware capture switch is bound. A
// mixerBinding with a volume control but no mute control also falls through
// here rather than silently no-op'ing.
func (e *Engine) applyMute(mute bool) error {
	e.lastMute = mute

	if e.mixer != nil && e.mixer.muteCtl != nil {
		return e.mixer.setMute(mute)
	}

	if set := e.sink.Capabilities().SetMute; set != nil {
		return set(mute)
	}

	return nil
}

// reapplyVolume re-pushes the last known virtual volume to whichever path
// applyVolume/applyMute would use, called by resume (§4.8/§4.10) before the
// driver restarts. This is the concrete fix for the deferred "reload the
// volume somehow" gap: the engine always remembers what it last applied and
// never relies on the driver, mixer, or sink to have retained it across a
// close/reopen cycle.
func (e *Engine) reapplyVolume() error {
	if e.lastVolume.PerChannel == nil {
		return nil
	}

	if err := e.applyVolume(e.lastVolume); err != nil {
		return err
	}

	return e.applyMute(e.lastMute)
}
