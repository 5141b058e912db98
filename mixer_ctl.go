package alsa

import (
	"fmt"
	"unsafe"
)

// Name returns the control's element name, e.g. "Capture Volume".
func (c *MixerCtl) Name() string {
	if c == nil {
		return ""
	}

	return cString(c.info.Id.Name[:])
}

// ID returns the control's numeric element ID, stable for the lifetime of the mixer handle.
func (c *MixerCtl) ID() uint32 {
	if c == nil {
		return 0
	}

	return c.info.Id.Numid
}

// Device returns the device number this control is associated with.
func (c *MixerCtl) Device() uint32 {
	if c == nil {
		return 0
	}

	return c.info.Id.Device
}

// Subdevice returns the subdevice number this control is associated with.
func (c *MixerCtl) Subdevice() uint32 {
	if c == nil {
		return 0
	}

	return c.info.Id.Subdevice
}

// Index returns the control's index among controls sharing its name.
func (c *MixerCtl) Index() uint32 {
	if c == nil {
		return 0
	}

	return c.info.Id.Index
}

// Type returns the control's value type (boolean, integer, enumerated, ...).
func (c *MixerCtl) Type() MixerCtlType {
	if c == nil {
		return SNDRV_CTL_ELEM_TYPE_UNKNOWN
	}

	return MixerCtlType(c.info.Typ)
}

// Count returns the number of values the control holds (e.g. channel count for a volume control).
func (c *MixerCtl) Count() uint32 {
	if c == nil {
		return 0
	}

	return c.info.Count
}

// IsReadable reports whether the control can be read.
func (c *MixerCtl) IsReadable() bool {
	return c != nil && CtlAccessFlag(c.info.Access)&SNDRV_CTL_ELEM_ACCESS_READ != 0
}

// IsWritable reports whether the control can be written.
func (c *MixerCtl) IsWritable() bool {
	return c != nil && CtlAccessFlag(c.info.Access)&SNDRV_CTL_ELEM_ACCESS_WRITE != 0
}

// integerValue reinterprets the info union as the `struct snd_ctl_elem_info.value.integer` member.
// Only valid when Type() == SNDRV_CTL_ELEM_TYPE_INTEGER.
func (c *MixerCtl) integerValue() integer {
	return *(*integer)(unsafe.Pointer(&c.info.Value[0]))
}

// Range returns the control's minimum and maximum integer value. Only meaningful for
// SNDRV_CTL_ELEM_TYPE_INTEGER controls; callers should check Type() first.
func (c *MixerCtl) Range() (min, max int64, err error) {
	if c == nil {
		return 0, 0, fmt.Errorf("control is nil")
	}

	if c.Type() != SNDRV_CTL_ELEM_TYPE_INTEGER {
		return 0, 0, fmt.Errorf("control %s is not an integer control", c.Name())
	}

	iv := c.integerValue()

	return int64(iv.Min), int64(iv.Max), nil
}

// readValue issues SNDRV_CTL_IOCTL_ELEM_READ and returns the raw element value.
func (c *MixerCtl) readValue() (sndCtlElemValue, error) {
	var v sndCtlElemValue
	v.Id = c.info.Id

	if err := ioctl(c.mixer.file.Fd(), SNDRV_CTL_IOCTL_ELEM_READ, uintptr(unsafe.Pointer(&v))); err != nil {
		return v, fmt.Errorf("ioctl ELEM_READ failed for %s: %w", c.Name(), err)
	}

	return v, nil
}

// writeValue issues SNDRV_CTL_IOCTL_ELEM_WRITE with the given raw element value.
func (c *MixerCtl) writeValue(v sndCtlElemValue) error {
	v.Id = c.info.Id

	if err := ioctl(c.mixer.file.Fd(), SNDRV_CTL_IOCTL_ELEM_WRITE, uintptr(unsafe.Pointer(&v))); err != nil {
		return fmt.Errorf("ioctl ELEM_WRITE failed for %s: %w", c.Name(), err)
	}

	return nil
}

// GetInt returns the integer value at the given channel index (0-based, < Count()).
func (c *MixerCtl) GetInt(channel uint32) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("control is nil")
	}

	v, err := c.readValue()
	if err != nil {
		return 0, err
	}

	return elemValueInt(v, channel), nil
}

// SetInt sets the integer value at every channel of the control to the same value.
func (c *MixerCtl) SetInt(value int64) error {
	if c == nil {
		return fmt.Errorf("control is nil")
	}

	if !c.IsWritable() {
		return fmt.Errorf("control %s is not writable", c.Name())
	}

	v, err := c.readValue()
	if err != nil {
		return err
	}

	for ch := uint32(0); ch < c.Count(); ch++ {
		setElemValueInt(&v, ch, value)
	}

	return c.writeValue(v)
}

// SetBool sets a boolean control's value across every channel.
func (c *MixerCtl) SetBool(on bool) error {
	var v int64
	if on {
		v = 1
	}

	return c.SetInt(v)
}

// GetBool returns a boolean control's value for channel 0.
func (c *MixerCtl) GetBool() (bool, error) {
	v, err := c.GetInt(0)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// elemValueInt reads the clong-sized integer slot for the given channel out of the
// control value union. The union layout mirrors `struct snd_ctl_elem_value.value.integer.value[]`.
func elemValueInt(v sndCtlElemValue, channel uint32) int64 {
	slots := (*[64]clong)(unsafe.Pointer(&v.Value[0]))

	return int64(slots[channel])
}

func setElemValueInt(v *sndCtlElemValue, channel uint32, value int64) {
	slots := (*[64]clong)(unsafe.Pointer(&v.Value[0]))
	slots[channel] = clong(value)
}

// HardwareVolume reports whether the control is usable as a volume control, and if so
// its raw integer range. A control is only usable when it is an integer control with a
// range spanning at least 3 steps (see ToAlsaVolume/FromAlsaVolume); anything coarser
// is declined in favor of a software-only volume path.
func (c *MixerCtl) HardwareVolume() (min, max int64, ok bool) {
	if c == nil || c.Type() != SNDRV_CTL_ELEM_TYPE_INTEGER || !c.IsWritable() {
		return 0, 0, false
	}

	lo, hi, err := c.Range()
	if err != nil || hi-lo < 3 {
		return 0, 0, false
	}

	return lo, hi, true
}

// NormalizedVolumeMax is the normalized software volume range used throughout the
// capture engine's volume bridge, matching PulseAudio's PA_VOLUME_NORM scale.
const NormalizedVolumeMax = 0x10000

// ToAlsaVolume maps a normalized volume in [0, NormalizedVolumeMax] onto the control's
// raw hardware range [min, max], rounding to the nearest integer step.
func ToAlsaVolume(v int64, min, max int64) int64 {
	if v < 0 {
		v = 0
	}

	if v > NormalizedVolumeMax {
		v = NormalizedVolumeMax
	}

	span := max - min
	scaled := (v*span + NormalizedVolumeMax/2) / NormalizedVolumeMax

	return min + scaled
}

// FromAlsaVolume is the inverse of ToAlsaVolume: it maps a raw hardware value in
// [min, max] back onto the normalized [0, NormalizedVolumeMax] scale.
func FromAlsaVolume(raw int64, min, max int64) int64 {
	if raw < min {
		raw = min
	}

	if raw > max {
		raw = max
	}

	span := max - min
	if span == 0 {
		return 0
	}

	return ((raw - min) * NormalizedVolumeMax) / span
}
