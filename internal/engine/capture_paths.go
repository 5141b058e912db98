package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/avtsched/alsasource"
	"github.com/avtsched/alsasource/internal/source"
)

// mmapRead is §4.6's zero-copy capture path. Returns 1 if any commit
// succeeded this wake, 0 if nothing was done, or a fatal error (-1), along
// with sleep_usec: bytes_to_usec(left_to_record) - process, the dynamic
// buffer-fullness-derived budget armTimer arms the next wakeup from.
func (e *Engine) mmapRead() (int, time.Duration, error) {
	workDone := 0
	var sleepUsec time.Duration

	for i := 0; i < maxSubIterations; i++ {
		avail, err := e.driver.Avail()
		if recovered, fatal := e.recoverIfTransient(err); fatal != nil {
			return -1, 0, fatal
		} else if recovered {
			continue
		}

		frameSize := e.driver.FrameSize()
		nBytes := avail * frameSize

		leftToRecord, overran := e.leftToRecord(nBytes)
		if overran {
			e.overrunCount++
			e.log.Infow("overrun", "hwbuf_size", e.geometry.HWBufSize, "n_bytes", nBytes)

			if e.geometry.Tsched {
				e.applyOverrunAdjustment()
			}
		}

		budget := e.geometry.computeWakeupBudget(e.sink.RequestedLatencyWithinThread())
		sleepUsec = e.geometry.bytesToDuration(uint64(leftToRecord)) - budget.Process

		if !e.polled && e.geometry.bytesToDuration(uint64(leftToRecord)) > budget.Process+budget.Sleep/2 {
			return workDone, sleepUsec, nil
		}

		if nBytes == 0 {
			if e.polled {
				e.log.Warnw("driver woke us with nothing to record")
			}

			return workDone, sleepUsec, nil
		}

		committed, err := e.mmapDrain(nBytes, frameSize)
		if err != nil {
			return -1, 0, err
		}

		if committed {
			workDone = 1
		}
	}

	return workDone, sleepUsec, nil
}

// mmapDrain runs the inner commit loop of §4.6 for a single outer iteration's
// worth of available bytes.
func (e *Engine) mmapDrain(nBytes, frameSize uint32) (bool, error) {
	committed := false

	for nBytes > 0 {
		wantFrames := nBytes / frameSize
		region, err := e.driver.MmapBegin(wantFrames)
		if _, fatal := e.recoverIfTransient(err); fatal != nil {
			return committed, fatal
		} else if err != nil {
			return committed, nil
		}

		assertRegionLayout(region, frameSize)

		frames := region.Frames
		if maxFrames := MaxBlockSize / frameSize; frames > maxFrames {
			frames = maxFrames
		}

		if frames == 0 {
			break
		}

		chunkBytes := frames * frameSize
		chunk := source.NewFixed(region.Data[:chunkBytes])

		e.sink.Post(chunk)
		chunk.Release()
		e.postsCount++

		if err := e.driver.MmapCommit(frames); err != nil {
			return committed, fmt.Errorf("engine: mmap commit: %w", err)
		}

		e.readCount += uint64(chunkBytes)
		nBytes -= chunkBytes
		committed = true
	}

	return committed, nil
}

// unixRead is §4.7's copy-based capture path, sharing mmapRead's outer
// control structure but reading into a pooled chunk instead of a borrowed
// mmap view.
func (e *Engine) unixRead() (int, time.Duration, error) {
	workDone := 0
	var sleepUsec time.Duration

	for i := 0; i < maxSubIterations; i++ {
		avail, err := e.driver.Avail()
		if recovered, fatal := e.recoverIfTransient(err); fatal != nil {
			return -1, 0, fatal
		} else if recovered {
			continue
		}

		frameSize := e.driver.FrameSize()
		nBytes := avail * frameSize

		leftToRecord, overran := e.leftToRecord(nBytes)
		if overran {
			e.overrunCount++
			e.log.Infow("overrun", "hwbuf_size", e.geometry.HWBufSize, "n_bytes", nBytes)

			if e.geometry.Tsched {
				e.applyOverrunAdjustment()
			}
		}

		budget := e.geometry.computeWakeupBudget(e.sink.RequestedLatencyWithinThread())
		sleepUsec = e.geometry.bytesToDuration(uint64(leftToRecord)) - budget.Process

		if !e.polled && e.geometry.bytesToDuration(uint64(leftToRecord)) > budget.Process+budget.Sleep/2 {
			return workDone, sleepUsec, nil
		}

		if nBytes == 0 {
			if e.polled {
				e.log.Warnw("driver woke us with nothing to record")
			}

			return workDone, sleepUsec, nil
		}

		read, err := e.unixDrain(nBytes, frameSize)
		if err != nil {
			return -1, 0, err
		}

		if read {
			workDone = 1
		}
	}

	return workDone, sleepUsec, nil
}

func (e *Engine) unixDrain(nBytes, frameSize uint32) (bool, error) {
	read := false

	for nBytes > 0 {
		want := nBytes
		if want > MaxBlockSize {
			want = MaxBlockSize
		}

		want -= want % frameSize
		if want == 0 {
			break
		}

		chunk, ok := e.pool.Get(int(want))
		if !ok {
			break
		}

		n, err := e.driver.Read(chunk.Bytes())
		if recovered, fatal := e.recoverIfTransient(err); fatal != nil {
			chunk.Release()

			return read, fatal
		} else if recovered {
			chunk.Release()

			break
		}

		if n == 0 {
			chunk.Release()

			break
		}

		if n < int(want) {
			chunk.Truncate(n)
		}

		e.sink.Post(chunk)
		chunk.Release()
		e.postsCount++

		e.readCount += uint64(n)
		nBytes -= uint32(n)
		read = true
	}

	return read, nil
}

// assertRegionLayout enforces §4.6's channel-area alignment invariants on a
// region returned by MmapBegin: the area must start at bit 0 (byte-aligned,
// no leading padding) and its per-channel stride must equal one whole frame,
// i.e. the region is a single flat interleaved buffer. mmapDrain slices
// region.Data directly as such a buffer; a violation means the driver adapter
// handed back a layout this engine was never written to understand, which is
// a programming error in the adapter, not a condition to recover from.
func assertRegionLayout(region alsa.MmapRegion, frameSize uint32) {
	if region.AreaFirstBit != 0 {
		panic(fmt.Sprintf("engine: mmap region area starts at bit %d, want 0 (byte-aligned)", region.AreaFirstBit))
	}

	if region.ChannelStrideBits != frameSize*8 {
		panic(fmt.Sprintf("engine: mmap region channel stride is %d bits, want %d (frame_size*8)", region.ChannelStrideBits, frameSize*8))
	}
}

// leftToRecord implements §4.6's check_left_to_record: the remaining usable
// buffer space once n_bytes is accounted for, and whether this wake observed
// an overrun condition.
func (e *Engine) leftToRecord(nBytes uint32) (left uint32, overran bool) {
	usable := e.geometry.usableBuffer()

	if nBytes <= usable {
		return usable - nBytes, false
	}

	return 0, true
}

// applyOverrunAdjustment runs §4.4's adjuster and bumps the matching counter.
func (e *Engine) applyOverrunAdjustment() {
	watermarkBumped, latencyBumped := e.geometry.adjustAfterOverrun(e.maxLatency)

	switch {
	case watermarkBumped:
		e.watermarkBumps++
	case latencyBumped:
		e.latencyBumps++
	default:
		e.log.Debugw("overrun adjuster saturated, operating at worst achievable quality")
	}
}

// recoverIfTransient classifies err per the closed alsa driver error variant:
// nil error is a no-op; a transient (overrun/suspended) error is recovered
// and reported via the first return so callers can retry; anything else is
// fatal and returned as the second value.
func (e *Engine) recoverIfTransient(err error) (recovered bool, fatal error) {
	if err == nil {
		return false, nil
	}

	if errors.Is(err, alsa.ErrOverrun) || errors.Is(err, alsa.ErrSuspended) {
		if recErr := e.driver.Recover(err, false); recErr != nil {
			return false, fmt.Errorf("engine: recover failed: %w", recErr)
		}

		if startErr := e.driver.Start(); startErr != nil {
			return false, fmt.Errorf("engine: restart after recover failed: %w", startErr)
		}

		return true, nil
	}

	return false, fmt.Errorf("engine: fatal driver error: %w", err)
}
