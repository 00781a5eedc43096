// Package flush turns the unread content of a frame ring into a contiguous,
// keyframe-prefixed byte stream for a downstream container writer.
package flush

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cyclopcam/framecap/pkg/framering"
	"github.com/cyclopcam/logs"
)

// ErrOutputWriteFailed is returned when at least one frame could not be written to the destination.
var ErrOutputWriteFailed = errors.New("Failed to write output bytes")

// How many leading frames the warm-up variant re-emits, unless configured otherwise
const DefaultWarmupFrames = 10

// Policy controls how a ring is flushed.
//
// If WarmupFrames is greater than zero, then after the first WarmupFrames frames have been
// emitted (or the ring runs out first), the read cursor is rewound once to the first keyframe,
// and those frames are emitted a second time. Some consumers need a few duplicate leading
// frames before they reach steady state. This never happens more than once per flush.
type Policy struct {
	WarmupFrames int
}

// Result of a flush. Bytes always matches what reached the destination, so a frame
// that failed after part of its payload was written still contributes those bytes.
type Result struct {
	Frames        int           // Frames written, including warm-up duplicates
	Bytes         int64         // Bytes written, including warm-up duplicates and partial writes of failed frames
	Skipped       int           // Records discarded before the first keyframe
	FailedFrames  int           // Frames that could not be written
	FirstPTS      time.Duration // PTS of the first keyframe
	LastPTS       time.Duration // PTS of the last frame written
	FoundKeyframe bool
}

// Flush drains the ring into dst.
//
// Every record preceding the first keyframe is skipped. From the first keyframe onwards,
// every payload is written in order. If the ring holds no keyframe at all, nothing is written,
// and this is not an error.
//
// A failed write does not stop the flush. The frame is counted in FailedFrames, and the
// flush carries on with the next frame. If any write failed, the returned error wraps
// ErrOutputWriteFailed and the first underlying error.
//
// Flush only moves the ring's read position.
func (p Policy) Flush(log logs.Log, ring *framering.Ring, dst io.Writer) (Result, error) {
	res := Result{}
	var firstErr error
	warmupDone := p.WarmupFrames <= 0
	warmupCount := 0

	writeFrame := func(h framering.Header) {
		n := 0
		var err error
		ring.Read(int(h.Size), func(b []byte) {
			if err != nil {
				return
			}
			var written int
			written, err = dst.Write(b)
			n += written
			if err == nil && written != len(b) {
				err = io.ErrShortWrite
			}
		})
		ring.Skip(h.PadSize())
		res.Bytes += int64(n)
		if err != nil {
			res.FailedFrames++
			if firstErr == nil {
				firstErr = err
			}
			log.Errorf("Flush failed to write frame of %v bytes (PTS %v): %v", h.Size, h.PTS, err)
			return
		}
		res.Frames++
		res.LastPTS = h.PTS
	}

	for {
		if ring.Empty() {
			if !warmupDone && res.FoundKeyframe {
				// Ran out of frames before reaching WarmupFrames. Rewind anyway, so that
				// short segments also get their leading frames duplicated.
				warmupDone = true
				ring.ResetReadPtr()
				log.Infof("Flush warm-up: re-emitting the first %v frames", warmupCount)
				continue
			}
			break
		}
		if !res.FoundKeyframe {
			// SaveReadPtr must happen before we consume the header, so that a rewind lands on a record boundary
			ring.SaveReadPtr()
		}
		h, err := ring.ReadHeader()
		if err != nil {
			// The ring is corrupt. Discard everything that remains.
			log.Errorf("Flush aborted, frame ring is corrupt: %v", err)
			ring.Skip(ring.Len())
			break
		}
		if !res.FoundKeyframe {
			if !h.IsKeyframe() {
				ring.Skip(int(h.Size) + h.PadSize())
				res.Skipped++
				continue
			}
			res.FoundKeyframe = true
			res.FirstPTS = h.PTS
		}
		writeFrame(h)
		if !warmupDone {
			warmupCount++
			if warmupCount >= p.WarmupFrames {
				warmupDone = true
				ring.ResetReadPtr()
				log.Infof("Flush warm-up: re-emitting the first %v frames", warmupCount)
			}
		}
	}

	if !res.FoundKeyframe {
		log.Warnf("Flush found no keyframe in %v buffered frames. Nothing written", res.Skipped)
	} else {
		log.Infof("Flush wrote %v frames, %v bytes (%v skipped before first keyframe, %v failed)", res.Frames, res.Bytes, res.Skipped, res.FailedFrames)
	}

	if firstErr != nil {
		return res, fmt.Errorf("%w: %v of %v frames failed: %w", ErrOutputWriteFailed, res.FailedFrames, res.Frames+res.FailedFrames, firstErr)
	}
	return res, nil
}
