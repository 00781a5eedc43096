// Package output decides where each captured frame goes: straight to the destination,
// or into the frame ring, to be flushed later.
package output

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cyclopcam/framecap/pkg/flush"
	"github.com/cyclopcam/framecap/pkg/framering"
	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/cyclopcam/logs"
)

// ErrOutputWriteFailed is the same sentinel that flush uses, so that callers only need to check for one
var ErrOutputWriteFailed = flush.ErrOutputWriteFailed

// Output is a strategy for disposing of frames
type Output interface {
	// Accept takes ownership of a copy of the frame (the caller may reuse frame.Payload afterwards)
	Accept(frame *videox.Frame) error

	// Flush pushes any retained frames to the destination
	Flush() (flush.Result, error)

	// Reset discards retained frames and counters, and closes the destination
	Reset()
}

// Counters are shared with the controller's status reporting, which may run on a different goroutine
type Counters struct {
	FramesWritten atomic.Uint64
	BytesWritten  atomic.Uint64
	FramesFailed  atomic.Uint64
}

// DirectOutput writes every frame's payload to the destination the moment it arrives
type DirectOutput struct {
	Log      logs.Log
	Counters Counters
	dest     *lazyDestination
}

func NewDirectOutput(log logs.Log, dest Destination) *DirectOutput {
	return &DirectOutput{
		Log:  log,
		dest: &lazyDestination{open: dest},
	}
}

func (d *DirectOutput) Accept(frame *videox.Frame) error {
	w, err := d.dest.writer()
	if err != nil {
		d.Counters.FramesFailed.Add(1)
		return fmt.Errorf("%w: %w", ErrOutputWriteFailed, err)
	}
	n, err := w.Write(frame.Payload)
	if err == nil && n != len(frame.Payload) {
		err = io.ErrShortWrite
	}
	if err != nil {
		d.Counters.FramesFailed.Add(1)
		return fmt.Errorf("%w: wrote %v of %v bytes: %w", ErrOutputWriteFailed, n, len(frame.Payload), err)
	}
	d.Counters.FramesWritten.Add(1)
	d.Counters.BytesWritten.Add(uint64(n))
	return nil
}

// Flush has nothing to do, because nothing is retained. It reports what was written so far.
func (d *DirectOutput) Flush() (flush.Result, error) {
	return flush.Result{
		Frames:       int(d.Counters.FramesWritten.Load()),
		Bytes:        int64(d.Counters.BytesWritten.Load()),
		FailedFrames: int(d.Counters.FramesFailed.Load()),
	}, nil
}

func (d *DirectOutput) Reset() {
	d.Counters.FramesWritten.Store(0)
	d.Counters.BytesWritten.Store(0)
	d.Counters.FramesFailed.Store(0)
	if err := d.dest.close(); err != nil {
		d.Log.Warnf("Error closing output: %v", err)
	}
}

// BufferedOutput writes frames into the frame ring, and only touches the destination during Flush
type BufferedOutput struct {
	Log      logs.Log
	Ring     *framering.Ring
	Policy   flush.Policy
	Counters Counters
	buffered atomic.Uint64
	evicted  atomic.Uint64
	dest     *lazyDestination
}

func NewBufferedOutput(log logs.Log, ring *framering.Ring, policy flush.Policy, dest Destination) *BufferedOutput {
	return &BufferedOutput{
		Log:    log,
		Ring:   ring,
		Policy: policy,
		dest:   &lazyDestination{open: dest},
	}
}

func (b *BufferedOutput) Accept(frame *videox.Frame) error {
	evicted, err := b.Ring.Write(frame)
	if err != nil {
		return err
	}
	b.buffered.Add(1)
	if evicted != 0 {
		b.evicted.Add(uint64(evicted))
	}
	return nil
}

// Number of frames accepted since the last Reset, including those that have since been evicted
func (b *BufferedOutput) FramesBuffered() uint64 {
	return b.buffered.Load()
}

// Number of frames that were overwritten by newer frames since the last Reset
func (b *BufferedOutput) FramesEvicted() uint64 {
	return b.evicted.Load()
}

// Flush drains the ring into the destination. Failure to open the destination leaves the ring intact.
func (b *BufferedOutput) Flush() (flush.Result, error) {
	w, err := b.dest.writer()
	if err != nil {
		return flush.Result{}, fmt.Errorf("%w: %w", ErrOutputWriteFailed, err)
	}
	b.Log.Infof("Flushing %v buffered bytes (%v frames accepted, %v evicted)", b.Ring.Len(), b.FramesBuffered(), b.FramesEvicted())
	res, err := b.Policy.Flush(b.Log, b.Ring, w)
	b.Counters.FramesWritten.Add(uint64(res.Frames))
	b.Counters.BytesWritten.Add(uint64(res.Bytes))
	b.Counters.FramesFailed.Add(uint64(res.FailedFrames))
	return res, err
}

func (b *BufferedOutput) Reset() {
	b.Ring.Reset()
	b.buffered.Store(0)
	b.evicted.Store(0)
	b.Counters.FramesWritten.Store(0)
	b.Counters.BytesWritten.Store(0)
	b.Counters.FramesFailed.Store(0)
	if err := b.dest.close(); err != nil {
		b.Log.Warnf("Error closing output: %v", err)
	}
}

// IsBufferTooSmall returns true if err means that the ring can never hold a frame
func IsBufferTooSmall(err error) bool {
	return errors.Is(err, framering.ErrBufferTooSmall)
}
