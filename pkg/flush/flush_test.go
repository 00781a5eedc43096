package flush

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/cyclopcam/framecap/pkg/framering"
	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func makeFrame(size int, fill byte, keyframe bool) *videox.Frame {
	return &videox.Frame{
		Payload:    bytes.Repeat([]byte{fill}, size),
		IsKeyframe: keyframe,
		PTS:        time.Duration(fill) * time.Millisecond,
	}
}

func writeFrames(t *testing.T, ring *framering.Ring, frames ...*videox.Frame) {
	for _, f := range frames {
		_, err := ring.Write(f)
		require.NoError(t, err)
	}
}

// Fails every Nth call to Write
type flakyWriter struct {
	buf     bytes.Buffer
	calls   int
	failNth int
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls%w.failNth == 0 {
		return 0, errors.New("pipe closed")
	}
	return w.buf.Write(p)
}

// Three frames of 10, 90, 10 bytes, where the second is the keyframe.
// The ring only has room for the last two, so the first is evicted.
func TestFlushAfterEviction(t *testing.T) {
	log := logs.NewTestingLog(t)
	ring := framering.New(160)
	f1 := makeFrame(10, 1, false)
	f2 := makeFrame(90, 2, true)
	f3 := makeFrame(10, 3, false)
	writeFrames(t, ring, f1, f2, f3)

	out := bytes.Buffer{}
	res, err := Policy{}.Flush(log, ring, &out)
	require.NoError(t, err)
	require.Equal(t, 2, res.Frames)
	require.Equal(t, int64(100), res.Bytes)
	require.Equal(t, 0, res.Skipped)
	require.Equal(t, append(append([]byte{}, f2.Payload...), f3.Payload...), out.Bytes())
	require.Equal(t, f2.PTS, res.FirstPTS)
	require.Equal(t, f3.PTS, res.LastPTS)
	require.True(t, ring.Empty())
}

func TestFlushSkipsLeadingNonKeyframes(t *testing.T) {
	log := logs.NewTestingLog(t)
	ring := framering.New(1024)
	writeFrames(t, ring,
		makeFrame(5, 1, false),
		makeFrame(6, 2, false),
		makeFrame(7, 3, true),
		makeFrame(8, 4, false),
		makeFrame(9, 5, true),
	)
	out := bytes.Buffer{}
	res, err := Policy{}.Flush(log, ring, &out)
	require.NoError(t, err)
	require.Equal(t, 3, res.Frames)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, int64(7+8+9), res.Bytes)
	// Nothing from a record before the first keyframe may appear
	require.NotContains(t, out.Bytes(), byte(1))
	require.NotContains(t, out.Bytes(), byte(2))
	require.Equal(t, byte(3), out.Bytes()[0])
}

func TestFlushWithoutKeyframe(t *testing.T) {
	log := logs.NewTestingLog(t)
	ring := framering.New(1024)
	writeFrames(t, ring, makeFrame(5, 1, false), makeFrame(6, 2, false))
	out := bytes.Buffer{}
	res, err := Policy{}.Flush(log, ring, &out)
	require.NoError(t, err)
	require.False(t, res.FoundKeyframe)
	require.Equal(t, 0, res.Frames)
	require.Equal(t, int64(0), res.Bytes)
	require.Equal(t, 0, out.Len())
	require.True(t, ring.Empty())

	// Empty ring is also fine
	res, err = Policy{}.Flush(log, ring, &out)
	require.NoError(t, err)
	require.Equal(t, 0, res.Frames)
}

func TestFlushWarmup(t *testing.T) {
	log := logs.NewTestingLog(t)
	ring := framering.New(4096)
	writeFrames(t, ring, makeFrame(3, 100, false))
	for i := 0; i < 12; i++ {
		writeFrames(t, ring, makeFrame(4, byte(i), i == 0))
	}
	out := bytes.Buffer{}
	res, err := Policy{WarmupFrames: DefaultWarmupFrames}.Flush(log, ring, &out)
	require.NoError(t, err)
	require.Equal(t, 22, res.Frames)
	require.Equal(t, 1, res.Skipped)

	// Expect frames 0..9, then 0..11
	expect := []byte{}
	for i := 0; i < 10; i++ {
		expect = append(expect, bytes.Repeat([]byte{byte(i)}, 4)...)
	}
	for i := 0; i < 12; i++ {
		expect = append(expect, bytes.Repeat([]byte{byte(i)}, 4)...)
	}
	require.Equal(t, expect, out.Bytes())
	require.True(t, ring.Empty())
}

func TestFlushWarmupShortSegment(t *testing.T) {
	log := logs.NewTestingLog(t)
	ring := framering.New(4096)
	writeFrames(t, ring, makeFrame(4, 1, true), makeFrame(4, 2, true))
	out := bytes.Buffer{}
	res, err := Policy{WarmupFrames: 10}.Flush(log, ring, &out)
	require.NoError(t, err)
	// The rewind happens exactly once, so each frame appears exactly twice
	require.Equal(t, 4, res.Frames)
	require.Equal(t, []byte{1, 1, 1, 1, 2, 2, 2, 2, 1, 1, 1, 1, 2, 2, 2, 2}, out.Bytes())
	require.True(t, ring.Empty())
}

func TestFlushWriteFailureContinues(t *testing.T) {
	log := logs.NewTestingLog(t)
	ring := framering.New(4096)
	for i := 0; i < 6; i++ {
		writeFrames(t, ring, makeFrame(10, byte(i+1), true))
	}
	w := &flakyWriter{failNth: 3}
	res, err := Policy{}.Flush(log, ring, w)
	require.ErrorIs(t, err, ErrOutputWriteFailed)
	require.Equal(t, 4, res.Frames)
	require.Equal(t, 2, res.FailedFrames)
	require.Equal(t, int64(40), res.Bytes)
	require.Equal(t, int(res.Bytes), w.buf.Len())
	require.True(t, ring.Empty())
}

// A payload that wraps around the end of the arena is written in two pieces.
// When only the second piece fails, the first piece is already in the destination.
func TestFlushWrappedFrameFailsHalfway(t *testing.T) {
	log := logs.NewTestingLog(t)
	ring := framering.New(100)
	// Move both cursors to 80, so the header fills [80,96) and the payload wraps after 4 bytes
	ring.Pad(80)
	ring.Skip(80)
	writeFrames(t, ring, makeFrame(30, 7, true))

	w := &flakyWriter{failNth: 2}
	res, err := Policy{}.Flush(log, ring, w)
	require.ErrorIs(t, err, ErrOutputWriteFailed)
	require.Equal(t, 2, w.calls)
	require.Equal(t, 0, res.Frames)
	require.Equal(t, 1, res.FailedFrames)
	require.Equal(t, []byte{7, 7, 7, 7}, w.buf.Bytes())
	require.Equal(t, int64(4), res.Bytes)
	require.True(t, ring.Empty())
}
