package output

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/framecap/pkg/flush"
	"github.com/cyclopcam/framecap/pkg/framering"
	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/cyclopcam/framecap/server/session"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// Counts how many times the destination was opened
type countingDest struct {
	buf   bytes.Buffer
	opens int
}

func (c *countingDest) open() (io.WriteCloser, error) {
	c.opens++
	return nopCloser{&c.buf}, nil
}

// Writes one byte less than asked for
type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return len(p) - 1, nil
}

func newTestSink(t *testing.T, settings session.Settings, ringSize int) (*Sink, *countingDest, *countingDest, *framering.Ring) {
	log := logs.NewTestingLog(t)
	sess := &session.Session{}
	sess.Reset(1, settings)
	ring := framering.New(ringSize)
	direct := &countingDest{}
	buffered := &countingDest{}
	sink := NewSink(log, sess, NewDirectOutput(log, direct.open), NewBufferedOutput(log, ring, flush.Policy{}, buffered.open))
	require.NoError(t, sink.Begin(""))
	return sink, direct, buffered, ring
}

func TestSinkPassThrough(t *testing.T) {
	sink, direct, buffered, ring := newTestSink(t, session.Settings{Mode: session.ModeSingle, TargetFrames: 1, Buffering: false}, 1024)
	frame := &videox.Frame{Payload: []byte{1, 2, 3, 4, 5}}
	require.NoError(t, sink.Accept(frame))
	require.Equal(t, []byte{1, 2, 3, 4, 5}, direct.buf.Bytes())
	require.True(t, ring.Empty())
	require.Equal(t, 0, buffered.opens)

	res, err := sink.Flush()
	require.NoError(t, err)
	require.Equal(t, 1, res.Frames)
	require.Equal(t, int64(5), res.Bytes)
	require.True(t, ring.Empty())
}

func TestSinkBuffered(t *testing.T) {
	sink, direct, buffered, ring := newTestSink(t, session.Settings{Mode: session.ModeContinuousBuffered, Buffering: true}, 1024)
	require.NoError(t, sink.Accept(&videox.Frame{Payload: []byte{9, 9}}))
	require.NoError(t, sink.Accept(&videox.Frame{Payload: []byte{1, 2, 3}, IsKeyframe: true}))
	require.NoError(t, sink.Accept(&videox.Frame{Payload: []byte{4}}))
	require.False(t, ring.Empty())
	require.Equal(t, 0, direct.opens)
	// The destination is only opened when we flush
	require.Equal(t, 0, buffered.opens)

	res, err := sink.Flush()
	require.NoError(t, err)
	require.Equal(t, 1, buffered.opens)
	require.Equal(t, 2, res.Frames)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, []byte{1, 2, 3, 4}, buffered.buf.Bytes())
	require.Equal(t, 0, direct.buf.Len())
}

func TestSinkBufferTooSmall(t *testing.T) {
	sink, _, _, _ := newTestSink(t, session.Settings{Mode: session.ModeContinuousBuffered, Buffering: true}, 64)
	err := sink.Accept(&videox.Frame{Payload: make([]byte, 100)})
	require.ErrorIs(t, err, framering.ErrBufferTooSmall)
	require.True(t, IsBufferTooSmall(err))
}

func TestDirectShortWrite(t *testing.T) {
	log := logs.NewTestingLog(t)
	d := NewDirectOutput(log, WriterDestination(shortWriter{}))
	err := d.Accept(&videox.Frame{Payload: []byte{1, 2, 3}})
	require.ErrorIs(t, err, ErrOutputWriteFailed)
	require.ErrorIs(t, err, io.ErrShortWrite)
	res, err := d.Flush()
	require.NoError(t, err)
	// Totals only reflect successfully written data
	require.Equal(t, 0, res.Frames)
	require.Equal(t, int64(0), res.Bytes)
	require.Equal(t, 1, res.FailedFrames)
}

func TestSinkResetClearsRing(t *testing.T) {
	sink, _, _, ring := newTestSink(t, session.Settings{Mode: session.ModeBufferedTriggered, Buffering: true}, 1024)
	require.NoError(t, sink.Accept(&videox.Frame{Payload: []byte{1}, IsKeyframe: true}))
	require.False(t, ring.Empty())
	sink.Reset()
	require.True(t, ring.Empty())
}

func TestTimestampFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timestamps.txt")
	sink, _, _, _ := newTestSink(t, session.Settings{Mode: session.ModeContinuousBuffered, Buffering: true}, 4096)
	require.NoError(t, sink.Begin(path))
	pts := []time.Duration{
		5 * time.Second,
		5*time.Second + 33333*time.Microsecond,
		5*time.Second + 66667*time.Microsecond,
	}
	for _, p := range pts {
		require.NoError(t, sink.Accept(&videox.Frame{Payload: []byte{1}, IsKeyframe: true, PTS: p}))
	}
	_, err := sink.Flush()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "# timecode format v2\n0.000\n33.333\n66.667\n", string(raw))
}

func TestTimestampFileBadPath(t *testing.T) {
	sink, _, _, _ := newTestSink(t, session.Settings{Mode: session.ModeSingle}, 1024)
	err := sink.Begin(filepath.Join(t.TempDir(), "no-such-dir", "ts.txt"))
	require.Error(t, err)
}

func TestFileDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	log := logs.NewTestingLog(t)
	d := NewDirectOutput(log, FileDestination(path))
	require.NoError(t, d.Accept(&videox.Frame{Payload: []byte("hello ")}))
	require.NoError(t, d.Accept(&videox.Frame{Payload: []byte("world")}))
	d.Reset()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(raw))
}
