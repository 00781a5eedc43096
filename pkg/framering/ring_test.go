package framering

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/stretchr/testify/require"
)

// Create a frame whose payload bytes are all 'fill', so that we can identify it after reading
func makeFrame(size int, fill byte, keyframe bool, pts time.Duration) *videox.Frame {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = fill
	}
	return &videox.Frame{
		Payload:    payload,
		IsKeyframe: keyframe,
		PTS:        pts,
	}
}

type readRecord struct {
	header  Header
	payload []byte
}

// Drain the entire ring, returning every record
func drain(t *testing.T, r *Ring) []readRecord {
	all := []readRecord{}
	for !r.Empty() {
		h, err := r.ReadHeader()
		require.NoError(t, err)
		payload := []byte{}
		r.Read(int(h.Size), func(p []byte) {
			payload = append(payload, p...)
		})
		r.Skip(h.PadSize())
		all = append(all, readRecord{header: h, payload: payload})
	}
	return all
}

func TestRecordSize(t *testing.T) {
	require.Equal(t, 0, AlignUp(0))
	require.Equal(t, 16, AlignUp(1))
	require.Equal(t, 16, AlignUp(16))
	require.Equal(t, 32, AlignUp(17))
	require.Equal(t, 16, RecordSize(0))
	require.Equal(t, 32, RecordSize(10))
	require.Equal(t, 112, RecordSize(90))
}

func TestEmptyAndAvailable(t *testing.T) {
	r := New(100)
	require.True(t, r.Empty())
	require.Equal(t, 99, r.Available())
	require.Equal(t, 0, r.Len())

	_, err := r.Write(makeFrame(10, 1, true, 0))
	require.NoError(t, err)
	require.False(t, r.Empty())
	require.Equal(t, 32, r.Len())
	require.Equal(t, 99-32, r.Available())

	r.Reset()
	require.True(t, r.Empty())
	require.Equal(t, 99, r.Available())
}

func TestBufferTooSmall(t *testing.T) {
	r := New(100)
	// A 90 byte payload needs 16 + 96 = 112 bytes, which can never fit into 99 usable bytes
	_, err := r.Write(makeFrame(90, 1, true, 0))
	require.ErrorIs(t, err, ErrBufferTooSmall)
	require.True(t, r.Empty())

	// The largest payload that fits is 80 bytes (16 + 80 = 96 <= 99)
	require.True(t, r.CanHold(80))
	require.False(t, r.CanHold(81))

	// BufferTooSmall must not depend on ring content
	_, err = r.Write(makeFrame(20, 2, false, 0))
	require.NoError(t, err)
	_, err = r.Write(makeFrame(84, 3, false, 0))
	require.ErrorIs(t, err, ErrBufferTooSmall)
	recs := drain(t, r)
	require.Equal(t, 1, len(recs))
	require.Equal(t, byte(2), recs[0].payload[0])

	// A record of exactly Capacity-1 bytes fits
	r = New(RecordSize(16) + 1)
	_, err = r.Write(makeFrame(16, 4, true, 0))
	require.NoError(t, err)
	require.Equal(t, 0, r.Available())
	_, err = r.Write(makeFrame(16, 5, true, 0))
	require.NoError(t, err)
	recs = drain(t, r)
	require.Equal(t, 1, len(recs))
	require.Equal(t, byte(5), recs[0].payload[0])
}

func TestEvictOldest(t *testing.T) {
	// 10 (32 bytes) + 90 (112 bytes) fit into 159 usable bytes, but adding another
	// 10 byte frame must evict exactly the first record.
	r := New(160)
	_, err := r.Write(makeFrame(10, 1, false, 1*time.Millisecond))
	require.NoError(t, err)
	_, err = r.Write(makeFrame(90, 2, true, 2*time.Millisecond))
	require.NoError(t, err)
	evicted, err := r.Write(makeFrame(10, 3, false, 3*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	recs := drain(t, r)
	require.Equal(t, 2, len(recs))
	require.Equal(t, uint32(90), recs[0].header.Size)
	require.True(t, recs[0].header.IsKeyframe())
	require.Equal(t, 2*time.Millisecond, recs[0].header.PTS)
	require.Equal(t, makeFrame(90, 2, true, 0).Payload, recs[0].payload)
	require.Equal(t, uint32(10), recs[1].header.Size)
	require.False(t, recs[1].header.IsKeyframe())
	require.Equal(t, makeFrame(10, 3, false, 0).Payload, recs[1].payload)
}

func TestReadWraparound(t *testing.T) {
	// 100 is not a multiple of Align, so records straddle the end of the arena at odd offsets
	r := New(100)
	for i := 0; i < 20; i++ {
		_, err := r.Write(makeFrame(10, byte(i), i%3 == 0, time.Duration(i)))
		require.NoError(t, err)
	}
	// 99 usable bytes hold 3 records of 32 bytes
	recs := drain(t, r)
	require.Equal(t, 3, len(recs))
	for i, rec := range recs {
		require.Equal(t, byte(17+i), rec.payload[0])
		require.Equal(t, time.Duration(17+i), rec.header.PTS)
	}

	// A payload that crosses the end of the arena is delivered as two spans
	r.Reset()
	r.Skip(80)
	r.Pad(80)
	_, err := r.Write(makeFrame(30, 7, true, 0))
	require.NoError(t, err)
	h, err := r.ReadHeader()
	require.NoError(t, err)
	spans := 0
	total := 0
	r.Read(int(h.Size), func(p []byte) {
		spans++
		total += len(p)
	})
	// header occupies [80,96), so the payload runs from 96 past the end of the arena
	require.Equal(t, 2, spans)
	require.Equal(t, 30, total)
}

func TestReadPastEndPanics(t *testing.T) {
	r := New(64)
	require.Panics(t, func() {
		r.Read(1, func(p []byte) {})
	})
}

func TestSaveResetReadPtr(t *testing.T) {
	r := New(200)
	for i := 0; i < 3; i++ {
		_, err := r.Write(makeFrame(8, byte(i), true, 0))
		require.NoError(t, err)
	}
	r.SaveReadPtr()
	first := drain(t, r)
	require.True(t, r.Empty())
	r.ResetReadPtr()
	second := drain(t, r)
	require.Equal(t, first, second)
}

// Write random frames, and verify the invariants after every write
func TestRandomWritesInvariants(t *testing.T) {
	for _, capacity := range []int{64, 100, 257, 4096} {
		rng := rand.New(rand.NewSource(int64(capacity)))
		r := New(capacity)
		written := []*videox.Frame{}
		for i := 0; i < 2000; i++ {
			size := rng.Intn(capacity)
			f := makeFrame(size, byte(i), rng.Intn(4) == 0, time.Duration(i))
			_, err := r.Write(f)
			if RecordSize(size) > capacity-1 {
				require.ErrorIs(t, err, ErrBufferTooSmall)
				continue
			}
			require.NoError(t, err)
			written = append(written, f)
			require.GreaterOrEqual(t, r.Available(), 0)
			require.Less(t, r.Available(), capacity)
			require.Less(t, r.Len(), capacity)
		}

		// The unread region must be the most recent records, in FIFO order
		recs := drain(t, r)
		require.NotEmpty(t, recs)
		tail := written[len(written)-len(recs):]
		for i, rec := range recs {
			require.Equal(t, tail[i].PTS, rec.header.PTS)
			require.Equal(t, tail[i].IsKeyframe, rec.header.IsKeyframe())
			require.Equal(t, tail[i].Payload, rec.payload)
		}
	}
}

// After Reset, a ring must behave identically to a freshly constructed ring
func TestResetIsIdempotent(t *testing.T) {
	ops := func(r *Ring) []readRecord {
		for i := 0; i < 50; i++ {
			_, err := r.Write(makeFrame(5+i%40, byte(i), i%7 == 0, time.Duration(i)))
			require.NoError(t, err)
		}
		return drain(t, r)
	}

	fresh := New(300)
	expect := ops(fresh)

	used := New(300)
	for i := 0; i < 17; i++ {
		_, err := used.Write(makeFrame(13*i%200, 0xee, true, 0))
		if err != nil {
			require.True(t, errors.Is(err, ErrBufferTooSmall))
		}
	}
	used.Skip(7)
	used.SaveReadPtr()
	used.Reset()
	used.Reset()
	require.Equal(t, expect, ops(used))
}

func TestPeekHeaderOnEmpty(t *testing.T) {
	r := New(64)
	_, err := r.PeekHeader()
	require.Error(t, err)
}
