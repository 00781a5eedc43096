// Package framering is a fixed-capacity circular byte store for encoded frames.
//
// Every frame is stored as a record: a HeaderSize byte header, followed by the payload,
// followed by padding up to the next multiple of Align. Because the header carries the
// payload size, every record boundary is self-describing, and a record can be skipped
// without looking at its payload.
//
// When a new record doesn't fit, the oldest records are evicted, so the ring always
// holds the most recent frames that fit into it. This is what gives us a continuous
// pre-record buffer.
//
// One byte of the arena is always held back, so that readPos == writePos unambiguously
// means "empty". The number of unread bytes never reaches Capacity().
//
// A Ring is not safe for concurrent use. The caller guarantees that writing (during
// acquisition) and reading (during flush) never overlap.
package framering

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/framecap/pkg/videox"
)

// Alignment of every record boundary inside the arena. Must be a power of 2.
const Align = 16

// Size of a record header: size (4), flags (4), PTS (8)
const HeaderSize = 16

// ErrBufferTooSmall is returned when a single record can never fit, not even into an empty ring.
var ErrBufferTooSmall = errors.New("Frame ring is too small to hold a single frame")

type HeaderFlags uint32

const (
	HeaderFlagKeyframe HeaderFlags = 1
)

// Header is the self-describing prefix of every record in the ring
type Header struct {
	Size  uint32 // Payload size, excluding padding
	Flags HeaderFlags
	PTS   time.Duration
}

func (h *Header) IsKeyframe() bool {
	return h.Flags&HeaderFlagKeyframe != 0
}

// Number of padding bytes that follow the payload
func (h *Header) PadSize() int {
	return AlignUp(int(h.Size)) - int(h.Size)
}

// Total size of the record, including the header and padding
func (h *Header) RecordSize() int {
	return RecordSize(int(h.Size))
}

func (h *Header) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Size)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Flags))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.PTS))
}

func (h *Header) decode(src []byte) {
	h.Size = binary.LittleEndian.Uint32(src[0:4])
	h.Flags = HeaderFlags(binary.LittleEndian.Uint32(src[4:8]))
	h.PTS = time.Duration(binary.LittleEndian.Uint64(src[8:16]))
}

// Round n up to the next multiple of Align
func AlignUp(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}

// Number of ring bytes consumed by a frame with the given payload size
func RecordSize(payloadSize int) int {
	return HeaderSize + AlignUp(payloadSize)
}

// Ring is a circular store of frame records, inside a single contiguous arena.
type Ring struct {
	buf          []byte
	readPos      int
	writePos     int
	savedReadPos int
	hdr          [HeaderSize]byte
}

// New allocates a ring with the given total capacity in bytes.
func New(capacity int) *Ring {
	if capacity < 1 {
		panic("Frame ring capacity must be at least 1 byte")
	}
	return &Ring{
		buf: make([]byte, capacity),
	}
}

// Total size of the arena. This never changes.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Largest record that the ring can ever hold
func (r *Ring) MaxRecordSize() int {
	return len(r.buf) - 1
}

// Returns true if a frame with the given payload size can ever be stored
func (r *Ring) CanHold(payloadSize int) bool {
	return RecordSize(payloadSize) <= r.MaxRecordSize()
}

func (r *Ring) Empty() bool {
	return r.readPos == r.writePos
}

// Number of unread bytes
func (r *Ring) Len() int {
	return (r.writePos - r.readPos + len(r.buf)) % len(r.buf)
}

// Number of bytes that can be written without evicting anything.
// This is always in [0, Capacity()-1].
func (r *Ring) Available() int {
	return len(r.buf) - 1 - r.Len()
}

// Discard all content, and return to the same state as a freshly constructed ring.
// The arena is retained.
func (r *Ring) Reset() {
	r.readPos = 0
	r.writePos = 0
	r.savedReadPos = 0
}

// Remember the current read position, so that it can be restored by ResetReadPtr.
// Only one position is retained.
func (r *Ring) SaveReadPtr() {
	r.savedReadPos = r.readPos
}

// Restore the read position saved by SaveReadPtr
func (r *Ring) ResetReadPtr() {
	r.readPos = r.savedReadPos
}

// Advance the read position by n bytes without delivering them
func (r *Ring) Skip(n int) {
	r.readPos = (r.readPos + n) % len(r.buf)
}

// Advance the write position by n bytes. The skipped bytes are "don't care" content,
// but they still occupy ring space.
func (r *Ring) Pad(n int) {
	r.writePos = (r.writePos + n) % len(r.buf)
}

// Read delivers the next n unread bytes to dst, in at most two calls (when the span wraps
// around the end of the arena), and advances the read position.
// The slices passed to dst alias the arena, so dst must not retain them.
func (r *Ring) Read(n int, dst func(p []byte)) {
	if n > r.Len() {
		panic(fmt.Sprintf("Frame ring read of %v bytes, but only %v are unread", n, r.Len()))
	}
	if r.readPos+n >= len(r.buf) {
		first := len(r.buf) - r.readPos
		if first != 0 {
			dst(r.buf[r.readPos:])
		}
		n -= first
		r.readPos = 0
	}
	if n != 0 {
		dst(r.buf[r.readPos : r.readPos+n])
	}
	r.readPos += n
}

// ReadHeader consumes the record header at the read position.
// The caller must then consume the payload and padding with Read and/or Skip.
func (r *Ring) ReadHeader() (Header, error) {
	h, err := r.PeekHeader()
	if err != nil {
		return h, err
	}
	r.Skip(HeaderSize)
	return h, nil
}

// PeekHeader decodes the record header at the read position, without consuming it
func (r *Ring) PeekHeader() (Header, error) {
	h := Header{}
	if r.Len() < HeaderSize {
		return h, fmt.Errorf("Frame ring has %v unread bytes, which is less than a record header", r.Len())
	}
	r.copyOut(r.readPos, r.hdr[:])
	h.decode(r.hdr[:])
	if h.RecordSize() > r.Len() {
		return h, fmt.Errorf("Frame ring record of %v bytes extends past the write position", h.RecordSize())
	}
	return h, nil
}

// Write appends the frame as a single record, evicting the oldest records if necessary.
// Returns ErrBufferTooSmall if the record cannot fit even into an empty ring.
// Returns the number of records that were evicted to make space.
func (r *Ring) Write(frame *videox.Frame) (evicted int, err error) {
	size := len(frame.Payload)
	recordSize := RecordSize(size)
	if recordSize > r.MaxRecordSize() || uint64(size) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w (record is %v bytes, ring capacity is %v bytes)", ErrBufferTooSmall, recordSize, r.Capacity())
	}

	for r.Available() < recordSize {
		if err := r.evictOldest(); err != nil {
			// This can only happen if the arena was corrupted. The only way forward is to start over.
			r.Reset()
			return evicted, err
		}
		evicted++
	}

	h := Header{
		Size: uint32(size),
		PTS:  frame.PTS,
	}
	if frame.IsKeyframe {
		h.Flags |= HeaderFlagKeyframe
	}
	h.encode(r.hdr[:])
	r.copyIn(r.hdr[:])
	r.copyIn(frame.Payload)
	r.Pad(h.PadSize())
	return evicted, nil
}

func (r *Ring) evictOldest() error {
	h, err := r.PeekHeader()
	if err != nil {
		return err
	}
	r.Skip(h.RecordSize())
	return nil
}

// Copy src into the arena at the write position, wrapping around if necessary
func (r *Ring) copyIn(src []byte) {
	n := copy(r.buf[r.writePos:], src)
	if n < len(src) {
		n2 := copy(r.buf, src[n:])
		r.writePos = n2
	} else {
		r.writePos = (r.writePos + n) % len(r.buf)
	}
}

// Copy len(dst) bytes out of the arena, starting at pos, wrapping around if necessary
func (r *Ring) copyOut(pos int, dst []byte) {
	n := copy(dst, r.buf[pos:])
	if n < len(dst) {
		copy(dst[n:], r.buf)
	}
}
