// Package source reads frames from a capture process, over a unix socket, a fifo, or a file.
//
// Every frame on the wire is a fixed size header followed by the payload:
//
//	[0]      flags (bit 0 = keyframe)
//	[1:4]    reserved
//	[4:12]   PTS in microseconds, int64
//	[12:16]  payload length, uint32
//	[16:20]  red colour gain, float32 (0 if unknown)
//	[20:24]  blue colour gain, float32 (0 if unknown)
//
// All values are little endian. When the connection is writable (unix socket), every Start and Stop
// is sent to the capture process as a single line of JSON.
package source

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/cyclopcam/framecap/server/config"
	"github.com/cyclopcam/framecap/server/control"
	"github.com/cyclopcam/logs"
)

const HeaderSize = 24

const FlagKeyframe = 1

// DefaultMaxFrameSize is used when no limit is configured
const DefaultMaxFrameSize = config.DefaultMaxFrameSize

var ErrFrameTooLarge = errors.New("Frame too large")

// Dialer opens a connection to the capture process
type Dialer func() (io.ReadWriteCloser, error)

// UnixSocketDialer connects to a capture process that is listening on a unix socket
func UnixSocketDialer(path string) Dialer {
	return func() (io.ReadWriteCloser, error) {
		return net.Dial("unix", path)
	}
}

// FileDialer reads frames from a file or fifo. Control messages are discarded.
func FileDialer(path string) Dialer {
	return func() (io.ReadWriteCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return readOnly{f}, nil
	}
}

// ReaderDialer reads frames from r. Control messages are discarded.
func ReaderDialer(r io.Reader) Dialer {
	return func() (io.ReadWriteCloser, error) {
		return readOnly{io.NopCloser(r)}, nil
	}
}

type readOnly struct {
	io.ReadCloser
}

func (readOnly) Write(p []byte) (int, error) { return len(p), nil }

type controlMessage struct {
	Command   string            `json:"command"` // "start" or "stop"
	Session   uint64            `json:"session,omitempty"`
	Segment   uint32            `json:"segment,omitempty"`
	Frames    uint32            `json:"frames,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	Codec     string            `json:"codec,omitempty"`
	AWBGains  string            `json:"awbgains,omitempty"`
	Capture   map[string]string `json:"capture,omitempty"`
}

type result struct {
	frame       *videox.Frame
	err         error
	acquisition uint64 // Value of StreamSource.acquisition when the frame was read
}

// StreamSource is a control.Acquirer. The connection is opened on the first Start, and kept open
// across acquisitions. Frames that arrive while no acquisition is running are dropped.
// So are frames that were read during an earlier acquisition, but only delivered after a later Start.
type StreamSource struct {
	Log          logs.Log
	MaxFrameSize int

	dial      Dialer
	lock      sync.Mutex
	conn      io.ReadWriteCloser
	frames    chan result
	quit      chan struct{}
	readDone  chan struct{}
	acquiring atomic.Bool
	// Incremented by every Start and Stop. A frame is only returned by NextFrame
	// if this has not changed since the frame was read.
	acquisition atomic.Uint64
	codec     atomic.Int32
	received  atomic.Uint64
	dropped   atomic.Uint64
}

var _ control.Acquirer = (*StreamSource)(nil)

func NewStreamSource(log logs.Log, dial Dialer, maxFrameSize int) *StreamSource {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &StreamSource{
		Log:          log,
		MaxFrameSize: maxFrameSize,
		dial:         dial,
	}
}

func (s *StreamSource) Start(params control.AcquisitionParams) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.codec.Store(int32(params.Codec))
	s.acquisition.Add(1)

	// Discard anything left over from the previous acquisition
	for drained := s.frames == nil; !drained; {
		select {
		case r := <-s.frames:
			if r.err != nil {
				// The connection died between acquisitions. Leave the error for NextFrame.
				s.frames <- r
				drained = true
			} else {
				s.dropped.Add(1)
			}
		default:
			drained = true
		}
	}

	s.acquiring.Store(true)
	if s.conn == nil {
		conn, err := s.dial()
		if err != nil {
			return fmt.Errorf("Failed to connect to capture source: %w", err)
		}
		s.conn = conn
		s.frames = make(chan result, 64)
		s.quit = make(chan struct{})
		s.readDone = make(chan struct{})
		go s.readLoop(conn, s.frames, s.quit, s.readDone)
	}

	return s.sendControl(controlMessage{
		Command:   "start",
		Session:   params.SessionID,
		Segment:   params.Segment,
		Frames:    params.Frames,
		TimeoutMS: params.Timeout.Milliseconds(),
		Codec:     codecName(params.Codec),
		AWBGains:  params.GainHint,
		Capture:   params.Capture,
	})
}

func codecName(c videox.Codec) string {
	if c == videox.CodecUnknown {
		return ""
	}
	return c.String()
}

func (s *StreamSource) NextFrame(ctx context.Context) (*videox.Frame, error) {
	s.lock.Lock()
	frames := s.frames
	s.lock.Unlock()
	if frames == nil {
		return nil, errors.New("NextFrame called before Start")
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-frames:
			if r.err != nil {
				s.disconnect()
				return nil, r.err
			}
			if r.acquisition != s.acquisition.Load() {
				// The read loop was blocked on a full channel across a Stop/Start
				s.dropped.Add(1)
				continue
			}
			return r.frame, nil
		}
	}
}

func (s *StreamSource) Stop() error {
	s.acquiring.Store(false)
	s.acquisition.Add(1)
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.sendControl(controlMessage{Command: "stop"})
}

// Must be called with s.lock held
func (s *StreamSource) sendControl(msg controlMessage) error {
	if s.conn == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("Failed to send %v to capture source: %w", msg.Command, err)
	}
	return nil
}

// Number of frames received, and number dropped because they did not belong to the running acquisition
func (s *StreamSource) Stats() (received, dropped uint64) {
	return s.received.Load(), s.dropped.Load()
}

func (s *StreamSource) disconnect() {
	s.lock.Lock()
	conn := s.conn
	quit := s.quit
	done := s.readDone
	s.conn = nil
	s.frames = nil
	s.quit = nil
	s.readDone = nil
	s.lock.Unlock()
	if conn != nil {
		close(quit)
		conn.Close()
		<-done
	}
}

// Close disconnects from the capture source
func (s *StreamSource) Close() error {
	s.acquiring.Store(false)
	s.disconnect()
	return nil
}

func (s *StreamSource) readLoop(conn io.Reader, frames chan result, quit, done chan struct{}) {
	defer close(done)
	header := make([]byte, HeaderSize)
	start := time.Now()
	for {
		frame, err := ReadFrame(conn, header, s.MaxFrameSize)
		// Load this before acquiring, so that a Stop and Start in between can't make a stale frame look current
		acquisition := s.acquisition.Load()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("Capture source closed mid-frame: %w", err)
			}
			select {
			case frames <- result{err: err}:
			case <-quit:
			}
			return
		}
		n := s.received.Add(1)
		videox.MarkKeyframe(videox.Codec(s.codec.Load()), frame)
		if !s.acquiring.Load() {
			s.dropped.Add(1)
			continue
		}
		select {
		case frames <- result{frame: frame, acquisition: acquisition}:
		case <-quit:
			return
		}
		if n%1000 == 0 {
			s.Log.Debugf("Received %v frames in %.0f seconds (%v dropped)", n, time.Since(start).Seconds(), s.dropped.Load())
		}
	}
}

// ReadFrame reads one frame. header must be HeaderSize bytes, and is used as scratch space.
// Returns io.EOF if the stream ends cleanly before a new frame.
func ReadFrame(r io.Reader, header []byte, maxFrameSize int) (*videox.Frame, error) {
	if _, err := io.ReadFull(r, header[:HeaderSize]); err != nil {
		return nil, err
	}
	flags := header[0]
	pts := int64(binary.LittleEndian.Uint64(header[4:12]))
	length := binary.LittleEndian.Uint32(header[12:16])
	red := math.Float32frombits(binary.LittleEndian.Uint32(header[16:20]))
	blue := math.Float32frombits(binary.LittleEndian.Uint32(header[20:24]))
	if int64(length) > int64(maxFrameSize) {
		return nil, fmt.Errorf("%w: %v bytes (limit %v)", ErrFrameTooLarge, length, maxFrameSize)
	}
	frame := &videox.Frame{
		Payload:     make([]byte, length),
		IsKeyframe:  flags&FlagKeyframe != 0,
		PTS:         time.Duration(pts) * time.Microsecond,
		ColourGains: [2]float32{red, blue},
	}
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame is the inverse of ReadFrame. It is used by capture processes written in Go, and by tests.
func WriteFrame(w io.Writer, frame *videox.Frame) error {
	header := [HeaderSize]byte{}
	if frame.IsKeyframe {
		header[0] |= FlagKeyframe
	}
	binary.LittleEndian.PutUint64(header[4:12], uint64(frame.PTS.Microseconds()))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(frame.Payload)))
	binary.LittleEndian.PutUint32(header[16:20], math.Float32bits(frame.ColourGains[0]))
	binary.LittleEndian.PutUint32(header[20:24], math.Float32bits(frame.ColourGains[1]))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(frame.Payload)
	return err
}
