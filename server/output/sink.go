package output

import (
	"github.com/cyclopcam/framecap/pkg/flush"
	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/cyclopcam/framecap/server/session"
	"github.com/cyclopcam/logs"
)

// Sink is the boundary between the acquisition pipeline and our outputs.
// It routes each frame to the buffered or the direct output, depending on the session's
// buffering flag, and optionally appends one line per frame to a timestamp file.
type Sink struct {
	Log      logs.Log
	Session  *session.Session
	Direct   Output
	Buffered Output

	timestamps *TimestampFile
}

func NewSink(log logs.Log, sess *session.Session, direct, buffered Output) *Sink {
	return &Sink{
		Log:      log,
		Session:  sess,
		Direct:   direct,
		Buffered: buffered,
	}
}

// Begin prepares for a new session. If timestampsPath is not empty, a timestamp file is created there.
// On error, nothing has been changed.
func (s *Sink) Begin(timestampsPath string) error {
	var ts *TimestampFile
	if timestampsPath != "" {
		var err error
		if ts, err = CreateTimestampFile(timestampsPath); err != nil {
			return err
		}
	}
	s.Reset()
	s.timestamps = ts
	return nil
}

func (s *Sink) active() Output {
	if s.Session.Buffering {
		return s.Buffered
	}
	return s.Direct
}

// Accept routes the frame. Errors are ErrOutputWriteFailed (direct) or framering.ErrBufferTooSmall (buffered).
func (s *Sink) Accept(frame *videox.Frame) error {
	if s.timestamps != nil {
		if err := s.timestamps.Record(frame.PTS); err != nil {
			s.Log.Warnf("Failed to write timestamp: %v", err)
		}
	}
	return s.active().Accept(frame)
}

// Flush closes the timestamp file, and flushes the active output
func (s *Sink) Flush() (flush.Result, error) {
	s.closeTimestamps()
	return s.active().Flush()
}

// FlushFrames flushes the active output, but leaves the timestamp file open, for sessions
// that flush once per segment.
func (s *Sink) FlushFrames() (flush.Result, error) {
	return s.active().Flush()
}

// Reset discards everything retained by both outputs, and closes all files
func (s *Sink) Reset() {
	s.closeTimestamps()
	s.Direct.Reset()
	s.Buffered.Reset()
}

func (s *Sink) closeTimestamps() {
	if s.timestamps == nil {
		return
	}
	if err := s.timestamps.Close(); err != nil {
		s.Log.Warnf("Failed to close timestamp file %v: %v", s.timestamps.Path, err)
	} else {
		s.Log.Infof("Wrote %v timestamps to %v", s.timestamps.Count(), s.timestamps.Path)
	}
	s.timestamps = nil
}
