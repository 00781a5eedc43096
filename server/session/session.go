// Package session holds the state of a single capture session: which mode we're in,
// how many frames and segments we're aiming for, and what we've done so far.
package session

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/framecap/pkg/videox"
)

// Mode selects one of the four mutually exclusive capture behaviors
type Mode int

// SYNC-CAPTURE-MODES
const (
	ModeSingle             Mode = 0 // One acquisition, then back to idle
	ModeRepeatTriggered    Mode = 1 // Repeat acquisitions until EndSegment
	ModeContinuousBuffered Mode = 2 // One acquisition into the ring, flushed at the end
	ModeBufferedTriggered  Mode = 3 // One acquisition per Trigger into the ring, flushed after the last one
)

func ParseMode(v int) (Mode, error) {
	if v < 0 || v > int(ModeBufferedTriggered) {
		return 0, fmt.Errorf("Invalid capture mode %v", v)
	}
	return Mode(v), nil
}

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeRepeatTriggered:
		return "repeat-triggered"
	case ModeContinuousBuffered:
		return "continuous-buffered"
	case ModeBufferedTriggered:
		return "buffered-triggered"
	}
	return "mode-" + strconv.Itoa(int(m))
}

// Returns true if this mode keeps a white balance hint between acquisitions
func (m Mode) TracksGainHint() bool {
	return m == ModeSingle || m == ModeRepeatTriggered
}

// Returns true if acquisitions are started by Trigger events, rather than by the session itself
func (m Mode) WaitsForTrigger() bool {
	return m == ModeBufferedTriggered
}

// Buffering is the default for the modes that have it in their name
func (m Mode) DefaultBuffering() bool {
	return m == ModeContinuousBuffered || m == ModeBufferedTriggered
}

// Settings are the immutable parameters of a session
type Settings struct {
	Mode             Mode
	TargetFrames     uint32        // Frames per acquisition, or segments for ModeBufferedTriggered. 0 = unbounded
	Buffering        bool          // Frames go into the ring (true) or straight to the output (false)
	FramesPerTrigger uint32        // Acquisition length in ModeBufferedTriggered
	Timeout          time.Duration // Duration bound of a single acquisition. 0 = none
}

// Session is created/reset when a session starts, mutated once per frame, and once per control event.
// Counters are atomic, because they are read by the event side while acquisition is running.
type Session struct {
	Settings

	ID uint64

	captured atomic.Uint32 // Frames captured in the current session
	segments atomic.Uint32 // Acquisitions completed in the current session
	triggers atomic.Uint32 // Trigger events accepted in the current session

	gainLock sync.Mutex
	gainHint string // "red,blue" with two decimals, or empty if we have none. Survives Reset.
}

// NoGainHint is the value we hand to the acquisition source when we have no hint
const NoGainHint = "0,0"

// Reset returns the session to defaults, with new settings.
func (s *Session) Reset(id uint64, settings Settings) {
	s.ID = id
	s.Settings = settings
	if s.FramesPerTrigger == 0 {
		s.FramesPerTrigger = 1
	}
	s.captured.Store(0)
	s.segments.Store(0)
	s.triggers.Store(0)
}

// Number of frames that a single acquisition must deliver. 0 = unbounded.
func (s *Session) AcquisitionFrames() uint32 {
	if s.Mode == ModeBufferedTriggered {
		return s.FramesPerTrigger
	}
	return s.TargetFrames
}

func (s *Session) AddCaptured() uint32 {
	return s.captured.Add(1)
}

func (s *Session) Captured() uint32 {
	return s.captured.Load()
}

func (s *Session) AddSegment() uint32 {
	return s.segments.Add(1)
}

func (s *Session) Segments() uint32 {
	return s.segments.Load()
}

func (s *Session) AddTrigger() uint32 {
	return s.triggers.Add(1)
}

func (s *Session) Triggers() uint32 {
	return s.triggers.Load()
}

// Returns true if a BufferedTriggered session has completed all of its segments
func (s *Session) TargetReached() bool {
	return s.Mode == ModeBufferedTriggered && s.TargetFrames != 0 && s.Segments() >= s.TargetFrames
}

// Record the white balance of a completed frame, if this mode carries it forward
func (s *Session) ObserveFrame(f *videox.Frame) {
	if !s.Mode.TracksGainHint() || !f.HasColourGains() {
		return
	}
	hint := fmt.Sprintf("%.2f,%.2f", f.ColourGains[0], f.ColourGains[1])
	s.gainLock.Lock()
	s.gainHint = hint
	s.gainLock.Unlock()
}

// Forget the gain hint
func (s *Session) ClearGainHint() {
	s.gainLock.Lock()
	s.gainHint = ""
	s.gainLock.Unlock()
}

// AcquisitionGainHint returns the hint to pass to the next acquisition.
// ModeSingle always starts from auto white balance, and so does the first acquisition
// of a ModeRepeatTriggered session. The other modes reuse whatever was last observed,
// possibly by an earlier session.
func (s *Session) AcquisitionGainHint() string {
	switch s.Mode {
	case ModeSingle:
		s.ClearGainHint()
	case ModeRepeatTriggered:
		if s.Segments() == 0 {
			s.ClearGainHint()
		}
	}
	return s.GainHint()
}

// GainHint returns the last observed white balance, or NoGainHint
func (s *Session) GainHint() string {
	s.gainLock.Lock()
	defer s.gainLock.Unlock()
	if s.gainHint == "" {
		return NoGainHint
	}
	return s.gainHint
}
