// Package control runs the capture session state machine.
//
// Control events (Reconfigure, Trigger, EndSegment) are posted into a single-slot mailbox
// from any goroutine. The controller goroutine takes them out one at a time, and runs
// acquisitions inline. While an acquisition is running, the mailbox is checked after every
// completed frame, which is the only point at which an acquisition can be interrupted.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/framecap/pkg/flush"
	"github.com/cyclopcam/framecap/pkg/framering"
	"github.com/cyclopcam/framecap/pkg/logx"
	"github.com/cyclopcam/framecap/pkg/perfstats"
	"github.com/cyclopcam/framecap/server/config"
	"github.com/cyclopcam/framecap/server/output"
	"github.com/cyclopcam/framecap/server/session"
	"github.com/cyclopcam/logs"
)

type State int32

const (
	StateIdle       State = iota // Waiting for Reconfigure
	StateActive                  // A session is running, or waiting for Trigger
	StateTerminated              // A BufferedTriggered session reached its target. Nothing more happens.
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Why an acquisition stopped
type StopReason int

const (
	StopTargetReached StopReason = iota
	StopEndSegment
	StopTimeout
	StopEndOfStream
	StopCancelled
	StopError
)

func (r StopReason) String() string {
	switch r {
	case StopTargetReached:
		return "target reached"
	case StopEndSegment:
		return "end segment"
	case StopTimeout:
		return "timeout"
	case StopEndOfStream:
		return "end of stream"
	case StopCancelled:
		return "cancelled"
	case StopError:
		return "error"
	}
	return "unknown"
}

// SegmentReport describes one completed acquisition
type SegmentReport struct {
	SessionID     uint64
	Mode          session.Mode
	Segment       uint32 // 1-based
	Frames        uint32 // Frames captured in this acquisition
	WriteFailures uint32 // Frames that could not be written directly to the output
	Reason        StopReason
	Flushed       bool
	Flush         flush.Result // Valid if Flushed
	GainHint      string       // The white balance hint that was passed to the acquisition
	Pid           int          // Orchestrator pid from the session parameters
	Started       time.Time
	Finished      time.Time
	Err           error
}

// Status is a snapshot of the controller, safe to take from any goroutine
type Status struct {
	State         State
	SessionID     uint64
	Mode          session.Mode
	Buffering     bool
	Captured      uint32
	Segments      uint32
	Triggers      uint32
	Pid           int
	EventsPosted  uint64
	EventsDropped uint64
	LastError     string

	// Averages over the segments of the current session
	AvgSegmentTime   time.Duration
	AvgSegmentFrames float64
	MaxSegmentFrames uint32
}

// Options for NewController. Params, Acquirer, Direct, Buffered and Ring are required.
type Options struct {
	Params       ParamsSource
	Acquirer     Acquirer
	Direct       output.Output
	Buffered     output.Output
	Ring         *framering.Ring // The ring behind Buffered. Used to check MaxFrameSize.
	MaxFrameSize int             // If non-zero, a buffered session is rejected if the ring can't hold a frame of this size
	Notifier     Notifier        // Optional
	HistorySize  int             // Number of segment reports to remember. Default 32.
	DefaultPid   int             // Orchestrator pid, if the parameters don't name one
}

type Controller struct {
	Log logs.Log

	params       ParamsSource
	acquirer     Acquirer
	ring         *framering.Ring
	maxFrameSize int
	notifier     Notifier
	defaultPid   int

	mailbox *Mailbox
	session *session.Session
	sink    *output.Sink
	state   atomic.Int32
	nextID  uint64

	// Guards the fields that Status() reads, which the controller goroutine writes
	statusLock sync.Mutex
	current    *config.Params
	lastError  string
	segTime    perfstats.TimeAccumulator
	segFrames  perfstats.Accumulator[uint32]

	historyLock sync.Mutex
	history     ringbuffer.RingP[SegmentReport]
}

func NewController(log logs.Log, opt Options) *Controller {
	if opt.HistorySize <= 0 {
		opt.HistorySize = 32
	}
	sess := &session.Session{}
	return &Controller{
		Log:          logx.NewPrefixLogger(log, "Control:"),
		params:       opt.Params,
		acquirer:     opt.Acquirer,
		ring:         opt.Ring,
		maxFrameSize: opt.MaxFrameSize,
		notifier:     opt.Notifier,
		defaultPid:   opt.DefaultPid,
		mailbox:      NewMailbox(),
		session:      sess,
		sink:         output.NewSink(log, sess, opt.Direct, opt.Buffered),
		history:      ringbuffer.NewRingP[SegmentReport](opt.HistorySize),
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.Log.Infof("%v -> %v", old, s)
	}
}

// Post delivers an event. It never blocks. If an earlier event has not been taken yet, it is replaced.
func (c *Controller) Post(ev Event) {
	if replaced := c.mailbox.Put(ev); replaced != EventNone {
		c.Log.Debugf("%v replaced pending %v", ev, replaced)
	}
}

// Run processes events until ctx is cancelled, or a BufferedTriggered session terminates the controller.
// Returns nil on termination, and ctx.Err() on cancellation.
func (c *Controller) Run(ctx context.Context) error {
	c.notifyReady()
	for c.State() != StateTerminated {
		ev, err := c.mailbox.Wait(ctx)
		if err != nil {
			c.shutdown()
			return err
		}
		c.Handle(ctx, ev)
	}
	c.Log.Infof("Terminated")
	return nil
}

// Handle processes a single event, on the calling goroutine. Acquisitions run inline, so this
// may take a long time to return. Stale events are ignored, and return nil.
// An error is returned if a Reconfigure is rejected, or if a session ends because of an error.
func (c *Controller) Handle(ctx context.Context, ev Event) error {
	state := c.State()
	switch {
	case state == StateTerminated:
		c.stale(ev, state)
		return nil
	case state == StateIdle && ev == EventReconfigure:
		return c.reconfigure(ctx)
	case state == StateActive && ev == EventTrigger && c.session.Mode == session.ModeBufferedTriggered:
		return c.trigger(ctx)
	case state == StateActive && ev == EventEndSegment && c.session.Mode == session.ModeBufferedTriggered:
		if c.session.Triggers() == 0 {
			// EndSegment must be preceded by at least one Trigger in the same session
			c.stale(ev, state)
			return nil
		}
		c.Log.Infof("EndSegment after %v of %v segments. Ending session without flush", c.session.Segments(), c.session.TargetFrames)
		c.endSession(nil)
		return nil
	case state == StateActive && ev == EventEndSegment:
		c.endSession(nil)
		return nil
	}
	c.stale(ev, state)
	return nil
}

func (c *Controller) stale(ev Event, state State) {
	c.Log.Debugf("Ignoring stale %v while %v", ev, state)
}

// reconfigure loads new parameters, and starts a session. Nothing changes unless all checks pass.
func (c *Controller) reconfigure(ctx context.Context) error {
	params, err := c.params.LoadParams()
	if err != nil {
		return c.reject(err)
	}
	settings := params.Settings()
	if settings.Buffering && c.maxFrameSize != 0 && !c.ring.CanHold(c.maxFrameSize) {
		return c.reject(fmt.Errorf("%w: ring of %v bytes can't hold a frame of %v bytes", framering.ErrBufferTooSmall, c.ring.Capacity(), c.maxFrameSize))
	}
	if err := c.sink.Begin(params.TimestampsFile); err != nil {
		return c.reject(err)
	}

	c.nextID++
	c.statusLock.Lock()
	c.session.Reset(c.nextID, settings)
	c.current = params
	c.lastError = ""
	c.segTime.Reset()
	c.segFrames.Reset()
	c.statusLock.Unlock()

	c.Log.Infof("Session %v: mode %v, target %v, buffering %v, timeout %v", c.session.ID, settings.Mode, settings.TargetFrames, settings.Buffering, settings.Timeout)
	c.setState(StateActive)

	switch settings.Mode {
	case session.ModeSingle, session.ModeContinuousBuffered:
		report, err := c.acquire(ctx)
		if err == nil && c.session.Buffering {
			report.Flushed = true
			report.Flush, err = c.sink.Flush()
			report.Err = err
		}
		c.segmentComplete(report)
		c.endSession(err)
		return err
	case session.ModeRepeatTriggered:
		return c.repeat(ctx)
	case session.ModeBufferedTriggered:
		c.Log.Infof("Waiting for Trigger")
	}
	return nil
}

func (c *Controller) reject(err error) error {
	c.Log.Errorf("Reconfigure rejected: %v", err)
	c.statusLock.Lock()
	c.lastError = err.Error()
	c.statusLock.Unlock()
	c.notifyReady()
	return err
}

// repeat runs acquisitions back to back until EndSegment, end of stream, or an error
func (c *Controller) repeat(ctx context.Context) error {
	for {
		report, err := c.acquire(ctx)
		if err == nil && c.session.Buffering {
			report.Flushed = true
			report.Flush, err = c.sink.FlushFrames()
			report.Err = err
		}
		c.segmentComplete(report)
		if err != nil || report.Reason == StopEndSegment || report.Reason == StopEndOfStream {
			c.endSession(err)
			return err
		}
		// Between acquisitions is also a suspension point
		switch ev := c.mailbox.TryTake(); ev {
		case EventNone:
		case EventEndSegment:
			c.endSession(nil)
			return nil
		default:
			c.stale(ev, StateActive)
		}
		if c.notifier != nil {
			c.notifier.Ready(c.Status())
		}
	}
}

// trigger runs one BufferedTriggered acquisition
func (c *Controller) trigger(ctx context.Context) error {
	n := c.session.AddTrigger()
	c.Log.Infof("Trigger %v", n)
	report, err := c.acquire(ctx)
	if err != nil {
		c.segmentComplete(report)
		c.endSession(err)
		return err
	}
	if report.Reason == StopEndSegment {
		c.segmentComplete(report)
		c.endSession(nil)
		return nil
	}
	if !c.session.TargetReached() {
		c.segmentComplete(report)
		return nil
	}
	c.Log.Infof("All %v segments captured", c.session.TargetFrames)
	report.Flushed = true
	report.Flush, err = c.sink.Flush()
	report.Err = err
	c.sink.Reset()
	c.segmentComplete(report)
	c.setState(StateTerminated)
	return err
}

// acquire runs one acquisition to completion, pushing every frame into the sink
func (c *Controller) acquire(ctx context.Context) (SegmentReport, error) {
	s := c.session
	want := s.AcquisitionFrames()
	params := AcquisitionParams{
		SessionID: s.ID,
		Segment:   s.Segments(),
		Frames:    want,
		Timeout:   s.Timeout,
		GainHint:  s.AcquisitionGainHint(),
	}
	c.statusLock.Lock()
	if c.current != nil {
		params.Codec = c.current.Codec
		params.Capture = c.current.Capture
	}
	c.statusLock.Unlock()

	report := SegmentReport{
		SessionID: s.ID,
		Mode:      s.Mode,
		Segment:   s.Segments() + 1,
		GainHint:  params.GainHint,
		Pid:       c.pid(),
		Started:   time.Now(),
	}

	if err := c.acquirer.Start(params); err != nil {
		report.Reason = StopError
		report.Err = fmt.Errorf("Failed to start acquisition: %w", err)
		report.Finished = time.Now()
		return report, report.Err
	}

	acqCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	for {
		if want != 0 && report.Frames >= want {
			report.Reason = StopTargetReached
			break
		}
		frame, err := c.acquirer.NextFrame(acqCtx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				report.Reason = StopEndOfStream
			case ctx.Err() != nil:
				report.Reason = StopCancelled
				report.Err = ctx.Err()
			case errors.Is(err, context.DeadlineExceeded) || acqCtx.Err() != nil:
				report.Reason = StopTimeout
			default:
				report.Reason = StopError
				report.Err = fmt.Errorf("Acquisition failed: %w", err)
			}
			break
		}
		s.ObserveFrame(frame)
		if err := c.sink.Accept(frame); err != nil {
			if output.IsBufferTooSmall(err) {
				report.Reason = StopError
				report.Err = err
				break
			}
			report.WriteFailures++
			c.Log.Warnf("Frame %v: %v", s.Captured(), err)
		}
		report.Frames++
		s.AddCaptured()

		if c.mailbox.TakeIf(EventEndSegment) {
			report.Reason = StopEndSegment
			break
		}
	}

	if err := c.acquirer.Stop(); err != nil {
		c.Log.Warnf("Failed to stop acquisition: %v", err)
	}
	s.AddSegment()
	report.Finished = time.Now()
	c.Log.Infof("Segment %v: %v frames in %.3f seconds (%v), gains %v", report.Segment, report.Frames, report.Finished.Sub(report.Started).Seconds(), report.Reason, s.GainHint())
	return report, report.Err
}

func (c *Controller) segmentComplete(report SegmentReport) {
	c.statusLock.Lock()
	c.segTime.AddSample(report.Finished.Sub(report.Started))
	c.segFrames.AddSample(report.Frames)
	c.statusLock.Unlock()
	c.historyLock.Lock()
	c.history.Add(report)
	c.historyLock.Unlock()
	if c.notifier != nil {
		c.notifier.SegmentComplete(report)
	}
}

// endSession discards everything retained by the outputs, and returns to Idle
func (c *Controller) endSession(err error) {
	c.sink.Reset()
	c.statusLock.Lock()
	if err != nil {
		c.lastError = err.Error()
	}
	c.statusLock.Unlock()
	if err != nil {
		c.Log.Errorf("Session %v failed: %v", c.session.ID, err)
	} else {
		st := c.Status()
		c.Log.Infof("Session %v ended after %v frames in %v segments (average %.1f frames in %v)", c.session.ID, st.Captured, st.Segments, st.AvgSegmentFrames, st.AvgSegmentTime)
	}
	c.setState(StateIdle)
	c.notifyReady()
}

func (c *Controller) shutdown() {
	if c.State() == StateActive {
		c.Log.Infof("Shutting down with session %v still active", c.session.ID)
	}
	c.sink.Reset()
}

func (c *Controller) notifyReady() {
	if c.notifier != nil {
		c.notifier.Ready(c.Status())
	}
}

func (c *Controller) pid() int {
	c.statusLock.Lock()
	defer c.statusLock.Unlock()
	if c.current != nil && c.current.Pid != 0 {
		return c.current.Pid
	}
	return c.defaultPid
}

func (c *Controller) Status() Status {
	st := Status{
		State:         c.State(),
		Pid:           c.pid(),
		Captured:      c.session.Captured(),
		Segments:      c.session.Segments(),
		Triggers:      c.session.Triggers(),
		EventsPosted:  c.mailbox.Posted(),
		EventsDropped: c.mailbox.Dropped(),
	}
	c.statusLock.Lock()
	st.SessionID = c.session.ID
	st.Mode = c.session.Mode
	st.Buffering = c.session.Buffering
	st.LastError = c.lastError
	st.AvgSegmentTime = c.segTime.Average()
	st.AvgSegmentFrames = c.segFrames.Average()
	st.MaxSegmentFrames = c.segFrames.Max
	c.statusLock.Unlock()
	return st
}

// History returns the most recent segment reports, oldest first
func (c *Controller) History() []SegmentReport {
	c.historyLock.Lock()
	defer c.historyLock.Unlock()
	h := make([]SegmentReport, 0, c.history.Len())
	for i := 0; i < c.history.Len(); i++ {
		h = append(h, c.history.Peek(i))
	}
	return h
}
