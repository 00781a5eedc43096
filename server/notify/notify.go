// Package notify tells the outside world about the controller's lifecycle
package notify

import (
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/framecap/server/control"
	"github.com/cyclopcam/logs"
	"golang.org/x/sys/unix"
)

// SystemdNotifier sends READY=1 the first time we're ready, and a STATUS line on every event.
// If we're not running under systemd, this does nothing.
type SystemdNotifier struct {
	Log       logs.Log
	readyOnce sync.Once
}

func NewSystemdNotifier(log logs.Log) *SystemdNotifier {
	return &SystemdNotifier{Log: log}
}

func (s *SystemdNotifier) Ready(status control.Status) {
	s.readyOnce.Do(func() {
		s.send(daemon.SdNotifyReady)
	})
	msg := fmt.Sprintf("STATUS=%v, %v sessions", status.State, status.SessionID)
	if status.LastError != "" {
		msg += ", last error: " + status.LastError
	}
	s.send(msg)
}

func (s *SystemdNotifier) SegmentComplete(report control.SegmentReport) {
	s.send(fmt.Sprintf("STATUS=session %v segment %v: %v frames (%v)", report.SessionID, report.Segment, report.Frames, report.Reason))
}

func (s *SystemdNotifier) send(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		s.Log.Warnf("sd_notify '%v' failed: %v", state, err)
	}
}

// SignalNotifier signals the orchestrator process. SIGHUP means that we're ready for a Reconfigure,
// and SIGUSR1 means that a BufferedTriggered segment is done, and we're ready for the next Trigger.
// The pid comes from the session parameters, or DefaultPid if they don't name one.
type SignalNotifier struct {
	Log        logs.Log
	DefaultPid int
}

func NewSignalNotifier(log logs.Log, defaultPid int) *SignalNotifier {
	return &SignalNotifier{
		Log:        log,
		DefaultPid: defaultPid,
	}
}

func (s *SignalNotifier) Ready(status control.Status) {
	s.signal(status.Pid, unix.SIGHUP)
}

func (s *SignalNotifier) SegmentComplete(report control.SegmentReport) {
	// Other modes have nothing to wait for between segments, and hear about it via Ready
	if report.Mode.WaitsForTrigger() {
		s.signal(report.Pid, unix.SIGUSR1)
	}
}

func (s *SignalNotifier) signal(pid int, sig unix.Signal) {
	if pid == 0 {
		pid = s.DefaultPid
	}
	if pid <= 0 {
		return
	}
	if err := unix.Kill(pid, sig); err != nil {
		s.Log.Warnf("Failed to send %v to orchestrator %v: %v", unix.SignalName(sig), pid, err)
	} else {
		s.Log.Debugf("Sent %v to orchestrator %v", unix.SignalName(sig), pid)
	}
}

// Multi sends every notification to all of its members, in order
type Multi []control.Notifier

func (m Multi) Ready(status control.Status) {
	for _, n := range m {
		n.Ready(status)
	}
}

func (m Multi) SegmentComplete(report control.SegmentReport) {
	for _, n := range m {
		n.SegmentComplete(report)
	}
}
