package notify

import (
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/framecap/server/control"
	"github.com/cyclopcam/framecap/server/session"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSystemdNotifier(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sockPath)

	read := func() string {
		buf := make([]byte, 1024)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := conn.ReadFromUnix(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}

	n := NewSystemdNotifier(logs.NewTestingLog(t))
	n.Ready(control.Status{State: control.StateIdle})
	require.Equal(t, "READY=1", read())
	require.True(t, strings.HasPrefix(read(), "STATUS=idle"))

	// READY is only sent once
	n.Ready(control.Status{State: control.StateIdle, LastError: "bad params"})
	msg := read()
	require.True(t, strings.HasPrefix(msg, "STATUS=idle"))
	require.Contains(t, msg, "bad params")

	n.SegmentComplete(control.SegmentReport{SessionID: 3, Segment: 2, Frames: 10})
	require.Equal(t, "STATUS=session 3 segment 2: 10 frames (target reached)", read())
}

func TestSystemdNotifierWithoutSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewSystemdNotifier(logs.NewTestingLog(t))
	n.Ready(control.Status{})
	n.SegmentComplete(control.SegmentReport{})
}

func TestSignalNotifier(t *testing.T) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGHUP, unix.SIGUSR1)
	defer signal.Stop(sigs)

	expect := func(sig os.Signal) {
		select {
		case got := <-sigs:
			require.Equal(t, sig, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("Did not receive %v", sig)
		}
	}

	n := NewSignalNotifier(logs.NewTestingLog(t), 0)
	n.Ready(control.Status{Pid: os.Getpid()})
	expect(unix.SIGHUP)

	// Only BufferedTriggered segments are signalled
	n.SegmentComplete(control.SegmentReport{Mode: session.ModeSingle, Pid: os.Getpid()})
	n.SegmentComplete(control.SegmentReport{Mode: session.ModeBufferedTriggered, Pid: os.Getpid()})
	expect(unix.SIGUSR1)

	// No pid anywhere means no signal
	n.Ready(control.Status{})
	select {
	case sig := <-sigs:
		t.Fatalf("Unexpected signal %v", sig)
	case <-time.After(50 * time.Millisecond):
	}

	// Fall back to the default pid
	n.DefaultPid = os.Getpid()
	Multi{n}.Ready(control.Status{})
	expect(unix.SIGHUP)
}
