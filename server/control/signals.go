package control

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// The signals that the orchestrator sends us
var SignalMap = map[os.Signal]Event{
	unix.SIGHUP:  EventReconfigure,
	unix.SIGUSR1: EventTrigger,
	unix.SIGUSR2: EventEndSegment,
}

// EventPoster is anything that accepts control events, such as a Controller
type EventPoster interface {
	Post(ev Event)
}

// ListenForControlSignals turns SIGHUP, SIGUSR1 and SIGUSR2 into control events, until ctx is done.
// The returned channel is closed once the signal handlers have been removed.
func ListenForControlSignals(ctx context.Context, c *Controller) <-chan struct{} {
	return forwardSignals(ctx, c, c.Log.Infof)
}

func forwardSignals(ctx context.Context, dst EventPoster, logf func(format string, a ...any)) <-chan struct{} {
	signalIn := make(chan os.Signal, 1)
	signals := make([]os.Signal, 0, len(SignalMap))
	for sig := range SignalMap {
		signals = append(signals, sig)
	}
	signal.Notify(signalIn, signals...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(signalIn)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-signalIn:
				ev := SignalMap[sig]
				logf("Received OS signal '%v' (%v)", sig, ev)
				dst.Post(ev)
			}
		}
	}()
	return done
}
