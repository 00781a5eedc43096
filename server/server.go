package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cyclopcam/framecap/pkg/flush"
	"github.com/cyclopcam/framecap/pkg/framering"
	"github.com/cyclopcam/framecap/pkg/kibi"
	"github.com/cyclopcam/framecap/server/config"
	"github.com/cyclopcam/framecap/server/control"
	"github.com/cyclopcam/framecap/server/notify"
	"github.com/cyclopcam/framecap/server/output"
	"github.com/cyclopcam/framecap/server/source"
	"github.com/cyclopcam/logs"
)

// Server owns everything that the frame capture daemon needs: the ring, the outputs,
// the acquisition source, and the controller that drives them.
type Server struct {
	Log        logs.Log
	Config     *config.Config
	Controller *control.Controller
	Source     *source.StreamSource
	Ring       *framering.Ring

	signalIn     chan os.Signal
	cancel       context.CancelFunc
	lock         sync.Mutex
	shutdownOnce sync.Once
}

// NewServer allocates the ring and wires up the controller. Nothing is opened until Run.
// A ring that can't hold the largest frame the source will deliver is framering.ErrBufferTooSmall.
func NewServer(log logs.Log, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ringSize, err := cfg.RingBytes()
	if err != nil {
		return nil, err
	}
	maxFrameSize, err := cfg.MaxFrameBytes()
	if err != nil {
		return nil, err
	}
	log.Infof("Allocating frame ring of %v", kibi.FormatBytes(int64(ringSize)))
	ring := framering.New(ringSize)

	dest := outputDestination(cfg)
	direct := output.NewDirectOutput(log, dest)
	buffered := output.NewBufferedOutput(log, ring, flush.Policy{WarmupFrames: cfg.WarmupFrames}, dest)

	src := source.NewStreamSource(log, sourceDialer(cfg.Source), maxFrameSize)

	notifiers := notify.Multi{}
	if cfg.NotifySystemd {
		notifiers = append(notifiers, notify.NewSystemdNotifier(log))
	}
	notifiers = append(notifiers, notify.NewSignalNotifier(log, cfg.NotifyPid))

	ctrl := control.NewController(log, control.Options{
		Params:       control.ParamsFile(cfg.ParamsPath),
		Acquirer:     src,
		Direct:       direct,
		Buffered:     buffered,
		Ring:         ring,
		MaxFrameSize: src.MaxFrameSize,
		Notifier:     notifiers,
		HistorySize:  cfg.HistorySize,
		DefaultPid:   cfg.NotifyPid,
	})

	return &Server{
		Log:        log,
		Config:     cfg,
		Controller: ctrl,
		Source:     src,
		Ring:       ring,
	}, nil
}

func outputDestination(cfg *config.Config) output.Destination {
	switch {
	case cfg.Output == "-":
		return output.WriterDestination(os.Stdout)
	case cfg.OutputFifo:
		return output.FifoDestination(cfg.Output)
	default:
		return output.FileDestination(cfg.Output)
	}
}

// The capture process usually listens on a unix socket, which may not exist yet when we start.
// Anything else that exists is read as a plain file or fifo.
func sourceDialer(path string) source.Dialer {
	if path == "-" {
		return source.ReaderDialer(os.Stdin)
	}
	st, err := os.Stat(path)
	if err == nil && st.Mode()&os.ModeSocket == 0 {
		return source.FileDialer(path)
	}
	return source.UnixSocketDialer(path)
}

// Run blocks until the controller terminates, or Shutdown is called.
// Control signals and (optionally) parameter file changes are forwarded to the controller while we run.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.lock.Lock()
	s.cancel = cancel
	s.lock.Unlock()
	defer cancel()

	signalsDone := control.ListenForControlSignals(ctx, s.Controller)

	var watcher *config.ParamsWatcher
	if s.Config.WatchParams {
		var err error
		watcher, err = config.NewParamsWatcher(s.Log, s.Config.ParamsPath, config.DefaultWatchDebounce, func() {
			s.Controller.Post(control.EventReconfigure)
		})
		if err != nil {
			return fmt.Errorf("Failed to watch %v: %w", s.Config.ParamsPath, err)
		}
	}

	s.Log.Infof("Waiting for control events (params %v, source %v, output %v)", s.Config.ParamsPath, s.Config.Source, s.Config.Output)
	err := s.Controller.Run(ctx)

	cancel()
	<-signalsDone
	if watcher != nil {
		watcher.Close()
	}
	s.Source.Close()

	received, dropped := s.Source.Stats()
	s.Log.Infof("Exiting. %v frames received from source, %v dropped between acquisitions", received, dropped)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown cancels any running acquisition, and causes Run to return
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		s.lock.Lock()
		cancel := s.cancel
		s.lock.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}
