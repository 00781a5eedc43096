package control

import (
	"context"
	"time"

	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/cyclopcam/framecap/server/config"
)

// AcquisitionParams describe one acquisition (segment)
type AcquisitionParams struct {
	SessionID uint64
	Segment   uint32        // 0-based index of this acquisition within the session
	Frames    uint32        // Number of frames to deliver. 0 = unbounded.
	Timeout   time.Duration // Duration bound. 0 = none.
	Codec     videox.Codec
	GainHint  string            // White balance hint "red,blue", or "0,0" for auto
	Capture   map[string]string // Opaque capture settings from the parameters document
}

// Acquirer is the capture pipeline. Only one acquisition is running at a time.
type Acquirer interface {
	// Start begins an acquisition
	Start(params AcquisitionParams) error

	// NextFrame blocks until the next frame is complete.
	// Returns io.EOF when the stream has ended, or ctx.Err() if ctx is cancelled.
	// The returned frame is only valid until the next call to NextFrame.
	NextFrame(ctx context.Context) (*videox.Frame, error)

	// Stop ends the acquisition
	Stop() error
}

// ParamsSource supplies the session parameters on every Reconfigure
type ParamsSource interface {
	LoadParams() (*config.Params, error)
}

// ParamsFile reads the session parameters from a JSON file
type ParamsFile string

func (p ParamsFile) LoadParams() (*config.Params, error) {
	return config.LoadParams(string(p))
}

// Notifier tells the orchestrator about our lifecycle.
// Calls are made on the controller's goroutine, so they should not block for long.
type Notifier interface {
	// Ready is sent when we're idle, and able to accept a Reconfigure
	Ready(status Status)

	// SegmentComplete is sent after every acquisition
	SegmentComplete(report SegmentReport)
}
